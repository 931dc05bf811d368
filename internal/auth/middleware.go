package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// CallerKey is the gin context key holding the authenticated common.Address.
const CallerKey = "caller_address"

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
// Payload must equal the request body, so the signature covers the order.
type SignedRequest struct {
	Action    string          `json:"action"`
	ExpiresAt int64           `json:"expires_at"`
	Nonce     string          `json:"nonce"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

const (
	maxFutureWindow = 5 * time.Minute
	nonceKeyFmt     = "auth:nonce:%s:%s" // wallet (lowercase), nonce
)

// Middleware returns a Gin handler that validates EIP-191 wallet signatures
// for one action.
func Middleware(rdb *redis.Client, action string) gin.HandlerFunc {
	return MiddlewareWithClock(rdb, action, time.Now)
}

// MiddlewareWithClock is Middleware with an injectable clock.
func MiddlewareWithClock(rdb *redis.Client, action string, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader(HeaderWallet)
		signedMsgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			abort(c, http.StatusUnauthorized, "missing auth headers")
			return
		}
		if !common.IsHexAddress(walletAddr) {
			abort(c, http.StatusUnauthorized, "invalid X-Wallet-Address")
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid X-Signed-Message encoding")
			return
		}
		var req SignedRequest
		if err := json.Unmarshal(msgBytes, &req); err != nil {
			abort(c, http.StatusUnauthorized, "invalid signed message JSON")
			return
		}
		if req.Action != action {
			abort(c, http.StatusUnauthorized, "action mismatch")
			return
		}

		ts := now().Unix()
		if req.ExpiresAt <= ts {
			abort(c, http.StatusUnauthorized, "request expired")
			return
		}
		if req.ExpiresAt > ts+int64(maxFutureWindow.Seconds()) {
			abort(c, http.StatusUnauthorized, "expires_at too far in future")
			return
		}

		if !strings.HasPrefix(sigHex, "0x") {
			sigHex = "0x" + sigHex
		}
		sig, err := hexutil.Decode(sigHex)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid signature hex")
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || recovered != common.HexToAddress(walletAddr) {
			abort(c, http.StatusUnauthorized, "invalid signature")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abort(c, http.StatusBadRequest, "unreadable body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		if !samePayload(req.Payload, body) {
			abort(c, http.StatusUnauthorized, "payload mismatch")
			return
		}

		// Nonce dedup via Redis SET NX, scoped per wallet
		nonceKey := fmt.Sprintf(nonceKeyFmt, strings.ToLower(recovered.Hex()), req.Nonce)
		ttl := time.Duration(req.ExpiresAt-ts) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKey, 1, ttl).Result()
		if err != nil {
			abort(c, http.StatusInternalServerError, "internal error")
			return
		}
		if !set {
			abort(c, http.StatusUnauthorized, "nonce already used")
			return
		}

		c.Set(CallerKey, recovered)
		c.Next()
	}
}

// Caller returns the authenticated wallet set by the middleware.
func Caller(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(CallerKey)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// samePayload compares the signed payload with the body, ignoring JSON
// whitespace. An empty body matches an absent payload.
func samePayload(signed json.RawMessage, body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return len(signed) == 0 || string(signed) == "null" || string(signed) == "{}"
	}
	var a, b bytes.Buffer
	if err := json.Compact(&a, signed); err != nil {
		return false
	}
	if err := json.Compact(&b, body); err != nil {
		return false
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSetup creates a miniredis instance and a Gin engine with the auth
// middleware guarding the "purchase" action.
func testSetup(t *testing.T) (*miniredis.Miniredis, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := gin.New()
	r.POST("/test", Middleware(rdb, "purchase"), func(c *gin.Context) {
		caller, _ := Caller(c)
		c.JSON(http.StatusOK, gin.H{"caller": caller.Hex()})
	})
	return mr, r
}

type signedCall struct {
	key     *ecdsa.PrivateKey
	action  string
	expires time.Duration
	nonce   string
	payload string
	body    string
}

func newCall(t *testing.T, nonce string) signedCall {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	body := `{"asset":"0x3333333333333333333333333333333333333333","amount":"1000000"}`
	return signedCall{key: key, action: "purchase", expires: 2 * time.Minute, nonce: nonce, payload: body, body: body}
}

func (sc signedCall) request(t *testing.T) *http.Request {
	t.Helper()
	sr := SignedRequest{
		Action:    sc.action,
		ExpiresAt: time.Now().Add(sc.expires).Unix(),
		Nonce:     sc.nonce,
		Payload:   json.RawMessage(sc.payload),
	}
	h, err := Headers(sr, sc.key)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(sc.body))
	req.Header = h
	return req
}

func serve(r *gin.Engine, req *http.Request) (int, map[string]string) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	return w.Code, resp
}

func TestMiddleware_ValidRequest(t *testing.T) {
	_, r := testSetup(t)
	sc := newCall(t, "nonce-valid-1")

	code, resp := serve(r, sc.request(t))
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, resp)
	}
	if resp["caller"] != crypto.PubkeyToAddress(sc.key.PublicKey).Hex() {
		t.Errorf("caller: got %s", resp["caller"])
	}
}

func TestMiddleware_PayloadWhitespaceIgnored(t *testing.T) {
	_, r := testSetup(t)
	sc := newCall(t, "nonce-ws-1")
	sc.body = "{ \"asset\": \"0x3333333333333333333333333333333333333333\",\n \"amount\": \"1000000\" }"

	if code, resp := serve(r, sc.request(t)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", code, resp)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*signedCall)
		wantErr string
	}{
		{"expired", func(sc *signedCall) { sc.expires = -time.Second }, "request expired"},
		{"too far in future", func(sc *signedCall) { sc.expires = 10 * time.Minute }, "expires_at too far in future"},
		{"other action", func(sc *signedCall) { sc.action = "claim" }, "action mismatch"},
		{"body differs from signed payload", func(sc *signedCall) {
			sc.body = `{"asset":"0x3333333333333333333333333333333333333333","amount":"9000000"}`
		}, "payload mismatch"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, r := testSetup(t)
			sc := newCall(t, "nonce-"+tc.name)
			tc.mutate(&sc)
			code, resp := serve(r, sc.request(t))
			if code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", code)
			}
			if resp["error"] != tc.wantErr {
				t.Errorf("error: got %q want %q", resp["error"], tc.wantErr)
			}
		})
	}
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	_, r := testSetup(t)
	code, _ := serve(r, httptest.NewRequest(http.MethodPost, "/test", nil))
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestMiddleware_InvalidSignature(t *testing.T) {
	_, r := testSetup(t)
	req := newCall(t, "nonce-badsig-1").request(t)
	req.Header.Set(HeaderWallet, "0x000000000000000000000000000000000000dEaD")

	code, resp := serve(r, req)
	if code != http.StatusUnauthorized || resp["error"] != "invalid signature" {
		t.Fatalf("got %d %v", code, resp)
	}
}

func TestMiddleware_NonceReplay(t *testing.T) {
	_, r := testSetup(t)
	sc := newCall(t, "nonce-replay-1")

	if code, resp := serve(r, sc.request(t)); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d: %v", code, resp)
	}
	code, resp := serve(r, sc.request(t))
	if code != http.StatusUnauthorized || resp["error"] != "nonce already used" {
		t.Fatalf("replay: got %d %v", code, resp)
	}
}

func TestMiddleware_NonceScopedPerWallet(t *testing.T) {
	_, r := testSetup(t)
	a := newCall(t, "shared-nonce")
	b := newCall(t, "shared-nonce")

	if code, _ := serve(r, a.request(t)); code != http.StatusOK {
		t.Fatalf("wallet a: got %d", code)
	}
	if code, resp := serve(r, b.request(t)); code != http.StatusOK {
		t.Fatalf("wallet b must not be blocked by a's nonce: %d %v", code, resp)
	}
}

func TestMiddleware_NonceExpires(t *testing.T) {
	mr, r := testSetup(t)
	sc := newCall(t, "nonce-ttl-1")
	if code, _ := serve(r, sc.request(t)); code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", code)
	}

	key := "auth:nonce:" + strings.ToLower(crypto.PubkeyToAddress(sc.key.PublicKey).Hex()) + ":nonce-ttl-1"
	if !mr.Exists(key) {
		t.Fatalf("nonce key %s not stored", key)
	}
	mr.FastForward(3 * time.Minute)
	if mr.Exists(key) {
		t.Error("nonce key should expire with the request")
	}
}

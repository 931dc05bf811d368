// Package auth authenticates API callers by EIP-191 wallet signatures. The
// recovered wallet address is the caller identity every presale entry point
// checks against.
package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Request headers carrying the wallet signature.
const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"
)

var errSigLength = errors.New("invalid signature length")

// HashMessage is the personal_sign digest:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SignMessage signs msg the way wallets do for personal_sign, V in {27,28}.
func SignMessage(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the wallet that signed msg. V may be {0,1} or {27,28}.
func Recover(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errSigLength
	}
	rsv := common.CopyBytes(sig)
	if rsv[crypto.RecoveryIDOffset] >= 27 {
		rsv[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(HashMessage(msg), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignRequest encodes req and signs the encoding.
func SignRequest(req SignedRequest, key *ecdsa.PrivateKey) (msg, sig []byte, err error) {
	msg, err = json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	sig, err = SignMessage(msg, key)
	if err != nil {
		return nil, nil, err
	}
	return msg, sig, nil
}

// Headers signs req with key and returns the headers Middleware expects.
func Headers(req SignedRequest, key *ecdsa.PrivateKey) (http.Header, error) {
	msg, sig, err := SignRequest(req, key)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set(HeaderWallet, crypto.PubkeyToAddress(key.PublicKey).Hex())
	h.Set(HeaderMessage, base64.StdEncoding.EncodeToString(msg))
	h.Set(HeaderSignature, hexutil.Encode(sig))
	return h, nil
}

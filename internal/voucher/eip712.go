package voucher

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var voucherTypeHash = crypto.Keccak256Hash([]byte(
	"PresaleVoucher(address buyer,address beneficiary,address paymentToken,uint256 usdLimit,uint256 nonce,uint256 deadline,address presale)",
))

var (
	domainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	domainNameHash    = crypto.Keccak256Hash([]byte("Token Presale Authorizer"))
	domainVersionHash = crypto.Keccak256Hash([]byte("1"))
)

// ErrSignatureLength is returned for signatures that are not 65 bytes (R || S || V).
var ErrSignatureLength = errors.New("invalid signature length")

// DomainSeparator binds a digest to the network and to the authorizer
// instance that verifies it.
func DomainSeparator(chainID *big.Int, authorizer common.Address) [32]byte {
	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], domainNameHash[:])
	copy(encoded[64:96], domainVersionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], authorizer.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// StructHash is keccak256(typeHash || abi.encode(fields)). It does not depend
// on the domain or the signature and serves as the voucher's content hash.
// Callers must Validate the voucher first.
func StructHash(v *PresaleVoucher) [32]byte {
	encoded := make([]byte, 8*32)
	copy(encoded[0:32], voucherTypeHash[:])
	copy(encoded[44:64], v.Buyer.Bytes())
	copy(encoded[76:96], v.Beneficiary.Bytes())
	copy(encoded[108:128], v.PaymentToken.Bytes())
	v.USDLimit.FillBytes(encoded[128:160])
	v.Nonce.FillBytes(encoded[160:192])
	v.Deadline.FillBytes(encoded[192:224])
	copy(encoded[236:256], v.Presale.Bytes())
	return crypto.Keccak256Hash(encoded)
}

// Digest is keccak256(0x1901 || domainSeparator || structHash).
func Digest(v *PresaleVoucher, chainID *big.Int, authorizer common.Address) [32]byte {
	structHash := StructHash(v)
	sep := DomainSeparator(chainID, authorizer)

	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Recover returns the address that signed the voucher for the given domain.
func Recover(v *PresaleVoucher, chainID *big.Int, authorizer common.Address) (common.Address, error) {
	if err := v.Validate(); err != nil {
		return common.Address{}, err
	}
	if len(v.Signature) != 65 {
		return common.Address{}, ErrSignatureLength
	}
	digest := Digest(v, chainID, authorizer)
	sig := make([]byte, 65)
	copy(sig, v.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs the voucher in-place with the trusted signer key.
func Sign(v *PresaleVoucher, privKey *ecdsa.PrivateKey, chainID *big.Int, authorizer common.Address) error {
	if err := v.Validate(); err != nil {
		return err
	}
	digest := Digest(v, chainID, authorizer)
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// V in 27/28, matching ecrecover-based verifiers
	sig[64] += 27
	v.Signature = sig
	return nil
}

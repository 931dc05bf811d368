// Package authorizer verifies and consumes signed presale vouchers.
//
// A voucher is accepted only when it is signed by the trusted signer for
// this authorizer's EIP-712 domain, targets the presale instance being
// called, is presented by its buyer for its beneficiary and payment asset,
// has not expired, carries the buyer's next sequential nonce and covers the
// transaction's USD value. Acceptance increments the buyer's nonce.
package authorizer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

var (
	ErrMalformedVoucher      = errs.New(errs.KindAuthorization, "MalformedVoucher", "malformed voucher")
	ErrInvalidSignature      = errs.New(errs.KindAuthorization, "InvalidSignature", "invalid signature")
	ErrInvalidNonce          = errs.New(errs.KindAuthorization, "InvalidNonce", "invalid nonce")
	ErrVoucherExpired        = errs.New(errs.KindAuthorization, "VoucherExpired", "voucher expired")
	ErrInvalidPresaleAddress = errs.New(errs.KindAuthorization, "InvalidPresaleAddress", "voucher targets another presale")
	ErrInsufficientLimit     = errs.New(errs.KindAuthorization, "InsufficientLimit", "usd value exceeds voucher limit")
	ErrBuyerMismatch         = errs.New(errs.KindAuthorization, "BuyerMismatch", "only buyer can use voucher")
	ErrBeneficiaryMismatch   = errs.New(errs.KindAuthorization, "BeneficiaryMismatch", "beneficiary does not match voucher")
	ErrPaymentTokenMismatch  = errs.New(errs.KindAuthorization, "PaymentTokenMismatch", "payment asset does not match voucher")
)

// Request is everything the presale observed about one redemption attempt.
type Request struct {
	Voucher      *voucher.PresaleVoucher
	Caller       common.Address
	Beneficiary  common.Address
	PaymentAsset common.Address
	USDValue     *big.Int
	Presale      common.Address
	Now          time.Time
}

// Undo reverts the nonce consumed by a successful Authorize. It is safe to
// call more than once.
type Undo func()

// Authorizer is the verify-and-consume capability the presale engine holds.
// Authorize is not idempotent: call it exactly once per redemption attempt.
type Authorizer interface {
	Authorize(ctx context.Context, req Request) (Undo, error)
}

// VoucherAuthorizer is the signature-checking Authorizer.
type VoucherAuthorizer struct {
	mu      sync.Mutex
	address common.Address
	chainID *big.Int
	signer  common.Address
	nonces  map[common.Address]uint64
	log     *zap.Logger
}

// New returns an authorizer whose EIP-712 domain is (chainID, address) and
// which trusts vouchers signed by signer.
func New(address common.Address, chainID *big.Int, signer common.Address, log *zap.Logger) *VoucherAuthorizer {
	return &VoucherAuthorizer{
		address: address,
		chainID: new(big.Int).Set(chainID),
		signer:  signer,
		nonces:  make(map[common.Address]uint64),
		log:     log,
	}
}

// Address returns the instance identity used in the domain separator.
func (a *VoucherAuthorizer) Address() common.Address { return a.address }

// ChainID returns the network identity used in the domain separator.
func (a *VoucherAuthorizer) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

// Signer returns the trusted signer address.
func (a *VoucherAuthorizer) Signer() common.Address { return a.signer }

// Nonce returns the next nonce the buyer must present.
func (a *VoucherAuthorizer) Nonce(buyer common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[buyer]
}

// Authorize implements Authorizer.
func (a *VoucherAuthorizer) Authorize(_ context.Context, req Request) (Undo, error) {
	v := req.Voucher
	if err := v.Validate(); err != nil {
		return nil, ErrMalformedVoucher
	}

	recovered, err := voucher.Recover(v, a.chainID, a.address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if recovered != a.signer {
		return nil, ErrInvalidSignature
	}
	if v.Presale != req.Presale {
		return nil, ErrInvalidPresaleAddress
	}
	if req.Caller != v.Buyer {
		return nil, ErrBuyerMismatch
	}
	if req.Beneficiary != v.Beneficiary {
		return nil, ErrBeneficiaryMismatch
	}
	if req.PaymentAsset != v.PaymentToken {
		return nil, ErrPaymentTokenMismatch
	}
	if !v.NeverExpires() && big.NewInt(req.Now.Unix()).Cmp(v.Deadline) > 0 {
		return nil, ErrVoucherExpired
	}
	if req.USDValue == nil || req.USDValue.Cmp(v.USDLimit) > 0 {
		return nil, ErrInsufficientLimit
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	stored := a.nonces[v.Buyer]
	if !v.Nonce.IsUint64() || v.Nonce.Uint64() != stored {
		return nil, fmt.Errorf("%w: got %s want %d", ErrInvalidNonce, v.Nonce, stored)
	}
	a.nonces[v.Buyer] = stored + 1

	a.log.Debug("voucher authorized",
		zap.String("buyer", v.Buyer.Hex()),
		zap.Uint64("nonce", stored),
	)

	buyer := v.Buyer
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.nonces[buyer] == stored+1 {
				a.nonces[buyer] = stored
			}
		})
	}, nil
}

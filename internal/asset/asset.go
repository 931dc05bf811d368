// Package asset describes the external token collaborators of the presale:
// payment assets pulled from buyers and the sale token released to them.
//
// Two transfer conventions exist in the wild. BoolToken reports success with
// a boolean; Token reports only failure. SafeTransfer and SafeTransferFrom
// accept either and treat a call that does not fail (and does not return
// false) as success. Callers still verify balance deltas themselves.
package asset

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
)

var (
	ErrTransferFailed   = errs.New(errs.KindAssetTransfer, "TransferFailed", "asset transfer failed")
	ErrUnsupportedAsset = errs.New(errs.KindAssetTransfer, "UnsupportedAsset", "asset delivered less than requested")
)

// Balances is the read surface every asset exposes.
type Balances interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// BoolToken follows the boolean-returning transfer convention.
type BoolToken interface {
	Balances
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (bool, error)
}

// Token follows the non-returning transfer convention.
type Token interface {
	Balances
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
}

// SaleToken is the token being sold. Allocate assigns supply to the presale;
// how the token mints or reserves that supply is its own policy.
type SaleToken interface {
	Balances
	Allocate(ctx context.Context, to common.Address, amount *big.Int) error
}

// SafeTransfer moves amount from `from` to `to` on either convention.
func SafeTransfer(ctx context.Context, a Balances, from, to common.Address, amount *big.Int) error {
	switch t := a.(type) {
	case BoolToken:
		ok, err := t.Transfer(ctx, from, to, amount)
		return result(ok, err)
	case Token:
		return result(true, t.Transfer(ctx, from, to, amount))
	default:
		return fmt.Errorf("%w: %T has no transfer", ErrTransferFailed, a)
	}
}

// SafeTransferFrom moves amount from `from` to `to` using spender's allowance.
func SafeTransferFrom(ctx context.Context, a Balances, spender, from, to common.Address, amount *big.Int) error {
	switch t := a.(type) {
	case BoolToken:
		ok, err := t.TransferFrom(ctx, spender, from, to, amount)
		return result(ok, err)
	case Token:
		return result(true, t.TransferFrom(ctx, spender, from, to, amount))
	default:
		return fmt.Errorf("%w: %T has no transferFrom", ErrTransferFailed, a)
	}
}

func result(ok bool, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if !ok {
		return fmt.Errorf("%w: returned false", ErrTransferFailed)
	}
	return nil
}

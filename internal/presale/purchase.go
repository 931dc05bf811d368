package presale

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/asset"
	"github.com/0gfoundation/0g-token-presale/internal/authorizer"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

// Order is one purchase attempt. A zero Beneficiary means the buyer.
type Order struct {
	Buyer       common.Address
	Beneficiary common.Address
	Asset       common.Address
	Amount      *big.Int
	Voucher     *voucher.PresaleVoucher
}

func (o Order) beneficiary() common.Address {
	if o.Beneficiary == (common.Address{}) {
		return o.Buyer
	}
	return o.Beneficiary
}

// Receipt describes an accepted purchase.
type Receipt struct {
	Beneficiary common.Address
	Asset       common.Address
	Amount      *big.Int
	USD         *big.Int
	Tokens      *big.Int
	Round       int
}

// PurchaseWithNative buys with the native asset; o.Amount is the value sent
// along with the call and o.Asset is ignored.
func (e *Engine) PurchaseWithNative(ctx context.Context, o Order) (Receipt, error) {
	o.Asset = voucher.NativeAsset
	var r Receipt
	err := e.run(ctx, "purchase_native", func(ctx context.Context, t *tx) error {
		var err error
		r, err = e.purchase(ctx, t, o)
		return err
	})
	return r, err
}

// PurchaseWithAsset buys with an accepted non-native payment asset pulled
// from the buyer's allowance.
func (e *Engine) PurchaseWithAsset(ctx context.Context, o Order) (Receipt, error) {
	var r Receipt
	err := e.run(ctx, "purchase_asset", func(ctx context.Context, t *tx) error {
		if o.Asset == voucher.NativeAsset {
			return fmt.Errorf("%w: use the native purchase", ErrInvalidAsset)
		}
		var err error
		r, err = e.purchase(ctx, t, o)
		return err
	})
	return r, err
}

func (e *Engine) purchase(ctx context.Context, t *tx, o Order) (Receipt, error) {
	if e.paused {
		return Receipt{}, ErrPaused
	}
	now := e.clock()
	e.syncPhase(t, now)
	if err := e.sale.RequireActive(); err != nil {
		return Receipt{}, err
	}
	round := e.sale.Phase.Round()

	entry, err := e.registry.Lookup(round, o.Asset)
	if err != nil {
		return Receipt{}, err
	}
	coll, err := e.collaborator(o.Asset)
	if err != nil {
		return Receipt{}, err
	}
	usd, tokens, err := pricing.Quote(o.Amount, entry, e.presaleRate)
	if err != nil {
		return Receipt{}, err
	}

	beneficiary := o.beneficiary()
	if e.voucherRequired {
		if o.Voucher == nil {
			return Receipt{}, ErrVoucherRequired
		}
		// the consumed-set hash needs well-formed numeric fields whatever
		// the authorizer accepts
		if err := o.Voucher.Validate(); err != nil {
			return Receipt{}, authorizer.ErrMalformedVoucher
		}
		var undo authorizer.Undo
		err := e.interact(func() error {
			var aerr error
			undo, aerr = e.authz.Authorize(ctx, authorizer.Request{
				Voucher:      o.Voucher,
				Caller:       o.Buyer,
				Beneficiary:  beneficiary,
				PaymentAsset: o.Asset,
				USDValue:     usd,
				Presale:      e.address,
				Now:          now,
			})
			return aerr
		})
		if err != nil {
			return Receipt{}, err
		}
		if undo != nil {
			t.onRevert(undo)
		}

		h := common.Hash(voucher.StructHash(o.Voucher))
		if _, used := e.consumed[h]; used {
			return Receipt{}, ErrVoucherAlreadyUsed
		}
		e.consume(t, h)
	}

	if new(big.Int).Add(e.minted, tokens).Cmp(e.maxTokens) > 0 {
		return Receipt{}, fmt.Errorf("%w: %s left", ErrSupplyExceeded, e.remaining())
	}

	// effects
	set(t, &e.minted, new(big.Int).Add(e.minted, tokens))
	acct := e.account(beneficiary)
	acct.TotalPurchased.Add(acct.TotalPurchased, tokens)
	e.putAccount(t, beneficiary, acct)

	rs := e.rounds[round-1].clone()
	rs.Purchases++
	rs.Tokens.Add(rs.Tokens, tokens)
	rs.USD.Add(rs.USD, usd)
	raised := rs.Raised[o.Asset]
	if raised == nil {
		raised = new(big.Int)
	}
	rs.Raised[o.Asset] = raised.Add(raised, o.Amount)
	set(t, &e.rounds[round-1], rs)

	// interactions
	if err := e.interact(func() error { return e.collect(ctx, coll, o) }); err != nil {
		return Receipt{}, err
	}

	e.metrics.purchased(round, o.Asset, tokens, usd, e.remaining())
	e.log.Info("purchase",
		zap.String("buyer", o.Buyer.Hex()),
		zap.String("beneficiary", beneficiary.Hex()),
		zap.String("asset", assetName(o.Asset)),
		zap.String("amount", o.Amount.String()),
		zap.String("usd", pricing.FormatUSD(usd)),
		zap.String("tokens", tokens.String()),
		zap.Int("round", round),
	)
	return Receipt{
		Beneficiary: beneficiary,
		Asset:       o.Asset,
		Amount:      new(big.Int).Set(o.Amount),
		USD:         usd,
		Tokens:      tokens,
		Round:       round,
	}, nil
}

// collect moves the payment into custody and checks the custody balance grew
// by the full amount. A short delivery is refunded before the call fails.
func (e *Engine) collect(ctx context.Context, coll asset.Balances, o Order) error {
	before, err := coll.BalanceOf(ctx, e.address)
	if err != nil {
		return fmt.Errorf("%w: %v", asset.ErrTransferFailed, err)
	}
	if o.Asset == voucher.NativeAsset {
		err = asset.SafeTransfer(ctx, coll, o.Buyer, e.address, o.Amount)
	} else {
		err = asset.SafeTransferFrom(ctx, coll, e.address, o.Buyer, e.address, o.Amount)
	}
	if err != nil {
		return err
	}
	after, err := coll.BalanceOf(ctx, e.address)
	if err != nil {
		return fmt.Errorf("%w: %v", asset.ErrTransferFailed, err)
	}

	received := new(big.Int).Sub(after, before)
	if received.Cmp(o.Amount) >= 0 {
		return nil
	}
	if received.Sign() > 0 {
		if rerr := asset.SafeTransfer(ctx, coll, e.address, o.Buyer, received); rerr != nil {
			e.log.Error("refund of short delivery failed",
				zap.String("buyer", o.Buyer.Hex()),
				zap.String("asset", assetName(o.Asset)),
				zap.String("received", received.String()),
				zap.Error(rerr),
			)
		}
	}
	return fmt.Errorf("%w: received %s of %s", asset.ErrUnsupportedAsset, received, o.Amount)
}

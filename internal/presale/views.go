package presale

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/sale"
	"github.com/0gfoundation/0g-token-presale/internal/vesting"
)

// Status is a read-only snapshot of the sale. Phase is the stored phase;
// EffectivePhase is what the next call would observe after applying due
// clock transitions. Boundaries and the TGE follow the effective state.
type Status struct {
	Phase           sale.Phase
	EffectivePhase  sale.Phase
	Policy          sale.Policy
	StartTime       int64
	Round1EndTime   int64
	SaleEndTime     int64
	TGE             int64
	TGESet          bool
	Paused          bool
	VoucherRequired bool
	PresaleRate     *big.Int
	MaxTokens       *big.Int
	Minted          *big.Int
	Remaining       *big.Int
}

// AccountView is a beneficiary's record plus what it could claim now.
type AccountView struct {
	Address        common.Address
	TotalPurchased *big.Int
	Claimed        *big.Int
	FullyClaimed   bool
	Claimable      *big.Int
}

// effective returns the sale state with due clock transitions applied. It
// does not store the result.
func (e *Engine) effective() sale.State {
	s, _ := e.sale.Sync(e.clock(), e.policy)
	return s
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.view(ctx, func() {
		eff := e.effective()
		st = Status{
			Phase:           e.sale.Phase,
			EffectivePhase:  eff.Phase,
			Policy:          e.policy,
			StartTime:       eff.StartTime,
			Round1EndTime:   eff.Round1EndTime,
			SaleEndTime:     eff.SaleEndTime,
			TGE:             eff.TGE,
			TGESet:          eff.TGESet,
			Paused:          e.paused,
			VoucherRequired: e.voucherRequired,
			PresaleRate:     new(big.Int).Set(e.presaleRate),
			MaxTokens:       new(big.Int).Set(e.maxTokens),
			Minted:          new(big.Int).Set(e.minted),
			Remaining:       e.remaining(),
		}
	})
	return st, err
}

// priceRound is the table quoted for the effective phase: Round1's before
// the sale and Round2's after it.
func priceRound(p sale.Phase) int {
	switch p {
	case sale.NotStarted:
		return 1
	case sale.Ended:
		return pricing.Rounds
	default:
		return p.Round()
	}
}

// Price returns the entry of an accepted asset in the effective round.
func (e *Engine) Price(ctx context.Context, a common.Address) (pricing.Entry, error) {
	var (
		entry pricing.Entry
		err   error
	)
	if verr := e.view(ctx, func() {
		entry, err = e.registry.Lookup(priceRound(e.effective().Phase), a)
	}); verr != nil {
		return pricing.Entry{}, verr
	}
	return entry, err
}

// PriceTable returns a copy of one round's table.
func (e *Engine) PriceTable(ctx context.Context, round int) (pricing.Table, error) {
	if round < 1 || round > pricing.Rounds {
		return nil, pricing.ErrInvalidRound
	}
	var tbl pricing.Table
	if err := e.view(ctx, func() { tbl = e.registry.Round(round) }); err != nil {
		return nil, err
	}
	return tbl, nil
}

// Account returns the beneficiary's record. Unknown addresses read as zero.
func (e *Engine) Account(ctx context.Context, who common.Address) (AccountView, error) {
	var v AccountView
	err := e.view(ctx, func() {
		a := e.account(who)
		v = AccountView{
			Address:        who,
			TotalPurchased: a.TotalPurchased,
			Claimed:        a.Claimed,
			FullyClaimed:   a.FullyClaimed,
			Claimable:      new(big.Int),
		}
		if eff := e.effective(); eff.TGESet {
			v.Claimable = vesting.Claimable(a.TotalPurchased, a.Claimed, eff.TGE, e.clock().Unix())
		}
	})
	return v, err
}

// Schedule returns the beneficiary's release points. It fails until the
// TGE is known.
func (e *Engine) Schedule(ctx context.Context, who common.Address) ([]vesting.Unlock, error) {
	var (
		out []vesting.Unlock
		err error
	)
	if verr := e.view(ctx, func() {
		eff := e.effective()
		if !eff.TGESet {
			err = ErrSaleNotEnded
			return
		}
		out = vesting.Schedule(e.account(who).TotalPurchased, eff.TGE, e.clock().Unix())
	}); verr != nil {
		return nil, verr
	}
	return out, err
}

// RemainingSupply returns how many tokens can still be sold.
func (e *Engine) RemainingSupply(ctx context.Context) (*big.Int, error) {
	var r *big.Int
	err := e.view(ctx, func() { r = e.remaining() })
	return r, err
}

// RoundSales returns a copy of one round's sales aggregate.
func (e *Engine) RoundSales(ctx context.Context, round int) (RoundSales, error) {
	if round < 1 || round > pricing.Rounds {
		return RoundSales{}, pricing.ErrInvalidRound
	}
	var rs RoundSales
	err := e.view(ctx, func() { rs = e.rounds[round-1].clone() })
	return rs, err
}

// VoucherUsed reports whether a voucher with this content hash was redeemed.
func (e *Engine) VoucherUsed(ctx context.Context, h common.Hash) (bool, error) {
	var used bool
	err := e.view(ctx, func() { _, used = e.consumed[h] })
	return used, err
}

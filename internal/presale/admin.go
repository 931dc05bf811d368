package presale

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/asset"
	"github.com/0gfoundation/0g-token-presale/internal/authorizer"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/sale"
)

// StartSale opens Round1. Anyone may call it once the launch time has been
// reached. The first start allocates the full sale supply to custody.
func (e *Engine) StartSale(ctx context.Context) error {
	return e.run(ctx, "start_sale", func(ctx context.Context, t *tx) error {
		next, tr, err := e.sale.Start(e.clock(), e.schedule)
		if err != nil {
			return err
		}
		set(t, &e.sale, next)

		if !e.allocated {
			set(t, &e.allocated, true)
			if err := e.interact(func() error {
				return e.token.Allocate(ctx, e.address, e.maxTokens)
			}); err != nil {
				return fmt.Errorf("%w: allocate: %v", asset.ErrTransferFailed, err)
			}
		}
		e.logTransition(tr, "start")
		e.log.Info("sale started",
			zap.Int64("round1_end", next.Round1EndTime),
			zap.Int64("sale_end", next.SaleEndTime),
		)
		return nil
	})
}

// AdvanceRound moves Round1 to Round2 and installs prices as the Round2 price
// table. Only instances using the admin round policy accept it.
func (e *Engine) AdvanceRound(ctx context.Context, caller common.Address, prices pricing.PriceSet) error {
	return e.run(ctx, "advance_round", func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if e.policy != sale.PolicyAdmin {
			return ErrPolicyMismatch
		}
		now := e.clock()
		e.syncPhase(t, now)
		next, tr, err := e.sale.AdvanceRound(now)
		if err != nil {
			return err
		}

		reg := e.registry.Clone()
		if err := reg.ReplaceRound(1, 2, prices); err != nil {
			return err
		}
		set(t, &e.registry, reg)
		set(t, &e.sale, next)
		e.logTransition(tr, "admin")
		return nil
	})
}

// EndSale ends Round2 early and sets the TGE to now.
func (e *Engine) EndSale(ctx context.Context, caller common.Address) error {
	return e.endWith(ctx, caller, "end_sale", sale.State.End)
}

// EmergencyEndSale ends the sale from any active round and sets the TGE to now.
func (e *Engine) EmergencyEndSale(ctx context.Context, caller common.Address) error {
	return e.endWith(ctx, caller, "emergency_end_sale", sale.State.EmergencyEnd)
}

func (e *Engine) endWith(ctx context.Context, caller common.Address, op string,
	end func(sale.State, time.Time) (sale.State, sale.Transition, error)) error {
	return e.run(ctx, op, func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		now := e.clock()
		e.syncPhase(t, now)
		next, tr, err := end(e.sale, now)
		if err != nil {
			return err
		}
		set(t, &e.sale, next)
		e.logTransition(tr, op)
		return nil
	})
}

// SetAssetPrice writes an asset's entry into every round. Prices are frozen
// once the sale has started.
func (e *Engine) SetAssetPrice(ctx context.Context, caller common.Address, entry pricing.Entry) error {
	return e.setPrice(ctx, caller, "set_asset_price", entry, func(r *pricing.Registry) error {
		return r.Set(entry)
	})
}

// SetRoundPrice writes an asset's entry into one round only. It is how an
// instance under the auto round policy receives its Round2 prices.
func (e *Engine) SetRoundPrice(ctx context.Context, caller common.Address, round int, entry pricing.Entry) error {
	return e.setPrice(ctx, caller, "set_round_price", entry, func(r *pricing.Registry) error {
		return r.SetForRound(round, entry)
	})
}

func (e *Engine) setPrice(ctx context.Context, caller common.Address, op string, entry pricing.Entry,
	apply func(*pricing.Registry) error) error {
	return e.run(ctx, op, func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if e.sale.Phase != sale.NotStarted {
			return ErrPricesLocked
		}
		if _, err := e.collaborator(entry.Asset); err != nil {
			return err
		}
		reg := e.registry.Clone()
		if err := apply(reg); err != nil {
			return err
		}
		set(t, &e.registry, reg)
		e.log.Info("price set",
			zap.String("op", op),
			zap.String("asset", assetName(entry.Asset)),
			zap.String("price_usd", pricing.FormatUSD(entry.PriceUSD)),
			zap.Bool("active", entry.Active),
		)
		return nil
	})
}

// SetEmergencyPrice overrides an accepted asset's price in the current round.
func (e *Engine) SetEmergencyPrice(ctx context.Context, caller common.Address, a common.Address, price *big.Int) error {
	return e.run(ctx, "set_emergency_price", func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		e.syncPhase(t, e.clock())
		if !e.sale.Phase.Active() {
			return ErrNoActiveRound
		}
		round := e.sale.Phase.Round()
		entry, err := e.registry.Lookup(round, a)
		if err != nil {
			return err
		}
		old := entry.PriceUSD
		entry.PriceUSD = price

		reg := e.registry.Clone()
		if err := reg.SetForRound(round, entry); err != nil {
			return err
		}
		set(t, &e.registry, reg)
		e.log.Warn("emergency price override",
			zap.String("asset", assetName(a)),
			zap.Int("round", round),
			zap.String("old_usd", pricing.FormatUSD(old)),
			zap.String("new_usd", pricing.FormatUSD(price)),
		)
		return nil
	})
}

// Pause blocks purchases and claims.
func (e *Engine) Pause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, true)
}

// Unpause lifts a pause.
func (e *Engine) Unpause(ctx context.Context, caller common.Address) error {
	return e.setPaused(ctx, caller, false)
}

func (e *Engine) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	return e.run(ctx, "set_paused", func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		set(t, &e.paused, paused)
		e.log.Info("pause flag changed", zap.Bool("paused", paused))
		return nil
	})
}

// SetAuthorizer swaps the voucher authorizer.
func (e *Engine) SetAuthorizer(ctx context.Context, caller common.Address, a authorizer.Authorizer) error {
	return e.run(ctx, "set_authorizer", func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		if a == nil {
			return ErrZeroAuthorizer
		}
		set(t, &e.authz, a)
		e.log.Info("authorizer replaced")
		return nil
	})
}

// SetVoucherRequired toggles voucher gating. With gating off purchases skip
// authorization and credit the beneficiary named in the order.
func (e *Engine) SetVoucherRequired(ctx context.Context, caller common.Address, required bool) error {
	return e.run(ctx, "set_voucher_required", func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		set(t, &e.voucherRequired, required)
		e.log.Info("voucher requirement changed", zap.Bool("required", required))
		return nil
	})
}

// WithdrawFunds moves collected payment from custody to `to`.
func (e *Engine) WithdrawFunds(ctx context.Context, caller, a, to common.Address, amount *big.Int) error {
	return e.run(ctx, "withdraw_funds", func(ctx context.Context, t *tx) error {
		if err := e.onlyOwner(caller); err != nil {
			return err
		}
		coll, err := e.collaborator(a)
		if err != nil {
			return err
		}
		if amount == nil || amount.Sign() <= 0 {
			return pricing.ErrDustAmount
		}
		if err := e.interact(func() error {
			return asset.SafeTransfer(ctx, coll, e.address, to, amount)
		}); err != nil {
			return err
		}
		e.log.Info("funds withdrawn",
			zap.String("asset", assetName(a)),
			zap.String("to", to.Hex()),
			zap.String("amount", amount.String()),
		)
		return nil
	})
}

package presale

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/asset"
	"github.com/0gfoundation/0g-token-presale/internal/vesting"
)

// Claim releases the caller's vested but unclaimed tokens. A claim that
// would release nothing fails, so at most one succeeds per unlocked step.
func (e *Engine) Claim(ctx context.Context, caller common.Address) (*big.Int, error) {
	var amount *big.Int
	err := e.run(ctx, "claim", func(ctx context.Context, t *tx) error {
		if e.paused {
			return ErrPaused
		}
		now := e.clock()
		e.syncPhase(t, now)
		if !e.sale.TGESet {
			return ErrNothingToClaim
		}

		acct := e.account(caller)
		claimable := vesting.Claimable(acct.TotalPurchased, acct.Claimed, e.sale.TGE, now.Unix())
		if claimable.Sign() == 0 {
			return ErrNothingToClaim
		}

		acct.Claimed.Add(acct.Claimed, claimable)
		acct.FullyClaimed = acct.Claimed.Cmp(acct.TotalPurchased) == 0
		e.putAccount(t, caller, acct)

		if err := e.interact(func() error {
			return asset.SafeTransfer(ctx, e.token, e.address, caller, claimable)
		}); err != nil {
			return err
		}

		amount = claimable
		e.metrics.claimed(claimable)
		e.log.Info("claim",
			zap.String("beneficiary", caller.Hex()),
			zap.String("amount", claimable.String()),
			zap.String("claimed", acct.Claimed.String()),
			zap.Bool("fully_claimed", acct.FullyClaimed),
		)
		return nil
	})
	return amount, err
}

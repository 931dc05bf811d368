// Package keeper runs the periodic upkeep of a presale instance: it starts
// the sale once the launch time passes and publishes a status snapshot to
// Redis for dashboards.
package keeper

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/presale"
	"github.com/0gfoundation/0g-token-presale/internal/sale"
)

// StatusKey is the Redis hash holding the latest snapshot.
const StatusKey = "presale:status"

// Sale is the part of the engine the keeper drives.
type Sale interface {
	Status(ctx context.Context) (presale.Status, error)
	StartSale(ctx context.Context) error
}

type Options struct {
	Interval  time.Duration
	AutoStart bool
	Clock     func() time.Time
}

// Run ticks until ctx is cancelled.
func Run(ctx context.Context, s Sale, rdb *redis.Client, opts Options, log *zap.Logger) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	log.Info("keeper started", zap.Duration("interval", opts.Interval), zap.Bool("auto_start", opts.AutoStart))

	for {
		select {
		case <-ctx.Done():
			log.Info("keeper stopped")
			return
		case <-ticker.C:
			tick(ctx, s, rdb, opts, log)
		}
	}
}

func tick(ctx context.Context, s Sale, rdb *redis.Client, opts Options, log *zap.Logger) {
	st, err := s.Status(ctx)
	if err != nil {
		log.Error("keeper: read status", zap.Error(err))
		return
	}
	if opts.AutoStart && st.Phase == sale.NotStarted {
		err := s.StartSale(ctx)
		switch {
		case err == nil:
			log.Info("keeper: sale started")
		case errors.Is(err, sale.ErrLaunchTimeNotReached):
		default:
			log.Error("keeper: start sale", zap.Error(err))
		}
	}

	if st, err = s.Status(ctx); err != nil {
		log.Error("keeper: read status", zap.Error(err))
		return
	}
	if err := Publish(ctx, rdb, st, opts.Clock()); err != nil {
		log.Error("keeper: publish status", zap.Error(err))
	}
}

// Publish writes st to StatusKey.
func Publish(ctx context.Context, rdb *redis.Client, st presale.Status, now time.Time) error {
	fields := map[string]any{
		"phase":            st.Phase.String(),
		"effective_phase":  st.EffectivePhase.String(),
		"paused":           strconv.FormatBool(st.Paused),
		"voucher_required": strconv.FormatBool(st.VoucherRequired),
		"minted":           st.Minted.String(),
		"remaining":        st.Remaining.String(),
		"updated_at":       now.Unix(),
	}
	if st.TGESet {
		fields["tge"] = st.TGE
	}
	return rdb.HSet(ctx, StatusKey, fields).Err()
}

// Snapshot reads the last published status fields.
func Snapshot(ctx context.Context, rdb *redis.Client) (map[string]string, error) {
	return rdb.HGetAll(ctx, StatusKey).Result()
}

// Package issuer signs presale vouchers with the trusted signer key and
// queues them in Redis for delivery to their buyers.
package issuer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

// ErrOutboxEmpty is returned by Next when the buyer has no queued voucher.
var ErrOutboxEmpty = errors.New("no voucher queued")

// NonceReader reports the next nonce the authorizer expects from a buyer.
// It seeds the Redis counter when the key is missing, e.g. after a restart.
type NonceReader interface {
	NextNonce(ctx context.Context, buyer common.Address) (uint64, error)
}

// NonceReaderFunc adapts a function to NonceReader.
type NonceReaderFunc func(ctx context.Context, buyer common.Address) (uint64, error)

func (f NonceReaderFunc) NextNonce(ctx context.Context, buyer common.Address) (uint64, error) {
	return f(ctx, buyer)
}

// Grant is what the operator decided a buyer may spend.
type Grant struct {
	Buyer        common.Address
	Beneficiary  common.Address // zero means Buyer
	PaymentToken common.Address
	USDLimit     *big.Int
	Deadline     *big.Int // nil means never
}

// Issuer is the voucher signer.
type Issuer struct {
	privKey    *ecdsa.PrivateKey
	chainID    *big.Int
	authorizer common.Address
	presale    common.Address
	rdb        *redis.Client
	nonces     NonceReader
	log        *zap.Logger
}

func New(
	privKey *ecdsa.PrivateKey,
	chainID *big.Int,
	authorizer common.Address,
	presale common.Address,
	rdb *redis.Client,
	nonces NonceReader,
	log *zap.Logger,
) *Issuer {
	return &Issuer{
		privKey:    privKey,
		chainID:    chainID,
		authorizer: authorizer,
		presale:    presale,
		rdb:        rdb,
		nonces:     nonces,
		log:        log,
	}
}

// Signer returns the address vouchers are signed by.
func (s *Issuer) Signer() common.Address {
	return crypto.PubkeyToAddress(s.privKey.PublicKey)
}

func (s *Issuer) nonceKey(buyer common.Address) string {
	return fmt.Sprintf(voucher.IssuerNonceKeyFmt,
		strings.ToLower(s.presale.Hex()),
		strings.ToLower(buyer.Hex()),
	)
}

func outboxKey(buyer common.Address) string {
	return fmt.Sprintf(voucher.OutboxKeyFmt, buyer.Hex())
}

// Issue assigns the buyer's next nonce to g, signs it and queues it.
func (s *Issuer) Issue(ctx context.Context, g Grant) (*voucher.PresaleVoucher, error) {
	if g.USDLimit == nil || g.USDLimit.Sign() <= 0 {
		return nil, fmt.Errorf("usd limit must be positive")
	}
	nonce, err := s.IncrNonce(ctx, g.Buyer)
	if err != nil {
		return nil, err
	}
	beneficiary := g.Beneficiary
	if beneficiary == (common.Address{}) {
		beneficiary = g.Buyer
	}
	deadline := g.Deadline
	if deadline == nil {
		deadline = voucher.NoDeadline
	}
	v := &voucher.PresaleVoucher{
		Buyer:        g.Buyer,
		Beneficiary:  beneficiary,
		PaymentToken: g.PaymentToken,
		USDLimit:     new(big.Int).Set(g.USDLimit),
		Nonce:        nonce,
		Deadline:     new(big.Int).Set(deadline),
		Presale:      s.presale,
	}
	if err := s.SignAndEnqueue(ctx, v); err != nil {
		return nil, err
	}
	s.log.Info("voucher issued",
		zap.String("buyer", g.Buyer.Hex()),
		zap.String("nonce", nonce.String()),
		zap.String("usd_limit", g.USDLimit.String()),
	)
	return v, nil
}

// SignAndEnqueue signs v in place and pushes it onto its buyer's outbox.
func (s *Issuer) SignAndEnqueue(ctx context.Context, v *voucher.PresaleVoucher) error {
	if err := voucher.Sign(v, s.privKey, s.chainID, s.authorizer); err != nil {
		return fmt.Errorf("sign voucher: %w", err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal voucher: %w", err)
	}
	return s.rdb.RPush(ctx, outboxKey(v.Buyer), string(raw)).Err()
}

// IncrNonce atomically reserves the buyer's next voucher nonce. Nonces start
// at zero. A missing counter is seeded from the NonceReader; if that fails
// the counter starts from zero.
func (s *Issuer) IncrNonce(ctx context.Context, buyer common.Address) (*big.Int, error) {
	key := s.nonceKey(buyer)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("check nonce key: %w", err)
	}
	if exists == 0 {
		var seed uint64
		if s.nonces != nil {
			if seed, err = s.nonces.NextNonce(ctx, buyer); err != nil {
				s.log.Warn("nonce seed unavailable, starting from zero",
					zap.String("buyer", buyer.Hex()), zap.Error(err))
				seed = 0
			}
		}
		// SETNX keeps a concurrent seeder from resetting a counter already in use
		if err := s.rdb.SetNX(ctx, key, seed, 0).Err(); err != nil {
			return nil, fmt.Errorf("seed nonce: %w", err)
		}
	}
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("incr nonce: %w", err)
	}
	return big.NewInt(n - 1), nil
}

// Resync drops the buyer's counter so the next issue reseeds it. Vouchers
// still queued for the buyer are discarded with it.
func (s *Issuer) Resync(ctx context.Context, buyer common.Address) error {
	if err := s.rdb.Del(ctx, s.nonceKey(buyer), outboxKey(buyer)).Err(); err != nil {
		return fmt.Errorf("resync nonce: %w", err)
	}
	s.log.Info("issuer nonce reset", zap.String("buyer", buyer.Hex()))
	return nil
}

// Next pops the buyer's oldest queued voucher.
func (s *Issuer) Next(ctx context.Context, buyer common.Address) (*voucher.PresaleVoucher, error) {
	raw, err := s.rdb.LPop(ctx, outboxKey(buyer)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrOutboxEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("pop voucher: %w", err)
	}
	var v voucher.PresaleVoucher
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode voucher: %w", err)
	}
	return &v, nil
}

// Pending returns how many vouchers are queued for the buyer.
func (s *Issuer) Pending(ctx context.Context, buyer common.Address) (int64, error) {
	return s.rdb.LLen(ctx, outboxKey(buyer)).Result()
}

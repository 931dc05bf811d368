// Package presale is the sale engine: voucher-gated purchases priced per
// round, the sale phase machine and vested claims after the TGE.
//
// Every entry point is all-or-nothing. State changes made by a call are
// recorded in a journal and reverted when any later step fails, including
// phase transitions applied lazily at the start of the call.
package presale

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-token-presale/internal/asset"
	"github.com/0gfoundation/0g-token-presale/internal/authorizer"
	"github.com/0gfoundation/0g-token-presale/internal/errs"
	"github.com/0gfoundation/0g-token-presale/internal/pricing"
	"github.com/0gfoundation/0g-token-presale/internal/sale"
	"github.com/0gfoundation/0g-token-presale/internal/voucher"
)

// Config is the immutable part of a presale instance.
type Config struct {
	Address         common.Address // instance identity, also the custody account
	Owner           common.Address
	Schedule        sale.Schedule
	Policy          sale.Policy
	PresaleRate     *big.Int // token base units per whole USD
	MaxTokens       *big.Int
	VoucherRequired bool
	Prices          []pricing.Entry // initial table, written to every round
}

func (c Config) validate() error {
	if c.Owner == (common.Address{}) {
		return fmt.Errorf("owner is required")
	}
	if c.PresaleRate == nil || c.PresaleRate.Sign() <= 0 {
		return fmt.Errorf("presale rate must be positive")
	}
	if c.MaxTokens == nil || c.MaxTokens.Sign() <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	return c.Schedule.Validate()
}

// Deps are the external collaborators of the engine.
type Deps struct {
	Authorizer authorizer.Authorizer
	Token      asset.SaleToken
	// Assets maps each payment asset (voucher.NativeAsset for the native
	// one) to the collaborator that moves it.
	Assets  map[common.Address]asset.Balances
	Clock   func() time.Time
	Metrics *Metrics
}

// BuyerAccount is the purchase and claim record of one beneficiary.
type BuyerAccount struct {
	TotalPurchased *big.Int
	Claimed        *big.Int
	FullyClaimed   bool
}

func (a BuyerAccount) clone() BuyerAccount {
	return BuyerAccount{
		TotalPurchased: new(big.Int).Set(a.TotalPurchased),
		Claimed:        new(big.Int).Set(a.Claimed),
		FullyClaimed:   a.FullyClaimed,
	}
}

func newAccount() BuyerAccount {
	return BuyerAccount{TotalPurchased: new(big.Int), Claimed: new(big.Int)}
}

// RoundSales aggregates the purchases of one round.
type RoundSales struct {
	Purchases uint64
	Tokens    *big.Int
	USD       *big.Int
	Raised    map[common.Address]*big.Int // raw payment units received per asset
}

func newRoundSales() RoundSales {
	return RoundSales{Tokens: new(big.Int), USD: new(big.Int), Raised: make(map[common.Address]*big.Int)}
}

func (r RoundSales) clone() RoundSales {
	out := RoundSales{
		Purchases: r.Purchases,
		Tokens:    new(big.Int).Set(r.Tokens),
		USD:       new(big.Int).Set(r.USD),
		Raised:    make(map[common.Address]*big.Int, len(r.Raised)),
	}
	for k, v := range r.Raised {
		out.Raised[k] = new(big.Int).Set(v)
	}
	return out
}

// Engine is one presale instance.
type Engine struct {
	mu sync.RWMutex
	// interacting is set while the lock holder is inside a collaborator.
	interacting atomic.Bool

	address     common.Address
	owner       common.Address
	schedule    sale.Schedule
	policy      sale.Policy
	presaleRate *big.Int
	maxTokens   *big.Int

	token   asset.SaleToken
	assets  map[common.Address]asset.Balances
	clock   func() time.Time
	metrics *Metrics
	log     *zap.Logger

	// journaled state
	authz           authorizer.Authorizer
	sale            sale.State
	registry        *pricing.Registry
	accounts        map[common.Address]BuyerAccount
	consumed        map[common.Hash]struct{}
	minted          *big.Int
	rounds          [pricing.Rounds]RoundSales
	paused          bool
	voucherRequired bool
	allocated       bool
}

// New builds an engine in the NotStarted phase.
func New(cfg Config, deps Deps, log *zap.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("presale config: %w", err)
	}
	if deps.Authorizer == nil {
		return nil, ErrZeroAuthorizer
	}
	if deps.Token == nil {
		return nil, fmt.Errorf("presale: sale token is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}

	reg := pricing.NewRegistry()
	for _, e := range cfg.Prices {
		if _, ok := deps.Assets[e.Asset]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, e.Asset.Hex())
		}
		if err := reg.Set(e); err != nil {
			return nil, fmt.Errorf("price %s: %w", e.Asset.Hex(), err)
		}
	}

	assets := make(map[common.Address]asset.Balances, len(deps.Assets))
	for k, v := range deps.Assets {
		assets[k] = v
	}

	e := &Engine{
		address:         cfg.Address,
		owner:           cfg.Owner,
		schedule:        cfg.Schedule,
		policy:          cfg.Policy,
		presaleRate:     new(big.Int).Set(cfg.PresaleRate),
		maxTokens:       new(big.Int).Set(cfg.MaxTokens),
		token:           deps.Token,
		assets:          assets,
		clock:           deps.Clock,
		metrics:         deps.Metrics,
		log:             log,
		authz:           deps.Authorizer,
		registry:        reg,
		accounts:        make(map[common.Address]BuyerAccount),
		consumed:        make(map[common.Hash]struct{}),
		minted:          new(big.Int),
		voucherRequired: cfg.VoucherRequired,
	}
	for i := range e.rounds {
		e.rounds[i] = newRoundSales()
	}
	e.metrics.setRemaining(e.maxTokens)
	return e, nil
}

// Address returns the instance identity and custody account.
func (e *Engine) Address() common.Address { return e.address }

// Owner returns the admin address.
func (e *Engine) Owner() common.Address { return e.owner }

// Policy returns the round transition policy of this instance.
func (e *Engine) Policy() sale.Policy { return e.policy }

// ── call plumbing ───────────────────────────────────────────────────────────

// guardKey marks a context as being inside a mutating call on e. Collaborators
// receive the marked context, so a call back into the engine is detected
// before it tries to take the lock it already holds.
type guardKey struct{ e *Engine }

func (e *Engine) inCall(ctx context.Context) bool {
	return ctx.Value(guardKey{e}) != nil
}

// interact runs a collaborator call. A collaborator that calls back with a
// context it did not receive from the engine finds the lock taken while
// interacting is set and is rejected instead of blocking.
func (e *Engine) interact(fn func() error) error {
	e.interacting.Store(true)
	defer e.interacting.Store(false)
	return fn()
}

// lock takes the write lock unless the holder is inside a collaborator.
func (e *Engine) lock() error {
	if e.mu.TryLock() {
		return nil
	}
	if e.interacting.Load() {
		return ErrReentrantCall
	}
	e.mu.Lock()
	return nil
}

func (e *Engine) rlock() error {
	if e.mu.TryRLock() {
		return nil
	}
	if e.interacting.Load() {
		return ErrReentrantCall
	}
	e.mu.RLock()
	return nil
}

// tx is the undo journal of one call.
type tx struct {
	undo []func()
}

func (t *tx) onRevert(f func()) { t.undo = append(t.undo, f) }

func (t *tx) revert() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// set assigns v to *p and records the previous value in the journal.
func set[T any](t *tx, p *T, v T) {
	old := *p
	*p = v
	t.onRevert(func() { *p = old })
}

// run executes fn under the engine lock with a fresh journal. Any error or
// panic reverts everything fn recorded.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, t *tx) error) error {
	if e.inCall(ctx) {
		e.metrics.reject(op, ErrReentrantCall)
		return ErrReentrantCall
	}
	if err := e.lock(); err != nil {
		e.metrics.reject(op, err)
		return err
	}
	defer e.mu.Unlock()

	ctx = context.WithValue(ctx, guardKey{e}, struct{}{})
	t := &tx{}
	defer func() {
		if r := recover(); r != nil {
			t.revert()
			e.log.Error("call panicked, state reverted", zap.String("op", op), zap.Any("panic", r))
			panic(r)
		}
	}()
	if err := fn(ctx, t); err != nil {
		t.revert()
		e.metrics.reject(op, err)
		e.log.Debug("call rejected",
			zap.String("op", op),
			zap.String("kind", errs.KindOf(err).String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// view runs fn with read access. Inside a mutating call the lock is already
// held by the caller, so it is not taken again.
func (e *Engine) view(ctx context.Context, fn func()) error {
	if e.inCall(ctx) {
		fn()
		return nil
	}
	if err := e.rlock(); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	fn()
	return nil
}

func (e *Engine) onlyOwner(caller common.Address) error {
	if caller != e.owner {
		return errs.Unauthorized
	}
	return nil
}

// syncPhase applies every due clock-triggered transition.
func (e *Engine) syncPhase(t *tx, now time.Time) {
	next, applied := e.sale.Sync(now, e.policy)
	if len(applied) == 0 {
		return
	}
	set(t, &e.sale, next)
	for _, tr := range applied {
		e.logTransition(tr, "clock")
	}
}

func (e *Engine) logTransition(tr sale.Transition, cause string) {
	e.log.Info("phase transition",
		zap.String("from", tr.From.String()),
		zap.String("to", tr.To.String()),
		zap.Int64("at", tr.At),
		zap.String("cause", cause),
	)
}

func (e *Engine) putAccount(t *tx, who common.Address, a BuyerAccount) {
	old, existed := e.accounts[who]
	e.accounts[who] = a
	t.onRevert(func() {
		if existed {
			e.accounts[who] = old
		} else {
			delete(e.accounts, who)
		}
	})
}

func (e *Engine) account(who common.Address) BuyerAccount {
	if a, ok := e.accounts[who]; ok {
		return a.clone()
	}
	return newAccount()
}

func (e *Engine) consume(t *tx, h common.Hash) {
	e.consumed[h] = struct{}{}
	t.onRevert(func() { delete(e.consumed, h) })
}

func (e *Engine) remaining() *big.Int {
	return new(big.Int).Sub(e.maxTokens, e.minted)
}

func (e *Engine) collaborator(a common.Address) (asset.Balances, error) {
	c, ok := e.assets[a]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, assetName(a))
	}
	return c, nil
}

func assetName(a common.Address) string {
	if a == voucher.NativeAsset {
		return "native"
	}
	return a.Hex()
}

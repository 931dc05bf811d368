package asset

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var errReverted = errors.New("transfer reverted")

// Hook runs after a ledger transfer has been applied, outside the ledger's
// lock. Tests use it to model assets that call back into their caller.
type Hook func(ctx context.Context, from, to common.Address, amount *big.Int)

// Ledger is an in-memory fungible asset following the boolean convention.
// A failed balance or allowance check returns false rather than an error.
type Ledger struct {
	mu         sync.Mutex
	symbol     string
	decimals   uint8
	feeBps     int64
	supply     *big.Int
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	hook       Hook
}

type Option func(*Ledger)

// WithTransferFee burns bps/10000 of every transfer before crediting the
// receiver, modelling fee-on-transfer assets.
func WithTransferFee(bps int64) Option {
	return func(l *Ledger) { l.feeBps = bps }
}

func WithHook(h Hook) Option {
	return func(l *Ledger) { l.hook = h }
}

func NewLedger(symbol string, decimals uint8, opts ...Option) *Ledger {
	l := &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		supply:     new(big.Int),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) Symbol() string  { return l.symbol }
func (l *Ledger) Decimals() uint8 { return l.decimals }

// SetHook replaces the post-transfer hook.
func (l *Ledger) SetHook(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = h
}

func (l *Ledger) TotalSupply() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.supply)
}

// Mint credits new units to `to`.
func (l *Ledger) Mint(to common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(to, amount)
	l.supply.Add(l.supply, amount)
}

// Allocate implements SaleToken by minting to the presale.
func (l *Ledger) Allocate(_ context.Context, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("invalid allocation")
	}
	l.Mint(to, amount)
	return nil
}

func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.allowances[owner]
	if m == nil {
		m = make(map[common.Address]*big.Int)
		l.allowances[owner] = m
	}
	m[spender] = new(big.Int).Set(amount)
}

func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a := l.allowances[owner][spender]; a != nil {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (l *Ledger) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(owner), nil
}

func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) (bool, error) {
	ok, err := l.move(from, to, amount, nil)
	if ok {
		l.fire(ctx, from, to, amount)
	}
	return ok, err
}

func (l *Ledger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) (bool, error) {
	ok, err := l.move(from, to, amount, &spender)
	if ok {
		l.fire(ctx, from, to, amount)
	}
	return ok, err
}

func (l *Ledger) move(from, to common.Address, amount *big.Int, spender *common.Address) (bool, error) {
	if amount == nil || amount.Sign() < 0 {
		return false, errors.New("invalid amount")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balance(from).Cmp(amount) < 0 {
		return false, nil
	}
	if spender != nil && *spender != from {
		allowed := l.allowances[from][*spender]
		if allowed == nil || allowed.Cmp(amount) < 0 {
			return false, nil
		}
		allowed.Sub(allowed, amount)
	}

	l.balances[from] = new(big.Int).Sub(l.balance(from), amount)
	received := new(big.Int).Set(amount)
	if l.feeBps > 0 {
		fee := new(big.Int).Mul(amount, big.NewInt(l.feeBps))
		fee.Quo(fee, big.NewInt(10_000))
		received.Sub(received, fee)
		l.supply.Sub(l.supply, fee)
	}
	l.credit(to, received)
	return true, nil
}

func (l *Ledger) fire(ctx context.Context, from, to common.Address, amount *big.Int) {
	l.mu.Lock()
	h := l.hook
	l.mu.Unlock()
	if h != nil {
		h(ctx, from, to, amount)
	}
}

func (l *Ledger) balance(owner common.Address) *big.Int {
	if b := l.balances[owner]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) credit(to common.Address, amount *big.Int) {
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
}

// NoReturn adapts a Ledger to the non-returning convention: a transfer that
// would have returned false fails with an error instead.
type NoReturn struct {
	L *Ledger
}

func (n NoReturn) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return n.L.BalanceOf(ctx, owner)
}

func (n NoReturn) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return revertIfFalse(n.L.Transfer(ctx, from, to, amount))
}

func (n NoReturn) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	return revertIfFalse(n.L.TransferFrom(ctx, spender, from, to, amount))
}

func revertIfFalse(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errReverted
	}
	return nil
}

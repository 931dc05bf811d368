// Package pricing holds the per-round payment asset price tables and the
// fixed-point conversions from payment amounts to USD and sale tokens.
package pricing

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
)

// PriceDecimals is the number of fractional digits in every USD value.
const PriceDecimals = 8

// Rounds is the number of sale rounds with their own price table.
const Rounds = 2

var (
	ErrAssetNotAccepted   = errs.New(errs.KindState, "AssetNotAccepted", "payment asset not accepted")
	ErrInvalidPrice       = errs.New(errs.KindState, "InvalidPrice", "price must be positive")
	ErrInvalidRound       = errs.New(errs.KindState, "InvalidRound", "no such round")
	ErrIncompletePriceSet = errs.New(errs.KindState, "IncompletePriceSet", "price set must cover exactly the accepted assets")
	ErrUnchangedPrices    = errs.New(errs.KindState, "UnchangedPrices", "price set is identical to the current round")
)

// Entry is the price metadata of one payment asset.
type Entry struct {
	Asset    common.Address
	PriceUSD *big.Int
	Decimals uint8
	Active   bool
}

func (e Entry) clone() Entry {
	e.PriceUSD = new(big.Int).Set(e.PriceUSD)
	return e
}

// PriceSet maps each accepted asset to its new USD price.
type PriceSet map[common.Address]*big.Int

// Table is one round's price table.
type Table map[common.Address]Entry

func (t Table) Clone() Table {
	out := make(Table, len(t))
	for k, e := range t {
		out[k] = e.clone()
	}
	return out
}

// Accepted returns the active assets in address order.
func (t Table) Accepted() []common.Address {
	var out []common.Address
	for k, e := range t {
		if e.Active {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Registry holds one price table per round. It performs no phase checks;
// the engine decides when mutation is allowed.
type Registry struct {
	rounds [Rounds]Table
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.rounds {
		r.rounds[i] = make(Table)
	}
	return r
}

func (r *Registry) Clone() *Registry {
	out := &Registry{}
	for i, t := range r.rounds {
		out.rounds[i] = t.Clone()
	}
	return out
}

func (r *Registry) table(round int) (Table, error) {
	if round < 1 || round > Rounds {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRound, round)
	}
	return r.rounds[round-1], nil
}

// Set writes the entry into every round's table.
func (r *Registry) Set(e Entry) error {
	for round := 1; round <= Rounds; round++ {
		if err := r.SetForRound(round, e); err != nil {
			return err
		}
	}
	return nil
}

// SetForRound writes the entry into one round's table.
func (r *Registry) SetForRound(round int, e Entry) error {
	t, err := r.table(round)
	if err != nil {
		return err
	}
	if e.PriceUSD == nil || e.PriceUSD.Sign() <= 0 {
		return ErrInvalidPrice
	}
	t[e.Asset] = e.clone()
	return nil
}

// Lookup returns the active entry of asset in round.
func (r *Registry) Lookup(round int, asset common.Address) (Entry, error) {
	t, err := r.table(round)
	if err != nil {
		return Entry{}, err
	}
	e, ok := t[asset]
	if !ok || !e.Active {
		return Entry{}, fmt.Errorf("%w: %s", ErrAssetNotAccepted, asset.Hex())
	}
	return e.clone(), nil
}

// Entry returns the raw entry of asset in round regardless of the active flag.
func (r *Registry) Entry(round int, asset common.Address) (Entry, bool) {
	t, err := r.table(round)
	if err != nil {
		return Entry{}, false
	}
	e, ok := t[asset]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// Round returns a copy of a round's table.
func (r *Registry) Round(round int) Table {
	t, err := r.table(round)
	if err != nil {
		return nil
	}
	return t.Clone()
}

// ReplaceRound installs set as the price table of round `to`, carrying over
// decimals from round `from`. The set must price exactly the assets accepted
// in `from` and differ from it in at least one price.
func (r *Registry) ReplaceRound(from, to int, set PriceSet) error {
	src, err := r.table(from)
	if err != nil {
		return err
	}
	if _, err := r.table(to); err != nil {
		return err
	}
	accepted := src.Accepted()
	if len(set) != len(accepted) {
		return ErrIncompletePriceSet
	}

	next := src.Clone()
	changed := false
	for _, asset := range accepted {
		price, ok := set[asset]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrIncompletePriceSet, asset.Hex())
		}
		if price == nil || price.Sign() <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPrice, asset.Hex())
		}
		e := next[asset]
		if e.PriceUSD.Cmp(price) != 0 {
			changed = true
		}
		e.PriceUSD = new(big.Int).Set(price)
		next[asset] = e
	}
	if !changed {
		return ErrUnchangedPrices
	}
	r.rounds[to-1] = next
	return nil
}

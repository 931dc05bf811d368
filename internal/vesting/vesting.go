// Package vesting computes the post-sale release schedule: a quarter of a
// buyer's purchase unlocks at TGE and another quarter every 30 days after,
// reaching the full amount at TGE+90d.
package vesting

import (
	"math/big"
	"time"
)

const (
	Steps    = 4
	Interval = 30 * 24 * time.Hour
)

var intervalSec = int64(Interval / time.Second)

// Unlock is one release point of a buyer's schedule.
type Unlock struct {
	At         int64    // unix seconds
	Cumulative *big.Int // total vested at At
	Unlocked   bool     // At <= now
}

// unlockedSteps returns how many quarters are vested at now.
func unlockedSteps(tge, now int64) int64 {
	if now < tge {
		return 0
	}
	steps := 1 + (now-tge)/intervalSec
	if steps > Steps {
		steps = Steps
	}
	return steps
}

// VestedAmount returns total * unlockedSteps / 4. It never exceeds total.
func VestedAmount(total *big.Int, tge, now int64) *big.Int {
	steps := unlockedSteps(tge, now)
	if steps == Steps {
		return new(big.Int).Set(total)
	}
	v := new(big.Int).Mul(total, big.NewInt(steps))
	return v.Quo(v, big.NewInt(Steps))
}

// Claimable returns VestedAmount - claimed, floored at zero.
func Claimable(total, claimed *big.Int, tge, now int64) *big.Int {
	c := VestedAmount(total, tge, now)
	c.Sub(c, claimed)
	if c.Sign() < 0 {
		return new(big.Int)
	}
	return c
}

// Schedule returns all release points for total with their status at now.
func Schedule(total *big.Int, tge, now int64) []Unlock {
	out := make([]Unlock, Steps)
	for i := range out {
		at := tge + int64(i)*intervalSec
		out[i] = Unlock{
			At:         at,
			Cumulative: VestedAmount(total, tge, at),
			Unlocked:   now >= at,
		}
	}
	return out
}

// NextUnlock returns the first release point after now, or false once fully vested.
func NextUnlock(total *big.Int, tge, now int64) (Unlock, bool) {
	for _, u := range Schedule(total, tge, now) {
		if !u.Unlocked {
			return u, true
		}
	}
	return Unlock{}, false
}

// Package sale is the presale round/time state machine.
//
// State values are immutable in use: every transition is a method that takes
// the current state and an input and returns the next state plus the
// transitions it applied, or an error with the receiver left untouched.
package sale

import (
	"fmt"
	"strings"
	"time"

	"github.com/0gfoundation/0g-token-presale/internal/errs"
)

// Phase is the sale phase. Transitions only move forward.
type Phase uint8

const (
	NotStarted Phase = iota
	Round1
	Round2
	Ended
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "NOT_STARTED"
	case Round1:
		return "ROUND_1"
	case Round2:
		return "ROUND_2"
	case Ended:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether purchases are possible in this phase.
func (p Phase) Active() bool { return p == Round1 || p == Round2 }

// Round returns the 1-based round number, or 0 outside a round.
func (p Phase) Round() int {
	switch p {
	case Round1:
		return 1
	case Round2:
		return 2
	default:
		return 0
	}
}

// Policy selects how Round1 gives way to Round2. An instance uses one.
type Policy uint8

const (
	// PolicyAuto advances lazily on the first purchase after round1EndTime.
	PolicyAuto Policy = iota
	// PolicyAdmin advances only through an admin call carrying a new price set.
	PolicyAdmin
)

func (p Policy) String() string {
	if p == PolicyAdmin {
		return "admin"
	}
	return "auto"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return PolicyAuto, nil
	case "admin":
		return PolicyAdmin, nil
	default:
		return 0, fmt.Errorf("unknown round policy %q", s)
	}
}

var (
	ErrAlreadyStarted       = errs.New(errs.KindState, "AlreadyStarted", "sale already started")
	ErrLaunchTimeNotReached = errs.New(errs.KindState, "LaunchTimeNotReached", "launch time not reached")
	ErrSaleNotStarted       = errs.New(errs.KindState, "SaleNotStarted", "sale not started")
	ErrSaleEnded            = errs.New(errs.KindState, "SaleEnded", "sale ended")
	ErrWrongPhase           = errs.New(errs.KindState, "WrongPhase", "action not allowed in current phase")
	ErrTGEAlreadySet        = errs.New(errs.KindState, "TGEAlreadySet", "tge timestamp already set")
	ErrInvalidSchedule      = errs.New(errs.KindState, "InvalidSchedule", "invalid sale schedule")
)

// Schedule is the configured timing of the sale.
type Schedule struct {
	LaunchTime     time.Time
	Round1Duration time.Duration
	TotalDuration  time.Duration
}

func (s Schedule) Validate() error {
	if s.Round1Duration <= 0 || s.TotalDuration <= s.Round1Duration {
		return fmt.Errorf("%w: round1=%s total=%s", ErrInvalidSchedule, s.Round1Duration, s.TotalDuration)
	}
	return nil
}

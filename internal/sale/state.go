package sale

import (
	"fmt"
	"time"
)

// State is the persisted sale state. Times are unix seconds.
type State struct {
	Phase         Phase
	StartTime     int64
	Round1EndTime int64
	SaleEndTime   int64
	TGE           int64
	TGESet        bool
}

// Transition records one phase change and the time it took effect.
type Transition struct {
	From Phase
	To   Phase
	At   int64
}

func (t Transition) String() string {
	return fmt.Sprintf("%s->%s@%d", t.From, t.To, t.At)
}

// Start moves NotStarted to Round1 once the launch time is reached and
// fixes the round and sale end times from now.
func (s State) Start(now time.Time, sched Schedule) (State, Transition, error) {
	if s.Phase != NotStarted {
		return s, Transition{}, ErrAlreadyStarted
	}
	if err := sched.Validate(); err != nil {
		return s, Transition{}, err
	}
	if now.Before(sched.LaunchTime) {
		return s, Transition{}, fmt.Errorf("%w: launch at %d", ErrLaunchTimeNotReached, sched.LaunchTime.Unix())
	}
	start := now.Unix()
	next := s
	next.Phase = Round1
	next.StartTime = start
	next.Round1EndTime = start + int64(sched.Round1Duration/time.Second)
	next.SaleEndTime = start + int64(sched.TotalDuration/time.Second)
	return next, Transition{From: NotStarted, To: Round1, At: start}, nil
}

// AdvanceRound moves Round1 to Round2 at now.
func (s State) AdvanceRound(now time.Time) (State, Transition, error) {
	if err := s.RequireActive(); err != nil {
		return s, Transition{}, err
	}
	if s.Phase != Round1 {
		return s, Transition{}, fmt.Errorf("%w: advance from %s", ErrWrongPhase, s.Phase)
	}
	next := s
	next.Phase = Round2
	return next, Transition{From: Round1, To: Round2, At: now.Unix()}, nil
}

// End is the admin early termination of Round2.
func (s State) End(now time.Time) (State, Transition, error) {
	if err := s.RequireActive(); err != nil {
		return s, Transition{}, err
	}
	if s.Phase != Round2 {
		return s, Transition{}, fmt.Errorf("%w: end from %s", ErrWrongPhase, s.Phase)
	}
	return s.end(now.Unix())
}

// EmergencyEnd terminates the sale from any active round.
func (s State) EmergencyEnd(now time.Time) (State, Transition, error) {
	if err := s.RequireActive(); err != nil {
		return s, Transition{}, err
	}
	return s.end(now.Unix())
}

// Sync applies every clock-triggered transition due at now. Under
// PolicyAdmin Round1 is never left for Round2 here, but the sale still ends
// once its total duration has elapsed.
func (s State) Sync(now time.Time, policy Policy) (State, []Transition) {
	var applied []Transition
	t := now.Unix()

	if s.Phase == Round1 && policy == PolicyAuto && t >= s.Round1EndTime {
		s.Phase = Round2
		applied = append(applied, Transition{From: Round1, To: Round2, At: s.Round1EndTime})
	}
	if s.Phase.Active() && t >= s.SaleEndTime {
		next, tr, err := s.end(s.SaleEndTime)
		if err == nil {
			s = next
			applied = append(applied, tr)
		}
	}
	return s, applied
}

func (s State) end(at int64) (State, Transition, error) {
	if s.TGESet {
		return s, Transition{}, ErrTGEAlreadySet
	}
	next := s
	next.Phase = Ended
	next.TGE = at
	next.TGESet = true
	return next, Transition{From: s.Phase, To: Ended, At: at}, nil
}

// RequireActive returns the phase error for an action that needs an open round.
func (s State) RequireActive() error {
	switch s.Phase {
	case NotStarted:
		return ErrSaleNotStarted
	case Ended:
		return ErrSaleEnded
	}
	return nil
}

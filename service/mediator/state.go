package mediator

import (
	"fmt"
	"sync"
)

// State is a stage of a mediated write.
type State int

const (
	Idle State = iota
	AwaitingConfirmation
	Signing
	Submitted
	Confirmed
	Rejected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Signing:
		return "signing"
	case Submitted:
		return "submitted"
	case Confirmed:
		return "confirmed"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether s ends a write.
func (s State) Terminal() bool {
	return s == Confirmed || s == Rejected || s == Failed
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := Idle; st <= Failed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Outcome is the approver's decision.
type Outcome struct {
	Confirmed bool
	Reason    string
}

// outcomeCell holds at most one decision. The first resolve wins; every
// later confirm, reject or cancel is a no-op.
type outcomeCell struct {
	once    sync.Once
	done    chan struct{}
	outcome Outcome
	settled bool // false when canceled rather than decided
}

func newOutcomeCell() *outcomeCell {
	return &outcomeCell{done: make(chan struct{})}
}

func (c *outcomeCell) resolve(o Outcome, settled bool) bool {
	won := false
	c.once.Do(func() {
		c.outcome = o
		c.settled = settled
		won = true
		close(c.done)
	})
	return won
}

func (c *outcomeCell) confirm() {
	c.resolve(Outcome{Confirmed: true}, true)
}

func (c *outcomeCell) reject(reason string) {
	c.resolve(Outcome{Reason: reason}, true)
}

// cancel closes the cell without a decision so late callbacks are ignored.
func (c *outcomeCell) cancel() bool {
	return c.resolve(Outcome{}, false)
}

package chain

import (
	"fmt"
)

// State is a stage of one anchoring attempt.
type State string

const (
	StatePending   State = "pending"
	StateSigned    State = "signed"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

var transitions = map[State]State{
	StatePending:   StateSigned,
	StateSigned:    StateSubmitted,
	StateSubmitted: StateConfirmed,
}

// attempt tracks Pending → Signed → Submitted → Confirmed, with Failed
// reachable from every non-terminal state.
type attempt struct {
	state   State
	history []State
}

func newAttempt() *attempt {
	return &attempt{state: StatePending, history: []State{StatePending}}
}

func (a *attempt) advance(to State) {
	if a.state.Terminal() {
		panic(fmt.Sprintf("chain: transition from terminal state %s", a.state))
	}
	if to != StateFailed && transitions[a.state] != to {
		panic(fmt.Sprintf("chain: illegal transition %s -> %s", a.state, to))
	}
	a.state = to
	a.history = append(a.history, to)
}

// fail moves the attempt to Failed and returns an AnchorError recording
// the stage it failed from.
func (a *attempt) fail(txHash string, err error) *AnchorError {
	stage := a.state
	a.advance(StateFailed)
	return &AnchorError{Stage: stage, TxHash: txHash, Err: err, History: a.snapshot()}
}

func (a *attempt) snapshot() []State {
	out := make([]State, len(a.history))
	copy(out, a.history)
	return out
}

// AnchorError wraps an anchoring failure with the stage it happened in.
// Err wraps one of the domain sentinels (ErrSigning, ErrNetwork,
// ErrSubmission, ErrRevert, ErrInvalidInput).
type AnchorError struct {
	Stage   State
	TxHash  string
	Err     error
	History []State
}

func (e *AnchorError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: anchoring failed at %s (tx: %s): %v", e.Stage, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: anchoring failed at %s: %v", e.Stage, e.Err)
}

func (e *AnchorError) Unwrap() error { return e.Err }

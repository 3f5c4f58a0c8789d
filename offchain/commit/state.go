// Package commit drives the two-party randomness commit: a server creates
// and funds a single-use oracle account, hands the end user a partially
// signed transaction, and the user's wallet completes and submits it.
package commit

import (
	"errors"
	"fmt"
	"sync"
)

var ErrIllegalTransition = errors.New("illegal commit state transition")

type State int

const (
	Idle State = iota
	SessionCreated
	AccountFunded
	AccountConfirmed
	UserTxBuilt
	UserSigned
	Submitted
	Committed
	Abandoned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SessionCreated:
		return "session_created"
	case AccountFunded:
		return "account_funded"
	case AccountConfirmed:
		return "account_confirmed"
	case UserTxBuilt:
		return "user_tx_built"
	case UserSigned:
		return "user_signed"
	case Submitted:
		return "submitted"
	case Committed:
		return "committed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal states accept no further transitions.
func (s State) Terminal() bool { return s == Committed || s == Abandoned }

var transitions = map[State][]State{
	Idle:             {SessionCreated},
	SessionCreated:   {AccountFunded},
	AccountFunded:    {AccountConfirmed},
	AccountConfirmed: {UserTxBuilt},
	UserTxBuilt:      {UserSigned, Idle},
	UserSigned:       {Submitted},
	Submitted:        {Committed},
}

// machine guards a single flow's state.
type machine struct {
	mu    sync.Mutex
	state State
}

func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves to next. Any non-terminal state may move to Abandoned.
func (m *machine) advance(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next == Abandoned && !m.state.Terminal() {
		m.state = Abandoned
		return nil
	}
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}

// expect fails unless the current state is want.
func (m *machine) expect(want State) error {
	if got := m.State(); got != want {
		return fmt.Errorf("%w: in %s, need %s", ErrIllegalTransition, got, want)
	}
	return nil
}

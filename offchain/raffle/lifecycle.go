package raffle

import (
	"fmt"
	"time"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

type Phase int

const (
	PhaseActive Phase = iota
	PhaseEnded
	PhaseCommitted
	PhaseRevealed
	PhaseClaimed
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	case PhaseCommitted:
		return "committed"
	case PhaseRevealed:
		return "revealed"
	case PhaseClaimed:
		return "claimed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Classify places a raffle in its lifecycle. It depends only on its inputs;
// callers must re-run it whenever now moves.
func Classify(r *Record, now time.Time) Phase {
	switch {
	case r.Claimed:
		return PhaseClaimed
	case r.Winner != nil:
		return PhaseRevealed
	case r.RandomnessCommitted:
		return PhaseCommitted
	case !now.Before(r.End):
		return PhaseEnded
	default:
		return PhaseActive
	}
}

type Action string

const (
	ActionBuy    Action = "buy"
	ActionCommit Action = "commit"
	ActionReveal Action = "reveal"
	ActionClaim  Action = "claim"
)

var allActions = []Action{ActionBuy, ActionCommit, ActionReveal, ActionClaim}

// CheckAction reports whether viewer may perform action now. Privileged
// actions are checked against the authority and winner recorded on chain.
// Errors wrap ErrPrecondition or ErrNotAuthorized.
func CheckAction(r *Record, action Action, now time.Time, viewer solana.Pubkey) error {
	phase := Classify(r, now)
	switch action {
	case ActionBuy:
		if phase != PhaseActive || !r.IsActive {
			return fmt.Errorf("%w: raffle is %s", ErrPrecondition, phase)
		}
		if r.TotalTicketsBought >= r.MaxTickets {
			return fmt.Errorf("%w: sold out (%d/%d)", ErrPrecondition, r.TotalTicketsBought, r.MaxTickets)
		}
		return nil
	case ActionCommit:
		if phase != PhaseEnded || !r.IsActive {
			return fmt.Errorf("%w: randomness can only be committed after the raffle ends (raffle is %s)", ErrPrecondition, phase)
		}
		return requireAuthority(r, viewer)
	case ActionReveal:
		if phase != PhaseCommitted {
			return fmt.Errorf("%w: randomness not committed (raffle is %s)", ErrPrecondition, phase)
		}
		if r.TotalTicketsBought == 0 {
			return fmt.Errorf("%w: no tickets bought", ErrPrecondition)
		}
		return requireAuthority(r, viewer)
	case ActionClaim:
		if phase == PhaseClaimed {
			return fmt.Errorf("%w: prize already claimed", ErrPrecondition)
		}
		if phase != PhaseRevealed {
			return fmt.Errorf("%w: winner not chosen (raffle is %s)", ErrPrecondition, phase)
		}
		if *r.Winner != viewer {
			return fmt.Errorf("%w: %s is not the winner", ErrNotAuthorized, viewer.Base58())
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func requireAuthority(r *Record, viewer solana.Pubkey) error {
	if viewer != r.Authority {
		return fmt.Errorf("%w: %s is not the raffle authority", ErrNotAuthorized, viewer.Base58())
	}
	return nil
}

// AvailableActions lists what viewer may do with the raffle at now.
func AvailableActions(r *Record, now time.Time, viewer solana.Pubkey) []Action {
	var out []Action
	for _, a := range allActions {
		if CheckAction(r, a, now, viewer) == nil {
			out = append(out, a)
		}
	}
	return out
}

// TicketsOf returns holder's ticket numbers, counting from 1.
func TicketsOf(r *Record, holder solana.Pubkey) []uint64 {
	var out []uint64
	for i, t := range r.Tickets {
		if t == holder {
			out = append(out, uint64(i)+1)
		}
	}
	return out
}

// TimeLeft is the time until the raffle ends, or zero once it has.
func TimeLeft(r *Record, now time.Time) time.Duration {
	if !now.Before(r.End) {
		return 0
	}
	return r.End.Sub(now)
}

// FormatTimeLeft renders a countdown such as "1h 2m 3s left" or "Ended".
func FormatTimeLeft(d time.Duration) string {
	if d <= 0 {
		return "Ended"
	}
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds left", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds left", m, s)
	default:
		return fmt.Sprintf("%ds left", s)
	}
}

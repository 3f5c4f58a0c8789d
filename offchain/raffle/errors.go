package raffle

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition means on-chain state does not allow the operation yet
	// (or any more). A fresh read may change the answer.
	ErrPrecondition = errors.New("raffle precondition failed")
	// ErrNotAuthorized means the acting identity lacks the capability the
	// raffle's on-chain state grants to someone else.
	ErrNotAuthorized = errors.New("not authorized for raffle")
)

// ProgramError is a rejection reported by the raffle program (or the Anchor
// framework around it) as a custom instruction error code.
type ProgramError struct {
	Code    uint32
	Name    string
	Message string

	precondition bool
	unauthorized bool
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("program error %d (%s): %s", e.Code, e.Name, e.Message)
}

func (e *ProgramError) Is(target error) bool {
	switch target {
	case ErrPrecondition:
		return e.precondition
	case ErrNotAuthorized:
		return e.unauthorized
	}
	return false
}

const customErrorBase = 6000

type errorDef struct {
	name, msg    string
	precondition bool
	unauthorized bool
}

// Declaration order matters: code = customErrorBase + index.
var programErrors = []errorDef{
	{"RaffleNotActive", "Raffle not active", true, false},
	{"TicketLimitPerUserExceeded", "Ticket limit per user exceeded", true, false},
	{"NoTicketsLeft", "No tickets left", true, false},
	{"MissingBump", "Missing bump", false, false},
	{"Overflow", "Overflow", false, false},
	{"RandomnessAlreadyRevealed", "Randomness already revealed", true, false},
	{"RandomnessNotResolved", "Randomness not resolved", true, false},
	{"RandomnessNotCommitted", "Randomness Not Committed", true, false},
	{"NotAuthorized", "Not authorized", false, true},
	{"RaffleNotCompleted", "Raffle not completed", true, false},
	{"RaffleStillActive", "Raffle still active", true, false},
	{"WinnerAlreadyChosen", "Winner already chosen", true, false},
	{"WinnerNotChosen", "Winner not chosen", true, false},
	{"NoTicketsBought", "No tickets bought", true, false},
	{"InvalidTicketData", "Invalid ticket data", false, false},
	{"InvalidRandomnessAccount", "Invalid randomness account", false, false},
	{"InvalidRandomness", "Invalid randomness data", false, false},
	{"NotWinner", "Caller is not the winner", false, true},
	{"InvalidCollection", "Invalid collection", false, false},
	{"AlreadyClaimed", "Already claimed", true, false},
	{"InvalidNFT", "Invalid NFT", false, false},
	{"CollectionNotVerified", "Collection not verified", false, false},
	{"MissingRandomnessAccount", "Missing randomness account", false, false},
}

// Framework and system codes that signal a stale read: a PDA derived from an
// old counter, or an account created by a competing transaction.
var frameworkErrors = map[uint32]errorDef{
	0:    {"AccountAlreadyInUse", "account already in use", true, false},
	2006: {"ConstraintSeeds", "a seeds constraint was violated", true, false},
	3012: {"AccountNotInitialized", "the program expected this account to be already initialized", true, false},
	2003: {"ConstraintRaw", "a raw constraint was violated", false, false},
	3007: {"AccountOwnedByWrongProgram", "the given account is owned by a different program than expected", false, false},
}

// LookupProgramError maps a custom error code to its definition.
func LookupProgramError(code uint32) (*ProgramError, bool) {
	var d errorDef
	switch {
	case code >= customErrorBase && int(code-customErrorBase) < len(programErrors):
		d = programErrors[code-customErrorBase]
	default:
		var ok bool
		d, ok = frameworkErrors[code]
		if !ok {
			return nil, false
		}
	}
	return &ProgramError{
		Code:         code,
		Name:         d.name,
		Message:      d.msg,
		precondition: d.precondition,
		unauthorized: d.unauthorized,
	}, true
}

// DecodeProgramError is LookupProgramError shaped for submitters: it returns
// the typed error, or nil for unknown codes, and whether the code signals a
// stale precondition.
func DecodeProgramError(code uint32) (error, bool) {
	pe, ok := LookupProgramError(code)
	if !ok {
		return nil, false
	}
	return pe, pe.precondition
}

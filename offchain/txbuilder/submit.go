package txbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
)

// Kind classifies why a submission failed.
type Kind int

const (
	// KindTransport covers network failures and RPC errors unrelated to the
	// transaction's contents.
	KindTransport Kind = iota
	// KindStaleFingerprint means the blockhash expired; recompose and re-sign.
	KindStaleFingerprint
	// KindPrecondition means on-chain state no longer matches what the
	// transaction was built against.
	KindPrecondition
	// KindRejected is any other program or runtime rejection.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindStaleFingerprint:
		return "stale_fingerprint"
	case KindPrecondition:
		return "precondition"
	case KindRejected:
		return "rejected"
	default:
		return "transport"
	}
}

// SubmitError describes a failed submission. InstructionIndex is relative to
// the envelope, compute budget directives included, and is -1 when the
// failure is not tied to an instruction.
type SubmitError struct {
	Kind             Kind
	Signature        string
	InstructionIndex int
	ProgramID        solana.Pubkey
	ProgramCode      *uint32
	Logs             []string
	// Cause is the decoded program error when the failing program has a
	// registered decoder, otherwise the underlying RPC error.
	Cause error
}

func (e *SubmitError) Error() string {
	msg := fmt.Sprintf("submit transaction: %s", e.Kind)
	if e.InstructionIndex >= 0 {
		msg += fmt.Sprintf(" (instruction %d)", e.InstructionIndex)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SubmitError) Unwrap() error { return e.Cause }

// KindOf returns the classification of err, or false when err is not a
// submission failure.
func KindOf(err error) (Kind, bool) {
	var se *SubmitError
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Kind, true
}

// ErrorDecoder maps a program's custom error code to a typed error and
// reports whether it means a stale precondition.
type ErrorDecoder func(code uint32) (err error, precondition bool)

// Transport is the slice of the RPC client the submitter needs.
type Transport interface {
	SendTransaction(ctx context.Context, tx []byte, skipPreflight bool) (string, error)
	WaitForSignature(ctx context.Context, sig string, commitment string, policy solanarpc.PollPolicy) (*solanarpc.SignatureStatus, error)
}

type Submitter struct {
	rpc        Transport
	policy     solanarpc.PollPolicy
	commitment string
	decoders   map[solana.Pubkey]ErrorDecoder
	log        *zap.Logger
}

func NewSubmitter(rpc Transport, policy solanarpc.PollPolicy, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{
		rpc:        rpc,
		policy:     policy,
		commitment: "confirmed",
		decoders:   make(map[solana.Pubkey]ErrorDecoder),
		log:        log,
	}
}

// RegisterProgramErrors attaches a decoder for custom errors raised by
// programID. Call before submitting.
func (s *Submitter) RegisterProgramErrors(programID solana.Pubkey, dec ErrorDecoder) {
	s.decoders[programID] = dec
}

// Submit sends a fully signed envelope and returns its signature.
func (s *Submitter) Submit(ctx context.Context, env *solana.Envelope) (string, error) {
	raw, err := env.Serialize(true)
	if err != nil {
		return "", err
	}
	sig, err := s.rpc.SendTransaction(ctx, raw, false)
	if err != nil {
		se := s.classify(env, err)
		se.Signature = env.ID()
		s.log.Warn("transaction rejected",
			zap.String("signature", se.Signature),
			zap.Stringer("kind", se.Kind),
			zap.Int("instruction", se.InstructionIndex),
			zap.Error(err),
		)
		return "", se
	}
	s.log.Debug("transaction sent", zap.String("signature", sig))
	return sig, nil
}

// SubmitAndConfirm sends env and waits for the configured commitment.
func (s *Submitter) SubmitAndConfirm(ctx context.Context, env *solana.Envelope) (string, error) {
	sig, err := s.Submit(ctx, env)
	if err != nil {
		return "", err
	}
	return sig, s.Confirm(ctx, env, sig)
}

// Confirm waits for sig, a submission of env, to reach the configured
// commitment. A transaction that landed but failed is classified like a
// preflight rejection.
func (s *Submitter) Confirm(ctx context.Context, env *solana.Envelope, sig string) error {
	if _, err := s.rpc.WaitForSignature(ctx, sig, s.commitment, s.policy); err != nil {
		var txErr *solanarpc.TransactionError
		if errors.As(err, &txErr) {
			se := s.classify(env, err)
			se.Signature = sig
			s.log.Warn("transaction failed on chain",
				zap.String("signature", sig),
				zap.Stringer("kind", se.Kind),
				zap.Int("instruction", se.InstructionIndex),
			)
			return se
		}
		return fmt.Errorf("confirm %s: %w", sig, err)
	}
	s.log.Info("transaction confirmed", zap.String("signature", sig))
	return nil
}

func (s *Submitter) classify(env *solana.Envelope, err error) *SubmitError {
	se := &SubmitError{Kind: KindTransport, InstructionIndex: -1, Cause: err}
	if solanarpc.IsBlockhashNotFound(err) {
		se.Kind = KindStaleFingerprint
		return se
	}

	var raw json.RawMessage
	var rpcErr *solanarpc.RPCError
	var txErr *solanarpc.TransactionError
	switch {
	case errors.As(err, &txErr):
		raw = json.RawMessage(txErr.Raw)
	case errors.As(err, &rpcErr):
		txRaw, logs, ok := rpcErr.SimulationFailure()
		if !ok {
			return se
		}
		raw, se.Logs = txRaw, logs
	default:
		return se
	}
	if len(raw) == 0 {
		if se.Logs != nil {
			se.Kind = KindRejected
		}
		return se
	}
	se.Kind = KindRejected

	ie, ok := parseInstructionError(raw)
	if !ok {
		return se
	}
	se.InstructionIndex = ie.index
	ixs := env.Instructions()
	if ie.index >= 0 && ie.index < len(ixs) {
		se.ProgramID = ixs[ie.index].ProgramID
	}
	if ie.custom == nil {
		return se
	}
	se.ProgramCode = ie.custom
	if dec, ok := s.decoders[se.ProgramID]; ok {
		if decoded, precondition := dec(*ie.custom); decoded != nil {
			se.Cause = decoded
			if precondition {
				se.Kind = KindPrecondition
			}
		}
	}
	return se
}

type instructionError struct {
	index  int
	custom *uint32
	name   string
}

// parseInstructionError reads {"InstructionError":[idx, detail]} where detail
// is either {"Custom":n} or a bare error name.
func parseInstructionError(raw json.RawMessage) (instructionError, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return instructionError{}, false
	}
	body, ok := obj["InstructionError"]
	if !ok {
		return instructionError{}, false
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(body, &pair); err != nil || len(pair) != 2 {
		return instructionError{}, false
	}
	var out instructionError
	if err := json.Unmarshal(pair[0], &out.index); err != nil {
		return instructionError{}, false
	}
	var custom struct {
		Custom *uint32 `json:"Custom"`
	}
	if err := json.Unmarshal(pair[1], &custom); err == nil && custom.Custom != nil {
		out.custom = custom.Custom
		return out, true
	}
	if err := json.Unmarshal(pair[1], &out.name); err != nil {
		out.name = string(pair[1])
	}
	return out, true
}

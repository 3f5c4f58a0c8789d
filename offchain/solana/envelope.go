package solana

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// MaxTransactionSize is the largest serialized transaction the cluster accepts
// (IPv6 MTU minus headers).
const MaxTransactionSize = 1232

var (
	ErrMissingSigner       = errors.New("missing signer for required signature")
	ErrEmptyTransaction    = errors.New("transaction has no instructions")
	ErrMissingFeePayer     = errors.New("fee payer required")
	ErrTransactionTooLarge = errors.New("transaction exceeds maximum size")
	ErrUnexpectedSigner    = errors.New("key is not a required signer")
	ErrInvalidSignature    = errors.New("signature does not verify")
)

// Envelope is a compiled legacy transaction. The message is fixed at
// construction; only signature slots change afterwards. Instructions execute
// in list order and commit atomically.
type Envelope struct {
	feePayer        Pubkey
	recentBlockhash [32]byte
	instructions    []Instruction

	message     []byte
	accountKeys []Pubkey
	header      messageHeader

	signatures [][64]byte
	signed     []bool
}

func NewEnvelope(recentBlockhash [32]byte, feePayer Pubkey, instructions []Instruction) (*Envelope, error) {
	if len(instructions) == 0 {
		return nil, ErrEmptyTransaction
	}
	if feePayer.IsZero() {
		return nil, ErrMissingFeePayer
	}
	ixs := make([]Instruction, len(instructions))
	for i, ix := range instructions {
		ixs[i] = ix.clone()
	}

	msg, keys, header, err := compileLegacyMessage(recentBlockhash, feePayer, ixs)
	if err != nil {
		return nil, err
	}
	n := int(header.NumRequiredSignatures)
	if size := compactU16Size(n) + n*64 + len(msg); size > MaxTransactionSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTransactionTooLarge, size)
	}

	return &Envelope{
		feePayer:        feePayer,
		recentBlockhash: recentBlockhash,
		instructions:    ixs,
		message:         msg,
		accountKeys:     keys,
		header:          header,
		signatures:      make([][64]byte, n),
		signed:          make([]bool, n),
	}, nil
}

func (e *Envelope) FeePayer() Pubkey { return e.feePayer }

func (e *Envelope) RecentBlockhash() [32]byte { return e.recentBlockhash }

func (e *Envelope) Instructions() []Instruction {
	out := make([]Instruction, len(e.instructions))
	for i, ix := range e.instructions {
		out[i] = ix.clone()
	}
	return out
}

func (e *Envelope) Message() []byte {
	return append([]byte(nil), e.message...)
}

func (e *Envelope) AccountKeys() []Pubkey {
	return append([]Pubkey(nil), e.accountKeys...)
}

// RequiredSigners lists the signer keys in signature-slot order; the fee payer
// is always first.
func (e *Envelope) RequiredSigners() []Pubkey {
	return append([]Pubkey(nil), e.accountKeys[:e.header.NumRequiredSignatures]...)
}

func (e *Envelope) signerIndex(pk Pubkey) int {
	for i := 0; i < int(e.header.NumRequiredSignatures); i++ {
		if e.accountKeys[i] == pk {
			return i
		}
	}
	return -1
}

// PartialSign signs with any subset of the required signers. Keys that are not
// required signers are rejected.
func (e *Envelope) PartialSign(keys ...ed25519.PrivateKey) error {
	for _, priv := range keys {
		if len(priv) != ed25519.PrivateKeySize {
			return errors.New("invalid ed25519 private key")
		}
		var pk Pubkey
		copy(pk[:], priv.Public().(ed25519.PublicKey))
		idx := e.signerIndex(pk)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnexpectedSigner, pk.Base58())
		}
		copy(e.signatures[idx][:], ed25519.Sign(priv, e.message))
		e.signed[idx] = true
	}
	return nil
}

// AddSignature attaches a signature produced elsewhere (e.g. by a wallet).
func (e *Envelope) AddSignature(pk Pubkey, sig [64]byte) error {
	idx := e.signerIndex(pk)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnexpectedSigner, pk.Base58())
	}
	if !ed25519.Verify(ed25519.PublicKey(pk[:]), e.message, sig[:]) {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, pk.Base58())
	}
	e.signatures[idx] = sig
	e.signed[idx] = true
	return nil
}

func (e *Envelope) Signature(pk Pubkey) ([64]byte, bool) {
	idx := e.signerIndex(pk)
	if idx < 0 || !e.signed[idx] {
		return [64]byte{}, false
	}
	return e.signatures[idx], true
}

func (e *Envelope) MissingSigners() []Pubkey {
	var out []Pubkey
	for i, ok := range e.signed {
		if !ok {
			out = append(out, e.accountKeys[i])
		}
	}
	return out
}

func (e *Envelope) FullySigned() bool {
	for _, ok := range e.signed {
		if !ok {
			return false
		}
	}
	return true
}

// ID returns the transaction signature (fee payer's signature, base58), or ""
// if the fee payer has not signed yet.
func (e *Envelope) ID() string {
	if len(e.signed) == 0 || !e.signed[0] {
		return ""
	}
	return base58.Encode(e.signatures[0][:])
}

// Serialize returns the wire form. With requireAll=false, missing signatures
// are zero-filled so another party can complete them.
func (e *Envelope) Serialize(requireAll bool) ([]byte, error) {
	if requireAll && !e.FullySigned() {
		return nil, fmt.Errorf("%w: %s", ErrMissingSigner, e.MissingSigners()[0].Base58())
	}
	n := len(e.signatures)
	out := make([]byte, 0, len(e.message)+3+n*64)
	out = appendCompactU16(out, n)
	for i := range e.signatures {
		out = append(out, e.signatures[i][:]...)
	}
	out = append(out, e.message...)
	return out, nil
}

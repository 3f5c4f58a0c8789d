// Package randomness binds the Switchboard on-demand randomness program: the
// account creation and commit instructions the raffle's commit step pairs
// with, and a decoder for the resulting account.
package randomness

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

var (
	DevnetProgramID  = solana.MustParsePubkey("Aio4gaXjXzJNVLtzwtNVmSqGKpANtXhybbkhtAC94ji2")
	MainnetProgramID = solana.MustParsePubkey("SBondMDrcV3K4kxZR1HNVT7osZxAHVHgYXL5Ze1oMUv")
	DevnetQueue      = solana.MustParsePubkey("EYiAmGSdsQTuCw413V5BzaruWuCCSDgTPtBGvLkXHbe7")
)

var (
	ErrInvalidBinding   = errors.New("invalid randomness binding")
	ErrMalformedAccount = errors.New("malformed randomness account")
	ErrUnexpectedCommit = errors.New("unexpected randomness commit")
)

// Sizes of the accounts randomness_init allocates, used to size funding.
const (
	AccountSize       = 408
	EscrowAccountSize = 165
	LookupTableSize   = 56
)

var (
	initDiscriminator    = sighash("randomness_init")
	commitDiscriminator  = sighash("randomness_commit")
	accountDiscriminator = accountHash("RandomnessAccountData")
)

func sighash(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func accountHash(name string) [8]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// Binding names a randomness deployment. Oracle is the oracle asked to
// reveal; it must serve Queue.
type Binding struct {
	ProgramID solana.Pubkey
	Queue     solana.Pubkey
	Oracle    solana.Pubkey
}

func DevnetBinding(oracle solana.Pubkey) Binding {
	return Binding{ProgramID: DevnetProgramID, Queue: DevnetQueue, Oracle: oracle}
}

func (b Binding) validate() error {
	switch {
	case b.ProgramID.IsZero():
		return fmt.Errorf("%w: program id required", ErrInvalidBinding)
	case b.Queue.IsZero():
		return fmt.Errorf("%w: queue required", ErrInvalidBinding)
	case b.Oracle.IsZero():
		return fmt.Errorf("%w: oracle required", ErrInvalidBinding)
	}
	return nil
}

// Request is everything needed to create and commit one randomness account.
type Request struct {
	Account solana.Pubkey
	// Create allocates the account. Signers: Account and the payer.
	Create solana.Instruction
	// Commit binds the account to the next slot hash. Signer: Account, which
	// is its own authority.
	Commit solana.Instruction
	// Rent lists the data sizes Create allocates.
	Rent []uint64
}

// NewRequest builds the instruction pair for randomness, an ephemeral key
// that is both the account and its authority. recentSlot seeds the lookup
// table the program creates alongside the account.
func (b Binding) NewRequest(randomness, payer solana.Pubkey, recentSlot uint64) (*Request, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if randomness.IsZero() || payer.IsZero() {
		return nil, fmt.Errorf("%w: randomness and payer required", ErrInvalidBinding)
	}

	escrow, err := solana.AssociatedTokenAddress(randomness, solana.NativeMint)
	if err != nil {
		return nil, fmt.Errorf("derive reward escrow: %w", err)
	}
	state, err := solana.Derive(b.ProgramID, []byte("STATE"))
	if err != nil {
		return nil, fmt.Errorf("derive program state: %w", err)
	}
	lutSigner, err := solana.Derive(b.ProgramID, []byte("LutSigner"), randomness[:])
	if err != nil {
		return nil, fmt.Errorf("derive lookup table signer: %w", err)
	}
	var slot [8]byte
	binary.LittleEndian.PutUint64(slot[:], recentSlot)
	lut, err := solana.Derive(solana.AddressLookupTableProgramID, lutSigner.Address[:], slot[:])
	if err != nil {
		return nil, fmt.Errorf("derive lookup table: %w", err)
	}

	initData := make([]byte, 0, 16)
	initData = append(initData, initDiscriminator[:]...)
	initData = append(initData, slot[:]...)

	create := solana.Instruction{
		ProgramID: b.ProgramID,
		Accounts: []solana.AccountMeta{
			{Pubkey: randomness, IsSigner: true, IsWritable: true},
			{Pubkey: escrow, IsWritable: true},
			{Pubkey: randomness, IsSigner: true},
			{Pubkey: b.Queue, IsWritable: true},
			{Pubkey: payer, IsSigner: true, IsWritable: true},
			{Pubkey: solana.SystemProgramID},
			{Pubkey: solana.TokenProgramID},
			{Pubkey: solana.AssociatedTokenProgramID},
			{Pubkey: solana.NativeMint},
			{Pubkey: state.Address},
			{Pubkey: lutSigner.Address},
			{Pubkey: lut.Address, IsWritable: true},
			{Pubkey: solana.AddressLookupTableProgramID},
		},
		Data: initData,
	}

	commit := solana.Instruction{
		ProgramID: b.ProgramID,
		Accounts: []solana.AccountMeta{
			{Pubkey: randomness, IsWritable: true},
			{Pubkey: b.Queue},
			{Pubkey: b.Oracle, IsWritable: true},
			{Pubkey: solana.SlotHashesSysvarID},
			{Pubkey: randomness, IsSigner: true},
		},
		Data: append([]byte(nil), commitDiscriminator[:]...),
	}

	return &Request{
		Account: randomness,
		Create:  create,
		Commit:  commit,
		Rent:    []uint64{AccountSize, EscrowAccountSize, LookupTableSize},
	}, nil
}

// CheckCommit reports whether ix is this deployment's randomness_commit for
// randomness. Queue and Oracle are compared only when set, so a wallet that
// knows just the program id can still verify a server-built transaction.
func (b Binding) CheckCommit(ix solana.Instruction, randomness solana.Pubkey) error {
	if b.ProgramID.IsZero() {
		return fmt.Errorf("%w: program id required", ErrInvalidBinding)
	}
	if ix.ProgramID != b.ProgramID {
		return fmt.Errorf("%w: program %s is not the randomness program", ErrUnexpectedCommit, ix.ProgramID)
	}
	if len(ix.Data) != len(commitDiscriminator) || [8]byte(ix.Data) != commitDiscriminator {
		return fmt.Errorf("%w: not randomness_commit", ErrUnexpectedCommit)
	}
	if len(ix.Accounts) != 5 {
		return fmt.Errorf("%w: %d accounts", ErrUnexpectedCommit, len(ix.Accounts))
	}
	want := []solana.Pubkey{randomness, b.Queue, b.Oracle, solana.SlotHashesSysvarID, randomness}
	for i, pk := range want {
		if pk.IsZero() {
			continue
		}
		if ix.Accounts[i].Pubkey != pk {
			return fmt.Errorf("%w: account %d is %s, want %s", ErrUnexpectedCommit, i, ix.Accounts[i].Pubkey, pk)
		}
	}
	return nil
}

// SlotSource reports the current slot.
type SlotSource interface {
	Slot(ctx context.Context) (uint64, error)
}

// Switchboard issues requests against a live cluster.
type Switchboard struct {
	Binding
	Slots SlotSource
}

func (s *Switchboard) NewRequest(ctx context.Context, randomness, payer solana.Pubkey) (*Request, error) {
	slot, err := s.Slots.Slot(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch recent slot: %w", err)
	}
	return s.Binding.NewRequest(randomness, payer, slot)
}

// Materialized reports whether data, owned by owner, is an initialized
// randomness account of this deployment.
func (s *Switchboard) Materialized(owner solana.Pubkey, data []byte) bool {
	if owner != s.ProgramID {
		return false
	}
	_, err := DecodeAccount(data)
	return err == nil
}

// Account is the prefix of the on-chain randomness account the client reads.
type Account struct {
	Authority  solana.Pubkey
	Queue      solana.Pubkey
	SeedSlot   uint64
	Oracle     solana.Pubkey
	RevealSlot uint64
	Value      [32]byte
}

// Revealed reports whether the oracle has published a value.
func (a *Account) Revealed() bool { return a.RevealSlot != 0 }

func DecodeAccount(data []byte) (*Account, error) {
	const prefix = 8 + 32 + 32 + 32 + 8 + 32 + 8 + 32
	if len(data) < prefix {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAccount, len(data))
	}
	if [8]byte(data[:8]) != accountDiscriminator {
		return nil, fmt.Errorf("%w: discriminator mismatch", ErrMalformedAccount)
	}
	var a Account
	off := 8
	copy(a.Authority[:], data[off:off+32])
	off += 32
	copy(a.Queue[:], data[off:off+32])
	off += 32
	off += 32 // seed slot hash
	a.SeedSlot = binary.LittleEndian.Uint64(data[off:])
	off += 8
	copy(a.Oracle[:], data[off:off+32])
	off += 32
	a.RevealSlot = binary.LittleEndian.Uint64(data[off:])
	off += 8
	copy(a.Value[:], data[off:off+32])
	return &a, nil
}

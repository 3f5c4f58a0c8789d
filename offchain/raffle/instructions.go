package raffle

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

const (
	MaxNameLen        = 50
	MaxTicketCapacity = 100
)

var ErrInvalidArgument = errors.New("invalid instruction argument")

func sighash(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

var (
	ixInitConfig       = sighash("init_config")
	ixInitRaffle       = sighash("init_raffle")
	ixBuyTickets       = sighash("buy_tickets")
	ixCommitRandomness = sighash("commit_randomness")
	ixRevealWinner     = sighash("reveal_winner")
	ixClaimPrize       = sighash("claim_prize")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func requireKeys(programID solana.Pubkey, keys map[string]solana.Pubkey) error {
	if programID.IsZero() {
		return invalid("program id required")
	}
	for name, k := range keys {
		if k.IsZero() {
			return invalid("%s required", name)
		}
	}
	return nil
}

func w(pk solana.Pubkey) solana.AccountMeta  { return solana.AccountMeta{Pubkey: pk, IsWritable: true} }
func ro(pk solana.Pubkey) solana.AccountMeta { return solana.AccountMeta{Pubkey: pk} }
func ws(pk solana.Pubkey) solana.AccountMeta {
	return solana.AccountMeta{Pubkey: pk, IsSigner: true, IsWritable: true}
}

type InitConfigArgs struct {
	RaffleID      uint64
	Name          string
	Start         time.Time
	End           time.Time
	PriceLamports uint64
	MaxTickets    uint64
}

type InitConfigAccounts struct {
	Payer  solana.Pubkey
	Raffle solana.Pubkey
}

// InitConfig creates the raffle account. Payer becomes the raffle authority.
func InitConfig(programID solana.Pubkey, accts InitConfigAccounts, args InitConfigArgs) (solana.Instruction, error) {
	if err := requireKeys(programID, map[string]solana.Pubkey{"payer": accts.Payer, "raffle": accts.Raffle}); err != nil {
		return solana.Instruction{}, err
	}
	if !utf8.ValidString(args.Name) || len(args.Name) == 0 || len(args.Name) > MaxNameLen {
		return solana.Instruction{}, invalid("name must be 1..%d bytes of utf-8", MaxNameLen)
	}
	if args.Start.Unix() < 0 {
		return solana.Instruction{}, invalid("start before epoch")
	}
	if args.End.Before(args.Start) {
		return solana.Instruction{}, invalid("end %s before start %s", args.End.UTC().Format(time.RFC3339), args.Start.UTC().Format(time.RFC3339))
	}
	if args.MaxTickets == 0 || args.MaxTickets > MaxTicketCapacity {
		return solana.Instruction{}, invalid("max tickets must be 1..%d", MaxTicketCapacity)
	}

	data := make([]byte, 0, 8+8+4+len(args.Name)+8*4)
	data = append(data, ixInitConfig[:]...)
	data = binary.LittleEndian.AppendUint64(data, args.RaffleID)
	data = binary.LittleEndian.AppendUint32(data, uint32(len(args.Name)))
	data = append(data, args.Name...)
	data = binary.LittleEndian.AppendUint64(data, uint64(args.Start.Unix()))
	data = binary.LittleEndian.AppendUint64(data, uint64(args.End.Unix()))
	data = binary.LittleEndian.AppendUint64(data, args.PriceLamports)
	data = binary.LittleEndian.AppendUint64(data, args.MaxTickets)

	return solana.Instruction{
		ProgramID: programID,
		Accounts: []solana.AccountMeta{
			ws(accts.Payer),
			w(accts.Raffle),
			ro(solana.SystemProgramID),
		},
		Data: data,
	}, nil
}

type InitRaffleAccounts struct {
	Payer                  solana.Pubkey
	Raffle                 solana.Pubkey
	MintAuthority          solana.Pubkey
	CollectionMint         solana.Pubkey
	CollectionTokenAccount solana.Pubkey
	Metadata               solana.Pubkey
	MasterEdition          solana.Pubkey
}

// ResolveInitRaffle derives every account initRaffle needs for the raffle
// named by id. The owner pays.
func ResolveInitRaffle(programID solana.Pubkey, id Identity) (InitRaffleAccounts, error) {
	raffle, err := RaffleAddress(programID, id)
	if err != nil {
		return InitRaffleAccounts{}, err
	}
	authority, err := MintAuthorityAddress(programID, raffle.Address)
	if err != nil {
		return InitRaffleAccounts{}, err
	}
	collection, err := CollectionMintAddress(programID, raffle.Address)
	if err != nil {
		return InitRaffleAccounts{}, err
	}
	holder, err := solana.AssociatedTokenAddress(authority.Address, collection.Address)
	if err != nil {
		return InitRaffleAccounts{}, err
	}
	metadata, err := MetadataAddress(collection.Address)
	if err != nil {
		return InitRaffleAccounts{}, err
	}
	edition, err := MasterEditionAddress(collection.Address)
	if err != nil {
		return InitRaffleAccounts{}, err
	}
	return InitRaffleAccounts{
		Payer:                  id.Owner,
		Raffle:                 raffle.Address,
		MintAuthority:          authority.Address,
		CollectionMint:         collection.Address,
		CollectionTokenAccount: holder,
		Metadata:               metadata.Address,
		MasterEdition:          edition.Address,
	}, nil
}

// InitRaffle mints the ticket collection for a configured raffle.
func InitRaffle(programID solana.Pubkey, a InitRaffleAccounts) (solana.Instruction, error) {
	if err := requireKeys(programID, map[string]solana.Pubkey{
		"payer":                    a.Payer,
		"raffle":                   a.Raffle,
		"mint authority":           a.MintAuthority,
		"collection mint":          a.CollectionMint,
		"collection token account": a.CollectionTokenAccount,
		"metadata":                 a.Metadata,
		"master edition":           a.MasterEdition,
	}); err != nil {
		return solana.Instruction{}, err
	}
	return solana.Instruction{
		ProgramID: programID,
		Accounts: []solana.AccountMeta{
			ws(a.Payer),
			w(a.Raffle),
			ro(a.MintAuthority),
			w(a.CollectionMint),
			w(a.CollectionTokenAccount),
			w(a.Metadata),
			w(a.MasterEdition),
			ro(solana.TokenProgramID),
			ro(solana.AssociatedTokenProgramID),
			ro(solana.TokenMetadataProgramID),
			ro(solana.SystemProgramID),
			ro(solana.RentSysvarID),
		},
		Data: append([]byte(nil), ixInitRaffle[:]...),
	}, nil
}

type BuyTicketsAccounts struct {
	Payer             solana.Pubkey
	Raffle            solana.Pubkey
	TicketMint        solana.Pubkey
	BuyerTokenAccount solana.Pubkey
	CollectionMint    solana.Pubkey

	// TicketIndex is the ticket count the mint was derived from.
	TicketIndex uint64
}

// ResolveBuyTickets derives the accounts for buying the ticket at index.
// index must be the raffle's ticket count as read just before building.
func ResolveBuyTickets(programID solana.Pubkey, id Identity, buyer solana.Pubkey, index uint64) (BuyTicketsAccounts, error) {
	raffle, err := RaffleAddress(programID, id)
	if err != nil {
		return BuyTicketsAccounts{}, err
	}
	mint, err := TicketMintAddress(programID, raffle.Address, index)
	if err != nil {
		return BuyTicketsAccounts{}, err
	}
	holder, err := solana.AssociatedTokenAddress(buyer, mint.Address)
	if err != nil {
		return BuyTicketsAccounts{}, err
	}
	collection, err := CollectionMintAddress(programID, raffle.Address)
	if err != nil {
		return BuyTicketsAccounts{}, err
	}
	return BuyTicketsAccounts{
		Payer:             buyer,
		Raffle:            raffle.Address,
		TicketMint:        mint.Address,
		BuyerTokenAccount: holder,
		CollectionMint:    collection.Address,
		TicketIndex:       index,
	}, nil
}

func BuyTickets(programID solana.Pubkey, a BuyTicketsAccounts) (solana.Instruction, error) {
	if err := requireKeys(programID, map[string]solana.Pubkey{
		"payer":               a.Payer,
		"raffle":              a.Raffle,
		"ticket mint":         a.TicketMint,
		"buyer token account": a.BuyerTokenAccount,
		"collection mint":     a.CollectionMint,
	}); err != nil {
		return solana.Instruction{}, err
	}
	return solana.Instruction{
		ProgramID: programID,
		Accounts: []solana.AccountMeta{
			ws(a.Payer),
			w(a.Raffle),
			w(a.TicketMint),
			w(a.BuyerTokenAccount),
			w(a.CollectionMint),
			ro(solana.TokenProgramID),
			ro(solana.AssociatedTokenProgramID),
			ro(solana.SystemProgramID),
			ro(solana.RentSysvarID),
		},
		Data: append([]byte(nil), ixBuyTickets[:]...),
	}, nil
}

// CommitMode selects how randomness is committed. It is either MockCommit or
// OracleCommit.
type CommitMode interface {
	commitMode()
}

// MockCommit has the program derive a pseudo-random value from the clock.
// Not for adversarial use. Placeholder fills the unused randomness slot; when
// zero the program id is used, which the program reads as "no account".
type MockCommit struct {
	Placeholder solana.Pubkey
}

// OracleCommit binds the raffle to an oracle randomness account.
type OracleCommit struct {
	Randomness solana.Pubkey
}

func (MockCommit) commitMode()   {}
func (OracleCommit) commitMode() {}

type CommitRandomnessAccounts struct {
	Payer  solana.Pubkey
	Raffle solana.Pubkey
}

func CommitRandomness(programID solana.Pubkey, a CommitRandomnessAccounts, mode CommitMode) (solana.Instruction, error) {
	if err := requireKeys(programID, map[string]solana.Pubkey{"payer": a.Payer, "raffle": a.Raffle}); err != nil {
		return solana.Instruction{}, err
	}

	var (
		useMock bool
		slot    solana.Pubkey
	)
	switch m := mode.(type) {
	case MockCommit:
		useMock = true
		slot = m.Placeholder
		if slot.IsZero() {
			slot = programID
		}
	case *MockCommit:
		return CommitRandomness(programID, a, *m)
	case OracleCommit:
		if m.Randomness.IsZero() {
			return solana.Instruction{}, invalid("randomness account required")
		}
		slot = m.Randomness
	case *OracleCommit:
		return CommitRandomness(programID, a, *m)
	default:
		return solana.Instruction{}, invalid("unknown commit mode %T", mode)
	}

	data := append([]byte(nil), ixCommitRandomness[:]...)
	if useMock {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}

	return solana.Instruction{
		ProgramID: programID,
		Accounts: []solana.AccountMeta{
			{Pubkey: a.Payer, IsSigner: true},
			w(a.Raffle),
			ro(slot),
			ro(solana.SystemProgramID),
		},
		Data: data,
	}, nil
}

type RevealWinnerAccounts struct {
	Authority solana.Pubkey
	Raffle    solana.Pubkey
}

func RevealWinner(programID solana.Pubkey, a RevealWinnerAccounts) (solana.Instruction, error) {
	if err := requireKeys(programID, map[string]solana.Pubkey{"authority": a.Authority, "raffle": a.Raffle}); err != nil {
		return solana.Instruction{}, err
	}
	return solana.Instruction{
		ProgramID: programID,
		Accounts: []solana.AccountMeta{
			ws(a.Authority),
			w(a.Raffle),
			ro(solana.SystemProgramID),
		},
		Data: append([]byte(nil), ixRevealWinner[:]...),
	}, nil
}

type ClaimPrizeAccounts struct {
	Raffle             solana.Pubkey
	Winner             solana.Pubkey
	PrizeMint          solana.Pubkey
	WinnerTokenAccount solana.Pubkey
	Metadata           solana.Pubkey
	MasterEdition      solana.Pubkey
}

func ResolveClaimPrize(programID, raffle, winner solana.Pubkey) (ClaimPrizeAccounts, error) {
	prize, err := PrizeMintAddress(programID, raffle)
	if err != nil {
		return ClaimPrizeAccounts{}, err
	}
	holder, err := solana.AssociatedTokenAddress(winner, prize.Address)
	if err != nil {
		return ClaimPrizeAccounts{}, err
	}
	metadata, err := MetadataAddress(prize.Address)
	if err != nil {
		return ClaimPrizeAccounts{}, err
	}
	edition, err := MasterEditionAddress(prize.Address)
	if err != nil {
		return ClaimPrizeAccounts{}, err
	}
	return ClaimPrizeAccounts{
		Raffle:             raffle,
		Winner:             winner,
		PrizeMint:          prize.Address,
		WinnerTokenAccount: holder,
		Metadata:           metadata.Address,
		MasterEdition:      edition.Address,
	}, nil
}

func ClaimPrize(programID solana.Pubkey, a ClaimPrizeAccounts) (solana.Instruction, error) {
	if err := requireKeys(programID, map[string]solana.Pubkey{
		"raffle":               a.Raffle,
		"winner":               a.Winner,
		"prize mint":           a.PrizeMint,
		"winner token account": a.WinnerTokenAccount,
		"metadata":             a.Metadata,
		"master edition":       a.MasterEdition,
	}); err != nil {
		return solana.Instruction{}, err
	}
	return solana.Instruction{
		ProgramID: programID,
		Accounts: []solana.AccountMeta{
			w(a.Raffle),
			ws(a.Winner),
			w(a.PrizeMint),
			w(a.WinnerTokenAccount),
			w(a.Metadata),
			w(a.MasterEdition),
			ro(solana.TokenMetadataProgramID),
			ro(solana.TokenProgramID),
			ro(solana.AssociatedTokenProgramID),
			ro(solana.SystemProgramID),
			ro(solana.RentSysvarID),
		},
		Data: append([]byte(nil), ixClaimPrize[:]...),
	}, nil
}

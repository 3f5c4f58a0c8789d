package raffle

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

// DefaultProgramID is the devnet deployment of the raffle program.
var DefaultProgramID = solana.MustParsePubkey("8xQ1B6beBjoP9oFRHzjmPyHzdGAJPnxcUYzL6Dr5Vsax")

// Seed literals. These are part of the program's wire contract.
const (
	seedRaffle        = "raffle"
	seedMintAuthority = "mint_authority"
	seedCollection    = "collection_mint"
	seedTicketMint    = "ticket_mint"
	seedPrizeMint     = "prize_mint"
	seedMetadata      = "metadata"
	seedEdition       = "edition"
)

// Identity names a raffle. ID must be unique per owner.
type Identity struct {
	Owner solana.Pubkey
	ID    uint64
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%d", id.Owner.Base58(), id.ID)
}

// NewRaffleID returns a wall-clock id in milliseconds. Two raffles created by
// the same owner within the same millisecond collide; the program rejects the
// second initConfig because the raffle account already exists.
func NewRaffleID(now time.Time) uint64 {
	return uint64(now.UnixMilli())
}

func le8(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

func RaffleAddress(programID solana.Pubkey, id Identity) (solana.DerivedAddress, error) {
	return derive(programID, "raffle", []byte(seedRaffle), id.Owner[:], le8(id.ID))
}

func MintAuthorityAddress(programID, raffle solana.Pubkey) (solana.DerivedAddress, error) {
	return derive(programID, "mint authority", []byte(seedMintAuthority), raffle[:])
}

func CollectionMintAddress(programID, raffle solana.Pubkey) (solana.DerivedAddress, error) {
	return derive(programID, "collection mint", []byte(seedCollection), raffle[:])
}

// TicketMintAddress derives the mint for the ticket at index, which is the
// raffle's ticket count before the purchase.
func TicketMintAddress(programID, raffle solana.Pubkey, index uint64) (solana.DerivedAddress, error) {
	return derive(programID, "ticket mint", []byte(seedTicketMint), raffle[:], le8(index))
}

func PrizeMintAddress(programID, raffle solana.Pubkey) (solana.DerivedAddress, error) {
	return derive(programID, "prize mint", []byte(seedPrizeMint), raffle[:])
}

func MetadataAddress(mint solana.Pubkey) (solana.DerivedAddress, error) {
	meta := solana.TokenMetadataProgramID
	return derive(meta, "metadata", []byte(seedMetadata), meta[:], mint[:])
}

func MasterEditionAddress(mint solana.Pubkey) (solana.DerivedAddress, error) {
	meta := solana.TokenMetadataProgramID
	return derive(meta, "master edition", []byte(seedMetadata), meta[:], mint[:], []byte(seedEdition))
}

func derive(programID solana.Pubkey, what string, seeds ...[]byte) (solana.DerivedAddress, error) {
	d, err := solana.Derive(programID, seeds...)
	if err != nil {
		return solana.DerivedAddress{}, fmt.Errorf("derive %s address: %w", what, err)
	}
	return d, nil
}

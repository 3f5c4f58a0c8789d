package solana

import (
	"encoding/binary"
	"fmt"
)

var (
	SystemProgramID             = MustParsePubkey("11111111111111111111111111111111")
	ComputeBudgetProgramID      = MustParsePubkey("ComputeBudget111111111111111111111111111111")
	TokenProgramID              = MustParsePubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID    = MustParsePubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	TokenMetadataProgramID      = MustParsePubkey("metaqbxxUerdq28cj1RbAWkYQm3ybzjb6a8bt518x1s")
	AddressLookupTableProgramID = MustParsePubkey("AddressLookupTab1e1111111111111111111111111")
	NativeMint                  = MustParsePubkey("So11111111111111111111111111111111111111112")

	RentSysvarID       = MustParsePubkey("SysvarRent111111111111111111111111111111111")
	SlotHashesSysvarID = MustParsePubkey("SysvarS1otHashes111111111111111111111111111")
)

func ComputeBudgetSetComputeUnitLimit(limit uint32) Instruction {
	var data [5]byte
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:], limit)
	return Instruction{
		ProgramID: ComputeBudgetProgramID,
		Accounts:  nil,
		Data:      data[:],
	}
}

func ComputeBudgetSetComputeUnitPrice(microLamports uint64) Instruction {
	var data [9]byte
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return Instruction{
		ProgramID: ComputeBudgetProgramID,
		Accounts:  nil,
		Data:      data[:],
	}
}

// SystemTransfer moves lamports between two system-owned accounts.
func SystemTransfer(from, to Pubkey, lamports uint64) Instruction {
	// SystemInstruction::Transfer is variant 2 (u32 LE), followed by u64 lamports.
	var data [12]byte
	binary.LittleEndian.PutUint32(data[0:4], 2)
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return Instruction{
		ProgramID: SystemProgramID,
		Accounts: []AccountMeta{
			{Pubkey: from, IsSigner: true, IsWritable: true},
			{Pubkey: to, IsSigner: false, IsWritable: true},
		},
		Data: data[:],
	}
}

// AssociatedTokenAddress returns the associated token account of owner for mint
// under the classic token program.
func AssociatedTokenAddress(owner, mint Pubkey) (Pubkey, error) {
	ata, _, err := FindProgramAddress(
		[][]byte{owner[:], TokenProgramID[:], mint[:]},
		AssociatedTokenProgramID,
	)
	if err != nil {
		return Pubkey{}, fmt.Errorf("derive associated token account: %w", err)
	}
	return ata, nil
}

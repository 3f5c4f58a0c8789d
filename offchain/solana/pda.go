package solana

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32
)

var (
	ErrInvalidSeeds = errors.New("invalid seeds")
	ErrOnCurve      = errors.New("derived address is on-curve")
	ErrNoViableBump = errors.New("no viable program address found")
)

// DerivedAddress is a program-derived address together with the bump seed
// that pushed it off the ed25519 curve.
type DerivedAddress struct {
	Address Pubkey
	Bump    uint8
}

// Derive returns the canonical (highest bump) program address for seeds.
// The bump seed is appended after the caller's seeds, so at most MaxSeeds-1
// caller seeds are accepted.
func Derive(programID Pubkey, seeds ...[]byte) (DerivedAddress, error) {
	if len(seeds) > MaxSeeds-1 {
		return DerivedAddress{}, ErrInvalidSeeds
	}
	pda, bump, err := FindProgramAddress(seeds, programID)
	if err != nil {
		return DerivedAddress{}, err
	}
	return DerivedAddress{Address: pda, Bump: bump}, nil
}

func FindProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := uint8(255); ; bump-- {
		withBump[len(seeds)] = []byte{bump}
		pda, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return pda, bump, nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Pubkey{}, 0, err
		}
		if bump == 0 {
			return Pubkey{}, 0, fmt.Errorf("%w: program=%s", ErrNoViableBump, programID.Base58())
		}
	}
}

func CreateProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return Pubkey{}, ErrInvalidSeeds
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return Pubkey{}, ErrInvalidSeeds
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte("ProgramDerivedAddress"))

	var out Pubkey
	copy(out[:], h.Sum(nil))
	if isOnCurve(out) {
		return Pubkey{}, ErrOnCurve
	}
	return out, nil
}

func isOnCurve(pk Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}

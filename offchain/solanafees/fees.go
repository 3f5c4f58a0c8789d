package solanafees

import (
	"errors"
	"fmt"
	"math/bits"
)

// DefaultLamportsPerSignature is the cluster's base fee when no fee source is
// reachable.
const DefaultLamportsPerSignature = 5000

var ErrOverflow = errors.New("overflow")

type TxFeeEstimate struct {
	LamportsPerSignature uint64 `json:"lamports_per_signature"`
	Signatures           uint64 `json:"signatures"`
	BaseFeeLamports      uint64 `json:"base_fee_lamports"`

	ComputeUnitLimit    uint32 `json:"compute_unit_limit"`
	MicroLamportsPerCU  uint64 `json:"micro_lamports_per_cu"`
	PriorityFeeLamports uint64 `json:"priority_fee_lamports"`

	TotalLamports uint64 `json:"total_lamports"`
}

func PriorityFeeLamports(computeUnitLimit uint32, microLamportsPerCU uint64) (uint64, error) {
	if computeUnitLimit == 0 || microLamportsPerCU == 0 {
		return 0, nil
	}
	hi, lo := bits.Mul64(uint64(computeUnitLimit), microLamportsPerCU)
	if hi != 0 {
		return 0, ErrOverflow
	}
	const denom = uint64(1_000_000)
	return (lo + denom - 1) / denom, nil
}

func BaseFeeLamports(lamportsPerSignature uint64, signatures uint64) (uint64, error) {
	hi, lo := bits.Mul64(lamportsPerSignature, signatures)
	if hi != 0 {
		return 0, ErrOverflow
	}
	return lo, nil
}

// Estimate prices a transaction from known inputs without any network call.
func Estimate(lamportsPerSignature, signatures uint64, computeUnitLimit uint32, microLamportsPerCU uint64) (TxFeeEstimate, error) {
	base, err := BaseFeeLamports(lamportsPerSignature, signatures)
	if err != nil {
		return TxFeeEstimate{}, err
	}
	priority, err := PriorityFeeLamports(computeUnitLimit, microLamportsPerCU)
	if err != nil {
		return TxFeeEstimate{}, err
	}
	total, carry := bits.Add64(base, priority, 0)
	if carry != 0 {
		return TxFeeEstimate{}, ErrOverflow
	}
	return TxFeeEstimate{
		LamportsPerSignature: lamportsPerSignature,
		Signatures:           signatures,
		BaseFeeLamports:      base,
		ComputeUnitLimit:     computeUnitLimit,
		MicroLamportsPerCU:   microLamportsPerCU,
		PriorityFeeLamports:  priority,
		TotalLamports:        total,
	}, nil
}

// FundingLamports is what a throwaway signer needs to create an account of
// rentExempt lamports and pay for the transaction that creates it.
func FundingLamports(rentExempt uint64, fee TxFeeEstimate) (uint64, error) {
	total, carry := bits.Add64(rentExempt, fee.TotalLamports, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return total, nil
}

func (e TxFeeEstimate) String() string {
	return fmt.Sprintf("total=%d lamports (base=%d, priority=%d @ %d microLamports/CU, limit=%d)",
		e.TotalLamports,
		e.BaseFeeLamports,
		e.PriorityFeeLamports,
		e.MicroLamportsPerCU,
		e.ComputeUnitLimit,
	)
}

package txbuilder

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/offchain/helius"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

// BlockhashSource supplies the recent blockhash a transaction is pinned to.
type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) ([32]byte, error)
}

// PriceEstimator suggests a compute unit price for a set of accounts.
type PriceEstimator interface {
	ComputeUnitPrice(ctx context.Context, accounts []solana.Pubkey, level helius.PriorityLevel, ceiling uint64) (uint64, error)
}

// ComputeBudget adds the limit/price directives ahead of a transaction's
// instructions. With AutoPrice set the price comes from the estimator, and
// UnitPrice is the fallback when the estimator is absent or fails.
type ComputeBudget struct {
	UnitLimit    uint32
	UnitPrice    uint64
	AutoPrice    bool
	Priority     helius.PriorityLevel
	PriceCeiling uint64
}

// DefaultComputeBudget covers mint and metadata creation.
func DefaultComputeBudget() *ComputeBudget {
	return &ComputeBudget{UnitLimit: 400_000, UnitPrice: 1}
}

type Composer struct {
	chain BlockhashSource
	fees  PriceEstimator
	log   *zap.Logger
}

// NewComposer returns a composer. fees may be nil.
func NewComposer(chain BlockhashSource, fees PriceEstimator, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Composer{chain: chain, fees: fees, log: log}
}

// Compose builds an unsigned envelope. When budget is non-nil exactly two
// directives are prepended, unit limit first then unit price.
func (c *Composer) Compose(ctx context.Context, ixs []solana.Instruction, feePayer solana.Pubkey, budget *ComputeBudget) (*solana.Envelope, error) {
	if len(ixs) == 0 {
		return nil, solana.ErrEmptyTransaction
	}
	if c.chain == nil {
		return nil, errors.New("composer has no blockhash source")
	}

	all := ixs
	if budget != nil {
		price := c.unitPrice(ctx, ixs, budget)
		all = make([]solana.Instruction, 0, len(ixs)+2)
		all = append(all,
			solana.ComputeBudgetSetComputeUnitLimit(budget.UnitLimit),
			solana.ComputeBudgetSetComputeUnitPrice(price),
		)
		all = append(all, ixs...)
	}

	bh, err := c.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch recent blockhash: %w", err)
	}
	return solana.NewEnvelope(bh, feePayer, all)
}

func (c *Composer) unitPrice(ctx context.Context, ixs []solana.Instruction, budget *ComputeBudget) uint64 {
	if !budget.AutoPrice || c.fees == nil {
		return budget.UnitPrice
	}
	price, err := c.fees.ComputeUnitPrice(ctx, writableAccounts(ixs), budget.Priority, budget.PriceCeiling)
	if err != nil {
		c.log.Warn("priority fee estimate failed; using configured price",
			zap.Error(err),
			zap.Uint64("micro_lamports", budget.UnitPrice),
		)
		return budget.UnitPrice
	}
	c.log.Debug("priority fee estimated", zap.Uint64("micro_lamports", price))
	return price
}

func writableAccounts(ixs []solana.Instruction) []solana.Pubkey {
	seen := make(map[solana.Pubkey]bool)
	var out []solana.Pubkey
	for _, ix := range ixs {
		for _, am := range ix.Accounts {
			if am.IsWritable && !seen[am.Pubkey] {
				seen[am.Pubkey] = true
				out = append(out, am.Pubkey)
			}
		}
	}
	return out
}

// Refingerprint rebuilds env against a fresh blockhash. The message changes,
// so every signature is dropped and must be collected again.
func (c *Composer) Refingerprint(ctx context.Context, env *solana.Envelope) (*solana.Envelope, error) {
	bh, err := c.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch recent blockhash: %w", err)
	}
	return solana.NewEnvelope(bh, env.FeePayer(), env.Instructions())
}

// Package raffleclient runs raffle operations end to end: read the raffle,
// check what its on-chain state allows, build, sign, submit, and confirm.
package raffleclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/randomness"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

var (
	ErrPrecondition  = raffle.ErrPrecondition
	ErrNotAuthorized = raffle.ErrNotAuthorized
	// ErrRaceRetryExhausted means a purchase lost the ticket-index race twice.
	ErrRaceRetryExhausted = errors.New("ticket purchase retry exhausted")
)

// Chain is the read side of the cluster.
type Chain interface {
	AccountInfo(ctx context.Context, pubkey solana.Pubkey) (*solanarpc.AccountInfo, error)
	ProgramAccounts(ctx context.Context, programID solana.Pubkey, filters ...solanarpc.Filter) ([]solanarpc.ProgramAccount, error)
}

type Client struct {
	programID solana.Pubkey
	chain     Chain
	composer  *txbuilder.Composer
	submitter *txbuilder.Submitter
	committer *commit.Committer
	poll      solanarpc.PollPolicy
	now       func() time.Time
	log       *zap.Logger
}

// New wires a client. oracle is the randomness deployment prepared commits
// must target. It registers the raffle program's error table on
// submitter so rejections classify as precondition failures where they are.
func New(programID solana.Pubkey, oracle randomness.Binding, chain Chain, composer *txbuilder.Composer, submitter *txbuilder.Submitter, poll solanarpc.PollPolicy, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	submitter.RegisterProgramErrors(programID, raffle.DecodeProgramError)
	return &Client{
		programID: programID,
		chain:     chain,
		composer:  composer,
		submitter: submitter,
		committer: commit.NewCommitter(programID, oracle, chain, composer, submitter, poll, log),
		poll:      poll,
		now:       time.Now,
		log:       log,
	}
}

func (c *Client) ProgramID() solana.Pubkey { return c.programID }

// Fetch reads and decodes the raffle named by id.
func (c *Client) Fetch(ctx context.Context, id raffle.Identity) (*raffle.Record, error) {
	addr, err := raffle.RaffleAddress(c.programID, id)
	if err != nil {
		return nil, err
	}
	rec, err := c.FetchAddress(ctx, addr.Address)
	if errors.Is(err, raffle.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", raffle.ErrNotFound, id)
	}
	return rec, err
}

func (c *Client) FetchAddress(ctx context.Context, addr solana.Pubkey) (*raffle.Record, error) {
	info, err := c.chain.AccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("read raffle %s: %w", addr, err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", raffle.ErrNotFound, addr)
	}
	return raffle.DecodeRaffle(addr, info.Data)
}

// List returns every raffle the program owns, newest first. Accounts that do
// not decode are skipped.
func (c *Client) List(ctx context.Context) ([]*raffle.Record, error) {
	accounts, err := c.chain.ProgramAccounts(ctx, c.programID, solanarpc.Memcmp(0, raffle.AccountDiscriminator[:]))
	if err != nil {
		return nil, fmt.Errorf("list raffles: %w", err)
	}
	out := make([]*raffle.Record, 0, len(accounts))
	for _, acct := range accounts {
		rec, err := raffle.DecodeRaffle(acct.Pubkey, acct.Account.Data)
		if err != nil {
			c.log.Debug("skipping undecodable account", zap.String("account", acct.Pubkey.Base58()), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.After(out[j].Start)
		}
		return out[i].RaffleID > out[j].RaffleID
	})
	return out, nil
}

// execute composes, signs, submits, and confirms ixs on behalf of wallet. A
// stale blockhash is retried once with a fresh one.
func (c *Client) execute(ctx context.Context, ixs []solana.Instruction, wallet commit.WalletSigner, budget *txbuilder.ComputeBudget) (string, error) {
	env, err := c.composer.Compose(ctx, ixs, wallet.PublicKey(), budget)
	if err != nil {
		return "", err
	}
	for attempt := 0; ; attempt++ {
		if err := wallet.SignTransaction(ctx, env); err != nil {
			return "", err
		}
		sig, err := c.submitter.SubmitAndConfirm(ctx, env)
		if kind, ok := txbuilder.KindOf(err); ok && kind == txbuilder.KindStaleFingerprint && attempt == 0 {
			c.log.Info("blockhash expired; recomposing")
			if env, err = c.composer.Refingerprint(ctx, env); err != nil {
				return "", err
			}
			continue
		}
		return sig, err
	}
}

package raffleclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

type CreateParams struct {
	// RaffleID defaults to the current time in milliseconds.
	RaffleID      uint64
	Name          string
	Start         time.Time
	End           time.Time
	PriceLamports uint64
	MaxTickets    uint64
}

type Created struct {
	Identity  raffle.Identity
	Address   solana.Pubkey
	Signature string
}

// CreateRaffle sends initConfig and initRaffle in one transaction. The
// wallet becomes the raffle authority.
func (c *Client) CreateRaffle(ctx context.Context, wallet commit.WalletSigner, p CreateParams) (*Created, error) {
	id := raffle.Identity{Owner: wallet.PublicKey(), ID: p.RaffleID}
	if id.ID == 0 {
		id.ID = raffle.NewRaffleID(c.now())
	}
	accts, err := raffle.ResolveInitRaffle(c.programID, id)
	if err != nil {
		return nil, err
	}
	cfgIx, err := raffle.InitConfig(c.programID,
		raffle.InitConfigAccounts{Payer: id.Owner, Raffle: accts.Raffle},
		raffle.InitConfigArgs{
			RaffleID:      id.ID,
			Name:          p.Name,
			Start:         p.Start,
			End:           p.End,
			PriceLamports: p.PriceLamports,
			MaxTickets:    p.MaxTickets,
		},
	)
	if err != nil {
		return nil, err
	}
	initIx, err := raffle.InitRaffle(c.programID, accts)
	if err != nil {
		return nil, err
	}

	sig, err := c.execute(ctx, []solana.Instruction{cfgIx, initIx}, wallet, txbuilder.DefaultComputeBudget())
	if err != nil {
		return nil, fmt.Errorf("create raffle %s: %w", id, err)
	}
	c.log.Info("raffle created", zap.Stringer("raffle", id), zap.String("signature", sig))
	return &Created{Identity: id, Address: accts.Raffle, Signature: sig}, nil
}

type Purchase struct {
	// Index is the zero-based ticket index the mint was derived from.
	Index     uint64
	Mint      solana.Pubkey
	Signature string
	Attempts  int
}

// BuyTicket buys the next ticket. If another purchase claims the same index
// first, the raffle is re-read and the purchase retried exactly once.
func (c *Client) BuyTicket(ctx context.Context, id raffle.Identity, wallet commit.WalletSigner) (*Purchase, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		rec, err := c.Fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := raffle.CheckAction(rec, raffle.ActionBuy, c.now(), wallet.PublicKey()); err != nil {
			return nil, err
		}
		index := rec.TotalTicketsBought
		accts, err := raffle.ResolveBuyTickets(c.programID, id, wallet.PublicKey(), index)
		if err != nil {
			return nil, err
		}
		ix, err := raffle.BuyTickets(c.programID, accts)
		if err != nil {
			return nil, err
		}
		sig, err := c.execute(ctx, []solana.Instruction{ix}, wallet, txbuilder.DefaultComputeBudget())
		if err == nil {
			return &Purchase{Index: index, Mint: accts.TicketMint, Signature: sig, Attempts: attempt}, nil
		}
		if !isRace(err) {
			return nil, err
		}
		lastErr = err
		c.log.Info("ticket index taken; re-reading raffle",
			zap.Stringer("raffle", id),
			zap.Uint64("index", index),
			zap.Int("attempt", attempt),
		)
	}
	return nil, fmt.Errorf("%w: %w", ErrRaceRetryExhausted, lastErr)
}

func isRace(err error) bool {
	kind, ok := txbuilder.KindOf(err)
	return ok && kind == txbuilder.KindPrecondition
}

// CommitMock commits clock-derived randomness. Only the raffle authority may
// commit, and only after the raffle has ended.
func (c *Client) CommitMock(ctx context.Context, id raffle.Identity, wallet commit.WalletSigner) (*commit.Outcome, error) {
	return c.committer.CommitMock(ctx, id, wallet)
}

// FinalizeCommit signs and submits a transaction prepared by a commit server.
func (c *Client) FinalizeCommit(ctx context.Context, p *commit.PreparedCommit, wallet commit.WalletSigner) (*commit.Outcome, error) {
	return c.committer.Finalize(ctx, p, wallet)
}

type Reveal struct {
	Signature string
	Record    *raffle.Record
}

// RevealWinner picks the winner from committed randomness. The raffle is
// re-read first so the authority check uses the current on-chain value.
func (c *Client) RevealWinner(ctx context.Context, id raffle.Identity, wallet commit.WalletSigner) (*Reveal, error) {
	sig, err := c.executeChecked(ctx, id, raffle.ActionReveal, wallet, nil, func(rec *raffle.Record) (solana.Instruction, error) {
		return raffle.RevealWinner(c.programID, raffle.RevealWinnerAccounts{Authority: wallet.PublicKey(), Raffle: rec.Address})
	})
	if err != nil {
		return nil, fmt.Errorf("reveal winner %s: %w", id, err)
	}
	after, err := c.Fetch(ctx, id)
	if err != nil {
		return &Reveal{Signature: sig}, err
	}
	if after.Winner != nil {
		c.log.Info("winner revealed", zap.Stringer("raffle", id), zap.String("winner", after.Winner.Base58()))
	}
	return &Reveal{Signature: sig, Record: after}, nil
}

type Claim struct {
	Signature string
	PrizeMint solana.Pubkey
}

// ClaimPrize mints the prize to the winner. It is rejected before a winner is
// set, for anyone but the winner, and after the prize was claimed.
func (c *Client) ClaimPrize(ctx context.Context, id raffle.Identity, wallet commit.WalletSigner) (*Claim, error) {
	var prizeMint solana.Pubkey
	sig, err := c.executeChecked(ctx, id, raffle.ActionClaim, wallet, txbuilder.DefaultComputeBudget(), func(rec *raffle.Record) (solana.Instruction, error) {
		accts, err := raffle.ResolveClaimPrize(c.programID, rec.Address, wallet.PublicKey())
		if err != nil {
			return solana.Instruction{}, err
		}
		prizeMint = accts.PrizeMint
		return raffle.ClaimPrize(c.programID, accts)
	})
	if err != nil {
		return nil, fmt.Errorf("claim prize %s: %w", id, err)
	}
	return &Claim{Signature: sig, PrizeMint: prizeMint}, nil
}

// executeChecked reads the raffle, checks wallet may take action, and sends
// the instruction build returns. A precondition rejection from the cluster
// means the raffle moved underneath us: it is re-read, re-checked, and sent
// again at most once.
func (c *Client) executeChecked(ctx context.Context, id raffle.Identity, action raffle.Action, wallet commit.WalletSigner, budget *txbuilder.ComputeBudget, build func(*raffle.Record) (solana.Instruction, error)) (string, error) {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		var rec *raffle.Record
		if rec, err = c.Fetch(ctx, id); err != nil {
			return "", err
		}
		if err = raffle.CheckAction(rec, action, c.now(), wallet.PublicKey()); err != nil {
			return "", err
		}
		var ix solana.Instruction
		if ix, err = build(rec); err != nil {
			return "", err
		}
		var sig string
		sig, err = c.execute(ctx, []solana.Instruction{ix}, wallet, budget)
		if err == nil {
			return sig, nil
		}
		if !isRace(err) {
			return "", err
		}
		c.log.Info("raffle changed before submission; re-reading",
			zap.Stringer("raffle", id),
			zap.String("action", string(action)),
			zap.Int("attempt", attempt),
		)
	}
	return "", err
}

// MyTickets returns holder's 1-based ticket numbers.
func (c *Client) MyTickets(ctx context.Context, id raffle.Identity, holder solana.Pubkey) ([]uint64, error) {
	rec, err := c.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return raffle.TicketsOf(rec, holder), nil
}

package commit

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/randomness"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

var (
	ErrSignatureCancelled = errors.New("wallet declined to sign")
	ErrWrongWallet        = errors.New("transaction is not addressed to this wallet")
	// ErrUnexpectedTransaction means a prepared commit carries something other
	// than the oracle commit and the raffle's commitRandomness.
	ErrUnexpectedTransaction = errors.New("prepared commit has unexpected contents")
)

// WalletSigner adds the wallet's signature to env. Implementations return
// ErrSignatureCancelled when the holder declines.
type WalletSigner interface {
	PublicKey() solana.Pubkey
	SignTransaction(ctx context.Context, env *solana.Envelope) error
}

// KeypairWallet signs with a local key without prompting.
type KeypairWallet struct {
	Key *solana.Keypair
}

func (w KeypairWallet) PublicKey() solana.Pubkey { return w.Key.PublicKey() }

func (w KeypairWallet) SignTransaction(_ context.Context, env *solana.Envelope) error {
	return env.PartialSign(w.Key.PrivateKey())
}

// Submitter sends and confirms as separate steps so the caller can observe
// the Submitted state.
type Submitter interface {
	Submit(ctx context.Context, env *solana.Envelope) (string, error)
	Confirm(ctx context.Context, env *solana.Envelope, sig string) error
}

type accountReader interface {
	AccountInfo(ctx context.Context, pubkey solana.Pubkey) (*solanarpc.AccountInfo, error)
}

// Committer runs the end-user half of a commit.
type Committer struct {
	programID solana.Pubkey
	oracle    randomness.Binding
	chain     accountReader
	composer  *txbuilder.Composer
	submitter Submitter
	poll      solanarpc.PollPolicy
	now       func() time.Time
	log       *zap.Logger
}

// NewCommitter wires the user half. oracle identifies the randomness program
// a prepared commit must target; its Queue and Oracle may be left zero.
func NewCommitter(programID solana.Pubkey, oracle randomness.Binding, chain accountReader, composer *txbuilder.Composer, submitter Submitter, poll solanarpc.PollPolicy, log *zap.Logger) *Committer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Committer{
		programID: programID,
		oracle:    oracle,
		chain:     chain,
		composer:  composer,
		submitter: submitter,
		poll:      poll,
		now:       time.Now,
		log:       log,
	}
}

// Outcome reports how far a commit got. Record is the raffle as read after
// the commit was observed.
type Outcome struct {
	State     State
	Signature string
	Record    *raffle.Record
}

// Finalize signs a prepared commit with wallet, submits it, and waits until
// the raffle shows randomness committed. A declined signature returns the
// flow to Idle with nothing sent.
func (c *Committer) Finalize(ctx context.Context, p *PreparedCommit, wallet WalletSigner) (*Outcome, error) {
	m := &machine{state: UserTxBuilt}
	out := &Outcome{State: m.State()}

	raw, err := base64.StdEncoding.DecodeString(p.Transaction)
	if err != nil {
		return out, fmt.Errorf("decode prepared commit: %w", err)
	}
	env, err := solana.DecodeEnvelope(raw)
	if err != nil {
		return out, err
	}
	if err := c.checkPrepared(env, p, wallet.PublicKey()); err != nil {
		return out, err
	}

	if err := wallet.SignTransaction(ctx, env); err != nil {
		if errors.Is(err, ErrSignatureCancelled) {
			_ = m.advance(Idle)
			out.State = m.State()
			return out, err
		}
		_ = m.advance(Abandoned)
		out.State = m.State()
		return out, fmt.Errorf("wallet sign: %w", err)
	}
	if err := m.advance(UserSigned); err != nil {
		return out, err
	}
	out.State = m.State()

	sig, err := c.submitter.Submit(ctx, env)
	if err != nil {
		_ = m.advance(Abandoned)
		out.State = m.State()
		return out, err
	}
	_ = m.advance(Submitted)
	out.State, out.Signature = m.State(), sig
	c.log.Info("commit submitted", zap.String("signature", sig), zap.String("randomness", p.RandomnessAddress.Base58()))

	if err := c.submitter.Confirm(ctx, env, sig); err != nil {
		return out, err
	}
	rec, err := c.awaitCommitted(ctx, p.Raffle)
	if err != nil {
		return out, err
	}
	_ = m.advance(Committed)
	out.State, out.Record = m.State(), rec
	return out, nil
}

// checkPrepared makes sure env is what the server claims: paid by the wallet,
// already signed by the randomness key, waiting only on the wallet, and
// carrying nothing but compute-budget directives, the oracle commit, and the
// raffle's commitRandomness.
func (c *Committer) checkPrepared(env *solana.Envelope, p *PreparedCommit, wallet solana.Pubkey) error {
	if env.FeePayer() != wallet {
		return fmt.Errorf("%w: fee payer is %s", ErrWrongWallet, env.FeePayer())
	}
	if _, ok := env.Signature(p.RandomnessAddress); !ok {
		return fmt.Errorf("%w: missing the randomness signature", ErrUnexpectedTransaction)
	}
	missing := env.MissingSigners()
	if len(missing) != 1 || missing[0] != wallet {
		return fmt.Errorf("%w: prepared commit awaits %d signers", ErrWrongWallet, len(missing))
	}

	ixs := env.Instructions()
	seen := map[byte]bool{}
	for len(ixs) > 0 && ixs[0].ProgramID == solana.ComputeBudgetProgramID {
		ix := ixs[0]
		if len(ix.Accounts) != 0 || len(ix.Data) == 0 || (ix.Data[0] != 2 && ix.Data[0] != 3) || seen[ix.Data[0]] {
			return fmt.Errorf("%w: unexpected compute-budget directive", ErrUnexpectedTransaction)
		}
		seen[ix.Data[0]] = true
		ixs = ixs[1:]
	}
	if len(ixs) != 2 {
		return fmt.Errorf("%w: %d instructions after compute budget, want 2", ErrUnexpectedTransaction, len(ixs))
	}
	if err := c.oracle.CheckCommit(ixs[0], p.RandomnessAddress); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedTransaction, err)
	}

	addr, err := raffle.RaffleAddress(c.programID, p.Raffle)
	if err != nil {
		return err
	}
	want, err := raffle.CommitRandomness(c.programID,
		raffle.CommitRandomnessAccounts{Payer: wallet, Raffle: addr.Address},
		raffle.OracleCommit{Randomness: p.RandomnessAddress},
	)
	if err != nil {
		return err
	}
	if !sameInstruction(ixs[1], want) {
		return fmt.Errorf("%w: commitRandomness does not match raffle %s", ErrUnexpectedTransaction, p.Raffle)
	}
	return nil
}

// sameInstruction compares program, account keys in order, and data. Signer
// and writable flags are per key in a compiled message, so they are not
// compared per instruction.
func sameInstruction(got, want solana.Instruction) bool {
	if got.ProgramID != want.ProgramID || !bytes.Equal(got.Data, want.Data) || len(got.Accounts) != len(want.Accounts) {
		return false
	}
	for i := range want.Accounts {
		if got.Accounts[i].Pubkey != want.Accounts[i].Pubkey {
			return false
		}
	}
	return true
}

// CommitMock commits clock-derived randomness with a single instruction
// signed by the wallet. It never touches the oracle.
func (c *Committer) CommitMock(ctx context.Context, id raffle.Identity, wallet WalletSigner) (*Outcome, error) {
	out := &Outcome{State: Idle}
	rec, err := c.read(ctx, id)
	if err != nil {
		return out, err
	}
	if err := raffle.CheckAction(rec, raffle.ActionCommit, c.now(), wallet.PublicKey()); err != nil {
		return out, err
	}
	ix, err := raffle.CommitRandomness(c.programID,
		raffle.CommitRandomnessAccounts{Payer: wallet.PublicKey(), Raffle: rec.Address},
		raffle.MockCommit{},
	)
	if err != nil {
		return out, err
	}
	env, err := c.composer.Compose(ctx, []solana.Instruction{ix}, wallet.PublicKey(), nil)
	if err != nil {
		return out, err
	}
	if err := wallet.SignTransaction(ctx, env); err != nil {
		return out, err
	}
	sig, err := c.submitter.Submit(ctx, env)
	if err != nil {
		return out, err
	}
	out.State, out.Signature = Submitted, sig
	if err := c.submitter.Confirm(ctx, env, sig); err != nil {
		return out, err
	}
	rec, err = c.awaitCommitted(ctx, id)
	if err != nil {
		return out, err
	}
	out.State, out.Record = Committed, rec
	return out, nil
}

func (c *Committer) read(ctx context.Context, id raffle.Identity) (*raffle.Record, error) {
	addr, err := raffle.RaffleAddress(c.programID, id)
	if err != nil {
		return nil, err
	}
	info, err := c.chain.AccountInfo(ctx, addr.Address)
	if err != nil {
		return nil, fmt.Errorf("read raffle: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", raffle.ErrNotFound, id)
	}
	return raffle.DecodeRaffle(addr.Address, info.Data)
}

func (c *Committer) awaitCommitted(ctx context.Context, id raffle.Identity) (*raffle.Record, error) {
	var rec *raffle.Record
	err := c.poll.Poll(ctx, func(ctx context.Context) (bool, error) {
		r, err := c.read(ctx, id)
		if err != nil {
			return false, err
		}
		rec = r
		return r.RandomnessCommitted, nil
	})
	if err != nil {
		return nil, fmt.Errorf("await randomness commit: %w", err)
	}
	return rec, nil
}

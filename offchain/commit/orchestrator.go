package commit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/randomness"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanafees"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

var ErrAccountNotMaterialized = errors.New("randomness account not materialized")

// Chain is the read side of the cluster the orchestrator needs.
type Chain interface {
	AccountInfo(ctx context.Context, pubkey solana.Pubkey) (*solanarpc.AccountInfo, error)
	WaitForAccount(ctx context.Context, pubkey solana.Pubkey, policy solanarpc.PollPolicy) (*solanarpc.AccountInfo, error)
	MinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error)
}

// Oracle issues randomness requests. *randomness.Switchboard implements it.
type Oracle interface {
	NewRequest(ctx context.Context, account, payer solana.Pubkey) (*randomness.Request, error)
	Materialized(owner solana.Pubkey, data []byte) bool
}

type Config struct {
	ProgramID solana.Pubkey
	// Budget applies to both the creation and the user transaction. Nil
	// leaves the cluster defaults.
	Budget *txbuilder.ComputeBudget
	Poll   solanarpc.PollPolicy
	// FundingBuffer is added on top of rent and fees.
	FundingBuffer uint64
	Now           func() time.Time
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Chain    Chain
	Oracle   Oracle
	Funder   Funder
	Ledger   Ledger
	Composer *txbuilder.Composer
	Sender   Sender
}

// Orchestrator runs the server half of an oracle commit.
type Orchestrator struct {
	cfg Config
	Deps
	log *zap.Logger
}

func NewOrchestrator(cfg Config, deps Deps, log *zap.Logger) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, Deps: deps, log: log}
}

var newSessionKey = solana.NewEphemeralKeypair

// Session is one server-side commit attempt. Its key signs exactly one
// creation and one commit, then is dropped.
type Session struct {
	machine

	ID            string
	Raffle        raffle.Identity
	RaffleAddress solana.Pubkey
	Payer         solana.Pubkey

	FundingSignature  string
	CreationSignature string

	key     *solana.Keypair
	request *randomness.Request
}

func (s *Session) RandomnessAddress() solana.Pubkey { return s.request.Account }

// Drop zeroes the session key. Safe to call more than once.
func (s *Session) Drop() { s.key.Drop() }

// PreparedCommit is handed to the end user's wallet.
type PreparedCommit struct {
	// Transaction is the base64 wire form with the randomness signature set
	// and the payer's slot empty.
	Transaction       string
	RandomnessAddress solana.Pubkey
	SessionID         string
	Raffle            raffle.Identity
}

// Begin checks that payer may commit now, then issues a fresh key and
// records it in the ledger.
func (o *Orchestrator) Begin(ctx context.Context, id raffle.Identity, payer solana.Pubkey) (*Session, error) {
	addr, err := raffle.RaffleAddress(o.cfg.ProgramID, id)
	if err != nil {
		return nil, err
	}
	info, err := o.Chain.AccountInfo(ctx, addr.Address)
	if err != nil {
		return nil, fmt.Errorf("read raffle: %w", err)
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", raffle.ErrNotFound, id)
	}
	rec, err := raffle.DecodeRaffle(addr.Address, info.Data)
	if err != nil {
		return nil, err
	}
	if err := raffle.CheckAction(rec, raffle.ActionCommit, o.cfg.Now(), payer); err != nil {
		return nil, err
	}

	key, err := newSessionKey()
	if err != nil {
		return nil, err
	}
	if err := o.Ledger.Burn(ctx, key.PublicKey()); err != nil {
		key.Drop()
		return nil, err
	}
	req, err := o.Oracle.NewRequest(ctx, key.PublicKey(), key.PublicKey())
	if err != nil {
		key.Drop()
		return nil, fmt.Errorf("build randomness request: %w", err)
	}

	s := &Session{
		ID:            key.PublicKey().Base58(),
		Raffle:        id,
		RaffleAddress: addr.Address,
		Payer:         payer,
		key:           key,
		request:       req,
	}
	if err := s.advance(SessionCreated); err != nil {
		key.Drop()
		return nil, err
	}
	o.log.Info("commit session created",
		zap.String("session", s.ID),
		zap.Stringer("raffle", id),
		zap.String("payer", payer.Base58()),
	)
	return s, nil
}

// FundingLamports is what the session key needs to create its accounts and
// pay for the creation transaction.
func (o *Orchestrator) FundingLamports(ctx context.Context, s *Session) (uint64, error) {
	var rent uint64
	for _, size := range s.request.Rent {
		r, err := o.Chain.MinimumBalanceForRentExemption(ctx, size)
		if err != nil {
			return 0, fmt.Errorf("rent for %d bytes: %w", size, err)
		}
		rent += r
	}
	var (
		limit uint32
		price uint64
	)
	if o.cfg.Budget != nil {
		limit, price = o.cfg.Budget.UnitLimit, o.cfg.Budget.UnitPrice
		if o.cfg.Budget.AutoPrice && o.cfg.Budget.PriceCeiling > price {
			price = o.cfg.Budget.PriceCeiling
		}
	}
	fee, err := solanafees.Estimate(solanafees.DefaultLamportsPerSignature, 1, limit, price)
	if err != nil {
		return 0, err
	}
	total, err := solanafees.FundingLamports(rent, fee)
	if err != nil {
		return 0, err
	}
	return total + o.cfg.FundingBuffer, nil
}

func (o *Orchestrator) Fund(ctx context.Context, s *Session) error {
	if err := s.expect(SessionCreated); err != nil {
		return err
	}
	lamports, err := o.FundingLamports(ctx, s)
	if err != nil {
		return err
	}
	sig, err := o.Funder.Fund(ctx, s.key.PublicKey(), lamports)
	if err != nil {
		return fmt.Errorf("fund session key: %w", err)
	}
	s.FundingSignature = sig
	o.log.Info("commit session funded",
		zap.String("session", s.ID),
		zap.Uint64("lamports", lamports),
		zap.String("signature", sig),
	)
	return s.advance(AccountFunded)
}

// CreateAccount submits the creation instruction on its own, signed and paid
// for by the session key, and waits until the oracle account is readable.
// The funding identity never co-signs it; Fund has already moved the lamports
// the session key spends here.
func (o *Orchestrator) CreateAccount(ctx context.Context, s *Session) error {
	if err := s.expect(AccountFunded); err != nil {
		return err
	}
	payer := s.key.PublicKey()
	env, err := o.Composer.Compose(ctx, []solana.Instruction{s.request.Create}, payer, o.cfg.Budget)
	if err != nil {
		return fmt.Errorf("compose randomness creation: %w", err)
	}
	if err := env.PartialSign(s.key.PrivateKey()); err != nil {
		return fmt.Errorf("sign randomness creation: %w", err)
	}
	sig, err := o.Sender.SubmitAndConfirm(ctx, env)
	if err != nil {
		return fmt.Errorf("create randomness account: %w", err)
	}
	s.CreationSignature = sig

	info, err := o.Chain.WaitForAccount(ctx, s.request.Account, o.cfg.Poll)
	if err != nil {
		if errors.Is(err, solanarpc.ErrPollExhausted) {
			return fmt.Errorf("%w: %s", ErrAccountNotMaterialized, s.request.Account)
		}
		return fmt.Errorf("read randomness account: %w", err)
	}
	if !o.Oracle.Materialized(info.Owner, info.Data) {
		return fmt.Errorf("%w: %s has unexpected owner or layout", ErrAccountNotMaterialized, s.request.Account)
	}
	o.log.Info("randomness account created",
		zap.String("session", s.ID),
		zap.String("account", s.request.Account.Base58()),
		zap.String("signature", sig),
	)
	return s.advance(AccountConfirmed)
}

// BuildUserTransaction composes [oracle commit, raffle commit] paid by the
// end user, signs the randomness slot, and drops the session key.
func (o *Orchestrator) BuildUserTransaction(ctx context.Context, s *Session) (*PreparedCommit, error) {
	if err := s.expect(AccountConfirmed); err != nil {
		return nil, err
	}
	commitIx, err := raffle.CommitRandomness(o.cfg.ProgramID,
		raffle.CommitRandomnessAccounts{Payer: s.Payer, Raffle: s.RaffleAddress},
		raffle.OracleCommit{Randomness: s.request.Account},
	)
	if err != nil {
		return nil, err
	}
	env, err := o.Composer.Compose(ctx, []solana.Instruction{s.request.Commit, commitIx}, s.Payer, o.cfg.Budget)
	if err != nil {
		return nil, fmt.Errorf("compose user commit: %w", err)
	}
	if err := env.PartialSign(s.key.PrivateKey()); err != nil {
		return nil, fmt.Errorf("sign user commit: %w", err)
	}
	raw, err := env.Serialize(false)
	if err != nil {
		return nil, err
	}
	if err := s.advance(UserTxBuilt); err != nil {
		return nil, err
	}
	s.Drop()

	return &PreparedCommit{
		Transaction:       base64.StdEncoding.EncodeToString(raw),
		RandomnessAddress: s.request.Account,
		SessionID:         s.ID,
		Raffle:            s.Raffle,
	}, nil
}

// Prepare runs the full server half. On any failure after Begin the session
// is abandoned and its key zeroed.
func (o *Orchestrator) Prepare(ctx context.Context, id raffle.Identity, payer solana.Pubkey) (*PreparedCommit, error) {
	s, err := o.Begin(ctx, id, payer)
	if err != nil {
		return nil, err
	}
	if err := o.Fund(ctx, s); err != nil {
		return nil, o.abandon(s, err)
	}
	if err := o.CreateAccount(ctx, s); err != nil {
		return nil, o.abandon(s, err)
	}
	prepared, err := o.BuildUserTransaction(ctx, s)
	if err != nil {
		return nil, o.abandon(s, err)
	}
	return prepared, nil
}

func (o *Orchestrator) abandon(s *Session, cause error) error {
	from := s.State()
	s.Drop()
	_ = s.advance(Abandoned)
	o.log.Warn("commit session abandoned",
		zap.String("session", s.ID),
		zap.Stringer("state", from),
		zap.Error(cause),
	)
	return cause
}

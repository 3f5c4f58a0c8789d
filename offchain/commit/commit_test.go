package commit

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/randomness"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

func testKeypair(t *testing.T, b byte) *solana.Keypair {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	kp, err := solana.KeypairFromPrivateKey(ed25519.NewKeyFromSeed(seed))
	require.NoError(t, err)
	return kp
}

type fakeChain struct {
	mu       sync.Mutex
	accounts map[solana.Pubkey]*solanarpc.AccountInfo
}

func newFakeChain() *fakeChain {
	return &fakeChain{accounts: make(map[solana.Pubkey]*solanarpc.AccountInfo)}
}

func (c *fakeChain) put(pk, owner solana.Pubkey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[pk] = &solanarpc.AccountInfo{Owner: owner, Data: data, Lamports: 1}
}

func (c *fakeChain) AccountInfo(_ context.Context, pk solana.Pubkey) (*solanarpc.AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.accounts[pk]
	if !ok {
		return nil, nil
	}
	cp := *info
	cp.Data = append([]byte(nil), info.Data...)
	return &cp, nil
}

func (c *fakeChain) WaitForAccount(ctx context.Context, pk solana.Pubkey, _ solanarpc.PollPolicy) (*solanarpc.AccountInfo, error) {
	info, _ := c.AccountInfo(ctx, pk)
	if info == nil {
		return nil, fmt.Errorf("%w after 1 attempts", solanarpc.ErrPollExhausted)
	}
	return info, nil
}

func (c *fakeChain) MinimumBalanceForRentExemption(_ context.Context, n uint64) (uint64, error) {
	return n * 2, nil
}

type fakeOracle struct {
	binding randomness.Binding
}

func (f fakeOracle) NewRequest(_ context.Context, account, payer solana.Pubkey) (*randomness.Request, error) {
	return f.binding.NewRequest(account, payer, 100)
}

func (f fakeOracle) Materialized(owner solana.Pubkey, _ []byte) bool {
	return owner == f.binding.ProgramID
}

type fakeFunder struct {
	mu    sync.Mutex
	funds map[solana.Pubkey]uint64
}

func (f *fakeFunder) Fund(_ context.Context, to solana.Pubkey, lamports uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.funds == nil {
		f.funds = make(map[solana.Pubkey]uint64)
	}
	f.funds[to] += lamports
	return "fund-" + to.Base58()[:4], nil
}

// creationSender lands randomness creation transactions by materializing the
// account, unless skip is set.
type creationSender struct {
	chain *fakeChain
	owner solana.Pubkey
	skip  bool
	sent  int
}

func (s *creationSender) SubmitAndConfirm(_ context.Context, env *solana.Envelope) (string, error) {
	if !env.FullySigned() {
		return "", solana.ErrMissingSigner
	}
	s.sent++
	if !s.skip {
		for _, ix := range env.Instructions() {
			if ix.ProgramID == s.owner {
				s.chain.put(ix.Accounts[0].Pubkey, s.owner, make([]byte, randomness.AccountSize))
			}
		}
	}
	return env.ID(), nil
}

// userSubmitter lands raffle commits by flipping the stored record.
type userSubmitter struct {
	chain     *fakeChain
	programID solana.Pubkey
	fail      error
	submitted []*solana.Envelope
}

func (s *userSubmitter) Submit(_ context.Context, env *solana.Envelope) (string, error) {
	if !env.FullySigned() {
		return "", solana.ErrMissingSigner
	}
	if s.fail != nil {
		return "", s.fail
	}
	s.submitted = append(s.submitted, env)
	return env.ID(), nil
}

func (s *userSubmitter) Confirm(ctx context.Context, env *solana.Envelope, _ string) error {
	for _, ix := range env.Instructions() {
		if ix.ProgramID != s.programID {
			continue
		}
		addr := ix.Accounts[1].Pubkey
		info, _ := s.chain.AccountInfo(ctx, addr)
		rec, err := raffle.DecodeRaffle(addr, info.Data)
		if err != nil {
			return err
		}
		rec.RandomnessCommitted = true
		s.chain.put(addr, s.programID, raffle.EncodeRaffle(rec))
	}
	return nil
}

type fixedBlockhash struct{ n byte }

func (f *fixedBlockhash) LatestBlockhash(context.Context) ([32]byte, error) {
	f.n++
	return [32]byte{f.n}, nil
}

type harness struct {
	programID solana.Pubkey
	authority *solana.Keypair
	id        raffle.Identity
	raffle    solana.Pubkey
	chain     *fakeChain
	oracle    fakeOracle
	funder    *fakeFunder
	ledger    *MemoryLedger
	creator   *creationSender
	user      *userSubmitter
	orch      *Orchestrator
	committer *Committer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		programID: raffle.DefaultProgramID,
		authority: testKeypair(t, 7),
		chain:     newFakeChain(),
		funder:    &fakeFunder{},
		ledger:    NewMemoryLedger(),
	}
	var oracleKey solana.Pubkey
	oracleKey[0] = 0xAA
	h.oracle = fakeOracle{binding: randomness.DevnetBinding(oracleKey)}
	h.id = raffle.Identity{Owner: h.authority.PublicKey(), ID: 27}

	addr, err := raffle.RaffleAddress(h.programID, h.id)
	require.NoError(t, err)
	h.raffle = addr.Address

	now := time.Now().UTC().Truncate(time.Second)
	rec := &raffle.Record{
		Address:            h.raffle,
		Authority:          h.authority.PublicKey(),
		RaffleID:           27,
		Name:               "Friday",
		Start:              now.Add(-2 * time.Hour),
		End:                now.Add(-time.Hour),
		PriceLamports:      1000,
		MaxTickets:         10,
		TotalTicketsBought: 1,
		Tickets:            []solana.Pubkey{h.authority.PublicKey()},
		IsActive:           true,
	}
	h.chain.put(h.raffle, h.programID, raffle.EncodeRaffle(rec))

	composer := txbuilder.NewComposer(&fixedBlockhash{}, nil, nil)
	h.creator = &creationSender{chain: h.chain, owner: h.oracle.binding.ProgramID}
	h.user = &userSubmitter{chain: h.chain, programID: h.programID}
	h.orch = NewOrchestrator(Config{ProgramID: h.programID}, Deps{
		Chain:    h.chain,
		Oracle:   h.oracle,
		Funder:   h.funder,
		Ledger:   h.ledger,
		Composer: composer,
		Sender:   h.creator,
	}, nil)
	h.committer = NewCommitter(h.programID, h.oracle.binding, h.chain, composer, h.user, solanarpc.PollPolicy{Interval: time.Millisecond, MaxAttempts: 3}, nil)
	return h
}

type decliningWallet struct{ key solana.Pubkey }

func (w decliningWallet) PublicKey() solana.Pubkey { return w.key }

func (decliningWallet) SignTransaction(context.Context, *solana.Envelope) error {
	return ErrSignatureCancelled
}

func TestPrepare_BuildsPartiallySignedUserTransaction(t *testing.T) {
	h := newHarness(t)
	payer := h.authority.PublicKey()

	p, err := h.orch.Prepare(context.Background(), h.id, payer)
	require.NoError(t, err)
	require.Equal(t, p.RandomnessAddress.Base58(), p.SessionID)
	require.Equal(t, h.id, p.Raffle)
	require.Equal(t, 1, h.creator.sent)
	require.Contains(t, h.funder.funds, p.RandomnessAddress)

	raw, err := base64.StdEncoding.DecodeString(p.Transaction)
	require.NoError(t, err)
	env, err := solana.DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, payer, env.FeePayer())
	require.Equal(t, []solana.Pubkey{payer}, env.MissingSigners())
	_, ok := env.Signature(p.RandomnessAddress)
	require.True(t, ok)

	ixs := env.Instructions()
	require.Len(t, ixs, 2)
	require.Equal(t, h.oracle.binding.ProgramID, ixs[0].ProgramID)
	require.Equal(t, h.programID, ixs[1].ProgramID)
	require.Equal(t, byte(0), ixs[1].Data[len(ixs[1].Data)-1])
	require.Equal(t, p.RandomnessAddress, ixs[1].Accounts[2].Pubkey)

	require.ErrorIs(t, h.ledger.Burn(context.Background(), p.RandomnessAddress), ErrKeyReused)
}

func TestFinalize_Commits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.orch.Prepare(ctx, h.id, h.authority.PublicKey())
	require.NoError(t, err)

	out, err := h.committer.Finalize(ctx, p, KeypairWallet{Key: h.authority})
	require.NoError(t, err)
	require.Equal(t, Committed, out.State)
	require.NotEmpty(t, out.Signature)
	require.True(t, out.Record.RandomnessCommitted)
	require.Len(t, h.user.submitted, 1)
	require.True(t, h.user.submitted[0].FullySigned())
}

func TestFinalize_CancelReturnsToIdleAndNextSessionIsFresh(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.authority.PublicKey()

	first, err := h.orch.Prepare(ctx, h.id, payer)
	require.NoError(t, err)

	out, err := h.committer.Finalize(ctx, first, decliningWallet{key: payer})
	require.ErrorIs(t, err, ErrSignatureCancelled)
	require.Equal(t, Idle, out.State)
	require.Empty(t, h.user.submitted)

	second, err := h.orch.Prepare(ctx, h.id, payer)
	require.NoError(t, err)
	require.NotEqual(t, first.RandomnessAddress, second.RandomnessAddress)
	require.NotEqual(t, first.SessionID, second.SessionID)
	require.NotEqual(t, first.Transaction, second.Transaction)
}

func TestFinalize_RejectsOtherWallet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.orch.Prepare(ctx, h.id, h.authority.PublicKey())
	require.NoError(t, err)

	_, err = h.committer.Finalize(ctx, p, KeypairWallet{Key: testKeypair(t, 9)})
	require.ErrorIs(t, err, ErrWrongWallet)
	require.Empty(t, h.user.submitted)
}

func TestSteps_EnforceOrderAndDropKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.orch.Begin(ctx, h.id, h.authority.PublicKey())
	require.NoError(t, err)
	require.Equal(t, SessionCreated, s.State())

	require.ErrorIs(t, h.orch.CreateAccount(ctx, s), ErrIllegalTransition)
	_, err = h.orch.BuildUserTransaction(ctx, s)
	require.ErrorIs(t, err, ErrIllegalTransition)

	require.NoError(t, h.orch.Fund(ctx, s))
	require.Equal(t, AccountFunded, s.State())
	require.NoError(t, h.orch.CreateAccount(ctx, s))
	require.Equal(t, AccountConfirmed, s.State())
	require.False(t, s.key.Dropped())

	_, err = h.orch.BuildUserTransaction(ctx, s)
	require.NoError(t, err)
	require.Equal(t, UserTxBuilt, s.State())
	require.True(t, s.key.Dropped())

	require.ErrorIs(t, h.orch.Fund(ctx, s), ErrIllegalTransition)
}

// captureSessionKeys records every key Begin issues until the test ends.
func captureSessionKeys(t *testing.T) *[]*solana.Keypair {
	t.Helper()
	var keys []*solana.Keypair
	orig := newSessionKey
	newSessionKey = func() (*solana.Keypair, error) {
		k, err := orig()
		if err == nil {
			keys = append(keys, k)
		}
		return k, err
	}
	t.Cleanup(func() { newSessionKey = orig })
	return &keys
}

func TestPrepare_AccountNotMaterialized(t *testing.T) {
	h := newHarness(t)
	h.creator.skip = true
	keys := captureSessionKeys(t)

	_, err := h.orch.Prepare(context.Background(), h.id, h.authority.PublicKey())
	require.ErrorIs(t, err, ErrAccountNotMaterialized)
	require.Len(t, *keys, 1)
	require.True(t, (*keys)[0].Dropped())
}

func TestFinalize_SubmitFailureAbandons(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.orch.Prepare(ctx, h.id, h.authority.PublicKey())
	require.NoError(t, err)

	h.user.fail = errors.New("node unreachable")
	out, err := h.committer.Finalize(ctx, p, KeypairWallet{Key: h.authority})
	require.ErrorIs(t, err, h.user.fail)
	require.Equal(t, Abandoned, out.State)
	require.Empty(t, out.Signature)
	require.Nil(t, out.Record)
	require.Empty(t, h.user.submitted)
}

// forgeCommit builds a prepared commit around ixs, signed by a fresh
// randomness key the way a server would, with the payer slot left open.
func forgeCommit(t *testing.T, h *harness, rng *solana.Keypair, ixs ...solana.Instruction) *PreparedCommit {
	t.Helper()
	env, err := solana.NewEnvelope([32]byte{1}, h.authority.PublicKey(), ixs)
	require.NoError(t, err)
	require.NoError(t, env.PartialSign(rng.PrivateKey()))
	raw, err := env.Serialize(false)
	require.NoError(t, err)
	return &PreparedCommit{
		Transaction:       base64.StdEncoding.EncodeToString(raw),
		RandomnessAddress: rng.PublicKey(),
		SessionID:         rng.PublicKey().Base58(),
		Raffle:            h.id,
	}
}

func TestFinalize_RejectsUnexpectedInstructions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.authority.PublicKey()
	rng := testKeypair(t, 11)
	thief := testKeypair(t, 12).PublicKey()

	req, err := h.oracle.binding.NewRequest(rng.PublicKey(), rng.PublicKey(), 100)
	require.NoError(t, err)
	commitFor := func(raffleAddr, randomnessAddr solana.Pubkey) solana.Instruction {
		ix, err := raffle.CommitRandomness(h.programID,
			raffle.CommitRandomnessAccounts{Payer: payer, Raffle: raffleAddr},
			raffle.OracleCommit{Randomness: randomnessAddr},
		)
		require.NoError(t, err)
		return ix
	}
	drain := solana.SystemTransfer(payer, thief, 5_000_000_000)
	otherRaffle, err := raffle.RaffleAddress(h.programID, raffle.Identity{Owner: payer, ID: 28})
	require.NoError(t, err)
	otherOracle := h.oracle.binding
	otherOracle.Oracle = thief
	otherReq, err := otherOracle.NewRequest(rng.PublicKey(), rng.PublicKey(), 100)
	require.NoError(t, err)
	// A transfer that also lists the randomness key as signer, so the
	// envelope is otherwise shaped like an honest one.
	drainInOracleSlot := drain
	drainInOracleSlot.Accounts = append(append([]solana.AccountMeta(nil), drain.Accounts...),
		solana.AccountMeta{Pubkey: rng.PublicKey(), IsSigner: true})

	cases := map[string][]solana.Instruction{
		"transfer in oracle slot":           {drainInOracleSlot, commitFor(h.raffle, rng.PublicKey())},
		"transfer instead of oracle commit": {drain, commitFor(h.raffle, rng.PublicKey()), req.Commit},
		"transfer appended":                 {req.Commit, commitFor(h.raffle, rng.PublicKey()), drain},
		"transfer prefixed":                 {drain, req.Commit, commitFor(h.raffle, rng.PublicKey())},
		"other raffle":                      {req.Commit, commitFor(otherRaffle.Address, rng.PublicKey())},
		"raffle bound to other randomness":  {req.Commit, commitFor(h.raffle, thief)},
		"oracle commit to other oracle":     {otherReq.Commit, commitFor(h.raffle, rng.PublicKey())},
		"repeated budget directive": {
			solana.ComputeBudgetSetComputeUnitLimit(1),
			solana.ComputeBudgetSetComputeUnitLimit(2),
			req.Commit, commitFor(h.raffle, rng.PublicKey()),
		},
	}
	for name, ixs := range cases {
		t.Run(name, func(t *testing.T) {
			p := forgeCommit(t, h, rng, ixs...)
			out, err := h.committer.Finalize(ctx, p, KeypairWallet{Key: h.authority})
			require.ErrorIs(t, err, ErrUnexpectedTransaction)
			require.Equal(t, UserTxBuilt, out.State)
			require.Empty(t, h.user.submitted)
		})
	}
}

func TestFinalize_AcceptsBudgetPrefix(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.authority.PublicKey()
	rng := testKeypair(t, 11)

	req, err := h.oracle.binding.NewRequest(rng.PublicKey(), rng.PublicKey(), 100)
	require.NoError(t, err)
	commitIx, err := raffle.CommitRandomness(h.programID,
		raffle.CommitRandomnessAccounts{Payer: payer, Raffle: h.raffle},
		raffle.OracleCommit{Randomness: rng.PublicKey()},
	)
	require.NoError(t, err)

	p := forgeCommit(t, h, rng,
		solana.ComputeBudgetSetComputeUnitLimit(400_000),
		solana.ComputeBudgetSetComputeUnitPrice(1),
		req.Commit, commitIx,
	)
	out, err := h.committer.Finalize(ctx, p, KeypairWallet{Key: h.authority})
	require.NoError(t, err)
	require.Equal(t, Committed, out.State)
	require.Len(t, h.user.submitted, 1)
}

func TestBegin_ChecksCapability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.orch.Begin(ctx, h.id, testKeypair(t, 9).PublicKey())
	require.ErrorIs(t, err, raffle.ErrNotAuthorized)
	require.Empty(t, h.ledger.burned)

	_, err = h.orch.Begin(ctx, raffle.Identity{Owner: h.id.Owner, ID: 28}, h.authority.PublicKey())
	require.ErrorIs(t, err, raffle.ErrNotFound)

	h.orch.cfg.Now = func() time.Time { return time.Now().Add(-90 * time.Minute) }
	_, err = h.orch.Begin(ctx, h.id, h.authority.PublicKey())
	require.ErrorIs(t, err, raffle.ErrPrecondition)
}

func TestFundingLamports(t *testing.T) {
	h := newHarness(t)
	h.orch.cfg.Budget = &txbuilder.ComputeBudget{UnitLimit: 1000, UnitPrice: 1000}
	h.orch.cfg.FundingBuffer = 10

	s, err := h.orch.Begin(context.Background(), h.id, h.authority.PublicKey())
	require.NoError(t, err)

	got, err := h.orch.FundingLamports(context.Background(), s)
	require.NoError(t, err)
	rent := uint64(randomness.AccountSize+randomness.EscrowAccountSize+randomness.LookupTableSize) * 2
	require.Equal(t, rent+5000+1+10, got)
}

func TestCommitMock(t *testing.T) {
	h := newHarness(t)

	out, err := h.committer.CommitMock(context.Background(), h.id, KeypairWallet{Key: h.authority})
	require.NoError(t, err)
	require.Equal(t, Committed, out.State)
	require.True(t, out.Record.RandomnessCommitted)

	require.Len(t, h.user.submitted, 1)
	ixs := h.user.submitted[0].Instructions()
	require.Len(t, ixs, 1)
	require.Equal(t, byte(1), ixs[0].Data[len(ixs[0].Data)-1])
	require.Equal(t, h.programID, ixs[0].Accounts[2].Pubkey)
}

func TestCommitMock_NotAuthority(t *testing.T) {
	h := newHarness(t)
	_, err := h.committer.CommitMock(context.Background(), h.id, KeypairWallet{Key: testKeypair(t, 9)})
	require.ErrorIs(t, err, raffle.ErrNotAuthorized)
	require.Empty(t, h.user.submitted)
}

func TestTransferFunder(t *testing.T) {
	key := testKeypair(t, 3)
	to := testKeypair(t, 4).PublicKey()
	sender := &recordingSender{}
	f := &TransferFunder{
		Key:      key,
		Composer: txbuilder.NewComposer(&fixedBlockhash{}, nil, nil),
		Sender:   sender,
	}

	_, err := f.Fund(context.Background(), to, 12345)
	require.NoError(t, err)
	require.NotNil(t, sender.env)
	require.True(t, sender.env.FullySigned())
	ix := sender.env.Instructions()[0]
	require.Equal(t, solana.SystemProgramID, ix.ProgramID)
	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(ix.Data[:4]))
	require.Equal(t, uint64(12345), binary.LittleEndian.Uint64(ix.Data[4:]))
	require.Equal(t, to, ix.Accounts[1].Pubkey)

	key.Drop()
	_, err = f.Fund(context.Background(), to, 1)
	require.Error(t, err)
}

type recordingSender struct{ env *solana.Envelope }

func (s *recordingSender) SubmitAndConfirm(_ context.Context, env *solana.Envelope) (string, error) {
	s.env = env
	return env.ID(), nil
}

type fakeAirdropper struct {
	requested uint64
	waitErr   error
}

func (f *fakeAirdropper) RequestAirdrop(_ context.Context, _ string, lamports uint64) (string, error) {
	f.requested = lamports
	return "airdrop-sig", nil
}

func (f *fakeAirdropper) WaitForSignature(context.Context, string, string, solanarpc.PollPolicy) (*solanarpc.SignatureStatus, error) {
	return &solanarpc.SignatureStatus{ConfirmationStatus: "confirmed"}, f.waitErr
}

func TestAirdropFunder(t *testing.T) {
	rpc := &fakeAirdropper{}
	f := &AirdropFunder{RPC: rpc}
	sig, err := f.Fund(context.Background(), testKeypair(t, 4).PublicKey(), 2_000_000_000)
	require.NoError(t, err)
	require.Equal(t, "airdrop-sig", sig)
	require.Equal(t, uint64(2_000_000_000), rpc.requested)

	rpc.waitErr = errors.New("timeout")
	_, err = f.Fund(context.Background(), testKeypair(t, 4).PublicKey(), 1)
	require.Error(t, err)
}

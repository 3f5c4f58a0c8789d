package txbuilder

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Abdullah1738/token-raffle/offchain/helius"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
)

type fixedBlockhash struct {
	next  byte
	calls int
}

func (f *fixedBlockhash) LatestBlockhash(context.Context) ([32]byte, error) {
	f.calls++
	var bh [32]byte
	for i := range bh {
		bh[i] = f.next + byte(f.calls)
	}
	return bh, nil
}

type fakeEstimator struct {
	price uint64
	err   error
	seen  []solana.Pubkey
}

func (f *fakeEstimator) ComputeUnitPrice(_ context.Context, accounts []solana.Pubkey, _ helius.PriorityLevel, _ uint64) (uint64, error) {
	f.seen = accounts
	return f.price, f.err
}

func testKey(b byte) (ed25519.PrivateKey, solana.Pubkey) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var pk solana.Pubkey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return priv, pk
}

func programIx(payer solana.Pubkey, program byte) solana.Instruction {
	var pid solana.Pubkey
	pid[0] = program
	var target solana.Pubkey
	target[0] = program + 1
	return solana.Instruction{
		ProgramID: pid,
		Accounts: []solana.AccountMeta{
			{Pubkey: payer, IsSigner: true, IsWritable: true},
			{Pubkey: target, IsWritable: true},
		},
		Data: []byte{program},
	}
}

func TestCompose_PrependsBudgetLimitThenPrice(t *testing.T) {
	_, payer := testKey(1)
	c := NewComposer(&fixedBlockhash{next: 7}, nil, nil)

	env, err := c.Compose(context.Background(), []solana.Instruction{programIx(payer, 9)}, payer, &ComputeBudget{UnitLimit: 400_000, UnitPrice: 1})
	require.NoError(t, err)

	ixs := env.Instructions()
	require.Len(t, ixs, 3)
	require.Equal(t, solana.ComputeBudgetProgramID, ixs[0].ProgramID)
	require.Equal(t, byte(2), ixs[0].Data[0])
	require.Equal(t, uint32(400_000), binary.LittleEndian.Uint32(ixs[0].Data[1:]))
	require.Equal(t, solana.ComputeBudgetProgramID, ixs[1].ProgramID)
	require.Equal(t, byte(3), ixs[1].Data[0])
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(ixs[1].Data[1:]))
	require.Equal(t, []byte{9}, ixs[2].Data)
	require.Equal(t, payer, env.FeePayer())
}

func TestCompose_NoBudget(t *testing.T) {
	_, payer := testKey(1)
	c := NewComposer(&fixedBlockhash{}, nil, nil)

	env, err := c.Compose(context.Background(), []solana.Instruction{programIx(payer, 9), programIx(payer, 20)}, payer, nil)
	require.NoError(t, err)
	ixs := env.Instructions()
	require.Len(t, ixs, 2)
	require.Equal(t, []byte{9}, ixs[0].Data)
	require.Equal(t, []byte{20}, ixs[1].Data)
}

func TestCompose_Empty(t *testing.T) {
	_, payer := testKey(1)
	_, err := NewComposer(&fixedBlockhash{}, nil, nil).Compose(context.Background(), nil, payer, nil)
	require.ErrorIs(t, err, solana.ErrEmptyTransaction)
}

func TestCompose_AutoPrice(t *testing.T) {
	_, payer := testKey(1)
	est := &fakeEstimator{price: 42}
	c := NewComposer(&fixedBlockhash{}, est, nil)

	env, err := c.Compose(context.Background(), []solana.Instruction{programIx(payer, 9)}, payer, &ComputeBudget{UnitLimit: 1000, UnitPrice: 5, AutoPrice: true})
	require.NoError(t, err)
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(env.Instructions()[1].Data[1:]))
	require.Len(t, est.seen, 2)

	est.err = errors.New("boom")
	env, err = c.Compose(context.Background(), []solana.Instruction{programIx(payer, 9)}, payer, &ComputeBudget{UnitLimit: 1000, UnitPrice: 5, AutoPrice: true})
	require.NoError(t, err)
	require.Equal(t, uint64(5), binary.LittleEndian.Uint64(env.Instructions()[1].Data[1:]))
}

func TestRefingerprint_DropsSignatures(t *testing.T) {
	priv, payer := testKey(1)
	c := NewComposer(&fixedBlockhash{}, nil, nil)

	env, err := c.Compose(context.Background(), []solana.Instruction{programIx(payer, 9)}, payer, DefaultComputeBudget())
	require.NoError(t, err)
	require.NoError(t, env.PartialSign(priv))
	require.True(t, env.FullySigned())

	fresh, err := c.Refingerprint(context.Background(), env)
	require.NoError(t, err)
	require.NotEqual(t, env.RecentBlockhash(), fresh.RecentBlockhash())
	require.False(t, fresh.FullySigned())
	require.Equal(t, env.Instructions(), fresh.Instructions())
}

type fakeTransport struct {
	sendErr error
	waitErr error
	sent    int
}

func (f *fakeTransport) SendTransaction(context.Context, []byte, bool) (string, error) {
	f.sent++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "sig", nil
}

func (f *fakeTransport) WaitForSignature(context.Context, string, string, solanarpc.PollPolicy) (*solanarpc.SignatureStatus, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return &solanarpc.SignatureStatus{ConfirmationStatus: "confirmed"}, nil
}

var errSeeds = errors.New("seeds constraint violated")

func signedEnvelope(t *testing.T) *solana.Envelope {
	t.Helper()
	priv, payer := testKey(1)
	env, err := NewComposer(&fixedBlockhash{}, nil, nil).Compose(context.Background(), []solana.Instruction{programIx(payer, 9)}, payer, DefaultComputeBudget())
	require.NoError(t, err)
	require.NoError(t, env.PartialSign(priv))
	return env
}

func raffleDecoder(code uint32) (error, bool) {
	if code == 2006 {
		return errSeeds, true
	}
	return nil, false
}

func TestSubmit_RequiresAllSignatures(t *testing.T) {
	_, payer := testKey(1)
	env, err := NewComposer(&fixedBlockhash{}, nil, nil).Compose(context.Background(), []solana.Instruction{programIx(payer, 9)}, payer, nil)
	require.NoError(t, err)

	tr := &fakeTransport{}
	_, err = NewSubmitter(tr, solanarpc.PollPolicy{}, nil).Submit(context.Background(), env)
	require.ErrorIs(t, err, solana.ErrMissingSigner)
	require.Zero(t, tr.sent)
}

func TestSubmit_ClassifiesPrecondition(t *testing.T) {
	env := signedEnvelope(t)
	tr := &fakeTransport{sendErr: &solanarpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed: Error processing Instruction 2: custom program error: 0x7d6",
		Data:    []byte(`{"err":{"InstructionError":[2,{"Custom":2006}]},"logs":["Program log: AnchorError"]}`),
	}}
	s := NewSubmitter(tr, solanarpc.PollPolicy{}, nil)
	s.RegisterProgramErrors(env.Instructions()[2].ProgramID, raffleDecoder)

	_, err := s.Submit(context.Background(), env)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	require.Equal(t, KindPrecondition, se.Kind)
	require.Equal(t, 2, se.InstructionIndex)
	require.NotNil(t, se.ProgramCode)
	require.Equal(t, uint32(2006), *se.ProgramCode)
	require.Equal(t, []string{"Program log: AnchorError"}, se.Logs)
	require.ErrorIs(t, err, errSeeds)
}

func TestSubmit_CustomErrorFromUnregisteredProgramIsRejected(t *testing.T) {
	env := signedEnvelope(t)
	tr := &fakeTransport{sendErr: &solanarpc.RPCError{
		Code: -32002,
		Data: []byte(`{"err":{"InstructionError":[2,{"Custom":2006}]},"logs":[]}`),
	}}
	_, err := NewSubmitter(tr, solanarpc.PollPolicy{}, nil).Submit(context.Background(), env)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindRejected, kind)
}

func TestSubmit_NamedInstructionError(t *testing.T) {
	env := signedEnvelope(t)
	tr := &fakeTransport{sendErr: &solanarpc.RPCError{
		Code: -32002,
		Data: []byte(`{"err":{"InstructionError":[0,"InvalidInstructionData"]},"logs":["x"]}`),
	}}
	_, err := NewSubmitter(tr, solanarpc.PollPolicy{}, nil).Submit(context.Background(), env)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	require.Equal(t, KindRejected, se.Kind)
	require.Equal(t, 0, se.InstructionIndex)
	require.Nil(t, se.ProgramCode)
}

func TestSubmit_StaleFingerprint(t *testing.T) {
	env := signedEnvelope(t)
	tr := &fakeTransport{sendErr: &solanarpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed: Blockhash not found",
	}}
	_, err := NewSubmitter(tr, solanarpc.PollPolicy{}, nil).Submit(context.Background(), env)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindStaleFingerprint, kind)
}

func TestSubmit_Transport(t *testing.T) {
	env := signedEnvelope(t)
	tr := &fakeTransport{sendErr: errors.New("connection refused")}
	_, err := NewSubmitter(tr, solanarpc.PollPolicy{}, nil).Submit(context.Background(), env)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindTransport, kind)
}

func TestSubmitAndConfirm_LandedFailure(t *testing.T) {
	env := signedEnvelope(t)
	tr := &fakeTransport{waitErr: &solanarpc.TransactionError{
		Signature: "sig",
		Raw:       `{"InstructionError":[2,{"Custom":2006}]}`,
	}}
	s := NewSubmitter(tr, solanarpc.PollPolicy{}, nil)
	s.RegisterProgramErrors(env.Instructions()[2].ProgramID, raffleDecoder)

	sig, err := s.SubmitAndConfirm(context.Background(), env)
	require.Equal(t, "sig", sig)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	require.Equal(t, KindPrecondition, se.Kind)
	require.Equal(t, "sig", se.Signature)
}

func TestSubmitAndConfirm_PollExhausted(t *testing.T) {
	env := signedEnvelope(t)
	tr := &fakeTransport{waitErr: solanarpc.ErrPollExhausted}
	_, err := NewSubmitter(tr, solanarpc.PollPolicy{}, nil).SubmitAndConfirm(context.Background(), env)
	require.ErrorIs(t, err, solanarpc.ErrPollExhausted)
	_, ok := KindOf(err)
	require.False(t, ok)
}

func TestSubmitAndConfirm_OK(t *testing.T) {
	env := signedEnvelope(t)
	sig, err := NewSubmitter(&fakeTransport{}, solanarpc.PollPolicy{}, nil).SubmitAndConfirm(context.Background(), env)
	require.NoError(t, err)
	require.Equal(t, "sig", sig)
}

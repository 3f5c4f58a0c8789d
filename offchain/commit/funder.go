package commit

import (
	"context"
	"errors"
	"fmt"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

// Funder tops up an ephemeral key so it can pay for its own account.
type Funder interface {
	Fund(ctx context.Context, to solana.Pubkey, lamports uint64) (string, error)
}

type airdropper interface {
	RequestAirdrop(ctx context.Context, pubkey string, lamports uint64) (string, error)
	WaitForSignature(ctx context.Context, sig string, commitment string, policy solanarpc.PollPolicy) (*solanarpc.SignatureStatus, error)
}

// AirdropFunder asks the cluster faucet. Devnet and test validators only.
type AirdropFunder struct {
	RPC    airdropper
	Policy solanarpc.PollPolicy
}

func (f *AirdropFunder) Fund(ctx context.Context, to solana.Pubkey, lamports uint64) (string, error) {
	sig, err := f.RPC.RequestAirdrop(ctx, to.Base58(), lamports)
	if err != nil {
		return "", fmt.Errorf("request airdrop: %w", err)
	}
	if _, err := f.RPC.WaitForSignature(ctx, sig, "confirmed", f.Policy); err != nil {
		return sig, fmt.Errorf("confirm airdrop %s: %w", sig, err)
	}
	return sig, nil
}

// Sender submits a fully signed envelope and waits for confirmation.
type Sender interface {
	SubmitAndConfirm(ctx context.Context, env *solana.Envelope) (string, error)
}

// TransferFunder pays from a server-held key with a system transfer.
type TransferFunder struct {
	Key      *solana.Keypair
	Composer *txbuilder.Composer
	Sender   Sender
	Budget   *txbuilder.ComputeBudget
}

func (f *TransferFunder) Fund(ctx context.Context, to solana.Pubkey, lamports uint64) (string, error) {
	if f.Key == nil || f.Key.Dropped() {
		return "", errors.New("transfer funder has no key")
	}
	from := f.Key.PublicKey()
	env, err := f.Composer.Compose(ctx, []solana.Instruction{solana.SystemTransfer(from, to, lamports)}, from, f.Budget)
	if err != nil {
		return "", fmt.Errorf("compose funding transfer: %w", err)
	}
	if err := env.PartialSign(f.Key.PrivateKey()); err != nil {
		return "", fmt.Errorf("sign funding transfer: %w", err)
	}
	sig, err := f.Sender.SubmitAndConfirm(ctx, env)
	if err != nil {
		return sig, fmt.Errorf("funding transfer: %w", err)
	}
	return sig, nil
}

package solanarpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

var (
	ErrPollExhausted     = errors.New("polling attempts exhausted")
	ErrTransactionFailed = errors.New("transaction failed")
)

// PollPolicy bounds a confirmation loop. The interval grows by Backoff after
// each miss, capped at MaxInterval.
type PollPolicy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Backoff     float64
	MaxAttempts int
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    500 * time.Millisecond,
		MaxInterval: 4 * time.Second,
		Backoff:     1.5,
		MaxAttempts: 60,
	}
}

func (p PollPolicy) normalized() PollPolicy {
	d := DefaultPollPolicy()
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Backoff < 1 {
		p.Backoff = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Poll calls fn until it reports done, an error, the attempts run out, or ctx
// is cancelled.
func (p PollPolicy) Poll(ctx context.Context, fn func(ctx context.Context) (bool, error)) error {
	p = p.normalized()
	wait := p.Interval
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleepWithContext(ctx, wait); err != nil {
			return err
		}
		wait = time.Duration(float64(wait) * p.Backoff)
		if wait > p.MaxInterval {
			wait = p.MaxInterval
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrPollExhausted, p.MaxAttempts)
}

// TransactionError is an executed transaction that the cluster rejected.
type TransactionError struct {
	Signature string
	Raw       string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrTransactionFailed.Error(), e.Signature, e.Raw)
}

func (e *TransactionError) Unwrap() error { return ErrTransactionFailed }

func commitmentReached(have, want string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	h, w := rank[strings.ToLower(have)], rank[strings.ToLower(want)]
	return h > 0 && h >= w
}

// WaitForSignature polls until sig reaches commitment ("confirmed" by default).
// A landed-but-failed transaction returns *TransactionError.
func (c *Client) WaitForSignature(ctx context.Context, sig string, commitment string, policy PollPolicy) (*SignatureStatus, error) {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return nil, errors.New("signature required")
	}
	if commitment == "" {
		commitment = "confirmed"
	}
	var final *SignatureStatus
	err := policy.Poll(ctx, func(ctx context.Context) (bool, error) {
		statuses, err := c.SignatureStatuses(ctx, sig)
		if err != nil {
			return false, err
		}
		st := statuses[0]
		if st == nil {
			return false, nil
		}
		if st.Failed() {
			return false, &TransactionError{Signature: sig, Raw: string(st.Err)}
		}
		if !commitmentReached(st.ConfirmationStatus, commitment) {
			return false, nil
		}
		final = st
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// WaitForAccount polls until the account exists.
func (c *Client) WaitForAccount(ctx context.Context, pubkey solana.Pubkey, policy PollPolicy) (*AccountInfo, error) {
	var out *AccountInfo
	err := policy.Poll(ctx, func(ctx context.Context) (bool, error) {
		info, err := c.AccountInfo(ctx, pubkey)
		if err != nil {
			return false, err
		}
		if info == nil {
			return false, nil
		}
		out = info
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

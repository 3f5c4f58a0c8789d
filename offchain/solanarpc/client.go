package solanarpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/Abdullah1738/token-raffle/offchain/helius"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

var (
	ErrMissingRPCURL = errors.New("missing rpc url")
	ErrRPCError      = errors.New("solana rpc error")
)

// RPCError is a JSON-RPC error object. For failed preflight simulations
// Data carries the transaction error and the program logs.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %d %s", ErrRPCError.Error(), e.Code, e.Message)
}

// SimulationFailure returns the transaction error and logs attached to a
// preflight failure, if any.
func (e *RPCError) SimulationFailure() (json.RawMessage, []string, bool) {
	if len(e.Data) == 0 {
		return nil, nil, false
	}
	var d struct {
		Err  json.RawMessage `json:"err"`
		Logs []string        `json:"logs"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, nil, false
	}
	if len(d.Err) == 0 || string(d.Err) == "null" {
		return nil, d.Logs, len(d.Logs) > 0
	}
	return d.Err, d.Logs, true
}

// IsBlockhashNotFound reports whether err is the cluster rejecting a
// transaction whose recent blockhash has expired or is unknown.
func IsBlockhashNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	if strings.Contains(strings.ToLower(rpcErr.Message), "blockhash not found") {
		return true
	}
	txErr, _, ok := rpcErr.SimulationFailure()
	return ok && strings.Contains(string(txErr), "BlockhashNotFound")
}

func (e *RPCError) Unwrap() error { return ErrRPCError }

type Client struct {
	rpcURL string
	http   *http.Client
}

func New(rpcURL string, httpClient *http.Client) *Client {
	rpcURL = strings.TrimSpace(rpcURL)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		rpcURL: rpcURL,
		http:   httpClient,
	}
}

// Dial picks the RPC endpoint: an explicit URL wins, otherwise a Helius URL is
// built from the API key.
func Dial(rpcURL, heliusAPIKey string, cluster helius.Cluster) (*Client, error) {
	if raw := strings.TrimSpace(rpcURL); raw != "" {
		return New(raw, nil), nil
	}
	apiKey := strings.TrimSpace(heliusAPIKey)
	if cluster == "" {
		cluster = helius.ClusterDevnet
	}
	if apiKey == "" {
		return nil, ErrMissingRPCURL
	}
	u, err := helius.RPCURL(cluster, apiKey)
	if err != nil {
		return nil, err
	}
	return New(u, nil), nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func isRateLimitedRPCError(code int, message string) bool {
	if code == 429 || code == -32429 {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(message))
	return strings.Contains(msg, "rate") && strings.Contains(msg, "limit")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) rpcCall(ctx context.Context, method string, params any, out any) error {
	if c == nil {
		return errors.New("nil rpc client")
	}
	if strings.TrimSpace(c.rpcURL) == "" {
		return ErrMissingRPCURL
	}

	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "1",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	backoff := 1 * time.Second
	maxBackoff := 10 * time.Second
	maxAttempts := 7

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("%w: http status=%d", ErrRPCError, resp.StatusCode)
			if attempt < maxAttempts {
				if err := sleepWithContext(ctx, backoff); err != nil {
					return err
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			return lastErr
		}

		var rr rpcResponse
		if err := json.Unmarshal(raw, &rr); err != nil {
			lastErr = fmt.Errorf("decode rpc response: %w", err)
			if attempt < maxAttempts {
				if err := sleepWithContext(ctx, backoff); err != nil {
					return err
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			return lastErr
		}
		if rr.Error != nil {
			lastErr = &RPCError{Code: rr.Error.Code, Message: rr.Error.Message, Data: rr.Error.Data}
			if isRateLimitedRPCError(rr.Error.Code, rr.Error.Message) && attempt < maxAttempts {
				if err := sleepWithContext(ctx, backoff); err != nil {
					return err
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			return lastErr
		}
		if out == nil {
			return nil
		}
		if len(rr.Result) == 0 {
			return fmt.Errorf("%w: empty result", ErrRPCError)
		}
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: no response", ErrRPCError)
}

func (c *Client) LatestBlockhash(ctx context.Context) ([32]byte, error) {
	var out [32]byte
	var resp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	// Use finalized to avoid "Blockhash not found" when talking to load-balanced public RPCs.
	if err := c.rpcCall(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "finalized"}}, &resp); err != nil {
		// Some RPCs still require getRecentBlockhash.
		var old struct {
			Value struct {
				Blockhash string `json:"blockhash"`
			} `json:"value"`
		}
		if err2 := c.rpcCall(ctx, "getRecentBlockhash", []any{}, &old); err2 != nil {
			return out, err
		}
		resp.Value.Blockhash = old.Value.Blockhash
	}

	bh, err := solana.ParsePubkey(resp.Value.Blockhash)
	if err != nil {
		return out, fmt.Errorf("invalid blockhash: %w", err)
	}
	copy(out[:], bh[:])
	return out, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx []byte, skipPreflight bool) (string, error) {
	if len(tx) == 0 {
		return "", errors.New("empty tx")
	}
	b64 := base64.StdEncoding.EncodeToString(tx)
	var resp string
	params := []any{
		b64,
		map[string]any{
			"encoding":      "base64",
			"skipPreflight": skipPreflight,
		},
	}
	if err := c.rpcCall(ctx, "sendTransaction", params, &resp); err != nil {
		return "", err
	}
	return resp, nil
}

// AccountInfo is the subset of getAccountInfo the raffle tooling reads.
type AccountInfo struct {
	Lamports   uint64
	Owner      solana.Pubkey
	Executable bool
	Data       []byte
}

type rpcAccount struct {
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Executable bool   `json:"executable"`
	Data       []any  `json:"data"`
}

func (a rpcAccount) decode() (*AccountInfo, error) {
	owner, err := solana.ParsePubkey(a.Owner)
	if err != nil {
		return nil, fmt.Errorf("invalid account owner: %w", err)
	}
	if len(a.Data) < 1 {
		return nil, errors.New("missing account data")
	}
	s, ok := a.Data[0].(string)
	if !ok {
		return nil, errors.New("unexpected account data encoding")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{
		Lamports:   a.Lamports,
		Owner:      owner,
		Executable: a.Executable,
		Data:       b,
	}, nil
}

// AccountInfo returns nil, nil when the account does not exist.
func (c *Client) AccountInfo(ctx context.Context, pubkey solana.Pubkey) (*AccountInfo, error) {
	var resp struct {
		Value *rpcAccount `json:"value"`
	}
	params := []any{
		pubkey.Base58(),
		map[string]any{
			"encoding":   "base64",
			"commitment": "confirmed",
		},
	}
	if err := c.rpcCall(ctx, "getAccountInfo", params, &resp); err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, nil
	}
	return resp.Value.decode()
}

func (c *Client) MinimumBalanceForRentExemption(ctx context.Context, dataLen uint64) (uint64, error) {
	var resp uint64
	if err := c.rpcCall(ctx, "getMinimumBalanceForRentExemption", []any{dataLen}, &resp); err != nil {
		return 0, err
	}
	return resp, nil
}

func (c *Client) Slot(ctx context.Context) (uint64, error) {
	var resp uint64
	if err := c.rpcCall(ctx, "getSlot", []any{map[string]any{"commitment": "processed"}}, &resp); err != nil {
		return 0, err
	}
	return resp, nil
}

func (c *Client) BalanceLamports(ctx context.Context, pubkey string) (uint64, error) {
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return 0, errors.New("pubkey required")
	}
	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := c.rpcCall(ctx, "getBalance", []any{pubkey, map[string]any{"commitment": "processed"}}, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (c *Client) RequestAirdrop(ctx context.Context, pubkey string, lamports uint64) (string, error) {
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return "", errors.New("pubkey required")
	}
	if lamports == 0 {
		return "", errors.New("lamports required")
	}
	var sig string
	if err := c.rpcCall(ctx, "requestAirdrop", []any{pubkey, lamports}, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

type ProgramAccount struct {
	Pubkey  solana.Pubkey
	Account AccountInfo
}

// Filter narrows getProgramAccounts results; build with DataSize or Memcmp.
type Filter map[string]any

func DataSize(n uint64) Filter {
	return Filter{"dataSize": n}
}

// Memcmp matches accounts whose data at offset equals prefix.
func Memcmp(offset uint64, prefix []byte) Filter {
	return Filter{"memcmp": map[string]any{
		"offset": offset,
		"bytes":  base58.Encode(prefix),
	}}
}

func (c *Client) ProgramAccounts(ctx context.Context, programID solana.Pubkey, filters ...Filter) ([]ProgramAccount, error) {
	if programID.IsZero() {
		return nil, errors.New("program id required")
	}

	type resultItem struct {
		Pubkey  string     `json:"pubkey"`
		Account rpcAccount `json:"account"`
	}

	cfg := map[string]any{
		"encoding":   "base64",
		"commitment": "confirmed",
	}
	if len(filters) > 0 {
		fs := make([]any, 0, len(filters))
		for _, f := range filters {
			fs = append(fs, map[string]any(f))
		}
		cfg["filters"] = fs
	}

	var resp []resultItem
	if err := c.rpcCall(ctx, "getProgramAccounts", []any{programID.Base58(), cfg}, &resp); err != nil {
		return nil, err
	}

	out := make([]ProgramAccount, 0, len(resp))
	for _, it := range resp {
		pk, err := solana.ParsePubkey(it.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("getProgramAccounts pubkey %q: %w", it.Pubkey, err)
		}
		acct, err := it.Account.decode()
		if err != nil {
			return nil, fmt.Errorf("getProgramAccounts %s: %w", it.Pubkey, err)
		}
		out = append(out, ProgramAccount{Pubkey: pk, Account: *acct})
	}
	return out, nil
}

type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Err       any    `json:"err"`
	BlockTime *int64 `json:"blockTime"`
}

func (c *Client) SignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("address required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	if limit > 1000 {
		return nil, errors.New("limit too large")
	}

	var resp []SignatureInfo
	params := []any{
		address,
		map[string]any{
			"limit":      limit,
			"commitment": "confirmed",
		},
	}
	if err := c.rpcCall(ctx, "getSignaturesForAddress", params, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SignatureStatus mirrors one entry of getSignatureStatuses. Err is the raw
// transaction error (null on success).
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

func (s *SignatureStatus) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// SignatureStatuses returns one entry per signature; unknown signatures are nil.
func (c *Client) SignatureStatuses(ctx context.Context, signatures ...string) ([]*SignatureStatus, error) {
	if len(signatures) == 0 {
		return nil, errors.New("signatures required")
	}
	if len(signatures) > 256 {
		return nil, errors.New("too many signatures")
	}
	var resp struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{
		signatures,
		map[string]any{"searchTransactionHistory": false},
	}
	if err := c.rpcCall(ctx, "getSignatureStatuses", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Value) != len(signatures) {
		return nil, fmt.Errorf("%w: getSignatureStatuses returned %d entries for %d signatures", ErrRPCError, len(resp.Value), len(signatures))
	}
	return resp.Value, nil
}

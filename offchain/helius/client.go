package helius

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

var (
	ErrMissingAPIKey = errors.New("missing helius api key")
	ErrRPCError      = errors.New("helius rpc error")
)

type Cluster string

const (
	ClusterMainnet Cluster = "mainnet"
	ClusterDevnet  Cluster = "devnet"
)

func RPCURL(cluster Cluster, apiKey string) (string, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}

	var host string
	switch cluster {
	case ClusterMainnet, "mainnet-beta":
		host = "https://mainnet.helius-rpc.com"
	case ClusterDevnet:
		host = "https://devnet.helius-rpc.com"
	default:
		return "", fmt.Errorf("unsupported helius cluster: %q", cluster)
	}

	u, err := url.Parse(host)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api-key", apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type Client struct {
	rpcURL string
	http   *http.Client
}

func NewClient(rpcURL string, httpClient *http.Client) *Client {
	rpcURL = strings.TrimSpace(rpcURL)
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		rpcURL: rpcURL,
		http:   httpClient,
	}
}

type PriorityLevel string

const (
	PriorityMin       PriorityLevel = "Min"
	PriorityLow       PriorityLevel = "Low"
	PriorityMedium    PriorityLevel = "Medium"
	PriorityHigh      PriorityLevel = "High"
	PriorityVeryHigh  PriorityLevel = "VeryHigh"
	PriorityUnsafeMax PriorityLevel = "UnsafeMax"
)

type PriorityFeeOptions struct {
	PriorityLevel PriorityLevel `json:"priorityLevel,omitempty"`
	LookbackSlots int           `json:"lookbackSlots,omitempty"`
	Recommended   bool          `json:"recommended,omitempty"`
}

// PriorityFeeEstimate is a compute unit price in micro-lamports.
type PriorityFeeEstimate struct {
	MicroLamports uint64
}

type PriorityFeeEstimateByAccountKeysRequest struct {
	AccountKeys []string
	Options     *PriorityFeeOptions
}

func (c *Client) GetPriorityFeeEstimateByAccountKeys(
	ctx context.Context,
	req PriorityFeeEstimateByAccountKeysRequest,
) (PriorityFeeEstimate, error) {
	if len(req.AccountKeys) == 0 {
		return PriorityFeeEstimate{}, fmt.Errorf("accountKeys required")
	}

	params := map[string]any{
		"accountKeys": req.AccountKeys,
	}
	if req.Options != nil {
		params["options"] = req.Options
	}

	var out struct {
		PriorityFeeEstimate float64 `json:"priorityFeeEstimate"`
	}
	if err := c.rpcCall(ctx, "getPriorityFeeEstimate", []any{params}, &out); err != nil {
		return PriorityFeeEstimate{}, err
	}

	return PriorityFeeEstimate{MicroLamports: ceilUint64(out.PriorityFeeEstimate)}, nil
}

// ComputeUnitPrice returns the recommended micro-lamport price for a
// transaction touching accounts, capped at ceiling when ceiling > 0.
func (c *Client) ComputeUnitPrice(ctx context.Context, accounts []solana.Pubkey, level PriorityLevel, ceiling uint64) (uint64, error) {
	keys := make([]string, 0, len(accounts))
	for _, pk := range accounts {
		keys = append(keys, pk.Base58())
	}
	if level == "" {
		level = PriorityMedium
	}
	est, err := c.GetPriorityFeeEstimateByAccountKeys(ctx, PriorityFeeEstimateByAccountKeysRequest{
		AccountKeys: keys,
		Options:     &PriorityFeeOptions{PriorityLevel: level},
	})
	if err != nil {
		return 0, err
	}
	if ceiling > 0 && est.MicroLamports > ceiling {
		return ceiling, nil
	}
	return est.MicroLamports, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (c *Client) rpcCall(ctx context.Context, method string, params any, out any) error {
	if c == nil {
		return errors.New("nil helius client")
	}
	if strings.TrimSpace(c.rpcURL) == "" {
		return errors.New("empty helius rpc url")
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

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("helius rpc http %d", resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return err
	}
	if decoded.Error != nil {
		return fmt.Errorf("%w: code=%d message=%s", ErrRPCError, decoded.Error.Code, decoded.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(decoded.Result) == 0 {
		return errors.New("missing result")
	}
	return json.Unmarshal(decoded.Result, out)
}

func ceilUint64(v float64) uint64 {
	if v <= 0 {
		return 0
	}
	if v >= float64(^uint64(0)) {
		return ^uint64(0)
	}
	return uint64(math.Ceil(v))
}

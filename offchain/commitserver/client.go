package commitserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

// HTTPError is a non-200 reply from the commit server.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Client struct {
	HTTP *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c != nil && c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// RequestCommit asks the server at baseURL to prepare a commit for the raffle
// payer owns. The result still needs payer's signature.
func (c *Client) RequestCommit(ctx context.Context, baseURL string, raffleID uint64, payer solana.Pubkey) (*commit.PreparedCommit, error) {
	body, err := json.Marshal(CommitRequest{RaffleID: RaffleID(raffleID), Payer: payer.Base58()})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+CommitPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&e)
		return nil, &HTTPError{Status: resp.StatusCode, Message: e.Error}
	}

	var out CommitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, err
	}
	rng, err := solana.ParsePubkey(out.RandomnessPubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid randomnessPubkey: %w", err)
	}
	return &commit.PreparedCommit{
		Transaction:       out.Tx,
		RandomnessAddress: rng,
		SessionID:         rng.Base58(),
		Raffle:            raffle.Identity{Owner: payer, ID: raffleID},
	}, nil
}

// Package commitserver exposes the server half of the randomness commit over
// HTTP and provides the matching client.
package commitserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

const (
	CommitPath = "/v1/commit-randomness"
	HealthPath = "/healthz"

	maxBodyBytes = 1 << 16
)

// Preparer runs the server half of a commit. *commit.Orchestrator
// implements it.
type Preparer interface {
	Prepare(ctx context.Context, id raffle.Identity, payer solana.Pubkey) (*commit.PreparedCommit, error)
}

// RaffleID accepts a JSON number or a decimal string, since raffle ids
// exceed the range of a JavaScript number.
type RaffleID uint64

func (r *RaffleID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("raffleId must be an unsigned integer: %q", s)
	}
	*r = RaffleID(v)
	return nil
}

func (r RaffleID) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(r), 10))
}

type CommitRequest struct {
	RaffleID RaffleID `json:"raffleId"`
	Payer    string   `json:"payer"`
}

type CommitResponse struct {
	Tx               string `json:"tx"`
	RandomnessPubkey string `json:"randomnessPubkey"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Handler struct {
	prep   Preparer
	health func(ctx context.Context) error
	log    *zap.Logger
}

// NewHandler returns a handler. health may be nil.
func NewHandler(prep Preparer, health func(ctx context.Context) error, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{prep: prep, health: health, log: log}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST(CommitPath, h.handleCommit)
	r.GET(HealthPath, h.handleHealth)
}

func (h *Handler) handleCommit(c *gin.Context) {
	var req CommitRequest
	if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxBodyBytes)).Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	payer, err := solana.ParsePubkey(req.Payer)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payer: " + err.Error()})
		return
	}
	id := raffle.Identity{Owner: payer, ID: uint64(req.RaffleID)}

	prepared, err := h.prep.Prepare(c.Request.Context(), id, payer)
	if err != nil {
		status := statusFor(err)
		h.log.Warn("commit request failed",
			zap.Stringer("raffle", id),
			zap.Int("status", status),
			zap.Error(err),
		)
		c.JSON(status, ErrorResponse{Error: err.Error()})
		return
	}

	h.log.Info("commit prepared",
		zap.Stringer("raffle", id),
		zap.String("randomness", prepared.RandomnessAddress.Base58()),
	)
	c.JSON(http.StatusOK, CommitResponse{
		Tx:               prepared.Transaction,
		RandomnessPubkey: prepared.RandomnessAddress.Base58(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, raffle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, raffle.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, raffle.ErrPrecondition):
		return http.StatusConflict
	case errors.Is(err, commit.ErrLedgerUnavailable),
		errors.Is(err, commit.ErrAccountNotMaterialized):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

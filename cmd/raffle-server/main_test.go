package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Abdullah1738/token-raffle/internal/config"
	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/commitserver"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/randomness"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
)

func init() { gin.SetMode(gin.TestMode) }

type stubPreparer struct{}

func (stubPreparer) Prepare(context.Context, raffle.Identity, solana.Pubkey) (*commit.PreparedCommit, error) {
	return nil, raffle.ErrNotFound
}

func testConfig() *config.Config {
	return &config.Config{
		Chain:  config.ChainConfig{RPCURL: "http://127.0.0.1:8899"},
		Raffle: config.RaffleConfig{ProgramID: raffle.DefaultProgramID.Base58()},
		Randomness: config.RandomnessConfig{
			ProgramID: randomness.DevnetProgramID.Base58(),
			Queue:     randomness.DevnetQueue.Base58(),
			Oracle:    randomness.DevnetQueue.Base58(),
		},
		Funding: config.FundingConfig{Mode: config.FundingAirdrop},
		Tx:      config.TxConfig{CULimit: 200_000, CUPrice: 1},
	}
}

func TestRouterHealth(t *testing.T) {
	r := newRouter(stubPreparer{}, nil, zap.NewNop())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, commitserver.HealthPath, nil))
	require.Equal(t, http.StatusOK, w.Code)

	down := newRouter(stubPreparer{}, func(context.Context) error { return errors.New("redis down") }, zap.NewNop())
	w = httptest.NewRecorder()
	down.ServeHTTP(w, httptest.NewRequest(http.MethodGet, commitserver.HealthPath, nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestBuildOrchestrator(t *testing.T) {
	cfg := testConfig()
	rpc := solanarpc.New(cfg.Chain.RPCURL, nil)
	orch, err := buildOrchestrator(cfg, rpc, commit.NewMemoryLedger(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, orch)

	cfg.Randomness.Oracle = "bad"
	_, err = buildOrchestrator(cfg, rpc, commit.NewMemoryLedger(), zap.NewNop())
	require.ErrorContains(t, err, "RANDOMNESS_ORACLE")
}

func TestNewFunder(t *testing.T) {
	cfg := testConfig()
	rpc := solanarpc.New(cfg.Chain.RPCURL, nil)

	f, err := newFunder(cfg, rpc, nil, nil, solanarpc.DefaultPollPolicy())
	require.NoError(t, err)
	require.IsType(t, &commit.AirdropFunder{}, f)

	path := filepath.Join(t.TempDir(), "funder.json")
	want, err := solana.GenerateKeypairFile(path, false)
	require.NoError(t, err)

	cfg.Funding = config.FundingConfig{Mode: config.FundingTransfer, Keypair: path}
	f, err = newFunder(cfg, rpc, nil, nil, solanarpc.DefaultPollPolicy())
	require.NoError(t, err)
	tf, ok := f.(*commit.TransferFunder)
	require.True(t, ok)
	require.Equal(t, want, tf.Key.PublicKey())

	cfg.Funding.Keypair = filepath.Join(t.TempDir(), "missing.json")
	_, err = newFunder(cfg, rpc, nil, nil, solanarpc.DefaultPollPolicy())
	require.Error(t, err)
}

func TestPriceEstimatorNeedsKey(t *testing.T) {
	cfg := testConfig()
	fees, err := priceEstimator(cfg)
	require.NoError(t, err)
	require.Nil(t, fees)

	cfg.Chain.HeliusAPIKey = "k"
	cfg.Chain.HeliusCluster = "devnet"
	fees, err = priceEstimator(cfg)
	require.NoError(t, err)
	require.NotNil(t, fees)
}

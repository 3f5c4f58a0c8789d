package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Abdullah1738/token-raffle/internal/config"
	"github.com/Abdullah1738/token-raffle/offchain/commit"
	"github.com/Abdullah1738/token-raffle/offchain/commitserver"
	"github.com/Abdullah1738/token-raffle/offchain/helius"
	"github.com/Abdullah1738/token-raffle/offchain/raffle"
	"github.com/Abdullah1738/token-raffle/offchain/randomness"
	"github.com/Abdullah1738/token-raffle/offchain/solana"
	"github.com/Abdullah1738/token-raffle/offchain/solanarpc"
	"github.com/Abdullah1738/token-raffle/offchain/txbuilder"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal("config invalid", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// Chain
	rpcURL, err := cfg.RPCEndpoint()
	if err != nil {
		log.Fatal("rpc endpoint", zap.Error(err))
	}
	rpc := solanarpc.New(rpcURL, nil)

	orch, err := buildOrchestrator(cfg, rpc, commit.NewRedisLedger(rdb, cfg.Redis.LedgerTTL), log)
	if err != nil {
		log.Fatal("orchestrator init failed", zap.Error(err))
	}

	// HTTP server
	health := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           newRouter(orch, health, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Serve until SIGINT/SIGTERM, then drain.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("funding", cfg.Funding.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error("HTTP server error", zap.Error(err))
	}
	cancel()

	if err := rdb.Close(); err != nil {
		log.Warn("redis close", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func newRouter(prep commitserver.Preparer, health func(ctx context.Context) error, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	commitserver.NewHandler(prep, health, log).Register(r)
	return r
}

// buildOrchestrator wires the commit orchestrator against a live cluster.
func buildOrchestrator(cfg *config.Config, rpc *solanarpc.Client, ledger commit.Ledger, log *zap.Logger) (*commit.Orchestrator, error) {
	programID, err := cfg.RaffleProgramID()
	if err != nil {
		return nil, err
	}
	binding, err := cfg.RandomnessBinding()
	if err != nil {
		return nil, err
	}

	fees, err := priceEstimator(cfg)
	if err != nil {
		return nil, err
	}
	composer := txbuilder.NewComposer(rpc, fees, log.Named("composer"))

	poll := cfg.PollPolicy()
	submitter := txbuilder.NewSubmitter(rpc, poll, log.Named("submit"))
	submitter.RegisterProgramErrors(programID, raffle.DecodeProgramError)

	funder, err := newFunder(cfg, rpc, composer, submitter, poll)
	if err != nil {
		return nil, err
	}

	return commit.NewOrchestrator(commit.Config{
		ProgramID:     programID,
		Budget:        cfg.ComputeBudget(),
		Poll:          poll,
		FundingBuffer: cfg.Funding.BufferLamports,
	}, commit.Deps{
		Chain:    rpc,
		Oracle:   &randomness.Switchboard{Binding: binding, Slots: rpc},
		Funder:   funder,
		Ledger:   ledger,
		Composer: composer,
		Sender:   submitter,
	}, log.Named("commit")), nil
}

// priceEstimator returns nil when no Helius key is configured; the composer
// then uses the fixed unit price.
func priceEstimator(cfg *config.Config) (txbuilder.PriceEstimator, error) {
	if cfg.Chain.HeliusAPIKey == "" {
		return nil, nil
	}
	u, err := helius.RPCURL(helius.Cluster(cfg.Chain.HeliusCluster), cfg.Chain.HeliusAPIKey)
	if err != nil {
		return nil, fmt.Errorf("helius: %w", err)
	}
	return helius.NewClient(u, nil), nil
}

func newFunder(cfg *config.Config, rpc *solanarpc.Client, composer *txbuilder.Composer, sender commit.Sender, poll solanarpc.PollPolicy) (commit.Funder, error) {
	switch cfg.Funding.Mode {
	case config.FundingAirdrop:
		return &commit.AirdropFunder{RPC: rpc, Policy: poll}, nil
	case config.FundingTransfer:
		key, err := solana.LoadKeypair(cfg.Funding.Keypair)
		if err != nil {
			return nil, fmt.Errorf("load funder keypair: %w", err)
		}
		return &commit.TransferFunder{
			Key:      key,
			Composer: composer,
			Sender:   sender,
			Budget:   cfg.ComputeBudget(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown funding mode %q", cfg.Funding.Mode)
	}
}

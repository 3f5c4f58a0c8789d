package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Abdullah1738/token-raffle/offchain/solana"
)

var (
	ErrKeyReused         = errors.New("randomness key already used")
	ErrLedgerUnavailable = errors.New("key ledger unavailable")
)

// Ledger records every ephemeral key ever issued so none serves two commits.
type Ledger interface {
	// Burn marks key as used. It fails with ErrKeyReused if key was burned
	// before.
	Burn(ctx context.Context, key solana.Pubkey) error
}

const ledgerKeyPrefix = "raffle:commit:key:"

// DefaultLedgerTTL outlives any blockhash a burned key could still sign for.
const DefaultLedgerTTL = 24 * time.Hour

// RedisLedger burns keys with SET NX so concurrent servers share one ledger.
type RedisLedger struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &RedisLedger{rdb: rdb, ttl: ttl}
}

func (l *RedisLedger) Burn(ctx context.Context, key solana.Pubkey) error {
	set, err := l.rdb.SetNX(ctx, ledgerKeyPrefix+key.Base58(), time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: burn randomness key: %w", ErrLedgerUnavailable, err)
	}
	if !set {
		return fmt.Errorf("%w: %s", ErrKeyReused, key)
	}
	return nil
}

// MemoryLedger is a process-local ledger for tests and single-process CLIs.
type MemoryLedger struct {
	mu     sync.Mutex
	burned map[solana.Pubkey]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{burned: make(map[solana.Pubkey]struct{})}
}

func (l *MemoryLedger) Burn(_ context.Context, key solana.Pubkey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.burned[key]; ok {
		return fmt.Errorf("%w: %s", ErrKeyReused, key)
	}
	l.burned[key] = struct{}{}
	return nil
}

package commit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

func TestRedisLedger_BurnOnce(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := NewRedisLedger(rdb, time.Hour)
	key := testKeypair(t, 1).PublicKey()
	ctx := context.Background()

	require.NoError(t, l.Burn(ctx, key))
	require.ErrorIs(t, l.Burn(ctx, key), ErrKeyReused)
	require.Equal(t, time.Hour, mr.TTL(ledgerKeyPrefix+key.Base58()))

	require.NoError(t, l.Burn(ctx, testKeypair(t, 2).PublicKey()))
}

func TestRedisLedger_SharedAcrossClients(t *testing.T) {
	rdb, mr := newTestRedis(t)
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	key := testKeypair(t, 1).PublicKey()

	require.NoError(t, NewRedisLedger(rdb, 0).Burn(context.Background(), key))
	require.ErrorIs(t, NewRedisLedger(other, 0).Burn(context.Background(), key), ErrKeyReused)
	require.Equal(t, DefaultLedgerTTL, mr.TTL(ledgerKeyPrefix+key.Base58()))
}

func TestRedisLedger_Unavailable(t *testing.T) {
	rdb, mr := newTestRedis(t)
	mr.Close()
	err := NewRedisLedger(rdb, time.Hour).Burn(context.Background(), testKeypair(t, 1).PublicKey())
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.NotErrorIs(t, err, ErrKeyReused)
}

func TestMemoryLedger_BurnOnce(t *testing.T) {
	l := NewMemoryLedger()
	key := testKeypair(t, 1).PublicKey()
	require.NoError(t, l.Burn(context.Background(), key))
	require.ErrorIs(t, l.Burn(context.Background(), key), ErrKeyReused)
}

func TestMachine_Transitions(t *testing.T) {
	m := &machine{}
	for _, next := range []State{SessionCreated, AccountFunded, AccountConfirmed, UserTxBuilt, UserSigned, Submitted, Committed} {
		require.NoError(t, m.advance(next), "to %s", next)
	}
	require.ErrorIs(t, m.advance(Abandoned), ErrIllegalTransition)

	m = &machine{}
	require.ErrorIs(t, m.advance(AccountFunded), ErrIllegalTransition)
	require.Equal(t, Idle, m.State())

	m = &machine{state: UserTxBuilt}
	require.NoError(t, m.advance(Idle))

	m = &machine{state: AccountFunded}
	require.NoError(t, m.advance(Abandoned))
	require.True(t, m.State().Terminal())
	require.ErrorIs(t, m.advance(AccountConfirmed), ErrIllegalTransition)
}

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcrp/store"
	"oidcrp/store/storetest"
)

// newTestStore creates a Store backed by miniredis.
func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mini.Close)

	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	s := NewWithClient(client, cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s, mini
}

func TestRedisStoreContract(t *testing.T) {
	storetest.RunStore(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t, Config{})
		return s
	})
}

func TestRedisPendingContract(t *testing.T) {
	storetest.RunPending(t, func(t *testing.T) store.PendingStore {
		s, _ := newTestStore(t, Config{})
		return s
	})
}

func TestRedisPendingExpires(t *testing.T) {
	s, mini := newTestStore(t, Config{PendingTTL: time.Minute})
	ctx := context.Background()
	require.NoError(t, s.PutPending(ctx, "k", store.PendingAuthn{State: "s", CreatedAt: time.Now()}))

	mini.FastForward(2 * time.Minute)

	_, err := s.TakePending(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedisKeyPrefix(t *testing.T) {
	s, mini := newTestStore(t, Config{KeyPrefix: "rp:test:"})
	ctx := context.Background()
	require.NoError(t, s.SaveDynamicRegistration(ctx, "app", store.DynamicRegistration{ClientID: "cid"}))

	assert.True(t, mini.Exists("rp:test:registration:app"))
}

func TestRedisSessionTTL(t *testing.T) {
	s, mini := newTestStore(t, Config{SessionTTL: time.Hour})
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, store.Session{ID: "S", UserSub: "u"}, store.User{Sub: "u"}))

	assert.Equal(t, time.Hour, mini.TTL(DefaultKeyPrefix+"session:S"))
	assert.Equal(t, time.Duration(0), mini.TTL(DefaultKeyPrefix+"user:u"))
}

func TestRedisDialRequiresAddr(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	require.Error(t, err)
}

func TestRedisDial(t *testing.T) {
	mini := miniredis.RunT(t)
	s, err := Dial(context.Background(), Config{Addr: mini.Addr()})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
}

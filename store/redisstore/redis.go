// Package redisstore implements store.Store and store.PendingStore on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"oidcrp/store"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
	DefaultKeyPrefix    = "oidcrp:"
)

// Config holds connection settings.
type Config struct {
	Addr       string
	Username   string
	Password   string
	DB         int
	KeyPrefix  string
	PendingTTL time.Duration
	// SessionTTL expires session keys; zero keeps them until deleted.
	SessionTTL time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store keeps records as JSON values under a common key prefix.
type Store struct {
	client     redis.UniversalClient
	keyPrefix  string
	pendingTTL time.Duration
	sessionTTL time.Duration
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.PendingStore = (*Store)(nil)
)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps a pre-configured client.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = store.DefaultPendingTTL
	}
	return &Store{client: client, keyPrefix: prefix, pendingTTL: ttl, sessionTTL: cfg.SessionTTL}
}

// Close closes the client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(kind, id string) string {
	return s.keyPrefix + kind + ":" + id
}

// GetSession loads a session and the user it references.
func (s *Store) GetSession(ctx context.Context, id string) (store.Session, store.User, error) {
	var sess store.Session
	if err := s.getJSON(ctx, s.key("session", id), &sess); err != nil {
		return store.Session{}, store.User{}, err
	}
	var user store.User
	if err := s.getJSON(ctx, s.key("user", sess.UserSub), &user); err != nil {
		return store.Session{}, store.User{}, err
	}
	return sess, user, nil
}

// SaveSession writes the user and session in one MULTI/EXEC block.
func (s *Store) SaveSession(ctx context.Context, sess store.Session, user store.User) error {
	sessJSON, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("user", user.Sub), userJSON, 0)
		pipe.Set(ctx, s.key("session", sess.ID), sessJSON, s.sessionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetDynamicRegistration loads the registration stored for appName.
func (s *Store) GetDynamicRegistration(ctx context.Context, appName string) (store.DynamicRegistration, error) {
	var reg store.DynamicRegistration
	if err := s.getJSON(ctx, s.key("registration", appName), &reg); err != nil {
		return store.DynamicRegistration{}, err
	}
	return reg, nil
}

// SaveDynamicRegistration replaces the registration stored for appName.
func (s *Store) SaveDynamicRegistration(ctx context.Context, appName string, reg store.DynamicRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode dynamic registration: %w", err)
	}
	if err := s.client.Set(ctx, s.key("registration", appName), data, 0).Err(); err != nil {
		return fmt.Errorf("save dynamic registration: %w", err)
	}
	return nil
}

// PutPending stores a pending request that expires after the pending TTL.
func (s *Store) PutPending(ctx context.Context, key string, p store.PendingAuthn) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending request: %w", err)
	}
	if err := s.client.Set(ctx, s.key("pending", key), data, s.pendingTTL).Err(); err != nil {
		return fmt.Errorf("save pending request: %w", err)
	}
	return nil
}

// TakePending atomically reads and deletes a pending request.
func (s *Store) TakePending(ctx context.Context, key string) (store.PendingAuthn, error) {
	data, err := s.client.GetDel(ctx, s.key("pending", key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.PendingAuthn{}, store.ErrNotFound
	}
	if err != nil {
		return store.PendingAuthn{}, fmt.Errorf("take pending request: %w", err)
	}
	var p store.PendingAuthn
	if err := json.Unmarshal(data, &p); err != nil {
		return store.PendingAuthn{}, fmt.Errorf("decode pending request: %w", err)
	}
	return p, nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

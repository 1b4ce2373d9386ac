package store

import (
	"context"
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long a browser may take to come back from the IdP.
const DefaultPendingTTL = 10 * time.Minute

// Memory keeps every record in process memory.
type Memory struct {
	mu            sync.RWMutex
	sessions      map[string]Session
	users         map[string]User
	registrations map[string]DynamicRegistration
	pending       map[string]PendingAuthn
	pendingTTL    time.Duration
	now           func() time.Time
}

var (
	_ Store        = (*Memory)(nil)
	_ PendingStore = (*Memory)(nil)
)

// NewMemory constructs the store. A non-positive ttl uses DefaultPendingTTL.
func NewMemory(pendingTTL time.Duration) *Memory {
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	return &Memory{
		sessions:      make(map[string]Session),
		users:         make(map[string]User),
		registrations: make(map[string]DynamicRegistration),
		pending:       make(map[string]PendingAuthn),
		pendingTTL:    pendingTTL,
		now:           time.Now,
	}
}

// GetSession retrieves a session and the user it references.
func (m *Memory) GetSession(_ context.Context, id string) (Session, User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return Session{}, User{}, ErrNotFound
	}
	user, ok := m.users[sess.UserSub]
	if !ok {
		return Session{}, User{}, ErrNotFound
	}
	return sess, CloneUser(user), nil
}

// SaveSession upserts the user and stores or replaces the session.
func (m *Memory) SaveSession(_ context.Context, sess Session, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.Sub] = CloneUser(user)
	m.sessions[sess.ID] = sess
	return nil
}

// GetDynamicRegistration returns the registration stored for appName.
func (m *Memory) GetDynamicRegistration(_ context.Context, appName string) (DynamicRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.registrations[appName]
	if !ok {
		return DynamicRegistration{}, ErrNotFound
	}
	return cloneRegistration(reg), nil
}

// SaveDynamicRegistration replaces the registration stored for appName.
func (m *Memory) SaveDynamicRegistration(_ context.Context, appName string, reg DynamicRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[appName] = cloneRegistration(reg)
	return nil
}

// PutPending stores a pending authorization request.
func (m *Memory) PutPending(_ context.Context, key string, p PendingAuthn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[key] = p
	m.sweepLocked()
	return nil
}

// TakePending fetches and removes a pending authorization request.
func (m *Memory) TakePending(_ context.Context, key string) (PendingAuthn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[key]
	if !ok {
		return PendingAuthn{}, ErrNotFound
	}
	delete(m.pending, key)
	if m.expired(p) {
		return PendingAuthn{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) expired(p PendingAuthn) bool {
	return m.now().After(p.CreatedAt.Add(m.pendingTTL))
}

func (m *Memory) sweepLocked() {
	for k, p := range m.pending {
		if m.expired(p) {
			delete(m.pending, k)
		}
	}
}

func cloneRegistration(r DynamicRegistration) DynamicRegistration {
	if r.ClientSecretExpiresAt != nil {
		v := *r.ClientSecretExpiresAt
		r.ClientSecretExpiresAt = &v
	}
	return r
}

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcrp/store"
	"oidcrp/store/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.RunStore(t, func(t *testing.T) store.Store {
		return store.NewMemory(0)
	})
}

func TestMemoryPendingContract(t *testing.T) {
	storetest.RunPending(t, func(t *testing.T) store.PendingStore {
		return store.NewMemory(0)
	})
}

func TestMemoryPendingExpires(t *testing.T) {
	m := store.NewMemory(time.Minute)
	ctx := context.Background()
	require.NoError(t, m.PutPending(ctx, "old", store.PendingAuthn{State: "s", CreatedAt: time.Now().Add(-2 * time.Minute)}))

	_, err := m.TakePending(ctx, "old")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryDoesNotAliasEmail(t *testing.T) {
	m := store.NewMemory(0)
	ctx := context.Background()
	email := "a@example.com"
	require.NoError(t, m.SaveSession(ctx, store.Session{ID: "S", UserSub: "u"}, store.User{Sub: "u", Email: &email}))
	email = "changed@example.com"

	_, u, err := m.GetSession(ctx, "S")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.EmailValue())
}

func TestDynamicRegistrationValidity(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	past := now.Add(-time.Second).Unix()
	future := now.Add(time.Hour).Unix()
	zero := int64(0)

	tests := []struct {
		name  string
		reg   store.DynamicRegistration
		valid bool
	}{
		{name: "no expiry", reg: store.DynamicRegistration{ClientID: "c"}, valid: true},
		{name: "zero means never", reg: store.DynamicRegistration{ClientSecretExpiresAt: &zero}, valid: true},
		{name: "future", reg: store.DynamicRegistration{ClientSecretExpiresAt: &future}, valid: true},
		{name: "past", reg: store.DynamicRegistration{ClientSecretExpiresAt: &past}, valid: false},
		{name: "exactly now", reg: store.DynamicRegistration{ClientSecretExpiresAt: ptr(now.Unix())}, valid: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.reg.Valid(now))
		})
	}
}

func TestDynamicRegistrationRenewable(t *testing.T) {
	assert.False(t, store.DynamicRegistration{}.Renewable())
	assert.False(t, store.DynamicRegistration{RegistrationAccessToken: "t"}.Renewable())
	assert.True(t, store.DynamicRegistration{RegistrationAccessToken: "t", RegistrationClientURI: "https://x"}.Renewable())
}

func ptr(v int64) *int64 { return &v }

// Package storetest holds the behaviour every store.Store implementation
// must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcrp/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// PendingFactory returns a fresh, empty pending store.
type PendingFactory func(t *testing.T) store.PendingStore

func strPtr(s string) *string { return &s }

// RunStore exercises the Store contract.
func RunStore(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("session round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := store.Session{
			ID:           "ABCDEFGHIJKLMNOPQRST",
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			IDToken:      "a.b.c",
			UserSub:      "user-1",
		}
		user := store.User{Sub: "user-1", Email: strPtr("user@example.com")}
		require.NoError(t, s.SaveSession(ctx, sess, user))

		gotSess, gotUser, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess, gotSess)
		assert.Equal(t, user.Sub, gotUser.Sub)
		require.NotNil(t, gotUser.Email)
		assert.Equal(t, "user@example.com", *gotUser.Email)
	})

	t.Run("null email survives", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := store.Session{ID: "NOEMAILSESSION000001", AccessToken: "at", UserSub: "no-email"}
		require.NoError(t, s.SaveSession(ctx, sess, store.User{Sub: "no-email"}))

		gotSess, gotUser, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess, gotSess)
		assert.Equal(t, "no-email", gotUser.Sub)
		assert.Nil(t, gotUser.Email)
	})

	t.Run("missing session", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.GetSession(context.Background(), "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("user upsert on repeated login", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SaveSession(ctx, store.Session{ID: "S1", UserSub: "u"}, store.User{Sub: "u", Email: strPtr("old@example.com")}))
		require.NoError(t, s.SaveSession(ctx, store.Session{ID: "S2", UserSub: "u"}, store.User{Sub: "u", Email: strPtr("new@example.com")}))

		_, first, err := s.GetSession(ctx, "S1")
		require.NoError(t, err)
		require.NotNil(t, first.Email)
		assert.Equal(t, "new@example.com", *first.Email)

		_, second, err := s.GetSession(ctx, "S2")
		require.NoError(t, err)
		assert.Equal(t, "u", second.Sub)
	})

	t.Run("saving the same session twice is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		sess := store.Session{ID: "DUP", AccessToken: "at", UserSub: "u"}
		require.NoError(t, s.SaveSession(ctx, sess, store.User{Sub: "u"}))
		sess.AccessToken = "at-2"
		require.NoError(t, s.SaveSession(ctx, sess, store.User{Sub: "u"}))

		got, _, err := s.GetSession(ctx, "DUP")
		require.NoError(t, err)
		assert.Equal(t, "at-2", got.AccessToken)
	})

	t.Run("concurrent logins for different users", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sub := fmt.Sprintf("user-%d", i)
				err := s.SaveSession(ctx, store.Session{ID: fmt.Sprintf("SESSION-%02d", i), UserSub: sub}, store.User{Sub: sub})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		for i := 0; i < 16; i++ {
			_, u, err := s.GetSession(ctx, fmt.Sprintf("SESSION-%02d", i))
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("user-%d", i), u.Sub)
		}
	})

	t.Run("dynamic registration round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.GetDynamicRegistration(ctx, "app")
		require.ErrorIs(t, err, store.ErrNotFound)

		exp := time.Now().Add(time.Hour).Unix()
		reg := store.DynamicRegistration{
			ClientID:                "cid",
			ClientSecret:            "secret",
			ClientSecretExpiresAt:   &exp,
			RegistrationAccessToken: "rat",
			RegistrationClientURI:   "https://idp.example/register/cid",
		}
		require.NoError(t, s.SaveDynamicRegistration(ctx, "app", reg))
		got, err := s.GetDynamicRegistration(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, reg, got)

		replacement := store.DynamicRegistration{ClientID: "cid2", ClientSecret: "secret2"}
		require.NoError(t, s.SaveDynamicRegistration(ctx, "app", replacement))
		got, err = s.GetDynamicRegistration(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, replacement, got)
		assert.Nil(t, got.ClientSecretExpiresAt)
	})
}

// RunPending exercises the PendingStore contract.
func RunPending(t *testing.T, newStore PendingFactory) {
	t.Helper()

	t.Run("take is one-shot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		p := store.PendingAuthn{State: "STATE12345678901234567890", CreatedAt: time.Now()}
		require.NoError(t, s.PutPending(ctx, "login-1", p))

		got, err := s.TakePending(ctx, "login-1")
		require.NoError(t, err)
		assert.Equal(t, p.State, got.State)

		_, err = s.TakePending(ctx, "login-1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("contexts are isolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutPending(ctx, "a", store.PendingAuthn{State: "state-a", CreatedAt: time.Now()}))
		require.NoError(t, s.PutPending(ctx, "b", store.PendingAuthn{State: "state-b", CreatedAt: time.Now()}))

		got, err := s.TakePending(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "state-b", got.State)
		got, err = s.TakePending(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "state-a", got.State)
	})

	t.Run("newer request replaces older", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.PutPending(ctx, "k", store.PendingAuthn{State: "first", CreatedAt: time.Now()}))
		require.NoError(t, s.PutPending(ctx, "k", store.PendingAuthn{State: "second", CreatedAt: time.Now()}))
		got, err := s.TakePending(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "second", got.State)
	})
}

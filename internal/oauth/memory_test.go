package oauth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUserLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	user := &User{UserID: "u-1", Email: "trader@example.com", PasswordHash: "hash"}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "trader@example.com", got.Email)

	byEmail, err := store.GetUserByEmail(ctx, "trader@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byEmail.UserID)

	assert.ErrorIs(t, store.CreateUser(ctx, &User{UserID: "u-2", Email: "trader@example.com"}), ErrConflict)
	assert.ErrorIs(t, store.CreateUser(ctx, &User{UserID: "u-1", Email: "other@example.com"}), ErrConflict)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreConsumeCodeSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveCode(ctx, &Code{
		CodeHash:  "abc",
		UserID:    "u-1",
		ClientID:  "c-1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))

	const attempts = 32
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.ConsumeCode(ctx, "abc") == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())

	// Losing callers can still read the record; it is marked used, not gone.
	code, err := store.GetCode(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, code.Used)
}

func TestMemoryStoreGetCodeDoesNotConsume(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveCode(ctx, &Code{CodeHash: "abc", ExpiresAt: time.Now().Add(time.Minute)}))

	for i := 0; i < 3; i++ {
		code, err := store.GetCode(ctx, "abc")
		require.NoError(t, err)
		assert.False(t, code.Used)
	}
	require.NoError(t, store.ConsumeCode(ctx, "abc"))
}

func TestMemoryStoreRotateRefreshToken(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveToken(ctx, &Token{
		JTI:              "jti-1",
		UserID:           "u-1",
		ClientID:         "c-1",
		RefreshTokenHash: "rh-1",
		ExpiresAt:        now.Add(time.Hour),
		RefreshExpiresAt: now.Add(720 * time.Hour),
	}))

	next := &Token{
		JTI:              "jti-2",
		UserID:           "u-1",
		ClientID:         "c-1",
		RefreshTokenHash: "rh-2",
		ExpiresAt:        now.Add(time.Hour),
		RefreshExpiresAt: now.Add(720 * time.Hour),
	}
	require.NoError(t, store.RotateRefreshToken(ctx, "rh-1", next))

	old, err := store.GetToken(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, old.Revoked)

	fresh, err := store.GetTokenByRefreshHash(ctx, "rh-2")
	require.NoError(t, err)
	assert.Equal(t, "jti-2", fresh.JTI)
	assert.False(t, fresh.Revoked)

	// Reusing the rotated hash fails.
	assert.ErrorIs(t, store.RotateRefreshToken(ctx, "rh-1", &Token{JTI: "jti-3", RefreshTokenHash: "rh-3"}), ErrNotFound)
}

func TestMemoryStoreRevokeIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveToken(ctx, &Token{JTI: "jti-1", RefreshTokenHash: "rh-1"}))

	require.NoError(t, store.RevokeToken(ctx, "jti-1"))
	require.NoError(t, store.RevokeToken(ctx, "jti-1"))
	require.NoError(t, store.RevokeToken(ctx, "never-issued"))
	require.NoError(t, store.RevokeByRefreshHash(ctx, "rh-1"))
	require.NoError(t, store.RevokeByRefreshHash(ctx, "unknown"))

	token, err := store.GetToken(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, token.Revoked)
}

func TestMemoryStoreDeleteExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveCode(ctx, &Code{CodeHash: "old", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.SaveCode(ctx, &Code{CodeHash: "live", ExpiresAt: now.Add(time.Minute)}))

	require.NoError(t, store.SaveToken(ctx, &Token{
		JTI: "gone", RefreshTokenHash: "rh-gone", Revoked: true,
		ExpiresAt: now.Add(-time.Hour), RefreshExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, store.SaveToken(ctx, &Token{
		JTI: "revoked-live-refresh", RefreshTokenHash: "rh-live", Revoked: true,
		ExpiresAt: now.Add(-time.Hour), RefreshExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, store.SaveToken(ctx, &Token{
		JTI: "expired-unrevoked", RefreshTokenHash: "rh-unrevoked",
		ExpiresAt: now.Add(-time.Hour), RefreshExpiresAt: now.Add(-time.Hour),
	}))

	require.NoError(t, store.SaveState(ctx, &BrokerState{State: "st-old", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.SaveState(ctx, &BrokerState{State: "st-live", ExpiresAt: now.Add(time.Minute)}))

	codes, err := store.DeleteExpiredCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), codes)

	tokens, err := store.DeleteExpiredTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokens)

	states, err := store.DeleteExpiredStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), states)

	_, err = store.GetCode(ctx, "live")
	assert.NoError(t, err)
	_, err = store.GetToken(ctx, "revoked-live-refresh")
	assert.NoError(t, err)
	_, err = store.GetToken(ctx, "expired-unrevoked")
	assert.NoError(t, err)
	_, err = store.ConsumeState(ctx, "st-live")
	assert.NoError(t, err)
}

func TestMemoryStoreConsumeStateSingleUse(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, &BrokerState{
		State:        "st-1",
		UserID:       "u-1",
		Platform:     "tradier",
		Environment:  "sandbox",
		CodeVerifier: "verifier",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}))

	state, err := store.ConsumeState(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, "tradier", state.Platform)
	assert.Equal(t, "verifier", state.CodeVerifier)

	_, err = store.ConsumeState(ctx, "st-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdesk/trading-mcp/internal/common"
	"github.com/marketdesk/trading-mcp/internal/oauth"
)

func TestSweepRemovesOnlyExpired(t *testing.T) {
	store := oauth.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveCode(ctx, &oauth.Code{CodeHash: "expired", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.SaveCode(ctx, &oauth.Code{CodeHash: "live", ExpiresAt: now.Add(time.Minute)}))

	require.NoError(t, store.SaveState(ctx, &oauth.BrokerState{State: "expired", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.SaveState(ctx, &oauth.BrokerState{State: "live", ExpiresAt: now.Add(time.Minute)}))

	// Fully dead: both lifetimes over.
	require.NoError(t, store.SaveToken(ctx, &oauth.Token{
		JTI: "dead", RefreshTokenHash: "rh-dead", Revoked: true,
		ExpiresAt: now.Add(-time.Hour), RefreshExpiresAt: now.Add(-time.Hour),
	}))
	// Revoked but refresh window still open: must survive.
	require.NoError(t, store.SaveToken(ctx, &oauth.Token{
		JTI: "revoked-live", RefreshTokenHash: "rh-live", Revoked: true,
		ExpiresAt: now.Add(-time.Hour), RefreshExpiresAt: now.Add(time.Hour),
	}))

	New(store, time.Hour, common.NewSilentLogger()).Sweep(ctx)

	_, err := store.GetCode(ctx, "expired")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = store.GetCode(ctx, "live")
	assert.NoError(t, err)

	_, err = store.ConsumeState(ctx, "expired")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = store.ConsumeState(ctx, "live")
	assert.NoError(t, err)

	_, err = store.GetToken(ctx, "dead")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
	_, err = store.GetToken(ctx, "revoked-live")
	assert.NoError(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := oauth.NewMemoryStore()
	r := New(store, 10*time.Millisecond, common.NewSilentLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop after cancellation")
	}
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnlimitedByDefault(t *testing.T) {
	m := New()
	require.True(t, m.Allow(ResourceArchiveDownload, 1<<30))
}

func TestSetLimitThrottles(t *testing.T) {
	m := New()
	m.SetLimit(ResourceArchiveDownload, 10)

	// Burst allows the first 10 immediately.
	require.True(t, m.Allow(ResourceArchiveDownload, 10))
	// Immediately requesting more exceeds the burst.
	require.False(t, m.Allow(ResourceArchiveDownload, 5))
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	m := New()
	m.SetLimit(ProviderResource("openai"), 1)
	// Drain the burst so the next Wait call actually has to block.
	m.Allow(ProviderResource("openai"), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := m.Wait(ctx, ProviderResource("openai"), 1)
	require.Error(t, err)
}

func TestDisablingLimitRestoresUnbounded(t *testing.T) {
	m := New()
	m.SetLimit(ResourceArchiveDownload, 1)
	m.Allow(ResourceArchiveDownload, 1)
	require.False(t, m.Allow(ResourceArchiveDownload, 1))

	m.SetLimit(ResourceArchiveDownload, 0)
	require.True(t, m.Allow(ResourceArchiveDownload, 1<<20))
}

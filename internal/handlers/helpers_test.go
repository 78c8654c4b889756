package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docpipe/internal/archive"
	"docpipe/internal/costestimator"
	"docpipe/internal/queue"
	"docpipe/internal/ratelimit"
	"docpipe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fabric := queue.NewFabric(queue.Options{})

	return &Deps{
		Store:               st,
		Fabric:              fabric,
		Limiter:             ratelimit.New(),
		Logger:              testLogger(),
		HTTPClient:          &http.Client{Timeout: 5 * time.Second},
		Pricing:             costestimator.DefaultPricingTable,
		ExtractionRoot:      t.TempDir(),
		ArchiveLimits:       archive.DefaultLimits(),
		MaxArchiveBytes:     50 * 1024 * 1024,
		CleanupGracePeriod:  0,
		TempFileTTL:         24 * time.Hour,
		DefaultEmbeddingDim: 1536,
	}
}

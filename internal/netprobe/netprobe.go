// Package netprobe periodically measures this worker's network throughput
// and uses it to calibrate the archive-download rate limiter's ceiling, so
// a single large archive fetch can't starve every other worker slot sharing
// the same host's uplink. The probe function is injectable so tests never
// hit the network.
package netprobe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"docpipe/internal/ratelimit"
)

// Measurement is the subset of a speed test this package needs downstream.
type Measurement struct {
	DownloadMbps float64
	UploadMbps   float64
	PingMs       int64
}

// probeFunc performs one speed test; overridable for testing.
type probeFunc func(ctx context.Context) (Measurement, error)

// defaultProbe runs a real speedtest-go measurement against the nearest
// server: ping, then download, then upload.
func defaultProbe(ctx context.Context) (Measurement, error) {
	user, err := speedtest.FetchUserInfo()
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch user info: %w", err)
	}
	_ = user

	serverList, err := speedtest.FetchServers()
	if err != nil {
		return Measurement{}, fmt.Errorf("fetch servers: %w", err)
	}
	targets, err := serverList.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return Measurement{}, fmt.Errorf("no speed test servers available")
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		return Measurement{}, fmt.Errorf("ping test: %w", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return Measurement{}, fmt.Errorf("download test: %w", err)
	}
	if err := server.UploadTestContext(ctx); err != nil {
		return Measurement{}, fmt.Errorf("upload test: %w", err)
	}

	return Measurement{
		DownloadMbps: float64(server.DLSpeed) / 1000 / 1000 * 8,
		UploadMbps:   float64(server.ULSpeed) / 1000 / 1000 * 8,
		PingMs:       int64(server.Latency.Milliseconds()),
	}, nil
}

// Calibrator runs defaultProbe (or an injected probeFunc) on a ticker and
// pushes the measured download throughput, discounted by safetyFactor, into
// a ratelimit.Manager as the archive-download ceiling.
type Calibrator struct {
	limiter       *ratelimit.Manager
	logger        *slog.Logger
	probe         probeFunc
	interval      time.Duration
	safetyFactor  float64
	lastMeasured  Measurement
}

// NewCalibrator builds a Calibrator. interval <= 0 disables periodic
// re-probing (callers that just want a one-shot Probe() still work).
func NewCalibrator(limiter *ratelimit.Manager, logger *slog.Logger, interval time.Duration) *Calibrator {
	return &Calibrator{
		limiter:      limiter,
		logger:       logger,
		probe:        defaultProbe,
		interval:     interval,
		safetyFactor: 0.7,
	}
}

// SetProbeFunc overrides the measurement function, for testing.
func (c *Calibrator) SetProbeFunc(fn func(ctx context.Context) (Measurement, error)) {
	c.probe = fn
}

// Last returns the most recent measurement taken, or the zero value before
// the first probe completes.
func (c *Calibrator) Last() Measurement { return c.lastMeasured }

// Probe runs one measurement and applies it to the limiter.
func (c *Calibrator) Probe(ctx context.Context) error {
	m, err := c.probe(ctx)
	if err != nil {
		c.logger.Warn("network probe failed, leaving rate limit unchanged", "error", err)
		return err
	}
	c.lastMeasured = m

	bytesPerSec := int(m.DownloadMbps * 1_000_000 / 8 * c.safetyFactor)
	c.limiter.SetLimit(ratelimit.ResourceArchiveDownload, bytesPerSec)
	c.logger.Info("network probe complete",
		"download_mbps", m.DownloadMbps, "upload_mbps", m.UploadMbps, "ping_ms", m.PingMs,
		"archive_download_limit_bytes_per_sec", bytesPerSec,
	)
	return nil
}

// Run blocks, probing every interval until ctx is cancelled. A failed probe
// is logged and skipped; it does not stop the loop.
func (c *Calibrator) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Probe(ctx)
		}
	}
}

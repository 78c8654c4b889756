// Package httpapi is the service's HTTP surface: liveness/readiness probes,
// a status endpoint backed by internal/metrics, task lookup and listing,
// task submission (handing off to internal/submission), and per-task
// cancellation. When a token is configured, non-loopback callers must
// present it as a bearer token.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one audited request.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"`
	Status    int       `json:"status"`
	Details   string    `json:"details,omitempty"`
}

// AuditLogger appends audited requests (rejected authentication, task
// submissions and cancellations) to a JSON-lines file, independent of the
// structured application log.
type AuditLogger struct {
	mu      sync.Mutex
	logFile *os.File
	logPath string
	logger  *slog.Logger
}

// NewAuditLogger opens (creating if needed) dataDir/logs/access.log.
func NewAuditLogger(logger *slog.Logger, dataDir string) *AuditLogger {
	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0o755)

	path := filepath.Join(logDir, "access.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("failed to open audit log", "error", err)
	}
	return &AuditLogger{logFile: f, logPath: path, logger: logger}
}

// Log records one request.
func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		if b, err := json.Marshal(entry); err == nil {
			a.logFile.Write(append(b, '\n'))
		}
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "audit", "action", action, "status", status, "ip", sourceIP)
}

// Close releases the underlying file handle.
func (a *AuditLogger) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// GetRecentLogs returns up to limit most-recent entries, newest first.
func (a *AuditLogger) GetRecentLogs(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.logPath)
	if err != nil {
		return []AccessLogEntry{}
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

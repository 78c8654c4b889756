// Package archive validates a ZIP archive against zip-bomb, path-traversal,
// file-type, and size limits before unpacking it into a scoped extraction
// root. Validation runs to completion before any byte is written, so a bad
// archive never leaves partial output behind.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// Reason strings for suspicious/invalid entries, surfaced in ExtractResult
// so callers can report them verbatim in a task's results.
const (
	ReasonTooLarge       = "File too large"
	ReasonZipBombRatio   = "Compression ratio exceeds safety threshold"
	ReasonPathTraversal  = "Path traversal"
	ReasonDisallowedType = "Disallowed file type"
)

// FailureKind distinguishes archive-wide failure modes, as opposed to the
// per-entry suspicious reasons above.
type FailureKind string

const (
	FailInvalidArchive FailureKind = "InvalidArchive"
	FailZipBomb        FailureKind = "ZipBomb"
	FailEmptyArchive   FailureKind = "EmptyArchive"
	FailTooManyFiles   FailureKind = "TooManyFiles"
	FailDiskSpace      FailureKind = "DiskSpace"
)

// Error wraps an archive-wide validation/extraction failure.
type Error struct {
	Kind    FailureKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func fail(kind FailureKind, format string, a ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// Limits bounds what an archive may contain and how big extraction may get.
type Limits struct {
	MaxExtractedTotalBytes int64
	MaxFileBytes           int64
	MaxFiles               int
	AllowedExtensions      map[string]bool
	// MaxCompressionRatio caps uncompressed/compressed size per entry; a
	// small compressed size inflating far past this is treated as a bomb
	// even when the aggregate total still fits under MaxExtractedTotalBytes.
	MaxCompressionRatio float64
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxExtractedTotalBytes: 200 * 1024 * 1024,
		MaxFileBytes:           50 * 1024 * 1024,
		MaxFiles:               1000,
		AllowedExtensions: map[string]bool{
			".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
			".webp": true, ".txt": true, ".md": true, ".csv": true, ".json": true,
			".docx": true, ".xlsx": true, ".doc": true,
		},
		MaxCompressionRatio: 100,
	}
}

// EntryResult describes the outcome of validating (and, if valid,
// extracting) one archive entry.
type EntryResult struct {
	OriginalPath string
	SafePath     string // path of the extracted file under the extraction root (absolute when root is); empty if invalid
	Size         int64
	Type         string // file extension, lowercased, without the leading dot
	Valid        bool
	Error        string
}

// Result is what Extract returns: the extraction root (owned by the caller
// until cleanup) and the per-entry validation/extraction outcomes.
type Result struct {
	ExtractionDir string
	Entries       []EntryResult
}

// ValidCount and InvalidCount summarize Entries for the archive handler's
// results payload.
func (r Result) ValidCount() int {
	n := 0
	for _, e := range r.Entries {
		if e.Valid {
			n++
		}
	}
	return n
}

func (r Result) InvalidCount() int { return len(r.Entries) - r.ValidCount() }

// diskUsage is overridable in tests so they don't depend on the real
// filesystem's free space.
var diskUsage = func(path string) (free uint64, err error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// mkdirTemp is overridable in tests for deterministic extraction-root names.
var mkdirTemp = os.MkdirTemp

// Extract runs the two-phase validate-then-extract algorithm against the
// ZIP at archivePath, under root (the parent directory for the fresh
// extraction directory this call creates). taskID seeds the extraction
// directory's name so it's traceable back to the owning archive task.
func Extract(archivePath, root, taskID string, limits Limits) (Result, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return Result{}, fail(FailInvalidArchive, "%v", err)
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return Result{}, fail(FailEmptyArchive, "archive contains no entries")
	}
	if len(zr.File) > limits.MaxFiles {
		return Result{}, fail(FailTooManyFiles, "archive contains %d entries, limit is %d", len(zr.File), limits.MaxFiles)
	}

	plan := make([]EntryResult, len(zr.File))
	var totalUncompressed int64
	validCount := 0

	for i, f := range zr.File {
		er := EntryResult{OriginalPath: f.Name, Size: int64(f.UncompressedSize64)}
		totalUncompressed += er.Size

		if totalUncompressed > limits.MaxExtractedTotalBytes {
			return Result{}, fail(FailZipBomb, "sum of uncompressed entries exceeds %d bytes", limits.MaxExtractedTotalBytes)
		}

		safeRel, pathErr := sanitizeEntryName(f.Name)
		switch {
		case pathErr != nil:
			er.Error = ReasonPathTraversal
		case er.Size > limits.MaxFileBytes:
			er.Error = ReasonTooLarge
		case ratioExceeds(f.CompressedSize64, f.UncompressedSize64, limits.MaxCompressionRatio):
			return Result{}, fail(FailZipBomb, "entry %q declares a compression ratio above the safety threshold", f.Name)
		default:
			ext := strings.ToLower(filepath.Ext(safeRel))
			if !limits.AllowedExtensions[ext] {
				er.Error = ReasonDisallowedType
			} else {
				er.Valid = true
				er.Type = strings.TrimPrefix(ext, ".")
				er.SafePath = safeRel
			}
		}

		if er.Valid {
			validCount++
		}
		plan[i] = er
	}

	if validCount == 0 {
		return Result{}, fail(FailEmptyArchive, "archive has no valid entries after validation")
	}

	if free, err := diskUsage(root); err == nil {
		const buffer = 100 * 1024 * 1024
		if int64(free) < totalUncompressed+buffer {
			return Result{}, fail(FailDiskSpace, "required %d bytes, available %d bytes", totalUncompressed, free)
		}
	}

	extractionDir, err := mkdirTemp(root, "docpipe-extract-"+taskID+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("archive: creating extraction root: %w", err)
	}

	// Entries from different archive subdirectories can flatten to the same
	// basename; disambiguate with the entry index so neither clobbers the
	// other.
	used := make(map[string]bool)
	for i, f := range zr.File {
		if !plan[i].Valid {
			continue
		}
		name := plan[i].SafePath
		if used[name] {
			name = fmt.Sprintf("%d_%s", i, name)
		}
		used[name] = true
		dest := filepath.Join(extractionDir, name)
		if err := extractEntry(f, dest); err != nil {
			plan[i].Valid = false
			plan[i].Error = err.Error()
			plan[i].SafePath = ""
			continue
		}
		plan[i].SafePath = dest
	}

	return Result{ExtractionDir: extractionDir, Entries: plan}, nil
}

// ratioExceeds reports whether uncompressed/compressed exceeds max. A zero
// compressed size (empty entries, or degenerate zips) never triggers this;
// MaxExtractedTotalBytes still bounds it.
func ratioExceeds(compressed, uncompressed uint64, max float64) bool {
	if compressed == 0 || max <= 0 {
		return false
	}
	return float64(uncompressed)/float64(compressed) > max
}

// sanitizeEntryName rejects absolute paths and `..` segments, and returns a
// cleaned, slash-normalized relative path safe to join under an extraction
// root. It also strips directory components down to a flat basename,
// replaces non-portable characters, and caps the result at 100 characters.
func sanitizeEntryName(name string) (string, error) {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("absolute path")
	}
	normalized := strings.ReplaceAll(name, `\`, "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path contains a .. segment")
		}
	}
	clean := filepath.Clean(normalized)
	if clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("path escapes extraction root")
	}

	base := filepath.Base(clean)
	base = sanitizeFilename(base)
	return base, nil
}

var nonPortable = strings.NewReplacer(
	" ", "_", ":", "_", "*", "_", "?", "_", `"`, "_",
	"<", "_", ">", "_", "|", "_",
)

func sanitizeFilename(name string) string {
	name = nonPortable.Replace(name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	const maxLen = 100
	if len(stem)+len(ext) > maxLen {
		if len(ext) >= maxLen {
			ext = ext[:maxLen]
			stem = ""
		} else {
			stem = stem[:maxLen-len(ext)]
		}
	}
	return stem + ext
}

// extractEntry writes one entry with its declared uncompressed size as a
// hard upper bound: a stream that keeps producing past the declaration is a
// lying header, and the partial output is deleted rather than trusted.
func extractEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening entry: %w", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating extracted file: %w", err)
	}
	defer out.Close()

	declared := int64(f.UncompressedSize64)
	written, err := io.Copy(out, io.LimitReader(rc, declared+1))
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("writing extracted file: %w", err)
	}
	if written > declared {
		os.Remove(dest)
		return fmt.Errorf("entry exceeded its declared size of %d bytes", declared)
	}
	return nil
}

// RemoveExtractionDir deletes an extraction root recursively. It is
// idempotent: a missing directory is not an error, so concurrent cleanup
// invocations are safe.
func RemoveExtractionDir(dir string) error {
	if dir == "" {
		return nil
	}
	err := os.RemoveAll(dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

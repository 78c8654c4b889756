// Package integrity computes and verifies content checksums for the files
// the pipeline extracts or downloads: the archive handler records one per
// extracted file, and the parsing handler re-checks it before reading the
// file, so corruption in the extraction directory is caught without
// re-reading the original archive.
package integrity

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
)

// Algorithm names a supported checksum algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	MD5    Algorithm = "md5"
)

// Sum computes the hex-encoded checksum of the file at path.
func Sum(path string, algo Algorithm) (string, error) {
	var h hash.Hash
	switch algo {
	case SHA256:
		h = sha256.New()
	case MD5:
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported algorithm: %s", algo)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the file's checksum and compares it against expected.
func Verify(path string, algo Algorithm, expected string) error {
	actual, err := Sum(path, algo)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// HashExtractedFile computes the sha256 checksum of a file the archive
// handler just extracted, for storage alongside its FileMetadata row.
func HashExtractedFile(path string) (string, error) {
	return Sum(path, SHA256)
}

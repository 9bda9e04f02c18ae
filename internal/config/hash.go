package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint identifies the process a target runs: BLAKE3 over the command and
// the resolved working directory. A persisted session id is only valid for the
// fingerprint it was created under.
func (t *Target) Fingerprint() string {
	dir := t.Dir
	if dir == "" {
		dir, _ = os.Getwd()
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	h := blake3.New()
	_, _ = h.Write([]byte(t.Command))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(dir))
	return hex.EncodeToString(h.Sum(nil))
}

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// FileSource reads a pipeline definition from disk.
type FileSource struct {
	path string
}

// NewFileSource creates a FileSource that reads from the given path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load reads and parses the definition file, returning it with the SHA256
// of the bytes it parsed.
func (s *FileSource) Load() (*PipelineConfig, string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, "", fmt.Errorf("file source: read %s: %w", s.path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("file source: %s: %w", s.path, err)
	}
	return cfg, hashBytes(data), nil
}

// Hash returns the SHA256 hex digest of the raw file bytes.
func (s *FileSource) Hash() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("file source: read %s: %w", s.path, err)
	}
	return hashBytes(data), nil
}

// Path returns the filesystem path this source reads from.
func (s *FileSource) Path() string { return s.path }

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/moby/go-archive"
	"github.com/moby/patternmatcher/ignorefile"
)

// ArchiveDir streams an uncompressed tar of dir suitable as a Docker build
// context. Patterns from dir/.dockerignore and excludes follow Docker's
// matching rules, including "**" and "!" exceptions.
func ArchiveDir(dir string, excludes []string) (io.ReadCloser, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve context path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("context path %q does not exist: %w", absPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context path %q is not a directory", absPath)
	}
	patterns, err := readDockerignore(absPath)
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, excludes...)

	rc, err := archive.TarWithOptions(absPath, &archive.TarOptions{ExcludePatterns: patterns})
	if err != nil {
		return nil, fmt.Errorf("failed to archive build context: %w", err)
	}
	return rc, nil
}

func readDockerignore(dir string) ([]string, error) {
	f, err := os.Open(filepath.Join(dir, ".dockerignore"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read .dockerignore: %w", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("parse .dockerignore: %w", err)
	}
	return patterns, nil
}

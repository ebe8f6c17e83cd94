// Package artifact owns the on-disk layout of raw and normalized artifacts.
//
// Names follow <prefix><run_key>__<provider>.<ext>. The naming convention is
// the run-scoping mechanism and must stay byte-compatible with stored data.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/weather-etl/internal/errs"
)

const (
	rawExt       = ".json"
	processedExt = ".ndjson"
	sep          = "__"
)

// Layout describes where artifacts live and how they are named.
type Layout struct {
	RawDir          string
	ProcessedDir    string
	RawPrefix       string
	ProcessedPrefix string
}

// RawPath returns the raw artifact path for (run, provider).
func (l Layout) RawPath(runKey, provider string) string {
	return filepath.Join(l.RawDir, l.RawPrefix+runKey+sep+provider+rawExt)
}

// ProcessedPath returns the normalized artifact path for (run, provider).
func (l Layout) ProcessedPath(runKey, provider string) string {
	return filepath.Join(l.ProcessedDir, l.ProcessedPrefix+runKey+sep+provider+processedExt)
}

// ProcessedFilesForRun resolves the normalized artifacts that belong to a run,
// sorted by file name.
//
// Without a run key it falls back to the single most recently modified
// normalized artifact. That mode is not run-scoped and is only meant for
// manual invocation; it is unsafe when several runs write concurrently.
func (l Layout) ProcessedFilesForRun(runKey string) ([]string, error) {
	entries, err := os.ReadDir(l.ProcessedDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", l.ProcessedDir, err)
	}

	if runKey == "" {
		return l.latestProcessed(entries)
	}

	prefix := l.ProcessedPrefix + runKey + sep
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, processedExt) {
			continue
		}
		if len(name) == len(prefix)+len(processedExt) {
			continue // no provider segment
		}
		files = append(files, filepath.Join(l.ProcessedDir, name))
	}
	if len(files) == 0 {
		return nil, &errs.NotFoundError{RunKey: runKey, Dir: l.ProcessedDir, Pattern: prefix + "*" + processedExt}
	}
	sort.Strings(files)
	return files, nil
}

func (l Layout) latestProcessed(entries []os.DirEntry) ([]string, error) {
	var (
		latest  string
		latestT int64
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, l.ProcessedPrefix) || !strings.HasSuffix(name, processedExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		mt := info.ModTime().UnixNano()
		// Equal modification times fall back to the lexicographically last name.
		if latest == "" || mt > latestT || (mt == latestT && name > latest) {
			latest, latestT = name, mt
		}
	}
	if latest == "" {
		return nil, &errs.NotFoundError{Dir: l.ProcessedDir, Pattern: l.ProcessedPrefix + "*" + processedExt}
	}
	return []string{filepath.Join(l.ProcessedDir, latest)}, nil
}

// EnsureDirs creates the raw and processed directories.
func (l Layout) EnsureDirs() error {
	for _, d := range []string{l.RawDir, l.ProcessedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

var validate = validator.New()

// ValidateRunKey rejects run keys that would escape the artifact directory
// or break the naming convention.
func ValidateRunKey(runKey string) error {
	if err := validate.Var(runKey, "required,max=64,printascii,excludesall=/\\"); err != nil {
		return fmt.Errorf("invalid run key %q: %w", runKey, err)
	}
	if strings.Contains(runKey, sep) || strings.Contains(runKey, "..") {
		return fmt.Errorf("invalid run key %q: must not contain %q or \"..\"", runKey, sep)
	}
	return nil
}

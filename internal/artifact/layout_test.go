package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-etl/internal/errs"
)

func testLayout(t *testing.T) Layout {
	t.Helper()
	dir := t.TempDir()
	l := Layout{
		RawDir:          filepath.Join(dir, "raw"),
		ProcessedDir:    filepath.Join(dir, "processed"),
		RawPrefix:       "raw_",
		ProcessedPrefix: "processed_",
	}
	require.NoError(t, l.EnsureDirs())
	return l
}

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestNaming(t *testing.T) {
	l := Layout{RawDir: "r", ProcessedDir: "p", RawPrefix: "raw_", ProcessedPrefix: "processed_"}
	assert.Equal(t, filepath.Join("r", "raw_2026-02-12__brightsky.json"), l.RawPath("2026-02-12", "brightsky"))
	assert.Equal(t, filepath.Join("p", "processed_2026-02-12__hs-worms.ndjson"), l.ProcessedPath("2026-02-12", "hs-worms"))
}

func TestProcessedFilesForRun(t *testing.T) {
	l := testLayout(t)
	base := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)

	older := filepath.Join(l.ProcessedDir, "processed_2026-02-11__p1.ndjson")
	p2 := filepath.Join(l.ProcessedDir, "processed_2026-02-12__p2.ndjson")
	p1 := filepath.Join(l.ProcessedDir, "processed_2026-02-12__p1.ndjson")
	touch(t, older, base.Add(3*time.Hour)) // newest on disk
	touch(t, p2, base.Add(time.Hour))
	touch(t, p1, base.Add(2*time.Hour))
	// Noise that must never match.
	touch(t, filepath.Join(l.ProcessedDir, "processed_2026-02-12__p1.json"), base)
	touch(t, filepath.Join(l.ProcessedDir, "other_2026-02-12__p1.ndjson"), base)

	files, err := l.ProcessedFilesForRun("2026-02-12")
	require.NoError(t, err)
	assert.Equal(t, []string{p1, p2}, files)

	latest, err := l.ProcessedFilesForRun("")
	require.NoError(t, err)
	assert.Equal(t, []string{older}, latest)
}

func TestProcessedFilesForRunNotFound(t *testing.T) {
	l := testLayout(t)
	touch(t, filepath.Join(l.ProcessedDir, "processed_2026-02-11__p1.ndjson"), time.Now())

	_, err := l.ProcessedFilesForRun("2026-02-13")
	var nf *errs.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "2026-02-13", nf.RunKey)
}

func TestProcessedFilesForRunPrefixIsNotAPrefixMatch(t *testing.T) {
	l := testLayout(t)
	touch(t, filepath.Join(l.ProcessedDir, "processed_2026-02-123__p1.ndjson"), time.Now())

	_, err := l.ProcessedFilesForRun("2026-02-12")
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestLatestWithEmptyDirectory(t *testing.T) {
	l := testLayout(t)
	_, err := l.ProcessedFilesForRun("")
	var nf *errs.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestLatestTieBreaksOnName(t *testing.T) {
	l := testLayout(t)
	same := time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)
	a := filepath.Join(l.ProcessedDir, "processed_2026-02-12__a.ndjson")
	b := filepath.Join(l.ProcessedDir, "processed_2026-02-12__b.ndjson")
	touch(t, b, same)
	touch(t, a, same)

	got, err := l.ProcessedFilesForRun("")
	require.NoError(t, err)
	assert.Equal(t, []string{b}, got)
}

func TestValidateRunKey(t *testing.T) {
	for _, ok := range []string{"2026-02-12", "20260212T020000Z", "manual-1"} {
		assert.NoError(t, ValidateRunKey(ok), ok)
	}
	for _, bad := range []string{"", "../etc", "a/b", `a\b`, "a__b", "2026 02 12\n"} {
		assert.Error(t, ValidateRunKey(bad), bad)
	}
}

package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/i474232898/weather-etl/internal/weather"
)

// maxLineBytes bounds a single NDJSON record.
const maxLineBytes = 8 << 20

// WriteRaw writes a raw artifact as indented JSON. The write goes through a
// temporary file so a crash never leaves a truncated artifact behind.
func WriteRaw(path string, raw weather.RawArtifact) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding raw artifact: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// ReadRaw reads a raw artifact written by WriteRaw.
func ReadRaw(path string) (weather.RawArtifact, error) {
	var raw weather.RawArtifact
	data, err := os.ReadFile(path)
	if err != nil {
		return raw, err
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return raw, fmt.Errorf("decoding raw artifact %s: %w", path, err)
	}
	return raw, nil
}

// WriteRecords writes records as NDJSON, one object per line, and returns
// the number of lines written.
func WriteRecords(path string, records []weather.Record) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return 0, fmt.Errorf("encoding record %s: %w", r.DocID, err)
		}
	}
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ScanLines streams the non-blank lines of an NDJSON file. fn receives the
// 1-based line number and the trimmed line; the slice is only valid for the
// duration of the call. Scanning stops at the first error fn returns.
func ScanLines(path string, fn func(line int, data []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

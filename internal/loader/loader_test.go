package loader

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-etl/internal/artifact"
	"github.com/i474232898/weather-etl/internal/elastic"
	"github.com/i474232898/weather-etl/internal/elastic/elastictest"
	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/weather"
)

const target = "all-data"

type fixture struct {
	srv    *elastictest.Server
	layout artifact.Layout
	loader *Loader
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()
	dir := t.TempDir()
	layout := artifact.Layout{
		RawDir:          filepath.Join(dir, "raw"),
		ProcessedDir:    filepath.Join(dir, "processed"),
		RawPrefix:       "raw_",
		ProcessedPrefix: "processed_",
	}
	require.NoError(t, layout.EnsureDirs())

	srv := elastictest.NewServer(t)
	client := elastic.NewClient(srv.URL, srv.Client())
	return &fixture{
		srv:    srv,
		layout: layout,
		loader: New(client, layout, Options{Target: target, Pipeline: "standardize-v1", BatchSize: batchSize}),
	}
}

func (f *fixture) writeRecords(t *testing.T, runKey, provider string, n int) {
	t.Helper()
	recs := make([]weather.Record, 0, n)
	for i := 0; i < n; i++ {
		ts := fmt.Sprintf("2026-02-12T%02d:00:00+00:00", i%24)
		src := fmt.Sprintf("s%d", i/24)
		recs = append(recs, weather.Record{
			DocID:     weather.MakeDocID(provider, src, ts),
			Provider:  provider,
			SourceID:  src,
			Timestamp: ts,
		})
	}
	_, err := artifact.WriteRecords(f.layout.ProcessedPath(runKey, provider), recs)
	require.NoError(t, err)
}

func (f *fixture) writeLines(t *testing.T, runKey, provider string, lines ...string) {
	t.Helper()
	path := f.layout.ProcessedPath(runKey, provider)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func assertRefreshRestored(t *testing.T, srv *elastictest.Server) {
	t.Helper()
	require.NotEmpty(t, srv.Settings)
	assert.Equal(t, target+"=-1", srv.Settings[0])
	assert.Equal(t, target+"=1s", srv.Settings[len(srv.Settings)-1])
	assert.Equal(t, []string{target}, srv.Refreshes)
}

func TestLoadIsIdempotent(t *testing.T) {
	f := newFixture(t, 0)
	f.writeRecords(t, "2026-02-12", "brightsky", 30)
	f.writeRecords(t, "2026-02-12", "hs-worms", 5)
	ctx := context.Background()

	n, err := f.loader.Load(ctx, "2026-02-12")
	require.NoError(t, err)
	assert.Equal(t, 35, n)
	assert.Equal(t, 35, f.srv.Count())

	n, err = f.loader.Load(ctx, "2026-02-12")
	require.NoError(t, err)
	assert.Equal(t, 35, n)
	assert.Equal(t, 35, f.srv.Count(), "second load must not change the document count")
}

func TestLoadBatchesAndPipeline(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-12", "brightsky", 25)

	n, err := f.loader.Load(context.Background(), "2026-02-12")
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, []int{10, 10, 5}, f.srv.BulkDocs)
	for _, p := range f.srv.Pipelines {
		assert.Equal(t, "standardize-v1", p)
	}
	assertRefreshRestored(t, f.srv)
}

func TestLoadDefaultBatchSize(t *testing.T) {
	f := newFixture(t, 0)
	f.writeRecords(t, "2026-02-12", "brightsky", 501)

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	require.NoError(t, err)
	assert.Equal(t, []int{500, 1}, f.srv.BulkDocs)
}

func TestLoadMissingDocIDIsValidationError(t *testing.T) {
	f := newFixture(t, 10)
	f.writeLines(t, "2026-02-12", "brightsky",
		`{"doc_id":"a","provider":"brightsky"}`,
		`{"provider":"brightsky","source_id":"x"}`,
	)

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	var ve *errs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 2, ve.Line)
	assert.Contains(t, ve.Artifact, "processed_2026-02-12__brightsky.ndjson")
	assert.Contains(t, ve.Record, "source_id")
	assert.Equal(t, 0, f.srv.Count(), "nothing from the batch may be written")
	assert.Zero(t, f.srv.BulkCalls)
	assertRefreshRestored(t, f.srv)
}

func TestLoadRejectsBadRecords(t *testing.T) {
	for name, line := range map[string]string{
		"malformed":      `{"doc_id":`,
		"not an object":  `["doc_id"]`,
		"empty doc_id":   `{"doc_id":""}`,
		"numeric doc_id": `{"doc_id":42}`,
		"null doc_id":    `{"doc_id":null}`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 10)
			f.writeLines(t, "2026-02-12", "p", line)
			_, err := f.loader.Load(context.Background(), "2026-02-12")
			var ve *errs.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestLoadItemErrorRestoresRefresh(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-12", "brightsky", 3)
	bad := weather.MakeDocID("brightsky", "s0", "2026-02-12T01:00:00+00:00")
	f.srv.FailItem = func(id string) *elastictest.ItemFailure {
		if id == bad {
			return &elastictest.ItemFailure{Type: "mapper_parsing_exception", Reason: "failed to parse"}
		}
		return nil
	}

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	var be *errs.BatchItemError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, bad, be.DocID)
	assert.Equal(t, "mapper_parsing_exception", be.Type)
	assert.Contains(t, err.Error(), "run 2026-02-12")
	assertRefreshRestored(t, f.srv)
}

func TestLoadErrorsWithoutItemError(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-12", "brightsky", 2)
	f.srv.ErrorsNoDetail = true

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	var pm *errs.ProtocolMismatchError
	require.ErrorAs(t, err, &pm)
	assert.Contains(t, pm.Reason, "no item error")
}

func TestLoadItemCountMismatch(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-12", "brightsky", 4)
	f.srv.DropLastItem = true

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	var pm *errs.ProtocolMismatchError
	require.ErrorAs(t, err, &pm)
	assert.Equal(t, 4, pm.Sent)
	assert.Equal(t, 3, pm.Received)
	assertRefreshRestored(t, f.srv)
}

func TestLoadEmptyResponse(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-12", "brightsky", 1)
	f.srv.EmptyBulkBody = true

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	var pm *errs.ProtocolMismatchError
	require.ErrorAs(t, err, &pm)
	assert.Equal(t, "empty response", pm.Reason)
}

func TestLoadTransportErrorAbortsAndRestores(t *testing.T) {
	f := newFixture(t, 2)
	f.writeRecords(t, "2026-02-12", "brightsky", 6)
	f.srv.BulkStatus = http.StatusInternalServerError

	n, err := f.loader.Load(context.Background(), "2026-02-12")
	var te *errs.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, f.srv.BulkCalls, "no further batches after a transport failure")
	assertRefreshRestored(t, f.srv)
}

func TestLoadRestoresRefreshOnCanceledContext(t *testing.T) {
	f := newFixture(t, 2)
	f.writeRecords(t, "2026-02-12", "brightsky", 4)

	ctx, cancel := context.WithCancel(context.Background())
	f.srv.FailItem = func(string) *elastictest.ItemFailure {
		cancel()
		return nil
	}

	_, err := f.loader.Load(ctx, "2026-02-12")
	require.Error(t, err)
	assertRefreshRestored(t, f.srv)
}

func TestLoadUnknownRun(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-11", "brightsky", 1)

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	var nf *errs.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Empty(t, f.srv.Settings, "refresh must not be touched when nothing resolves")
}

func TestLoadDisableRefreshFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-12", "brightsky", 1)
	f.srv.SettingsStatus = http.StatusForbidden

	_, err := f.loader.Load(context.Background(), "2026-02-12")
	var te *errs.TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, f.srv.BulkCalls)
}

func TestLoadLatestWithoutRunKey(t *testing.T) {
	f := newFixture(t, 10)
	f.writeRecords(t, "2026-02-12", "brightsky", 3)

	n, err := f.loader.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

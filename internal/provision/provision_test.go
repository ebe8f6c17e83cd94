package provision

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-etl/internal/elastic"
	"github.com/i474232898/weather-etl/internal/elastic/elastictest"
	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/weather"
)

func defaultOptions() Options {
	return Options{
		TemplateName: "data-template",
		PipelineName: "standardize-v1",
		WriteIndex:   "data-2026",
		ArchiveIndex: "data-archive",
		Alias:        "all-data",
	}
}

func TestApply(t *testing.T) {
	srv := elastictest.NewServer(t)
	p := New(elastic.NewClient(srv.URL, srv.Client()), defaultOptions())

	require.NoError(t, p.Apply(context.Background()))

	assert.Contains(t, srv.Templates, "data-template")
	assert.Contains(t, srv.IngestPipes, "standardize-v1")
	assert.True(t, srv.Indices["data-2026"])
	assert.True(t, srv.Indices["data-archive"])
	require.Len(t, srv.AliasActions, 1)

	var body struct {
		Actions []struct {
			Add struct {
				Index        string `json:"index"`
				Alias        string `json:"alias"`
				IsWriteIndex bool   `json:"is_write_index"`
			} `json:"add"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(srv.AliasActions[0], &body))
	require.Len(t, body.Actions, 2)
	assert.Equal(t, "data-2026", body.Actions[0].Add.Index)
	assert.True(t, body.Actions[0].Add.IsWriteIndex)
	assert.Equal(t, "data-archive", body.Actions[1].Add.Index)
	assert.False(t, body.Actions[1].Add.IsWriteIndex)
	assert.Equal(t, "all-data", body.Actions[1].Add.Alias)
}

func TestApplyIsIdempotent(t *testing.T) {
	srv := elastictest.NewServer(t)
	p := New(elastic.NewClient(srv.URL, srv.Client()), defaultOptions())

	require.NoError(t, p.Apply(context.Background()))
	require.NoError(t, p.Apply(context.Background()), "existing indices must not fail provisioning")
}

type failingStore struct {
	created []string
}

func (f *failingStore) PutIndexTemplate(context.Context, string, json.RawMessage) error { return nil }

func (f *failingStore) PutIngestPipeline(context.Context, string, json.RawMessage) error {
	return &errs.TransportError{Op: "put ingest pipeline", StatusCode: http.StatusBadRequest}
}

func (f *failingStore) CreateIndex(_ context.Context, name string) (bool, error) {
	f.created = append(f.created, name)
	return true, nil
}

func (f *failingStore) UpdateAliases(context.Context, any) error { return nil }

func (f *failingStore) Health(context.Context) (elastic.Health, error) {
	return elastic.Health{Status: "green"}, nil
}

func TestApplyStopsOnFailure(t *testing.T) {
	st := &failingStore{}
	err := New(st, defaultOptions()).Apply(context.Background())

	var te *errs.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.Empty(t, st.created)
}

func TestTemplateMapsOnlyCoreSchema(t *testing.T) {
	data, err := assets.ReadFile("assets/" + templateFile)
	require.NoError(t, err)

	var tpl struct {
		Template struct {
			Mappings struct {
				Dynamic    any                        `json:"dynamic"`
				Properties map[string]json.RawMessage `json:"properties"`
			} `json:"mappings"`
		} `json:"template"`
	}
	require.NoError(t, json.Unmarshal(data, &tpl))
	assert.Equal(t, false, tpl.Template.Mappings.Dynamic)
	for _, k := range weather.CoreKeys {
		assert.Contains(t, tpl.Template.Mappings.Properties, k)
	}
}

func TestAssetsDirOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, templateFile), []byte(`{"index_patterns":["x-*"]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipelineFile), []byte(`{"processors":[]}`), 0o644))

	srv := elastictest.NewServer(t)
	opts := defaultOptions()
	opts.AssetsDir = dir
	require.NoError(t, New(elastic.NewClient(srv.URL, srv.Client()), opts).Apply(context.Background()))
	assert.JSONEq(t, `{"index_patterns":["x-*"]}`, string(srv.Templates["data-template"]))
}

func TestAssetsDirRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, templateFile), []byte(`{`), 0o644))

	p := New(nil, Options{AssetsDir: dir})
	assert.Error(t, p.Apply(context.Background()))
}

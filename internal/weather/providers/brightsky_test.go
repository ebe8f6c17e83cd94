package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/weather"
)

const brightSkySample = `{
  "weather": [
    {
      "timestamp": "2026-02-12T00:00:00+00:00",
      "source_id": 6007,
      "temperature": 3.4,
      "relative_humidity": 81,
      "wind_speed": 9.7,
      "wind_gust_speed": 18,
      "condition": "dry",
      "icon": "cloudy",
      "fallback_source_ids": {"wind_speed": 6008}
    },
    {
      "timestamp": "20260212T010000Z",
      "source_id": null,
      "temperature": null
    }
  ],
  "sources": [{"id": 6007}]
}`

func TestBrightSkyNormalize(t *testing.T) {
	p := NewBrightSkyProvider(http.DefaultClient, "http://unused", "49.6", "8.36")
	now := time.Date(2026, 2, 13, 2, 0, 0, 0, time.UTC)

	recs, err := p.Normalize(weather.RawArtifact{Provider: BrightSkyName, Payload: json.RawMessage(brightSkySample)}, now)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	assert.Equal(t, "6007", first.SourceID)
	assert.Equal(t, "2026-02-12T00:00:00+00:00", first.Timestamp)
	assert.Equal(t, "2026-02-13T02:00:00+00:00", first.ProcessedAt)
	assert.Equal(t, weather.MakeDocID(BrightSkyName, "6007", first.Timestamp), first.DocID)
	require.NotNil(t, first.WindSpeed)
	assert.InDelta(t, 9.7/3.6, *first.WindSpeed, 1e-9)
	require.NotNil(t, first.WindGustSpeed)
	assert.InDelta(t, 5.0, *first.WindGustSpeed, 1e-9)
	assert.Nil(t, first.DewPoint)

	second := recs[1]
	assert.Equal(t, "unknown", second.SourceID)
	assert.Equal(t, "2026-02-12T01:00:00+00:00", second.Timestamp)
	assert.Nil(t, second.Temperature)
}

func TestBrightSkyNormalizeSchemaClosure(t *testing.T) {
	p := NewBrightSkyProvider(http.DefaultClient, "http://unused", "0", "0")
	recs, err := p.Normalize(weather.RawArtifact{Provider: BrightSkyName, Payload: json.RawMessage(brightSkySample)}, time.Now())
	require.NoError(t, err)

	for _, r := range recs {
		data, err := json.Marshal(r)
		require.NoError(t, err)
		var fields map[string]any
		require.NoError(t, json.Unmarshal(data, &fields))
		for k := range fields {
			assert.True(t, weather.IsCoreKey(k), "provider key %q leaked into record", k)
		}
		assert.NotContains(t, fields, "fallback_source_ids")
	}
}

func TestBrightSkyNormalizeMissingTimestamp(t *testing.T) {
	p := NewBrightSkyProvider(http.DefaultClient, "http://unused", "0", "0")
	_, err := p.Normalize(weather.RawArtifact{Payload: json.RawMessage(`{"weather":[{"source_id":"a"}]}`)}, time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errMissingTimestamp))
}

func TestBrightSkyFetch(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		assert.Equal(t, "/weather", r.URL.Path)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(brightSkySample))
	}))
	defer srv.Close()

	p := NewBrightSkyProvider(srv.Client(), srv.URL+"/", "49.6", "8.36")
	p.now = func() time.Time { return time.Date(2026, 2, 13, 2, 0, 0, 0, time.UTC) }

	raw, err := p.Fetch(context.Background(), "2026-02-12")
	require.NoError(t, err)
	assert.Equal(t, "date=2026-02-12&lat=49.6&lon=8.36", gotQuery)
	assert.Equal(t, BrightSkyName, raw.Provider)
	assert.Equal(t, "20260213T020000Z", raw.FetchedAt)
	assert.Equal(t, "2026-02-12", raw.Params["date"])
	assert.JSONEq(t, brightSkySample, string(raw.Payload))
}

func TestBrightSkyFetchDefaultsToToday(t *testing.T) {
	var gotDate string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDate = r.URL.Query().Get("date")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"weather":[]}`))
	}))
	defer srv.Close()

	p := NewBrightSkyProvider(srv.Client(), srv.URL, "1", "2")
	p.now = func() time.Time { return time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC) }

	_, err := p.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", gotDate)
}

func TestFetchRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	p := NewBrightSkyProvider(srv.Client(), srv.URL, "1", "2")
	_, err := p.Fetch(context.Background(), "2026-02-12")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotJSON)
}

func TestFetchNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	p := NewBrightSkyProvider(srv.Client(), srv.URL, "1", "2")
	_, err := p.Fetch(context.Background(), "2026-02-12")

	var te *errs.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
	assert.Contains(t, te.Body, "down")
}

func TestFetchCircuitOpensAfterRepeatedFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewBrightSkyProvider(srv.Client(), srv.URL, "1", "2")
	for i := 0; i < 3; i++ {
		_, err := p.Fetch(context.Background(), "2026-02-12")
		require.Error(t, err)
	}
	_, err := p.Fetch(context.Background(), "2026-02-12")
	assert.ErrorIs(t, err, errCircuitOpen)
	assert.Equal(t, 3, calls)
}

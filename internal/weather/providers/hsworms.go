package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-etl/internal/weather"
)

// HSWormsName is the provider identifier of the Hochschule Worms station.
const HSWormsName = "hs-worms"

var errMissingTS = errors.New("hs payload missing 'ts'")

// HSWormsProvider implements weather.Provider for the HS-Worms weather
// station API. The endpoint only serves the current reading, so the run key
// does not change the request.
type HSWormsProvider struct {
	name      string
	endpoint  string
	stationID string
	httpCfg   HTTPClientConfig
	circuit   *gobreaker.CircuitBreaker
	now       func() time.Time
}

func NewHSWormsProvider(client *http.Client, endpoint, stationID string) *HSWormsProvider {
	if stationID == "" {
		stationID = HSWormsName
	}
	return &HSWormsProvider{
		name:      HSWormsName,
		endpoint:  endpoint,
		stationID: stationID,
		httpCfg:   HTTPClientConfig{Client: client},
		circuit:   newCircuitBreaker(HSWormsName),
		now:       time.Now,
	}
}

func (p *HSWormsProvider) Name() string {
	return p.name
}

func (p *HSWormsProvider) Fetch(ctx context.Context, runKey string) (weather.RawArtifact, error) {
	now := p.now().UTC()
	payload, err := getJSON(ctx, p.name, p.httpCfg, p.circuit, p.endpoint)
	if err != nil {
		return weather.RawArtifact{}, fmt.Errorf("hs-worms fetch: %w", err)
	}

	params := map[string]string{}
	if runKey != "" {
		params["run_key"] = runKey
	}
	return weather.RawArtifact{
		FetchedAt: weather.CompactStamp(now),
		Provider:  p.name,
		Endpoint:  p.endpoint,
		Params:    params,
		Payload:   payload,
	}, nil
}

type hsInOut struct {
	Out *float64 `json:"out"`
}

type hsPayload struct {
	TS          *float64 `json:"ts"`
	Temperature hsInOut  `json:"temperature"`
	Humidity    hsInOut  `json:"humidity"`
	Baro        *float64 `json:"baro"`
	Wind        struct {
		Speed struct {
			Kmh *float64 `json:"kmh"`
		} `json:"speed"`
		Dir struct {
			Deg *float64 `json:"deg"`
		} `json:"dir"`
	} `json:"wind"`
	Rain struct {
		Rate *float64 `json:"rate"`
	} `json:"rain"`
}

// Normalize emits a single record for the station reading. Indoor values,
// battery voltage and station forecast codes are not part of the schema and
// are dropped.
func (p *HSWormsProvider) Normalize(raw weather.RawArtifact, now time.Time) ([]weather.Record, error) {
	var payload hsPayload
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode hs-worms payload: %w", err)
		}
	}
	if payload.TS == nil {
		return nil, errMissingTS
	}

	provider := raw.Provider
	if provider == "" {
		provider = p.name
	}
	ts := weather.FormatISO(time.Unix(int64(*payload.TS), 0))

	return []weather.Record{{
		DocID:       weather.MakeDocID(provider, p.stationID, ts),
		Provider:    provider,
		SourceID:    p.stationID,
		Timestamp:   ts,
		ProcessedAt: weather.FormatISO(now),

		Temperature:      payload.Temperature.Out,
		RelativeHumidity: payload.Humidity.Out,
		DewPoint:         weather.DewPointMagnus(payload.Temperature.Out, payload.Humidity.Out),
		PressureMSL:      payload.Baro,
		Precipitation:    payload.Rain.Rate,
		WindSpeed:        weather.KmhToMs(payload.Wind.Speed.Kmh),
		WindDirection:    payload.Wind.Dir.Deg,
	}}, nil
}

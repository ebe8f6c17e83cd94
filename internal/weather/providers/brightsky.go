package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/weather-etl/internal/weather"
)

// BrightSkyName is the provider identifier used in artifact names and documents.
const BrightSkyName = "brightsky"

var errMissingTimestamp = errors.New("observation missing timestamp")

// BrightSkyProvider implements weather.Provider for the BrightSky (DWD) API.
type BrightSkyProvider struct {
	name    string
	baseURL string
	lat     string
	lon     string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewBrightSkyProvider(client *http.Client, baseURL, lat, lon string) *BrightSkyProvider {
	return &BrightSkyProvider{
		name:    BrightSkyName,
		baseURL: strings.TrimRight(baseURL, "/"),
		lat:     lat,
		lon:     lon,
		httpCfg: HTTPClientConfig{Client: client},
		circuit: newCircuitBreaker(BrightSkyName),
		now:     time.Now,
	}
}

func (p *BrightSkyProvider) Name() string {
	return p.name
}

// Fetch reads the hourly observations for the run's day. Without a run key
// the current UTC day is used.
func (p *BrightSkyProvider) Fetch(ctx context.Context, runKey string) (weather.RawArtifact, error) {
	now := p.now().UTC()
	day := runKey
	if day == "" {
		day = now.Format("2006-01-02")
	}

	values := url.Values{}
	values.Set("lat", p.lat)
	values.Set("lon", p.lon)
	values.Set("date", day)
	endpoint := fmt.Sprintf("%s/weather?%s", p.baseURL, values.Encode())

	payload, err := getJSON(ctx, p.name, p.httpCfg, p.circuit, endpoint)
	if err != nil {
		return weather.RawArtifact{}, fmt.Errorf("brightsky fetch: %w", err)
	}

	return weather.RawArtifact{
		FetchedAt: weather.CompactStamp(now),
		Provider:  p.name,
		Endpoint:  endpoint,
		Params: map[string]string{
			"lat":  p.lat,
			"lon":  p.lon,
			"date": day,
		},
		Payload: payload,
	}, nil
}

type brightSkyPayload struct {
	Weather []brightSkyObservation `json:"weather"`
}

type brightSkyObservation struct {
	Timestamp         string     `json:"timestamp"`
	SourceID          flexString `json:"source_id"`
	Temperature       *float64   `json:"temperature"`
	RelativeHumidity  *float64   `json:"relative_humidity"`
	DewPoint          *float64   `json:"dew_point"`
	PressureMSL       *float64   `json:"pressure_msl"`
	Precipitation     *float64   `json:"precipitation"`
	WindSpeed         *float64   `json:"wind_speed"` // km/h
	WindDirection     *float64   `json:"wind_direction"`
	WindGustSpeed     *float64   `json:"wind_gust_speed"` // km/h
	WindGustDirection *float64   `json:"wind_gust_direction"`
	CloudCover        *float64   `json:"cloud_cover"`
	Sunshine          *float64   `json:"sunshine"`
	Visibility        *float64   `json:"visibility"`
	Condition         *string    `json:"condition"`
	Icon              *string    `json:"icon"`
	Solar             *float64   `json:"solar"`
}

// Normalize emits one record per hourly observation.
func (p *BrightSkyProvider) Normalize(raw weather.RawArtifact, now time.Time) ([]weather.Record, error) {
	provider := raw.Provider
	if provider == "" {
		provider = p.name
	}
	if len(raw.Payload) == 0 || string(raw.Payload) == "null" {
		return nil, nil
	}

	var payload brightSkyPayload
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode brightsky payload: %w", err)
	}

	processedAt := weather.FormatISO(now)
	records := make([]weather.Record, 0, len(payload.Weather))
	for i, w := range payload.Weather {
		ts := weather.ParseTimestamp(w.Timestamp)
		if ts == "" {
			return nil, fmt.Errorf("brightsky observation %d: %w", i, errMissingTimestamp)
		}
		sourceID := "unknown"
		if w.SourceID.Set && w.SourceID.Value != "" {
			sourceID = w.SourceID.Value
		}

		records = append(records, weather.Record{
			DocID:       weather.MakeDocID(provider, sourceID, ts),
			Provider:    provider,
			SourceID:    sourceID,
			Timestamp:   ts,
			ProcessedAt: processedAt,

			Temperature:       w.Temperature,
			RelativeHumidity:  w.RelativeHumidity,
			DewPoint:          w.DewPoint,
			PressureMSL:       w.PressureMSL,
			Precipitation:     w.Precipitation,
			WindSpeed:         weather.KmhToMs(w.WindSpeed),
			WindDirection:     w.WindDirection,
			WindGustSpeed:     weather.KmhToMs(w.WindGustSpeed),
			WindGustDirection: w.WindGustDirection,
			CloudCover:        w.CloudCover,
			Sunshine:          w.Sunshine,
			Visibility:        w.Visibility,
			Condition:         w.Condition,
			Icon:              w.Icon,
			Solar:             w.Solar,
		})
	}
	return records, nil
}

package weather

import (
	"encoding/json"
)

// Record is the shared document schema every provider normalizes into.
// Measurement fields are pointers without omitempty: a missing value is
// written as null so every document carries the full key set.
type Record struct {
	DocID       string `json:"doc_id"`
	Provider    string `json:"provider"`
	SourceID    string `json:"source_id"`
	Timestamp   string `json:"timestamp"`    // ISO-8601, UTC
	ProcessedAt string `json:"processed_at"` // ISO-8601, UTC

	Temperature       *float64 `json:"temperature"`
	RelativeHumidity  *float64 `json:"relative_humidity"`
	DewPoint          *float64 `json:"dew_point"`
	PressureMSL       *float64 `json:"pressure_msl"`
	Precipitation     *float64 `json:"precipitation"`
	WindSpeed         *float64 `json:"wind_speed"` // m/s
	WindDirection     *float64 `json:"wind_direction"`
	WindGustSpeed     *float64 `json:"wind_gust_speed"` // m/s
	WindGustDirection *float64 `json:"wind_gust_direction"`
	CloudCover        *float64 `json:"cloud_cover"`
	Sunshine          *float64 `json:"sunshine"`
	Visibility        *float64 `json:"visibility"`
	Condition         *string  `json:"condition"`
	Icon              *string  `json:"icon"`
	Solar             *float64 `json:"solar"`
}

// CoreKeys is the closed key set of Record. Anything outside it is a
// normalization bug.
var CoreKeys = []string{
	"doc_id",
	"provider",
	"source_id",
	"timestamp",
	"processed_at",
	"temperature",
	"relative_humidity",
	"dew_point",
	"pressure_msl",
	"precipitation",
	"wind_speed",
	"wind_direction",
	"wind_gust_speed",
	"wind_gust_direction",
	"cloud_cover",
	"sunshine",
	"visibility",
	"condition",
	"icon",
	"solar",
}

// IsCoreKey reports whether k belongs to the shared schema.
func IsCoreKey(k string) bool {
	for _, c := range CoreKeys {
		if c == k {
			return true
		}
	}
	return false
}

// RawArtifact wraps one provider response with its fetch metadata.
// It is written once per (run, provider) and never modified.
type RawArtifact struct {
	FetchedAt string            `json:"fetched_at"`
	Provider  string            `json:"provider"`
	Endpoint  string            `json:"endpoint"`
	Params    map[string]string `json:"params,omitempty"`
	Payload   json.RawMessage   `json:"payload"`
}

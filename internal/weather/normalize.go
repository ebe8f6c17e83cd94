package weather

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"
)

// ISOLayout renders UTC instants as 2006-01-02T15:04:05+00:00, the format
// already present in stored documents.
const ISOLayout = "2006-01-02T15:04:05-07:00"

// compactLayout is the provider-specific YYYYMMDDTHHMMSSZ form.
const compactLayout = "20060102T150405Z"

// MakeDocID derives the stable document id from the observation identity.
// Re-normalizing identical upstream data must yield identical ids; the load
// is idempotent only because of this.
func MakeDocID(provider, sourceID, ts string) string {
	sum := sha256.Sum256([]byte(provider + "|" + sourceID + "|" + ts))
	return hex.EncodeToString(sum[:])
}

// ParseTimestamp accepts the compact form and converts it to ISO-8601.
// Anything else is passed through trimmed; this is not a general date parser.
func ParseTimestamp(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if t, err := time.Parse(compactLayout, v); err == nil {
		return FormatISO(t)
	}
	return v
}

// FormatISO renders t in UTC using ISOLayout.
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// CompactStamp renders t in the compact YYYYMMDDTHHMMSSZ form.
func CompactStamp(t time.Time) string {
	return t.UTC().Format(compactLayout)
}

// KmhToMs converts a km/h value to m/s, keeping absence.
func KmhToMs(v *float64) *float64 {
	if v == nil {
		return nil
	}
	ms := *v / 3.6
	return &ms
}

// DewPointMagnus estimates the dew point (°C) from air temperature (°C) and
// relative humidity (%). Returns nil when either input is missing or the
// humidity is not positive.
func DewPointMagnus(tempC, rh *float64) *float64 {
	if tempC == nil || rh == nil || *rh <= 0 {
		return nil
	}
	const a, b = 17.62, 243.12
	t := *tempC
	gamma := math.Log(*rh/100) + a*t/(b+t)
	dp := b * gamma / (a - gamma)
	dp = math.Round(dp*10) / 10
	return &dp
}

package weather

import (
	"context"
	"time"
)

// Provider abstracts one upstream weather source (e.g. BrightSky, HS-Worms).
// Each implementation owns both halves of its variant: the outbound fetch
// and the mapping of its payload into the shared schema.
type Provider interface {
	Name() string
	// Fetch issues one read for the run and wraps the payload. No retries.
	Fetch(ctx context.Context, runKey string) (RawArtifact, error)
	// Normalize maps a raw artifact into zero or more records. now is the
	// processed_at wall clock.
	Normalize(raw RawArtifact, now time.Time) ([]Record, error)
}

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/common"
	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/metrics"
)

// HTTPClientConfig bundles the outbound client and breaker settings.
type HTTPClientConfig struct {
	Client *http.Client
}

var (
	errCircuitOpen     = errors.New("circuit breaker open")
	errNoHTTPClient    = errors.New("http client not configured")
	ErrNotJSON         = errors.New("unexpected content type")
	errInvalidJSONBody = errors.New("response body is not valid JSON")
)

const maxLoggedBodyPrefix = 200

func newCircuitBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	})
}

// getJSON performs exactly one GET through the circuit breaker. It requires
// a 2xx status and a JSON content type and returns the raw body. Failures
// are returned as-is: retrying is the orchestrator's job.
func getJSON(
	ctx context.Context,
	provider string,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	url string,
) (json.RawMessage, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}

	result, err := cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := cfg.Client.Do(req)
		if err != nil {
			return nil, &errs.TransportError{Op: "GET " + url, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &errs.TransportError{Op: "GET " + url, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &errs.TransportError{
				Op:         "GET " + url,
				StatusCode: resp.StatusCode,
				Body:       errs.Truncate(string(body), maxLoggedBodyPrefix),
			}
		}

		ct := strings.ToLower(resp.Header.Get("Content-Type"))
		if !common.HasAny(ct, "json") {
			return nil, fmt.Errorf("%w: %q, body starts: %s", ErrNotJSON, ct, errs.Truncate(string(body), maxLoggedBodyPrefix))
		}
		if !json.Valid(body) {
			return nil, errInvalidJSONBody
		}
		return json.RawMessage(body), nil
	})
	if err != nil {
		metrics.ProviderFetches.WithLabelValues(provider, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		zap.L().Warn("provider fetch failed", zap.String("provider", provider), zap.Error(err))
		return nil, err
	}

	metrics.ProviderFetches.WithLabelValues(provider, "ok").Inc()
	payload, ok := result.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return payload, nil
}

// flexString decodes a JSON string or number into its textual form.
type flexString struct {
	Value string
	Set   bool
}

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		f.Value, f.Set = v, true
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	f.Value, f.Set = n.String(), true
	return nil
}

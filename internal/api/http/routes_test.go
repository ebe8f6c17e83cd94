package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/pipeline"
	"github.com/i474232898/weather-etl/internal/store"
	"github.com/i474232898/weather-etl/internal/verify"
)

type fakeRunner struct {
	err       error
	lastStep  pipeline.Step
	lastProv  string
	lastRunID string
}

func (f *fakeRunner) RunAll(_ context.Context, runKey string) (pipeline.RunResult, error) {
	f.lastRunID = runKey
	res := pipeline.RunResult{RunKey: runKey, Status: pipeline.StatusSucceeded, Loaded: 25}
	if f.err != nil {
		res.Status = pipeline.StatusFailed
		res.Error = f.err.Error()
	}
	return res, f.err
}

func (f *fakeRunner) RunStep(_ context.Context, runKey string, step pipeline.Step, provider string) (int, error) {
	f.lastRunID, f.lastStep, f.lastProv = runKey, step, provider
	return 7, f.err
}

func (f *fakeRunner) Verify(context.Context, string) (verify.Report, error) {
	return verify.Report{Health: "green", Count: 25}, f.err
}

func newTestApp(runner Runner, ledger pipeline.RunStore) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	RegisterRoutes(app, runner, ledger)
	return app
}

func do(t *testing.T, app *fiber.App, method, target string) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, target, nil), -1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var body map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatalf("response is not JSON: %s", data)
		}
	}
	return resp.StatusCode, body
}

func TestRunAllEndpoint(t *testing.T) {
	runner := &fakeRunner{}
	app := newTestApp(runner, store.NewMemoryStore(10, 0))

	code, body := do(t, app, http.MethodPost, "/api/v1/runs/2026-02-12")
	if code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%v)", http.StatusOK, code, body)
	}
	if runner.lastRunID != "2026-02-12" {
		t.Fatalf("expected run key to be passed through, got %q", runner.lastRunID)
	}
	if body["loaded"] != float64(25) {
		t.Fatalf("expected loaded=25, got %v", body["loaded"])
	}
}

// TestRunKeyValidation verifies that run keys which could escape the
// artifact directory are rejected before any step runs.
func TestRunKeyValidation(t *testing.T) {
	runner := &fakeRunner{}
	app := newTestApp(runner, store.NewMemoryStore(10, 0))

	for _, key := range []string{"a__b", "a..b", "x%20y"} {
		code, _ := do(t, app, http.MethodPost, "/api/v1/runs/"+key)
		if code != http.StatusBadRequest {
			t.Fatalf("run key %q: expected status %d, got %d", key, http.StatusBadRequest, code)
		}
	}
	if runner.lastRunID != "" {
		t.Fatalf("runner must not be called, got %q", runner.lastRunID)
	}
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&errs.NotFoundError{RunKey: "r"}, http.StatusNotFound},
		{fmt.Errorf("run r: %w", &errs.ValidationError{Reason: "missing doc_id"}), http.StatusUnprocessableEntity},
		{&errs.TransportError{Op: "bulk", StatusCode: 500}, http.StatusBadGateway},
		{&errs.BatchItemError{Type: "mapper_parsing_exception"}, http.StatusBadGateway},
		{&errs.ProtocolMismatchError{Reason: "empty response"}, http.StatusBadGateway},
		{fmt.Errorf("x: %w", pipeline.ErrUnknownProvider), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		app := newTestApp(&fakeRunner{err: tt.err}, store.NewMemoryStore(10, 0))
		code, body := do(t, app, http.MethodPost, "/api/v1/runs/2026-02-12/steps/load")
		if code != tt.want {
			t.Fatalf("%T: expected status %d, got %d", tt.err, tt.want, code)
		}
		if body["message"] != tt.err.Error() {
			t.Fatalf("expected message %q, got %v", tt.err.Error(), body["message"])
		}
	}
}

func TestRunStepEndpoint(t *testing.T) {
	runner := &fakeRunner{}
	app := newTestApp(runner, store.NewMemoryStore(10, 0))

	code, body := do(t, app, http.MethodPost, "/api/v1/runs/2026-02-12/steps/normalize?provider=hs-worms")
	if code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, code)
	}
	if runner.lastStep != pipeline.StepNormalize || runner.lastProv != "hs-worms" {
		t.Fatalf("unexpected dispatch: %s/%s", runner.lastStep, runner.lastProv)
	}
	if body["records"] != float64(7) {
		t.Fatalf("expected records=7, got %v", body["records"])
	}

	code, _ = do(t, app, http.MethodPost, "/api/v1/runs/2026-02-12/steps/aggregate")
	if code != http.StatusBadRequest {
		t.Fatalf("expected status %d for unknown step, got %d", http.StatusBadRequest, code)
	}
}

func TestRunLedgerEndpoints(t *testing.T) {
	ledger := store.NewMemoryStore(10, 0)
	_ = ledger.SaveStep(context.Background(), pipeline.StepRecord{
		ID: "1", RunKey: "2026-02-12", Step: pipeline.StepLoad, Status: pipeline.StatusSucceeded, StartedAt: time.Now(),
	})
	app := newTestApp(&fakeRunner{}, ledger)

	code, body := do(t, app, http.MethodGet, "/api/v1/runs/2026-02-12")
	if code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, code)
	}
	if steps, _ := body["steps"].([]any); len(steps) != 1 {
		t.Fatalf("expected one step, got %v", body["steps"])
	}

	code, _ = do(t, app, http.MethodGet, "/api/v1/runs/2026-02-13")
	if code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, code)
	}

	code, body = do(t, app, http.MethodGet, "/api/v1/runs?limit=5")
	if code != http.StatusOK || body["limit"] != float64(5) {
		t.Fatalf("unexpected listing: %d %v", code, body)
	}

	// Out-of-range limit should return 400.
	code, _ = do(t, app, http.MethodGet, "/api/v1/runs?limit=5000")
	if code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	app := newTestApp(&fakeRunner{}, store.NewMemoryStore(10, 0))
	code, body := do(t, app, http.MethodGet, "/api/v1/verify")
	if code != http.StatusOK || body["health"] != "green" {
		t.Fatalf("unexpected verify response: %d %v", code, body)
	}

	app = newTestApp(&fakeRunner{err: verify.ErrClusterRed}, store.NewMemoryStore(10, 0))
	code, body = do(t, app, http.MethodGet, "/api/v1/verify")
	if code != http.StatusInternalServerError || body["report"] == nil {
		t.Fatalf("unexpected verify failure response: %d %v", code, body)
	}
}

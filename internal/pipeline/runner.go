// Package pipeline sequences the steps of one run: provision, fetch and
// normalize per provider, load, verify. Steps run one after another and the
// first failure stops the run; retrying is left to the caller, which can rely
// on the load being an idempotent upsert.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/artifact"
	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/metrics"
	"github.com/i474232898/weather-etl/internal/notify"
	"github.com/i474232898/weather-etl/internal/verify"
	"github.com/i474232898/weather-etl/internal/weather"
)

var (
	ErrUnknownStep     = errors.New("unknown step")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrRunKeyRequired  = errors.New("run key required")
)

type Provisioner interface {
	Apply(ctx context.Context) error
}

type Loader interface {
	Load(ctx context.Context, runKey string) (int, error)
}

type Verifier interface {
	Check(ctx context.Context) (verify.Report, error)
}

// Archiver copies a raw artifact somewhere durable. Optional.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// Notifier announces finished runs. Optional.
type Notifier interface {
	Publish(ctx context.Context, ev notify.Event) error
}

// Deps are the collaborators of a Runner. Archiver and Notifier may be nil.
type Deps struct {
	Layout      artifact.Layout
	Providers   []weather.Provider
	Provisioner Provisioner
	Loader      Loader
	Verifier    Verifier
	Ledger      RunStore
	Archiver    Archiver
	Notifier    Notifier
}

// RunResult summarizes RunAll.
type RunResult struct {
	RunKey     string         `json:"run_key"`
	AttemptID  string         `json:"attempt_id"`
	Status     Status         `json:"status"`
	Normalized map[string]int `json:"normalized"`
	Loaded     int            `json:"loaded"`
	Report     *verify.Report `json:"report,omitempty"`
	Error      string         `json:"error,omitempty"`
}

type Runner struct {
	layout      artifact.Layout
	providers   map[string]weather.Provider
	order       []string
	provisioner Provisioner
	loader      Loader
	verifier    Verifier
	ledger      RunStore
	archiver    Archiver
	notifier    Notifier
	now         func() time.Time
}

func New(d Deps) *Runner {
	r := &Runner{
		layout:      d.Layout,
		providers:   make(map[string]weather.Provider, len(d.Providers)),
		provisioner: d.Provisioner,
		loader:      d.Loader,
		verifier:    d.Verifier,
		ledger:      d.Ledger,
		archiver:    d.Archiver,
		notifier:    d.Notifier,
		now:         time.Now,
	}
	for _, p := range d.Providers {
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// ProviderNames returns the configured providers in execution order.
func (r *Runner) ProviderNames() []string {
	return append([]string(nil), r.order...)
}

// RunAll executes every step for runKey and stops at the first failure.
func (r *Runner) RunAll(ctx context.Context, runKey string) (RunResult, error) {
	res := RunResult{
		RunKey:     runKey,
		AttemptID:  uuid.NewString(),
		Status:     StatusRunning,
		Normalized: map[string]int{},
	}
	if runKey == "" {
		return res, ErrRunKeyRequired
	}
	if err := artifact.ValidateRunKey(runKey); err != nil {
		return res, err
	}

	started := r.now().UTC()
	log := zap.L().With(zap.String("run_key", runKey), zap.String("attempt_id", res.AttemptID))
	log.Info("run starting", zap.Strings("providers", r.order))

	err := r.runAll(ctx, runKey, res.AttemptID, &res)
	res.Status = StatusSucceeded
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		log.Error("run failed", zap.Error(err))
	} else {
		log.Info("run finished", zap.Int("loaded", res.Loaded))
	}

	r.publish(ctx, notify.Event{
		RunKey:     runKey,
		AttemptID:  res.AttemptID,
		Status:     string(res.Status),
		Loaded:     res.Loaded,
		Error:      res.Error,
		StartedAt:  started,
		FinishedAt: r.now().UTC(),
	})
	return res, err
}

func (r *Runner) runAll(ctx context.Context, runKey, attemptID string, res *RunResult) error {
	if err := r.step(ctx, attemptID, runKey, StepProvision, "", func() (int, error) {
		return 0, r.provisioner.Apply(ctx)
	}); err != nil {
		return err
	}

	for _, name := range r.order {
		if _, err := r.fetch(ctx, attemptID, runKey, name); err != nil {
			return err
		}
		n, err := r.normalize(ctx, attemptID, runKey, name)
		if err != nil {
			return err
		}
		res.Normalized[name] = n
	}

	loaded, err := r.load(ctx, attemptID, runKey)
	if err != nil {
		return err
	}
	res.Loaded = loaded

	rep, err := r.verify(ctx, attemptID, runKey)
	res.Report = &rep
	return err
}

// RunStep executes one step. For fetch and normalize an empty provider means
// every configured provider. The returned count is the number of records the
// step produced or loaded.
func (r *Runner) RunStep(ctx context.Context, runKey string, step Step, provider string) (int, error) {
	if runKey != "" {
		if err := artifact.ValidateRunKey(runKey); err != nil {
			return 0, err
		}
	}
	attemptID := uuid.NewString()

	switch step {
	case StepProvision:
		return 0, r.step(ctx, attemptID, runKey, StepProvision, "", func() (int, error) {
			return 0, r.provisioner.Apply(ctx)
		})
	case StepFetch, StepNormalize:
		names, err := r.selectProviders(provider)
		if err != nil {
			return 0, err
		}
		total := 0
		for _, name := range names {
			var n int
			if step == StepFetch {
				_, err = r.fetch(ctx, attemptID, runKey, name)
				n = 1
			} else {
				n, err = r.normalize(ctx, attemptID, runKey, name)
			}
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	case StepLoad:
		return r.load(ctx, attemptID, runKey)
	case StepVerify:
		rep, err := r.verify(ctx, attemptID, runKey)
		return int(rep.Count), err
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStep, step)
	}
}

// Fetch runs the fetch step for one provider and returns the raw artifact
// path. Without a run key the artifact is named by the compact UTC stamp.
func (r *Runner) Fetch(ctx context.Context, runKey, provider string) (string, error) {
	return r.fetch(ctx, uuid.NewString(), runKey, provider)
}

// Normalize runs the normalize step for one provider and returns the number
// of records written.
func (r *Runner) Normalize(ctx context.Context, runKey, provider string) (int, error) {
	return r.normalize(ctx, uuid.NewString(), runKey, provider)
}

// Load runs the bulk load for runKey.
func (r *Runner) Load(ctx context.Context, runKey string) (int, error) {
	return r.load(ctx, uuid.NewString(), runKey)
}

// Verify runs the post-load checks.
func (r *Runner) Verify(ctx context.Context, runKey string) (verify.Report, error) {
	return r.verify(ctx, uuid.NewString(), runKey)
}

func (r *Runner) fetch(ctx context.Context, attemptID, runKey, name string) (string, error) {
	p, ok := r.providers[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	var path string
	err := r.step(ctx, attemptID, runKey, StepFetch, name, func() (int, error) {
		raw, err := p.Fetch(ctx, runKey)
		if err != nil {
			return 0, err
		}
		key := runKey
		if key == "" {
			key = weather.CompactStamp(r.now())
		}
		path = r.layout.RawPath(key, name)
		if err := artifact.WriteRaw(path, raw); err != nil {
			return 0, fmt.Errorf("writing %s: %w", path, err)
		}
		r.archive(ctx, path)
		return 1, nil
	})
	return path, err
}

func (r *Runner) normalize(ctx context.Context, attemptID, runKey, name string) (int, error) {
	if runKey == "" {
		return 0, fmt.Errorf("normalize: %w", ErrRunKeyRequired)
	}
	p, ok := r.providers[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	var written int
	err := r.step(ctx, attemptID, runKey, StepNormalize, name, func() (int, error) {
		in := r.layout.RawPath(runKey, name)
		raw, err := artifact.ReadRaw(in)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return 0, &errs.NotFoundError{RunKey: runKey, Dir: r.layout.RawDir, Pattern: r.layout.RawPrefix + runKey + "__" + name + ".json"}
			}
			return 0, err
		}
		records, err := p.Normalize(raw, r.now())
		if err != nil {
			return 0, fmt.Errorf("run %s: %s: %w", runKey, in, err)
		}
		out := r.layout.ProcessedPath(runKey, name)
		written, err = artifact.WriteRecords(out, records)
		if err != nil {
			return 0, fmt.Errorf("writing %s: %w", out, err)
		}
		return written, nil
	})
	return written, err
}

func (r *Runner) load(ctx context.Context, attemptID, runKey string) (int, error) {
	var loaded int
	err := r.step(ctx, attemptID, runKey, StepLoad, "", func() (int, error) {
		var err error
		loaded, err = r.loader.Load(ctx, runKey)
		return loaded, err
	})
	return loaded, err
}

func (r *Runner) verify(ctx context.Context, attemptID, runKey string) (verify.Report, error) {
	var rep verify.Report
	err := r.step(ctx, attemptID, runKey, StepVerify, "", func() (int, error) {
		var err error
		rep, err = r.verifier.Check(ctx)
		return int(rep.Count), err
	})
	return rep, err
}

// step wraps one step execution with the ledger, metrics and logging.
func (r *Runner) step(ctx context.Context, attemptID, runKey string, step Step, provider string, fn func() (int, error)) error {
	rec := StepRecord{
		ID:        uuid.NewString(),
		AttemptID: attemptID,
		RunKey:    runKey,
		Step:      step,
		Provider:  provider,
		Status:    StatusRunning,
		StartedAt: r.now().UTC(),
	}
	log := zap.L().With(
		zap.String("run_key", runKey),
		zap.String("step", string(step)),
		zap.String("provider", provider),
		zap.String("attempt_id", attemptID),
	)
	r.save(ctx, rec, log)

	start := time.Now()
	n, err := fn()
	elapsed := time.Since(start)

	finished := r.now().UTC()
	rec.FinishedAt = &finished
	rec.Records = n
	rec.Status = StatusSucceeded
	outcome := "ok"
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
		outcome = "error"
		log.Error("step failed", zap.Error(err), zap.Duration("elapsed", elapsed))
	} else {
		log.Info("step done", zap.Int("records", n), zap.Duration("elapsed", elapsed))
	}
	metrics.StepDuration.WithLabelValues(string(step), outcome).Observe(elapsed.Seconds())
	r.save(ctx, rec, log)
	return err
}

func (r *Runner) save(ctx context.Context, rec StepRecord, log *zap.Logger) {
	if r.ledger == nil {
		return
	}
	if err := r.ledger.SaveStep(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("ledger write failed", zap.Error(err))
	}
}

func (r *Runner) archive(ctx context.Context, path string) {
	if r.archiver == nil {
		return
	}
	if err := r.archiver.Archive(ctx, path); err != nil {
		zap.L().Warn("archiving raw artifact failed", zap.String("artifact", path), zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, ev notify.Event) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		zap.L().Warn("publishing run event failed", zap.String("run_key", ev.RunKey), zap.Error(err))
	}
}

func (r *Runner) selectProviders(name string) ([]string, error) {
	if name == "" {
		return r.order, nil
	}
	if _, ok := r.providers[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return []string{name}, nil
}

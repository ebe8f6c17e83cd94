// Package loader delivers a run's normalized records into the target store.
//
// Writes are idempotent upserts keyed by doc_id, sent in bounded batches.
// Periodic refresh is disabled for the duration of a load and always
// restored afterwards, whether the load succeeded or not.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/weather-etl/internal/artifact"
	"github.com/i474232898/weather-etl/internal/elastic"
	"github.com/i474232898/weather-etl/internal/errs"
	"github.com/i474232898/weather-etl/internal/metrics"
)

const (
	DefaultBatchSize       = 500
	DefaultRefreshInterval = "1s"

	disabledRefresh = "-1"
	restoreTimeout  = 30 * time.Second
)

// Store is the part of the target store the loader writes through.
type Store interface {
	Bulk(ctx context.Context, pipeline string, body []byte) ([]byte, error)
	SetRefreshInterval(ctx context.Context, target, value string) error
	Refresh(ctx context.Context, target string) error
}

// Options configures a Loader.
type Options struct {
	// Target is the alias (or index) documents are written to.
	Target string
	// Pipeline is the server-side ingest pipeline every batch is routed through.
	Pipeline        string
	BatchSize       int
	RefreshInterval string
}

// Loader is the bulk loader. It holds no state between calls.
type Loader struct {
	store  Store
	layout artifact.Layout
	opts   Options
}

func New(store Store, layout artifact.Layout, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RefreshInterval == "" {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	return &Loader{store: store, layout: layout, opts: opts}
}

// Load writes every normalized record of the run and returns the number of
// items the store acknowledged. An empty runKey loads only the most recently
// modified artifact.
//
// Any error aborts the load. Batches already acknowledged stay applied; the
// caller retries the whole run and relies on doc_id upserts to make that safe.
func (l *Loader) Load(ctx context.Context, runKey string) (total int, err error) {
	files, err := l.layout.ProcessedFilesForRun(runKey)
	if err != nil {
		return 0, err
	}

	log := zap.L().With(
		zap.String("run_key", runKey),
		zap.String("target", l.opts.Target),
		zap.String("attempt_id", uuid.NewString()),
	)
	log.Info("bulk load starting",
		zap.Strings("inputs", files),
		zap.Int("batch_size", l.opts.BatchSize),
		zap.String("pipeline", l.opts.Pipeline),
	)

	if err := l.store.SetRefreshInterval(ctx, l.opts.Target, disabledRefresh); err != nil {
		return 0, fmt.Errorf("run %s: disabling refresh: %w", runKey, err)
	}
	defer func() {
		if rerr := l.restoreRefresh(ctx); rerr != nil {
			log.Error("restoring refresh failed", zap.Error(rerr))
			err = errors.Join(err, fmt.Errorf("run %s: %w", runKey, rerr))
		}
	}()

	for _, file := range files {
		n, err := l.loadFile(ctx, file, log)
		total += n
		if err != nil {
			return total, fmt.Errorf("run %s: artifact %s: %w", runKey, file, err)
		}
	}

	log.Info("bulk load done", zap.Int("total", total))
	return total, nil
}

// restoreRefresh puts the normal refresh interval back and forces a refresh.
// It runs on a context detached from the caller's cancellation so an aborted
// load still leaves the store in its fast-visibility state.
func (l *Loader) restoreRefresh(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()

	setErr := l.store.SetRefreshInterval(rctx, l.opts.Target, l.opts.RefreshInterval)
	refreshErr := l.store.Refresh(rctx, l.opts.Target)
	return errors.Join(setErr, refreshErr)
}

// loadFile streams one artifact into batches and returns the acknowledged
// item count.
func (l *Loader) loadFile(ctx context.Context, file string, log *zap.Logger) (int, error) {
	var (
		total int
		batch = make([]elastic.Document, 0, l.opts.BatchSize)
		seq   int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		seq++
		n, err := l.sendBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", seq, err)
		}
		total += n
		log.Debug("bulk ok", zap.String("artifact", file), zap.Int("batch", seq), zap.Int("items", n), zap.Int("total", total))
		batch = batch[:0]
		return nil
	}

	err := artifact.ScanLines(file, func(line int, data []byte) error {
		doc, err := parseRecord(data)
		if err != nil {
			var verr *errs.ValidationError
			if errors.As(err, &verr) {
				verr.Artifact = file
				verr.Line = line
			}
			return err
		}
		batch = append(batch, doc)
		if len(batch) >= l.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}
	log.Info("artifact loaded", zap.String("artifact", file), zap.Int("items", total), zap.Int("batches", seq))
	return total, nil
}

// sendBatch submits one bulk request and interprets the answer.
func (l *Loader) sendBatch(ctx context.Context, docs []elastic.Document) (int, error) {
	body, err := elastic.BuildBulkBody(l.opts.Target, docs)
	if err != nil {
		return 0, err
	}

	resp, err := l.store.Bulk(ctx, l.opts.Pipeline, body)
	if err != nil {
		metrics.BulkBatches.WithLabelValues("transport_error").Inc()
		return 0, err
	}

	parsed, err := elastic.ParseBulkResponse(resp)
	if err != nil {
		var itemErr *errs.BatchItemError
		if errors.As(err, &itemErr) {
			metrics.BulkBatches.WithLabelValues("item_error").Inc()
		} else {
			metrics.BulkBatches.WithLabelValues("protocol_mismatch").Inc()
		}
		return 0, err
	}

	if len(parsed.Items) != len(docs) {
		metrics.BulkBatches.WithLabelValues("protocol_mismatch").Inc()
		return 0, &errs.ProtocolMismatchError{
			Reason:   "item count differs from documents sent",
			Sent:     len(docs),
			Received: len(parsed.Items),
		}
	}

	metrics.BulkBatches.WithLabelValues("ok").Inc()
	metrics.DocumentsIndexed.WithLabelValues(l.opts.Target).Add(float64(len(parsed.Items)))
	return len(parsed.Items), nil
}

// parseRecord checks that a line is a JSON object with a non-empty string
// doc_id and returns it ready for the bulk body.
func parseRecord(data []byte) (elastic.Document, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return elastic.Document{}, &errs.ValidationError{
			Reason: "malformed record: " + err.Error(),
			Record: errs.Truncate(string(data), 200),
		}
	}
	if fields == nil {
		return elastic.Document{}, &errs.ValidationError{Reason: "record is not a JSON object", Record: errs.Truncate(string(data), 200)}
	}

	var id string
	if raw, ok := fields["doc_id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return elastic.Document{}, &errs.ValidationError{
				Reason: "doc_id must be a string",
				Record: errs.Truncate(string(data), 200),
			}
		}
	}
	if id == "" {
		return elastic.Document{}, &errs.ValidationError{
			Reason: "missing doc_id",
			Record: errs.Truncate(string(data), 200),
		}
	}

	src := make(json.RawMessage, len(data))
	copy(src, data)
	return elastic.Document{ID: id, Source: src}, nil
}

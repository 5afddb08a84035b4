package dispatch

import (
	"context"
	"iter"
	"log/slog"
	"time"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/events"
	"cloudnetproc/internal/metrics"
	"cloudnetproc/internal/notify"
)

// Executor runs one task to an outcome.
type Executor interface {
	Execute(ctx context.Context, t domain.Task) domain.Outcome
}

// Dispatcher runs resolved tasks synchronously. One task's failure never stops the batch;
// retryable failures are attempted again with backoff, then escalated.
type Dispatcher struct {
	Engine   Executor
	Catalog  *catalog.Catalog
	Retry    config.Retry
	Events   events.Writer
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	// Sleep waits between attempts; it returns early with ctx's error.
	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger *slog.Logger
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunBatch executes the tasks in order. An error from the sequence aborts the batch and is
// returned together with the partial report; so does cancellation of ctx.
func (d *Dispatcher) RunBatch(ctx context.Context, tasks iter.Seq2[domain.Task, error]) (domain.BatchReport, error) {
	var report domain.BatchReport
	for t, err := range tasks {
		if err != nil {
			return report, err
		}
		item, err := d.run(ctx, t)
		if err != nil {
			return report, err
		}
		report.Add(item)
		d.record(ctx, item)
	}
	d.logger().Info("batch finished", "total", report.Total(), "processed", report.Processed,
		"skipped", report.Skipped, "retryable", report.Retryable, "fatal", report.Fatal, "escalated", report.Escalated)
	return report, nil
}

// RunTasks is RunBatch over an already resolved slice.
func (d *Dispatcher) RunTasks(ctx context.Context, tasks []domain.Task) (domain.BatchReport, error) {
	return d.RunBatch(ctx, func(yield func(domain.Task, error) bool) {
		for _, t := range tasks {
			if !yield(t, nil) {
				return
			}
		}
	})
}

func (d *Dispatcher) run(ctx context.Context, t domain.Task) (domain.ReportItem, error) {
	item := domain.ReportItem{Task: t, BestEffort: d.bestEffort(t.Fingerprint.Product)}
	sleep := d.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	backoff := BackoffFrom(d.Retry)
	maxAttempts := max(d.Retry.MaxAttempts, 1)
	for {
		item.Attempts++
		start := d.now()
		out := d.Engine.Execute(ctx, t)
		d.Metrics.Attempt(t, out, d.now().Sub(start))
		item.Outcome = out
		if !out.IsRetryable() {
			return item, nil
		}
		if item.Attempts >= maxAttempts {
			item.Escalated = true
			item.Outcome.Failure = domain.FailureFatal
			return item, nil
		}
		delay := backoff.Delay(item.Attempts)
		d.logger().Info("retrying task", "fingerprint", t.Fingerprint.String(), "action", t.Action,
			"attempt", item.Attempts, "delay", delay, "err", out.Error)
		if err := sleep(ctx, delay); err != nil {
			return item, err
		}
	}
}

func (d *Dispatcher) bestEffort(product string) bool {
	if d.Catalog == nil {
		return false
	}
	desc, ok := d.Catalog.Get(product)
	return ok && desc.BestEffort
}

// record logs, counts and persists one final outcome.
func (d *Dispatcher) record(ctx context.Context, item domain.ReportItem) {
	recordOutcome(ctx, d.logger(), d.Events, d.Metrics, d.Notifier, item)
}

func recordOutcome(ctx context.Context, log *slog.Logger, w events.Writer, m *metrics.Metrics, n notify.Notifier, item domain.ReportItem) {
	t, out := item.Task, item.Outcome
	fp := t.Fingerprint
	attrs := []any{"site", fp.Site, "date", fp.Date.String(), "product", fp.Product, "action", t.Action, "status", out.Status}
	if fp.InstrumentPID != "" {
		attrs = append(attrs, "instrument_pid", fp.InstrumentPID)
	}
	if fp.ModelID != "" {
		attrs = append(attrs, "model", fp.ModelID)
	}
	switch {
	case out.Status == domain.StatusFailed:
		attrs = append(attrs, "failure", out.Failure, "attempts", item.Attempts, "escalated", item.Escalated, "err", out.Error)
		log.Error("task failed", attrs...)
	case out.Status == domain.StatusSkipped:
		log.Info("task skipped", append(attrs, "reason", out.Reason)...)
	default:
		log.Info("task processed", append(attrs, "summary", out.Summary)...)
	}
	m.Outcome(t, out)
	if item.Escalated {
		if err := w.Append(ctx, nil, events.TypeTaskEscalated, fp, events.EventPayload{"attempts": item.Attempts, "error": out.Error}); err != nil {
			log.Warn("append event failed", "err", err)
		}
	}
	if err := w.Outcome(ctx, t, out, item.Attempts); err != nil {
		log.Warn("append event failed", "err", err)
	}
	if n != nil && (out.IsFatal() || item.Escalated) {
		n.Alert(ctx, item)
	}
}

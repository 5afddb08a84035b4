package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/engine"
	"cloudnetproc/internal/events"
	"cloudnetproc/internal/metadata"
	"cloudnetproc/internal/metrics"
	"cloudnetproc/internal/notify"
	"cloudnetproc/internal/repo"
)

const (
	followUpSeveralUpstreams = 15 * time.Minute
	followUpStableExists     = time.Hour
	maxPriority              = 10
)

// Classifier re-resolves a queued fingerprint at execution time.
type Classifier interface {
	Classify(ctx context.Context, fp domain.Fingerprint, mode domain.Mode, opts domain.Options) (domain.Task, error)
}

// Publisher places tasks on the durable queue and records the publication.
type Publisher struct {
	Repo        repo.Repo
	Events      events.Writer
	Metrics     *metrics.Metrics
	MaxAttempts int
	Now         func() time.Time
}

func (p Publisher) Publish(ctx context.Context, t domain.QueueTask) (domain.QueueTask, error) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = p.MaxAttempts
	}
	if t.Kind == "" {
		t.Kind = domain.ModeProcess
	}
	if _, err := domain.ParseMode(string(t.Kind)); err != nil {
		return t, err
	}
	out, err := p.Repo.Publish(ctx, t, now)
	if err != nil {
		return out, err
	}
	p.Metrics.Queue("published")
	err = p.Events.Append(ctx, nil, events.TypeQueuePublish, out.Fingerprint, events.EventPayload{
		"id": out.ID, "queue": out.Queue, "kind": out.Kind, "priority": out.Priority, "scheduled_at": out.ScheduledAt,
	})
	return out, err
}

// Worker drains the durable queue. Entries are acknowledged only after execution, so a
// crash leads to redelivery once the visibility timeout passes.
type Worker struct {
	Repo     repo.Repo
	Resolver Classifier
	Engine   Executor
	Catalog  *catalog.Catalog
	Store    metadata.Store
	// Queue is drained first; Fallback when Queue has nothing due.
	Queue        string
	Fallback     string
	OwnerID      string
	Visibility   time.Duration
	PollInterval time.Duration
	// MaxTasks stops the worker after that many entries; 0 means unbounded.
	MaxTasks  int
	Retry     config.Retry
	Publisher Publisher
	Events    events.Writer
	Metrics   *metrics.Metrics
	Notifier  notify.Notifier
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
	Logger    *slog.Logger
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run processes entries until MaxTasks is reached or ctx is cancelled. An idle worker
// polls every PollInterval.
func (w *Worker) Run(ctx context.Context) (domain.BatchReport, error) {
	var report domain.BatchReport
	sleep := w.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	for w.MaxTasks <= 0 || report.Total() < w.MaxTasks {
		if ctx.Err() != nil {
			return report, nil
		}
		item, ok, err := w.Step(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			if err := sleep(ctx, poll); err != nil {
				return report, nil
			}
			continue
		}
		report.Add(item)
	}
	w.logger().Info("worker reached max tasks", "max_tasks", w.MaxTasks)
	return report, nil
}

// Step handles at most one entry. ok is false when no queue had a due entry.
func (w *Worker) Step(ctx context.Context) (domain.ReportItem, bool, error) {
	qt, err := w.receive(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ReportItem{}, false, nil
	}
	if err != nil {
		return domain.ReportItem{}, false, fmt.Errorf("receive: %w", err)
	}
	w.Metrics.Queue("received")
	log := w.logger().With("queue_task", qt.ID, "queue", qt.Queue, "fingerprint", qt.Fingerprint.String())

	item := domain.ReportItem{Attempts: qt.Attempts}
	if desc, ok := w.Catalog.Get(qt.Fingerprint.Product); ok {
		item.BestEffort = desc.BestEffort
	}
	task, err := w.Resolver.Classify(ctx, qt.Fingerprint, qt.Kind, qt.Options)
	if err != nil {
		item.Task = domain.Task{Fingerprint: qt.Fingerprint, Mode: qt.Kind, Options: qt.Options}
		item.Outcome = domain.Failed(engine.Classify(err), err)
	} else {
		item.Task = task
		start := w.now()
		item.Outcome = w.Engine.Execute(ctx, task)
		w.Metrics.Attempt(task, item.Outcome, w.now().Sub(start))
	}

	if err := w.settle(ctx, qt, &item); err != nil {
		if errors.Is(err, repo.ErrNotClaimed) {
			// Visibility expired mid-task and another worker owns the entry now.
			log.Warn("queue entry lost to another worker")
			return item, true, nil
		}
		return item, true, err
	}
	recordOutcome(ctx, w.logger(), w.Events, w.Metrics, w.Notifier, item)

	if item.Outcome.Status == domain.StatusProcessed && qt.Derived && qt.Kind == domain.ModeProcess {
		if err := w.publishFollowUps(ctx, qt); err != nil {
			log.Warn("publish follow-ups failed", "err", err)
		}
	}
	return item, true, nil
}

func (w *Worker) receive(ctx context.Context) (domain.QueueTask, error) {
	queue := w.Queue
	if queue == "" {
		queue = config.DefaultQueue
	}
	qt, err := w.Repo.Receive(ctx, queue, w.OwnerID, w.Visibility, w.now())
	if errors.Is(err, repo.ErrNotFound) && w.Fallback != "" && w.Fallback != queue {
		return w.Repo.Receive(ctx, w.Fallback, w.OwnerID, w.Visibility, w.now())
	}
	return qt, err
}

// settle acknowledges, reschedules or fails the entry according to the outcome.
func (w *Worker) settle(ctx context.Context, qt domain.QueueTask, item *domain.ReportItem) error {
	now := w.now()
	out := item.Outcome
	switch {
	case !out.IsRetryable() && out.Status != domain.StatusFailed:
		if err := w.Repo.Complete(ctx, qt.ID, w.OwnerID, now); err != nil {
			return err
		}
		w.Metrics.Queue("completed")
		return nil
	case out.IsRetryable() && qt.Attempts < qt.MaxAttempts:
		next := now.Add(BackoffFrom(w.Retry).Delay(qt.Attempts))
		if err := w.Repo.Retry(ctx, qt.ID, w.OwnerID, next, out.Error, now); err != nil {
			return err
		}
		w.Metrics.Queue("retried")
		return nil
	}
	if out.IsRetryable() {
		item.Escalated = true
		item.Outcome.Failure = domain.FailureFatal
	}
	if err := w.Repo.Fail(ctx, qt.ID, w.OwnerID, out.Error, now); err != nil {
		return err
	}
	w.Metrics.Queue("failed")
	return w.Events.Append(ctx, nil, events.TypeQueueFailed, qt.Fingerprint, events.EventPayload{
		"id": qt.ID, "attempts": qt.Attempts, "error": out.Error,
	})
}

// publishFollowUps queues the derived products of a freshly processed fingerprint.
func (w *Worker) publishFollowUps(ctx context.Context, parent domain.QueueTask) error {
	fp := parent.Fingerprint
	days := fp.Date.DaysUntil(domain.DateOf(w.now()))
	priority := min(max(days, 0), maxPriority)
	for _, child := range w.Catalog.DerivedOf(fp.Product) {
		cfp := domain.Fingerprint{Site: fp.Site, Date: fp.Date, Product: child.ID}
		if child.InstrumentScoped {
			cfp.InstrumentPID = fp.InstrumentPID
		}
		if child.Kind == catalog.KindEvaluation {
			cfp.ModelID = child.Model
		}
		delay, err := w.followUpDelay(ctx, cfp, child)
		if err != nil {
			return err
		}
		_, err = w.Publisher.Publish(ctx, domain.QueueTask{
			Queue:       parent.Queue,
			Kind:        domain.ModeProcess,
			Fingerprint: cfp,
			Derived:     true,
			Priority:    priority,
			ScheduledAt: w.now().Add(delay),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// followUpDelay gives a product with several upstreams time to see all of them updated,
// and delays products that are already stable the longest.
func (w *Worker) followUpDelay(ctx context.Context, fp domain.Fingerprint, d catalog.Descriptor) (time.Duration, error) {
	if w.Store != nil {
		recs, err := w.Store.FileVersions(ctx, fp)
		if err != nil {
			return 0, err
		}
		for _, r := range recs {
			if r.State == domain.FileStable {
				return followUpStableExists, nil
			}
		}
	}
	if len(d.Upstream) > 1 {
		return followUpSeveralUpstreams, nil
	}
	return 0, nil
}

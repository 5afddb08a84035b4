package dispatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/db"
	"cloudnetproc/internal/dispatch"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/engine"
	"cloudnetproc/internal/events"
	"cloudnetproc/internal/lock"
	"cloudnetproc/internal/metadata"
	"cloudnetproc/internal/metrics"
	"cloudnetproc/internal/migrate"
	"cloudnetproc/internal/processing"
	"cloudnetproc/internal/repo"
	"cloudnetproc/internal/resolver"
	"cloudnetproc/internal/storage"
)

type workerEnv struct {
	Worker *dispatch.Worker
	Repo   repo.Repo
	Store  *metadata.Memory
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

var radar = domain.Fingerprint{Site: "A", Date: domain.NewDate(2024, 1, 1), Product: "radar", InstrumentPID: "pid-radar"}

func newWorkerEnv(t *testing.T) workerEnv {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	cfg := config.Default()
	cfg.Sites = []config.Site{{ID: "A", Instruments: []config.Instrument{{Type: "rpg-fmcw-94", PID: "pid-radar"}}}}
	cat, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	store := metadata.NewMemory()
	store.Now = now
	store.AddRawFile(domain.RawFile{Site: "A", Date: radar.Date, Instrument: "rpg-fmcw-94", InstrumentPID: "pid-radar", UpdatedAt: clock.Add(-time.Hour)})
	res := resolver.New(cfg, cat, store, nil)
	res.Now = now

	eng := &engine.Engine{
		Store:     store,
		Artifacts: storage.NewMemory(),
		Collaborator: processing.Func(func(_ context.Context, req processing.Request) (processing.Result, error) {
			path := filepath.Join(req.WorkDir, req.Fingerprint.Product+".nc")
			return processing.Result{Path: path}, os.WriteFile(path, []byte(req.Fingerprint.String()), 0o644)
		}),
		Locker:  lock.NewLocal(),
		Inputs:  res,
		WorkDir: t.TempDir(),
		Now:     now,
	}
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn, Now: now}
	m := metrics.New()
	w := &dispatch.Worker{
		Repo:       r,
		Resolver:   res,
		Engine:     eng,
		Catalog:    cat,
		Store:      store,
		Queue:      "priority",
		Fallback:   config.DefaultQueue,
		OwnerID:    "worker-1",
		Visibility: time.Hour,
		Retry:      config.Retry{MaxAttempts: 2, InitialDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2},
		Publisher:  dispatch.Publisher{Repo: r, Events: ev, Metrics: m, MaxAttempts: 2, Now: now},
		Events:     ev,
		Metrics:    m,
		Now:        now,
	}
	env := workerEnv{Worker: w, Repo: r, Store: store, Engine: eng, Ctx: ctx}
	env.Clock = &clock
	return env
}

func (env workerEnv) publish(t *testing.T, queue string, fp domain.Fingerprint, derived bool) domain.QueueTask {
	t.Helper()
	qt, err := env.Worker.Publisher.Publish(env.Ctx, domain.QueueTask{Queue: queue, Fingerprint: fp, Derived: derived})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return qt
}

func TestWorkerProcessesAndPublishesFollowUps(t *testing.T) {
	env := newWorkerEnv(t)
	qt := env.publish(t, "priority", radar, true)

	item, ok, err := env.Worker.Step(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("step: ok=%v err=%v", ok, err)
	}
	if item.Outcome.Status != domain.StatusProcessed {
		t.Fatalf("expected processed, got %+v", item.Outcome)
	}
	got, err := env.Repo.GetQueueTask(env.Ctx, qt.ID)
	if err != nil || got.Status != domain.QueueDone {
		t.Fatalf("entry not acknowledged: %+v %v", got, err)
	}

	pending, err := env.Repo.ListQueueTasks(env.Ctx, repo.QueueFilter{Queue: "priority", Status: domain.QueuePending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one follow-up, got %+v", pending)
	}
	follow := pending[0]
	if follow.Fingerprint.Product != "categorize" || !follow.Derived || follow.Priority != 2 {
		t.Fatalf("unexpected follow-up %+v", follow)
	}
	if want := time.Date(2024, 1, 3, 0, 15, 0, 0, time.UTC); !follow.ScheduledAt.Equal(want) {
		t.Fatalf("categorize has several upstreams and waits 15m, scheduled %s", follow.ScheduledAt)
	}

	evts, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: events.TypeTaskExecuted})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one executed event, got %d %v", len(evts), err)
	}
}

func TestWorkerFallsBackToDefaultQueue(t *testing.T) {
	env := newWorkerEnv(t)
	env.publish(t, config.DefaultQueue, radar, false)
	item, ok, err := env.Worker.Step(env.Ctx)
	if err != nil || !ok || item.Outcome.Status != domain.StatusProcessed {
		t.Fatalf("fallback step: ok=%v err=%v item=%+v", ok, err, item)
	}
	if _, ok, _ := env.Worker.Step(env.Ctx); ok {
		t.Fatalf("queues should be empty, derived=false publishes nothing")
	}
}

func TestWorkerRedeliveryIsIdempotent(t *testing.T) {
	env := newWorkerEnv(t)
	env.publish(t, "priority", radar, false)
	if _, _, err := env.Worker.Step(env.Ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	// The same fingerprint arrives again, as after a crash before acknowledgement.
	env.publish(t, "priority", radar, false)
	item, _, err := env.Worker.Step(env.Ctx)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if item.Outcome.Status != domain.StatusSkipped || item.Outcome.Reason != domain.ReasonNoChange {
		t.Fatalf("redelivered task must be a no-op, got %+v", item.Outcome)
	}
	if n := len(env.Store.All()); n != 1 {
		t.Fatalf("expected a single record, got %d", n)
	}
}

func TestWorkerRetriesThenFails(t *testing.T) {
	env := newWorkerEnv(t)
	env.Engine.Collaborator = processing.Func(func(context.Context, processing.Request) (processing.Result, error) {
		return processing.Result{}, processing.Retryable("upstream data not yet available", nil)
	})
	qt := env.publish(t, "priority", radar, false)

	item, _, err := env.Worker.Step(env.Ctx)
	if err != nil || !item.Outcome.IsRetryable() {
		t.Fatalf("first attempt: %+v %v", item, err)
	}
	got, _ := env.Repo.GetQueueTask(env.Ctx, qt.ID)
	if got.Status != domain.QueuePending || got.LastError == "" {
		t.Fatalf("expected rescheduled entry, got %+v", got)
	}
	if _, ok, _ := env.Worker.Step(env.Ctx); ok {
		t.Fatalf("retry must wait for its backoff")
	}

	*env.Clock = env.Clock.Add(2 * time.Minute)
	item, ok, err := env.Worker.Step(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("second attempt: ok=%v err=%v", ok, err)
	}
	if !item.Escalated || !item.Outcome.IsFatal() {
		t.Fatalf("exhausted retries must escalate, got %+v", item)
	}
	got, _ = env.Repo.GetQueueTask(env.Ctx, qt.ID)
	if got.Status != domain.QueueFailed || got.Attempts != 2 {
		t.Fatalf("expected failed entry, got %+v", got)
	}
}

func TestWorkerRunStopsAtMaxTasks(t *testing.T) {
	env := newWorkerEnv(t)
	env.publish(t, "priority", radar, false)
	lidar := radar
	lidar.Product = "lidar"
	env.publish(t, "priority", lidar, false)
	env.Worker.MaxTasks = 1
	report, err := env.Worker.Run(env.Ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Total() != 1 {
		t.Fatalf("expected 1 task, got %d", report.Total())
	}

	ctx, cancel := context.WithCancel(env.Ctx)
	env.Worker.MaxTasks = 0
	env.Worker.Sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	report, err = env.Worker.Run(ctx)
	if err != nil || report.Total() != 1 {
		t.Fatalf("idle worker must stop on cancellation: %d %v", report.Total(), err)
	}
}

package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/dispatch"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/metrics"
)

// scripted returns queued outcomes per product, then processed.
type scripted struct {
	outcomes map[string][]domain.Outcome
	calls    map[string]int
}

func (s *scripted) Execute(_ context.Context, t domain.Task) domain.Outcome {
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[t.Fingerprint.Product]++
	queue := s.outcomes[t.Fingerprint.Product]
	if len(queue) == 0 {
		return domain.Processed(nil, "ok")
	}
	out := queue[0]
	s.outcomes[t.Fingerprint.Product] = queue[1:]
	return out
}

type recordedNotifier struct{ items []domain.ReportItem }

func (r *recordedNotifier) Alert(_ context.Context, item domain.ReportItem) {
	r.items = append(r.items, item)
}

func task(product string) domain.Task {
	return domain.Task{
		Fingerprint: domain.Fingerprint{Site: "hyytiala", Date: domain.NewDate(2024, 1, 1), Product: product},
		Mode:        domain.ModeProcess,
		Action:      domain.ActionCreateVolatile,
	}
}

func newDispatcher(t *testing.T, exec dispatch.Executor) (*dispatch.Dispatcher, *[]time.Duration, *recordedNotifier) {
	t.Helper()
	cat, err := catalog.New(config.Default())
	require.NoError(t, err)
	var delays []time.Duration
	n := &recordedNotifier{}
	d := &dispatch.Dispatcher{
		Engine:   exec,
		Catalog:  cat,
		Retry:    config.Retry{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
		Metrics:  metrics.New(),
		Notifier: n,
		Sleep: func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}
	return d, &delays, n
}

func TestBatchIsolatesFatalFailures(t *testing.T) {
	exec := &scripted{outcomes: map[string][]domain.Outcome{
		"lidar": {domain.Failed(domain.FailureFatal, errors.New("corrupt"))},
	}}
	d, delays, n := newDispatcher(t, exec)
	report, err := d.RunTasks(context.Background(), []domain.Task{task("radar"), task("lidar"), task("mwr")})
	require.NoError(t, err)

	require.Len(t, report.Items, 3)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Fatal)
	assert.Equal(t, 1, report.ExitCode())
	assert.Equal(t, 1, exec.calls["lidar"], "fatal failures are never retried")
	assert.Empty(t, *delays)
	require.Len(t, n.items, 1)
	assert.Equal(t, "lidar", n.items[0].Task.Fingerprint.Product)
}

func TestBatchRetriesThenResolves(t *testing.T) {
	retry := domain.Failed(domain.FailureRetryable, errors.New("portal 503"))
	exec := &scripted{outcomes: map[string][]domain.Outcome{"radar": {retry, retry}}}
	d, delays, _ := newDispatcher(t, exec)
	report, err := d.RunTasks(context.Background(), []domain.Task{task("radar")})
	require.NoError(t, err)

	item := report.Items[0]
	assert.Equal(t, domain.StatusProcessed, item.Outcome.Status)
	assert.Equal(t, 3, item.Attempts)
	assert.False(t, item.Escalated)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	assert.Equal(t, 0, report.ExitCode())
}

func TestBatchEscalatesExhaustedRetries(t *testing.T) {
	retry := domain.Failed(domain.FailureRetryable, errors.New("timeout"))
	exec := &scripted{outcomes: map[string][]domain.Outcome{
		"radar":       {retry, retry, retry},
		"disdrometer": {retry, retry, retry},
	}}
	d, _, n := newDispatcher(t, exec)
	report, err := d.RunTasks(context.Background(), []domain.Task{task("radar"), task("disdrometer")})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Escalated)
	assert.Equal(t, 2, report.Fatal)
	assert.True(t, report.Items[0].Outcome.IsFatal())
	assert.True(t, report.Items[1].BestEffort)
	require.Len(t, report.Failures(), 1, "best-effort products do not fail the batch")
	assert.Equal(t, 1, report.ExitCode())
	assert.Len(t, n.items, 2)
}

func TestBatchBestEffortOnly(t *testing.T) {
	exec := &scripted{outcomes: map[string][]domain.Outcome{
		"disdrometer": {domain.Failed(domain.FailureFatal, errors.New("corrupt"))},
	}}
	d, _, _ := newDispatcher(t, exec)
	report, err := d.RunTasks(context.Background(), []domain.Task{task("disdrometer")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fatal)
	assert.Equal(t, 0, report.ExitCode())
}

func TestBatchAbortsOnResolverError(t *testing.T) {
	d, _, _ := newDispatcher(t, &scripted{})
	boom := errors.New("portal unreachable")
	report, err := d.RunBatch(context.Background(), func(yield func(domain.Task, error) bool) {
		if !yield(task("radar"), nil) {
			return
		}
		yield(domain.Task{}, boom)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, report.Total())
}

func TestBackoffDelay(t *testing.T) {
	b := dispatch.Backoff{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(10))

	b.Jitter = true
	for range 20 {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

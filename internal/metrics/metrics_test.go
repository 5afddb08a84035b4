package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/metrics"
)

func TestOutcomeCounters(t *testing.T) {
	m := metrics.New()
	task := domain.Task{Action: domain.ActionCreateVolatile}
	m.Attempt(task, domain.Failed(domain.FailureRetryable, nil), time.Second)
	m.Attempt(task, domain.Processed(nil, ""), time.Second)
	m.Outcome(task, domain.Processed(nil, ""))
	m.Outcome(domain.Task{Action: domain.ActionSkip}, domain.Skipped(domain.ReasonNoChange))
	m.Queue("published")

	count, err := testutil.GatherAndCount(m.Registry(), "cnp_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	expected := `
# HELP cnp_attempts_total Execution attempts by result.
# TYPE cnp_attempts_total counter
cnp_attempts_total{result="processed"} 1
cnp_attempts_total{result="retryable"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "cnp_attempts_total"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `cnp_queue_tasks_total{event="published"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.Outcome(domain.Task{}, domain.Outcome{})
	m.Queue("published")
	assert.Nil(t, m.Registry())
}

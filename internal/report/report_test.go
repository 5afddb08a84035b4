package report_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/report"
)

func sampleReport() domain.BatchReport {
	fp := domain.Fingerprint{Site: "hyytiala", Date: domain.NewDate(2024, 1, 1), Product: "radar", InstrumentPID: "pid-1"}
	var r domain.BatchReport
	r.Add(domain.ReportItem{Task: domain.Task{Fingerprint: fp, Action: domain.ActionCreateVolatile}, Outcome: domain.Processed(nil, "volatile radar.nc"), Attempts: 1})
	fp.Product = "lidar"
	r.Add(domain.ReportItem{Task: domain.Task{Fingerprint: fp, Action: domain.ActionSkip}, Outcome: domain.Skipped(domain.ReasonNoChange)})
	fp.Product = "mwr"
	r.Add(domain.ReportItem{Task: domain.Task{Fingerprint: fp, Action: domain.ActionCreateVolatile},
		Outcome: domain.Failed(domain.FailureRetryable, errors.New("timeout")), Attempts: 3, Escalated: true})
	return r
}

func TestBatchTable(t *testing.T) {
	var buf bytes.Buffer
	report.Batch(&buf, sampleReport())
	out := buf.String()
	assert.Contains(t, out, "volatile radar.nc")
	assert.Contains(t, out, "no_change")
	assert.Contains(t, out, "failed (escalated)")
	assert.Contains(t, out, "processed 1, skipped 1, retryable 0, fatal 1, escalated 1")
}

func TestBatchJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.JSON(&buf, sampleReport()))
	var decoded domain.BatchReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded.Items, 3)
	assert.Equal(t, domain.FailureFatal, decoded.Items[2].Outcome.Failure)
}

package domain

// ReportItem records the final outcome of one task in a batch.
type ReportItem struct {
	Task     Task    `json:"task"`
	Outcome  Outcome `json:"outcome"`
	Attempts int     `json:"attempts"`
	// Escalated is set when a retryable failure exhausted its attempts.
	Escalated  bool `json:"escalated,omitempty"`
	BestEffort bool `json:"best_effort,omitempty"`
}

// BatchReport aggregates per-task outcomes in execution order.
type BatchReport struct {
	Items     []ReportItem `json:"items"`
	Processed int          `json:"processed"`
	Skipped   int          `json:"skipped"`
	Retryable int          `json:"retryable"`
	Fatal     int          `json:"fatal"`
	Escalated int          `json:"escalated"`
}

func (r *BatchReport) Add(item ReportItem) {
	if item.Escalated && item.Outcome.Status == StatusFailed {
		item.Outcome.Failure = FailureFatal
	}
	r.Items = append(r.Items, item)
	switch item.Outcome.Status {
	case StatusProcessed:
		r.Processed++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		if item.Escalated {
			r.Escalated++
		}
		if item.Outcome.Failure == FailureFatal {
			r.Fatal++
		} else {
			r.Retryable++
		}
	}
}

func (r *BatchReport) Total() int { return len(r.Items) }

// Failures returns fatal failures on products that are not best effort.
func (r *BatchReport) Failures() []ReportItem {
	var out []ReportItem
	for _, it := range r.Items {
		if it.Outcome.IsFatal() && !it.BestEffort {
			out = append(out, it)
		}
	}
	return out
}

// ExitCode is non-zero only when a fatal failure hit a product that is not best effort.
func (r *BatchReport) ExitCode() int {
	if len(r.Failures()) > 0 {
		return 1
	}
	return 0
}

package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"cloudnetproc/internal/domain"
)

func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Batch renders one row per task followed by the aggregate counts.
func Batch(w io.Writer, r domain.BatchReport) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Date", "Product", "Instrument/Model", "Action", "Status", "Detail", "Attempts"})
	for _, it := range r.Items {
		fp := it.Task.Fingerprint
		tw.AppendRow(table.Row{fp.Date.String(), fp.Product, qualifier(fp), it.Task.Action, status(it), detail(it), it.Attempts})
	}
	tw.AppendFooter(table.Row{"", "", "", "total", r.Total(),
		fmt.Sprintf("processed %d, skipped %d, retryable %d, fatal %d, escalated %d", r.Processed, r.Skipped, r.Retryable, r.Fatal, r.Escalated), ""})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 7, Align: text.AlignRight}})
	tw.Style().Format.Footer = text.FormatDefault
	tw.Render()
}

// Tasks renders resolved tasks without executing them.
func Tasks(w io.Writer, tasks []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Date", "Product", "Instrument/Model", "Action", "Reason"})
	for _, t := range tasks {
		fp := t.Fingerprint
		tw.AppendRow(table.Row{fp.Date.String(), fp.Product, qualifier(fp), t.Action, t.Reason})
	}
	tw.Render()
}

func QueueTasks(w io.Writer, tasks []domain.QueueTask) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Queue", "Kind", "Fingerprint", "Status", "Priority", "Attempts", "Scheduled", "Last error"})
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Queue, t.Kind, t.Fingerprint.String(), t.Status, t.Priority,
			fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts), t.ScheduledAt.Format(time.RFC3339), text.Trim(t.LastError, 60)})
	}
	tw.Render()
}

func Events(w io.Writer, evts []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Site", "Date", "Product", "Payload"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Site, e.Date, e.Product, text.Trim(e.Payload, 80)})
	}
	tw.Render()
}

func qualifier(fp domain.Fingerprint) string {
	switch {
	case fp.InstrumentPID != "":
		return fp.InstrumentPID
	case fp.ModelID != "":
		return fp.ModelID
	}
	return ""
}

func status(it domain.ReportItem) string {
	o := it.Outcome
	if o.Status != domain.StatusFailed {
		return string(o.Status)
	}
	if it.Escalated {
		return "failed (escalated)"
	}
	return fmt.Sprintf("failed (%s)", o.Failure)
}

func detail(it domain.ReportItem) string {
	o := it.Outcome
	switch o.Status {
	case domain.StatusSkipped:
		return string(o.Reason)
	case domain.StatusFailed:
		return text.Trim(o.Error, 80)
	}
	return o.Summary
}

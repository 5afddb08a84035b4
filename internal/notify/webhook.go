package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloudnetproc/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Notifier is told about failures an operator has to look at.
type Notifier interface {
	Alert(ctx context.Context, item domain.ReportItem)
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Alert(context.Context, domain.ReportItem) {}

// Alert is the JSON body posted to the webhook.
type Alert struct {
	Text    string `json:"text"`
	Site    string `json:"site"`
	Date    string `json:"date"`
	Product string `json:"product"`
	Action  string `json:"action"`
	Error   string `json:"error"`
}

// Webhook posts fatal and escalated failures to a chat or incident webhook.
// Delivery failures are logged and otherwise ignored.
type Webhook struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{URL: url, Timeout: timeout, Client: &http.Client{Timeout: timeout}, Logger: logger}
}

func (w *Webhook) Alert(ctx context.Context, item domain.ReportItem) {
	if strings.TrimSpace(w.URL) == "" || !item.Outcome.IsFatal() && !item.Escalated {
		return
	}
	if err := w.post(ctx, NewAlert(item)); err != nil {
		w.Logger.Warn("webhook: deliver alert failed", "url", w.URL, "err", err)
	}
}

// NewAlert builds the alert body for a failed report item.
func NewAlert(item domain.ReportItem) Alert {
	fp := item.Task.Fingerprint
	text := fmt.Sprintf("%s failed for %s", item.Task.Action, fp)
	if item.Escalated {
		text = fmt.Sprintf("%s failed %d times for %s", item.Task.Action, item.Attempts, fp)
	}
	return Alert{
		Text:    text,
		Site:    fp.Site,
		Date:    fp.Date.String(),
		Product: fp.Product,
		Action:  string(item.Task.Action),
		Error:   item.Outcome.Error,
	}
}

func (w *Webhook) post(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cnp-Event", "task.failed")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

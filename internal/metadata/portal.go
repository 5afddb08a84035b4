package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloudnetproc/internal/domain"
)

// Portal is the HTTP client of the data portal's metadata API.
type Portal struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewPortal creates a client with sane defaults.
func NewPortal(baseURL, username, password string, timeout time.Duration) *Portal {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Portal{
		BaseURL:    baseURL,
		Username:   username,
		Password:   password,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

func (c *Portal) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

var _ Store = (*Portal)(nil)

func (c *Portal) FileVersions(ctx context.Context, fp domain.Fingerprint) ([]domain.FileRecord, error) {
	q := url.Values{}
	q.Set("site", fp.Site)
	q.Set("date", fp.Date.String())
	q.Set("product", fp.Product)
	if fp.ModelID != "" {
		q.Set("model", fp.ModelID)
	}
	if fp.InstrumentPID != "" {
		q.Set("instrumentPid", fp.InstrumentPID)
	}
	q.Set("allVersions", "true")
	var out []domain.FileRecord
	if err := c.do(ctx, http.MethodGet, "api/files?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("file versions %s: %w", fp, err)
	}
	return out, nil
}

func (c *Portal) ListFiles(ctx context.Context, f domain.FileFilter) ([]domain.FileRecord, error) {
	q := url.Values{}
	setIf(q, "site", f.Site)
	setIf(q, "dateFrom", f.Start.String())
	setIf(q, "dateTo", f.Stop.String())
	for _, p := range f.Products {
		q.Add("product", p)
	}
	setIf(q, "instrumentPid", f.InstrumentPID)
	setIf(q, "model", f.ModelID)
	setIf(q, "state", string(f.State))
	if !f.UpdatedBefore.IsZero() {
		q.Set("updatedAtTo", f.UpdatedBefore.UTC().Format(time.RFC3339))
	}
	var out []domain.FileRecord
	if err := c.do(ctx, http.MethodGet, "api/files?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return out, nil
}

func (c *Portal) ListRawFiles(ctx context.Context, f domain.RawFilter) ([]domain.RawFile, error) {
	q := url.Values{}
	setIf(q, "site", f.Site)
	setIf(q, "dateFrom", f.Start.String())
	setIf(q, "dateTo", f.Stop.String())
	for _, i := range f.Instruments {
		q.Add("instrument", i)
	}
	setIf(q, "instrumentPid", f.InstrumentPID)
	setIf(q, "model", f.Model)
	if !f.UpdatedSince.IsZero() {
		q.Set("updatedAtFrom", f.UpdatedSince.UTC().Format(time.RFC3339))
	}
	q.Set("status", "uploaded,processed")
	var out []domain.RawFile
	if err := c.do(ctx, http.MethodGet, "api/raw-files?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("list raw files: %w", err)
	}
	return out, nil
}

type writeRequest struct {
	Fingerprint domain.Fingerprint `json:"fingerprint"`
	Manifest    domain.Manifest    `json:"manifest"`
}

func (c *Portal) CreateOrUpdateVolatile(ctx context.Context, fp domain.Fingerprint, m domain.Manifest) (domain.FileRecord, error) {
	var out domain.FileRecord
	if err := c.do(ctx, http.MethodPost, "api/files/volatile", writeRequest{Fingerprint: fp, Manifest: m}, &out); err != nil {
		return domain.FileRecord{}, fmt.Errorf("write volatile %s: %w", fp, err)
	}
	return out, nil
}

func (c *Portal) CreateStableVersion(ctx context.Context, fp domain.Fingerprint, m domain.Manifest) (domain.FileRecord, error) {
	var out domain.FileRecord
	if err := c.do(ctx, http.MethodPost, "api/files/versions", writeRequest{Fingerprint: fp, Manifest: m}, &out); err != nil {
		return domain.FileRecord{}, fmt.Errorf("create version %s: %w", fp, err)
	}
	return out, nil
}

func (c *Portal) Freeze(ctx context.Context, uuid string, expectedRevision int64, storageKey string) (domain.FileRecord, error) {
	body := map[string]any{"expected_revision": expectedRevision}
	if storageKey != "" {
		body["storage_key"] = storageKey
	}
	var out domain.FileRecord
	if err := c.do(ctx, http.MethodPost, "api/files/"+url.PathEscape(uuid)+"/freeze", body, &out); err != nil {
		return domain.FileRecord{}, fmt.Errorf("freeze %s: %w", uuid, err)
	}
	return out, nil
}

func (c *Portal) do(ctx context.Context, method, endpoint string, body any, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Portal) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

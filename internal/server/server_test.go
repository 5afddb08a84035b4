package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/config"
	"cloudnetproc/internal/db"
	"cloudnetproc/internal/dispatch"
	"cloudnetproc/internal/events"
	"cloudnetproc/internal/metrics"
	"cloudnetproc/internal/migrate"
	"cloudnetproc/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat, err := catalog.New(config.Default())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	m := metrics.New()
	handler, err := New(Config{
		Repo:      r,
		Catalog:   cat,
		Publisher: dispatch.Publisher{Repo: r, Events: events.Writer{DB: conn, Now: now}, Metrics: m, MaxAttempts: 3, Now: now},
		Metrics:   m,
		BasePath:  "/v0",
		Auth:      AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func bearer(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, jwt.MapClaims{"sub": "ops"})}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "ok") {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestPublishRequiresValidToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	body := map[string]any{"site": "hyytiala", "date": "2024-01-01", "product": "radar"}

	cases := map[string]map[string]string{
		"missing":    nil,
		"malformed":  {"Authorization": "Token abc"},
		"no subject": {"Authorization": "Bearer " + signToken(t, jwt.MapClaims{"iss": "ops"})},
		"wrong alg": {"Authorization": "Bearer " + func() string {
			s, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "ops"}).SignedString([]byte(testSecret))
			return s
		}()},
	}
	for name, headers := range cases {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/publish", body, headers)
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d %s", name, res.StatusCode, string(data))
		}
		var envelope struct {
			Error apiErrorBody `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
			t.Fatalf("%s: expected error envelope, got %s", name, string(data))
		}
	}
}

func TestReadsRequireToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, path := range []string{"/v0/queue", "/v0/events"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+path, nil, nil)
		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d %s", path, res.StatusCode, string(data))
		}
		res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+path, nil, bearer(t))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s with token: expected 200, got %d %s", path, res.StatusCode, string(data))
		}
	}
}

func TestPublishListAndEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := bearer(t)

	body := map[string]any{
		"site": "hyytiala", "date": "2024-01-01", "product": "radar", "instrument_pid": "pid-1",
		"derived": true, "priority": 2, "queue": "priority",
		"options": map[string]any{"reprocess": true},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/publish", body, auth)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("publish status %d: %s", res.StatusCode, string(data))
	}
	var first QueueTaskResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.ID == "" || first.Kind != "process" || first.Status != "pending" || !first.Options.Reprocess {
		t.Fatalf("unexpected entry %+v", first)
	}

	// A second publication of a pending fingerprint reuses the entry.
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/queue/publish", body, auth)
	var second QueueTaskResponse
	_ = json.Unmarshal(data, &second)
	if second.ID != first.ID {
		t.Fatalf("expected deduplicated entry, got %s and %s", first.ID, second.ID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/queue?queue=priority&status=pending", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var list paginatedQueueTasks
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Fingerprint.Date != "2024-01-01" {
		t.Fatalf("unexpected queue listing %+v", list.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type="+events.TypeQueuePublish+"&limit=1", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evts.Items) != 1 || evts.NextCursor == "" {
		t.Fatalf("expected one page with a cursor, got %+v", evts)
	}
	if evts.Items[0].ActorID != "ops" {
		t.Fatalf("publication must be attributed to the token subject, got %q", evts.Items[0].ActorID)
	}
}

func TestPublishRejectsBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for name, body := range map[string]map[string]any{
		"unknown product": {"site": "hyytiala", "date": "2024-01-01", "product": "radr"},
		"bad date":        {"site": "hyytiala", "date": "2024-13-01", "product": "radar"},
		"bad kind":        {"site": "hyytiala", "date": "2024-01-01", "product": "radar", "kind": "explode"},
	} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/publish", body, bearer(t))
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d %s", name, res.StatusCode, string(data))
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/queue/publish",
		map[string]any{"site": "hyytiala", "date": "2024-01-01", "product": "lidar"}, bearer(t))
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `cnp_queue_tasks_total{event="published"} 1`) {
		t.Fatalf("published counter missing:\n%s", string(data))
	}
}

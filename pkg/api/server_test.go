package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"proxy-pool/pkg/database"
	"proxy-pool/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *database.DB) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(db, "127.0.0.1:0", logger).srv.Handler)
	t.Cleanup(srv.Close)

	return srv, db
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestListEmptyPoolIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	status, _ := get(t, srv.URL+"/list")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
}

func TestListReturnsFastestFirst(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()

	db.UpsertProxy(ctx, "http://slow:80", models.Success(9*time.Second, "http"))
	db.UpsertProxy(ctx, "http://fast:80", models.Success(1*time.Second, "http"))
	db.UpsertProxy(ctx, "http://dead:80", models.Failure())

	status, body := get(t, srv.URL+"/list")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body != "http://fast:80\nhttp://slow:80" {
		t.Errorf("body = %q, want fastest first, one per line", body)
	}

	status, body = get(t, srv.URL+"/list?limit=1")
	if status != http.StatusOK || body != "http://fast:80" {
		t.Errorf("limited: status = %d, body = %q", status, body)
	}
}

func TestListRejectsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, limit := range []string{"abc", "0", "-3"} {
		status, _ := get(t, srv.URL+"/list?limit="+limit)
		if status != http.StatusBadRequest {
			t.Errorf("limit=%s: status = %d, want 400", limit, status)
		}
	}
}

func TestRandom(t *testing.T) {
	srv, db := newTestServer(t)

	status, _ := get(t, srv.URL+"/random")
	if status != http.StatusNotFound {
		t.Fatalf("empty pool: status = %d, want 404", status)
	}

	db.UpsertProxy(context.Background(), "http://only:80", models.Success(time.Second, "http"))

	status, body := get(t, srv.URL+"/random")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if body != "http://only:80" {
		t.Errorf("body = %q, want the only working proxy", body)
	}
}

func TestStats(t *testing.T) {
	srv, db := newTestServer(t)
	ctx := context.Background()

	db.UpsertProxy(ctx, "http://a:80", models.Success(time.Second, "http"))
	db.UpsertProxy(ctx, "http://b:80", models.Failure())
	db.RecordListVersion(ctx, "v7")

	status, body := get(t, srv.URL+"/stats")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var stats struct {
		Total       int    `json:"total_proxies"`
		Working     int    `json:"working_proxies"`
		Failed      int    `json:"failed_proxies"`
		LastVersion string `json:"last_list_version"`
	}
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if stats.Total != 2 || stats.Working != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want total 2, working 1, failed 1", stats)
	}
	if stats.LastVersion != "v7" {
		t.Errorf("last_list_version = %q, want v7", stats.LastVersion)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	status, body := get(t, srv.URL+"/health")
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}

	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
}

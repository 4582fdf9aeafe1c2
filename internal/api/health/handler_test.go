package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func serveReady(t *testing.T, h *Handler) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest("GET", "/health/ready", nil))
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, resp
}

func TestReady(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "health.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	running := true
	h := NewHandler()
	h.RegisterChecker(NewSQLiteChecker(db))
	h.RegisterChecker(NewRunningChecker("integrity", func() bool { return running }))
	h.RegisterChecker(NewFuncChecker("backup", func(context.Context) error { return nil }))

	code, resp := serveReady(t, h)
	if code != http.StatusOK || resp.Status != "ready" {
		t.Fatalf("ready: %d %+v", code, resp)
	}
	if len(resp.Checks) != 3 || resp.Checks["sqlite"] != "ok" {
		t.Errorf("checks: %v", resp.Checks)
	}

	running = false
	h.RegisterChecker(NewFuncChecker("keys", func(context.Context) error { return errors.New("keyring sealed") }))
	code, resp = serveReady(t, h)
	if code != http.StatusServiceUnavailable || resp.Status != "not_ready" {
		t.Fatalf("not ready: %d %+v", code, resp)
	}
	if resp.Checks["integrity"] != "integrity not running" || resp.Checks["keys"] != "keyring sealed" {
		t.Errorf("checks: %v", resp.Checks)
	}
}

func TestLiveAndHealth(t *testing.T) {
	h := NewHandler()
	h.RegisterChecker(NewSQLiteChecker(nil))
	for path, fn := range map[string]http.HandlerFunc{"/health": h.Health, "/health/live": h.Live} {
		rec := httptest.NewRecorder()
		fn(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: %d", path, rec.Code)
		}
	}
}

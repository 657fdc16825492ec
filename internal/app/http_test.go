package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rockswe/justtodothings-sub000/internal/config"
	"github.com/rockswe/justtodothings-sub000/internal/pipeline"
)

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRunner struct {
	mu     sync.Mutex
	runs   int
	report pipeline.RunReport
	err    error
	block  chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context) (pipeline.RunReport, error) {
	f.mu.Lock()
	f.runs++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return pipeline.RunReport{}, ctx.Err()
		}
	}
	return f.report, f.err
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func newTestServer(runner Runner, pinger Pinger) *HTTPServer {
	svc := NewService(config.Config{RunDeadline: time.Minute}, runner, pinger, nil)
	return NewHTTPServer(svc, "ops-secret")
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(&fakeRunner{}, &fakePinger{}).Handler()
	rec := doRequest(t, handler, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestReadyEndpointReflectsDatabase(t *testing.T) {
	handler := newTestServer(&fakeRunner{}, &fakePinger{}).Handler()
	if rec := doRequest(t, handler, http.MethodGet, "/api/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("healthy db: status = %d, want 200", rec.Code)
	}

	down := &fakePinger{pingFn: func(context.Context) error { return errors.New("connection refused") }}
	handler = newTestServer(&fakeRunner{}, down).Handler()
	if rec := doRequest(t, handler, http.MethodGet, "/api/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("db down: status = %d, want 503", rec.Code)
	}
}

func TestSyncTriggerRequiresToken(t *testing.T) {
	handler := newTestServer(&fakeRunner{}, &fakePinger{}).Handler()
	if rec := doRequest(t, handler, http.MethodPost, "/api/sync", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := doRequest(t, handler, http.MethodPost, "/api/sync", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
}

func TestSyncTriggerStartsRunAndRejectsConcurrent(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	svc := NewService(config.Config{RunDeadline: time.Minute}, runner, &fakePinger{}, nil)
	handler := NewHTTPServer(svc, "ops-secret").Handler()

	if rec := doRequest(t, handler, http.MethodPost, "/api/sync", "ops-secret"); rec.Code != http.StatusAccepted {
		t.Fatalf("trigger: status = %d, want 202", rec.Code)
	}
	// Wait for the background run to mark itself active.
	deadline := time.Now().Add(2 * time.Second)
	for !svc.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !svc.Running() {
		t.Fatal("run never became active")
	}

	if rec := doRequest(t, handler, http.MethodPost, "/api/sync", "ops-secret"); rec.Code != http.StatusConflict {
		t.Errorf("concurrent trigger: status = %d, want 409", rec.Code)
	}
	close(runner.block)
}

func TestLastRunReport(t *testing.T) {
	runner := &fakeRunner{report: pipeline.RunReport{Users: 3, TasksCreated: 2}}
	svc := NewService(config.Config{RunDeadline: time.Minute}, runner, &fakePinger{}, nil)
	handler := NewHTTPServer(svc, "ops-secret").Handler()

	if rec := doRequest(t, handler, http.MethodGet, "/api/runs/last", "ops-secret"); rec.Code != http.StatusNotFound {
		t.Errorf("no runs yet: status = %d, want 404", rec.Code)
	}

	if _, err := svc.RunNow(context.Background()); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	rec := doRequest(t, handler, http.MethodGet, "/api/runs/last", "ops-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Report pipeline.RunReport `json:"report"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Report.Users != 3 || body.Report.TasksCreated != 2 {
		t.Errorf("report = %+v", body.Report)
	}
}

func TestSearchDisabledWithoutBackend(t *testing.T) {
	handler := newTestServer(&fakeRunner{}, &fakePinger{}).Handler()
	rec := doRequest(t, handler, http.MethodGet, "/api/tasks/search?user_id=1&q=essay", "ops-secret")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when search is not configured", rec.Code)
	}
}

func TestRunNowRejectsOverlap(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	svc := NewService(config.Config{RunDeadline: time.Minute}, runner, &fakePinger{}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunNow(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !svc.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := svc.RunNow(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("overlapping run: err = %v, want ErrRunInProgress", err)
	}

	close(runner.block)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if runner.runCount() != 1 {
		t.Errorf("runs = %d, want 1", runner.runCount())
	}
}

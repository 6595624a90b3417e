package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ratewatch/internal/coverage"
	"ratewatch/internal/models"
	"ratewatch/internal/runreport"
	"ratewatch/internal/scheduler"
)

type fakeRunStore struct {
	reports map[string]models.RunReport
}

func (f *fakeRunStore) Get(_ context.Context, runID string) (models.RunReport, error) {
	report, ok := f.reports[runID]
	if !ok {
		return models.RunReport{}, runreport.ErrNotFound
	}
	return report, nil
}

func (f *fakeRunStore) PublicProgress(_ context.Context, runID string) (models.RunProgress, error) {
	report, ok := f.reports[runID]
	if !ok {
		return models.RunProgress{}, runreport.ErrNotFound
	}
	return runreport.DeriveProgress(report), nil
}

func (f *fakeRunStore) List(_ context.Context, limit int) ([]models.RunReport, error) {
	var out []models.RunReport
	for _, report := range f.reports {
		if len(out) == limit {
			break
		}
		out = append(out, report)
	}
	return out, nil
}

type fakeTrigger struct {
	calls  int
	force  bool
	source string
}

func (f *fakeTrigger) TriggerDailyRun(_ context.Context, source string, force bool) (scheduler.DailyRunResult, error) {
	f.calls++
	f.force = force
	f.source = source
	return scheduler.DailyRunResult{RunID: "run-1", CollectionDate: "2026-08-31", Enqueued: 16}, nil
}

type fakeTicker struct {
	calls int
}

func (f *fakeTicker) HandleHourlyTick(_ context.Context, _ time.Time) (coverage.TickReport, error) {
	f.calls++
	return coverage.TickReport{}, nil
}

func newTestServer() (*Server, *fakeTrigger, *fakeTicker, *fakeRunStore) {
	store := &fakeRunStore{reports: map[string]models.RunReport{
		"run-1": {
			RunID:          "run-1",
			RunType:        models.RunTypeDaily,
			Status:         models.RunStatusRunning,
			EnqueuedTotal:  16,
			ProcessedTotal: 6,
		},
	}}
	trigger := &fakeTrigger{}
	ticker := &fakeTicker{}
	return New(store, trigger, ticker, nil), trigger, ticker, store
}

func TestTriggerDailyEndpoint(t *testing.T) {
	server, trigger, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/runs/daily", strings.NewReader(`{"force":true}`))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if trigger.calls != 1 || !trigger.force {
		t.Fatalf("trigger not called with force: %+v", trigger)
	}
	if trigger.source != models.RunSourceManual {
		t.Fatalf("default source = %q, want manual", trigger.source)
	}
}

func TestRunProgressEndpoint(t *testing.T) {
	server, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/runs/run-1/progress", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var progress models.RunProgress
	if err := json.Unmarshal(rec.Body.Bytes(), &progress); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if progress.PendingTotal != 10 || progress.ProgressPct != 37.5 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestUnknownRunReturns404(t *testing.T) {
	server, _, _, _ := newTestServer()
	for _, path := range []string{"/runs/nope", "/runs/nope/progress"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestWaybackTickEndpoint(t *testing.T) {
	server, _, ticker, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/ticks/wayback", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ticker.calls != 1 {
		t.Fatalf("ticker not called")
	}
}

func TestListRunsRejectsBadLimit(t *testing.T) {
	server, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/runs?limit=9999", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

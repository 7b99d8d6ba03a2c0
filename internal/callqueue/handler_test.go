package callqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

func newTestRouter(t *testing.T, f *fixture, loop *Loop) http.Handler {
	t.Helper()
	h := NewCallHandler(context.Background(), f.manager, loop, f.scheduler, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api/queue", h.Routes)
	r.Route("/api/scheduler", h.SchedulerRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestQueueHandlers(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f, nil)

	rr := do(t, router, http.MethodPost, "/api/queue", `{"customerRef":"c1","roomRef":"room-1","priority":2}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var entry types.QueueEntry
	if err := json.NewDecoder(rr.Body).Decode(&entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid json", http.MethodPost, "/api/queue", `{`, http.StatusBadRequest},
		{"invalid priority", http.MethodPost, "/api/queue", `{"customerRef":"c","roomRef":"r","priority":8}`, http.StatusBadRequest},
		{"missing room", http.MethodPost, "/api/queue", `{"customerRef":"c"}`, http.StatusBadRequest},
		{"position", http.MethodGet, "/api/queue/" + entry.ID + "/position", "", http.StatusOK},
		{"position unknown", http.MethodGet, "/api/queue/nope/position", "", http.StatusNotFound},
		{"priority", http.MethodPost, "/api/queue/" + entry.ID + "/priority", `{"priority":3}`, http.StatusOK},
		{"complete waiting", http.MethodPost, "/api/queue/" + entry.ID + "/complete", "", http.StatusConflict},
		{"stats", http.MethodGet, "/api/queue/stats", "", http.StatusOK},
		{"list", http.MethodGet, "/api/queue", "", http.StatusOK},
		{"abandon", http.MethodPost, "/api/queue/" + entry.ID + "/abandon", "", http.StatusOK},
		{"abandon again", http.MethodPost, "/api/queue/" + entry.ID + "/abandon", "", http.StatusOK},
		{"priority after abandon", http.MethodPost, "/api/queue/" + entry.ID + "/priority", `{"priority":1}`, http.StatusConflict},
		{"scheduler health without loop", http.MethodGet, "/api/scheduler/health", "", http.StatusOK},
		{"scheduler start without loop", http.MethodPost, "/api/scheduler/start", "", http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, router, tt.method, tt.path, tt.body)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSchedulerControlHandlers(t *testing.T) {
	f := newFixture(t)
	loop := NewLoop(f.scheduler, 10*time.Millisecond, time.Second, zerolog.Nop())
	router := newTestRouter(t, f, loop)

	if rr := do(t, router, http.MethodPost, "/api/scheduler/start", ""); rr.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/api/scheduler/start", ""); rr.Code != http.StatusConflict {
		t.Errorf("second start: expected 409, got %d", rr.Code)
	}

	rr := do(t, router, http.MethodGet, "/api/scheduler/health", "")
	var h LoopHealth
	if err := json.NewDecoder(rr.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !h.Running {
		t.Error("expected running scheduler")
	}

	if rr := do(t, router, http.MethodPost, "/api/scheduler/stop", ""); rr.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rr.Code)
	}
	if rr := do(t, router, http.MethodPost, "/api/scheduler/stop", ""); rr.Code != http.StatusConflict {
		t.Errorf("second stop: expected 409, got %d", rr.Code)
	}
}

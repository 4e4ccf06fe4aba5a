package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-agent/internal/graph"
	"github.com/miradorstack/mirador-agent/internal/models"
	"github.com/miradorstack/mirador-agent/internal/services"
)

// fakeService scripts the investigator facade.
type fakeService struct {
	run       *services.Run
	startErr  error
	cancelled []string
	released  []string
	state     *models.InvestigationState
}

func (f *fakeService) Start(query, incidentID string) (*services.Run, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.run, nil
}

func (f *fakeService) Cancel(id string) bool {
	f.cancelled = append(f.cancelled, id)
	return f.state != nil
}

func (f *fakeService) Release(id string) { f.released = append(f.released, id) }

func (f *fakeService) State(id string) (*models.InvestigationState, error) {
	if f.state == nil {
		return nil, errors.New("not found")
	}
	return f.state, nil
}

func eventRun(id string, events ...models.Event) (*services.Run, chan models.Event) {
	ch := make(chan models.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	return &services.Run{ID: id, Query: "q", StartedAt: time.Now(), Events: ch}, ch
}

func TestStartStreamsEventsUntilDone(t *testing.T) {
	run, ch := eventRun("inv-1",
		models.Event{Type: models.EventPhaseTransition, Phase: "TRIAGE"},
		models.Event{Type: models.EventDone, Answer: "root cause found", InvestigationID: "inv-1"},
	)
	close(ch)
	svc := &fakeService{run: run}
	h := NewHandler(svc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations",
		strings.NewReader(`{"query":"checkout errors"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Investigation-Id"); got != "inv-1" {
		t.Fatalf("missing investigation id header: %q", got)
	}

	var lines []models.Event
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var ev models.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line is not an event: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 || lines[1].Type != models.EventDone || lines[1].Answer != "root cause found" {
		t.Fatalf("unexpected stream: %+v", lines)
	}
	if len(svc.released) != 1 || svc.released[0] != "inv-1" {
		t.Fatalf("run must be released after the stream closes: %v", svc.released)
	}
}

func TestStartRejectsEmptyQuery(t *testing.T) {
	h := NewHandler(&fakeService{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartServiceErrorIs500(t *testing.T) {
	h := NewHandler(&fakeService{startErr: errors.New("llm down")}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations",
		strings.NewReader(`{"query":"q"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestGetInvestigationState(t *testing.T) {
	svc := &fakeService{state: &models.InvestigationState{SessionID: "inv-2", Query: "q"}}
	h := NewHandler(svc, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/investigations/inv-2", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var state models.InvestigationState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil || state.SessionID != "inv-2" {
		t.Fatalf("state body wrong: %s", rec.Body.String())
	}

	h = NewHandler(&fakeService{}, nil, nil)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/investigations/ghost", nil)
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing state should be 404, got %d", rec.Code)
	}
}

func TestCancelInvestigation(t *testing.T) {
	svc := &fakeService{state: &models.InvestigationState{}}
	h := NewHandler(svc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/investigations/inv-3/cancel", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != "inv-3" {
		t.Fatalf("cancel not forwarded: %v", svc.cancelled)
	}
}

func TestGetGraph(t *testing.T) {
	g := graph.New(nil)
	g.AddService(graph.ServiceNode{ID: "svc-a", Name: "checkout-api"})
	h := NewHandler(&fakeService{}, g, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "checkout-api") {
		t.Fatalf("graph body missing node: %s", rec.Body.String())
	}

	h = NewHandler(&fakeService{}, nil, nil)
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/graph", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("no graph should be 404, got %d", rec.Code)
	}
}

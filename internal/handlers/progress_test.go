package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tmarkov/reelvault/internal/models"
	"github.com/tmarkov/reelvault/internal/progress"
)

// readEvents consumes "data:" lines from an SSE stream until it closes,
// ignoring keepalive comments.
func readEvents(t *testing.T, resp *http.Response) []models.ProgressEvent {
	t.Helper()

	var events []models.ProgressEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("failed to decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestEventsHandler_StreamsProgress(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "sse.bin", 8, 4)

	server := httptest.NewServer(env.router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sessions/" + created.SessionID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)

	env.uploadChunk(t, created.SessionID, 0, []byte("aaaa"))
	env.uploadChunk(t, created.SessionID, 1, []byte("bbbb"))

	// The stream ends after the terminal event, so reading to EOF
	// terminates on its own.
	events := readEvents(t, resp)

	if len(events) < 3 {
		t.Fatalf("events = %d, want at least 3 (two chunk_received, one completed)", len(events))
	}

	last := events[len(events)-1]
	if last.Type != models.EventCompleted {
		t.Errorf("last event type = %s, want %s", last.Type, models.EventCompleted)
	}
	if last.FinalLocation == "" {
		t.Error("completed event should carry the final location")
	}

	first := events[0]
	if first.Type != models.EventChunkReceived {
		t.Errorf("first event type = %s, want %s", first.Type, models.EventChunkReceived)
	}
	if first.ReceivedCount != 1 || first.TotalChunks != 2 {
		t.Errorf("first event counts = %d/%d, want 1/2", first.ReceivedCount, first.TotalChunks)
	}
}

func TestEventsHandler_LateSubscriberGetsTerminal(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "late.bin", 4, 4)

	env.uploadChunk(t, created.SessionID, 0, []byte("aaaa"))
	env.waitForStatus(t, created.SessionID, models.StatusCompleted)

	server := httptest.NewServer(env.router)
	defer server.Close()

	// Connecting after completion replays the terminal event and closes.
	resp, err := http.Get(server.URL + "/api/sessions/" + created.SessionID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(t, resp)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != models.EventCompleted {
		t.Errorf("event type = %s, want %s", events[0].Type, models.EventCompleted)
	}
}

func TestEventsHandler_TerminalSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "restart.bin", 4, 4)

	env.uploadChunk(t, created.SessionID, 0, []byte("aaaa"))
	env.waitForStatus(t, created.SessionID, models.StatusCompleted)

	// A fresh hub has no replay state, as after a process restart. The
	// terminal event must still be served from the session store.
	env.deps.Broadcaster = progress.NewHub()

	server := httptest.NewServer(env.router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sessions/" + created.SessionID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(t, resp)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != models.EventCompleted {
		t.Errorf("event type = %s, want %s", events[0].Type, models.EventCompleted)
	}
	if events[0].FinalLocation == "" {
		t.Error("completed event should carry the final location")
	}
}

func TestEventsHandler_FailedSessionReportsError(t *testing.T) {
	env := newTestEnv(t)
	created := env.createSession(t, "failed.bin", 4, 4)

	env.objects.FailNextPut(errors.New("backend unavailable"))
	env.uploadChunk(t, created.SessionID, 0, []byte("aaaa"))
	env.waitForStatus(t, created.SessionID, models.StatusFailed)

	env.deps.Broadcaster = progress.NewHub()

	server := httptest.NewServer(env.router)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/sessions/" + created.SessionID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(t, resp)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != models.EventFailed {
		t.Errorf("event type = %s, want %s", events[0].Type, models.EventFailed)
	}
	if events[0].Error == "" {
		t.Error("failed event should carry the stored error message")
	}
}

func TestEventsHandler_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		"/api/sessions/00000000-0000-0000-0000-000000000000/events", nil)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/storage"
	"github.com/flightdesk/flightsync/pkg/syncer"
)

type fixedState syncer.State

func (f fixedState) State() syncer.State { return syncer.State(f) }

func newTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	h, err := srv.Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, user, pass string) (*http.Response, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, string(b)
}

func TestStatusEndpoint(t *testing.T) {
	board := status.NewBoard()
	board.SetStatus("Departure (International) - Page 2 of 5", status.IconSync)
	engine := fixedState{Timeout: 15 * time.Second, ConsecutiveTimeouts: 1, Ready: true}

	ts := newTestServer(t, New(board, engine, nil, "", ""))

	resp, body := get(t, ts.URL+"/api/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var got StatusResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status.Message != "Departure (International) - Page 2 of 5" || got.Status.Icon != status.IconSync {
		t.Errorf("unexpected status %+v", got.Status)
	}
	if got.Sync == nil || got.Sync.ConsecutiveTimeouts != 1 || !got.Sync.Ready || got.Sync.Timeout != 15*time.Second {
		t.Errorf("unexpected sync state %+v", got.Sync)
	}
}

func TestHistoryEndpointsNeedDB(t *testing.T) {
	ts := newTestServer(t, New(status.NewBoard(), nil, nil, "", ""))
	for _, p := range []string{"/api/runs", "/api/changes", "/api/stats", "/api/flights/Departure/2601310810_QR345"} {
		resp, _ := get(t, ts.URL+p, "", "")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s: status %d, want 503", p, resp.StatusCode)
		}
	}
}

func TestRunsEndpoint(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	start := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
	if err := db.RecordRun(context.Background(), storage.Run{ID: "r1", StartedAt: start, FinishedAt: start.Add(time.Minute), Pushed: 12, Status: "ok"}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	ts := newTestServer(t, New(status.NewBoard(), nil, db, "", ""))
	resp, body := get(t, ts.URL+"/api/runs?limit=5", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var runs []storage.Run
	if err := json.Unmarshal([]byte(body), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" || runs[0].Pushed != 12 {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestFlightEndpoint(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	at := time.Date(2026, 1, 31, 3, 10, 0, 0, time.UTC)
	_, err = db.UpsertSnapshots(context.Background(), "r1", []storage.Snapshot{
		{Category: "Departure", FlightKey: "2601310810_QR345", ScheduledAt: at, Document: `{"flnr":"QR 345","blt1":"B1"}`, Pushed: true},
	})
	if err != nil {
		t.Fatalf("UpsertSnapshots: %v", err)
	}

	ts := newTestServer(t, New(status.NewBoard(), nil, db, "", ""))
	resp, body := get(t, ts.URL+"/api/flights/Departure/2601310810_QR345", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var got FlightResponse
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.FlightNumber != "QR345" || !got.Pushed || !got.ScheduledAt.Equal(at) {
		t.Errorf("unexpected flight %+v", got)
	}
	if string(got.Document) != `{"flnr":"QR 345","blt1":"B1"}` {
		t.Errorf("unexpected document %s", got.Document)
	}

	resp, _ = get(t, ts.URL+"/api/flights/Arrival/2601310810_QR345", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown flight: status %d, want 404", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, New(status.NewBoard(), nil, nil, "ops", "secret"))

	tests := []struct {
		path, user, pass string
		want             int
	}{
		{"/api/status", "", "", http.StatusUnauthorized},
		{"/api/status", "ops", "wrong", http.StatusUnauthorized},
		{"/api/status", "ops", "secret", http.StatusOK},
		{"/metrics", "", "", http.StatusUnauthorized},
		{"/metrics", "ops", "secret", http.StatusOK},
		{"/", "ops", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		resp, _ := get(t, ts.URL+tt.path, tt.user, tt.pass)
		if resp.StatusCode != tt.want {
			t.Errorf("%s as %q: status %d, want %d", tt.path, tt.user, resp.StatusCode, tt.want)
		}
	}
}

func TestIndexPage(t *testing.T) {
	ts := newTestServer(t, New(status.NewBoard(), nil, nil, "", ""))
	resp, body := get(t, ts.URL+"/", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "/api/status") {
		t.Fatalf("unexpected index page: %d", resp.StatusCode)
	}
}

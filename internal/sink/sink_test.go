package sink

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dokzlo13/trackerd/internal/db"
	"github.com/dokzlo13/trackerd/internal/tracker"
)

func setupTestStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "sink.sqlite"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return NewStore(database.DB), database
}

func testEvents(data ...string) []tracker.Event {
	events := make([]tracker.Event, len(data))
	for i, d := range data {
		events[i] = tracker.Event{
			SessionID: "session_1",
			UserID:    "user_1",
			Timestamp: "2024-01-15T10:30:00.000Z",
			EventType: "page_load",
			EventData: d,
		}
	}
	return events
}

func TestStore_AppendKeepsOrder(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, testEvents("a", "b")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(ctx, testEvents("c")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(All) = %d, want 3", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].EventData != want {
			t.Errorf("all[%d].EventData = %v, want %s", i, all[i].EventData, want)
		}
	}

	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("Count() = %d, %v; want 3, nil", n, err)
	}
}

func TestStore_SkipsMalformedRows(t *testing.T) {
	store, database := setupTestStore(t)
	ctx := context.Background()

	if err := store.Append(ctx, testEvents("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, err := database.Exec(`
		INSERT INTO sink_events (session_id, user_id, event_type, timestamp, payload, received_at)
		VALUES ('s', 'u', 'x', 't', '{broken', 0)
	`)
	if err != nil {
		t.Fatalf("insert malformed row: %v", err)
	}

	all, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(All) = %d, want 1 (malformed row skipped)", len(all))
	}
}

func TestStore_Clear(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	_ = store.Append(ctx, testEvents("a", "b"))
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("Count() after Clear = %d, want 0", n)
	}
}

func TestSimulated_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		successRate float64
		wantSuccess bool
		wantStored  int
	}{
		{name: "always_succeeds", successRate: 1, wantSuccess: true, wantStored: 2},
		{name: "always_fails", successRate: -1, wantSuccess: false, wantStored: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := setupTestStore(t)
			s := NewSimulated(store, tt.successRate, 0, 0).WithRand(rand.New(rand.NewSource(1)))

			result, err := s.Send(context.Background(), testEvents("a", "b"))
			if err != nil {
				t.Fatalf("Send: %v", err)
			}
			if result.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v", result.Success, tt.wantSuccess)
			}
			if n, _ := store.Count(context.Background()); n != tt.wantStored {
				t.Errorf("stored = %d, want %d", n, tt.wantStored)
			}
		})
	}
}

func TestSimulated_ContextCancelled(t *testing.T) {
	store, _ := setupTestStore(t)
	s := NewSimulated(store, 1, time.Hour, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Send(ctx, testEvents("a")); !errors.Is(err, context.Canceled) {
		t.Errorf("Send() error = %v, want context.Canceled", err)
	}
	if n, _ := store.Count(context.Background()); n != 0 {
		t.Errorf("stored = %d, want 0", n)
	}
}

func TestHTTP_Success(t *testing.T) {
	var received Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second, 3, time.Minute)
	result, err := s.Send(context.Background(), testEvents("a", "b"))
	if err != nil || !result.Success {
		t.Fatalf("Send() = %+v, %v; want success", result, err)
	}
	if len(received.Events) != 2 || received.Events[1].EventData != "b" {
		t.Errorf("received = %+v", received.Events)
	}
}

func TestHTTP_ErrorStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second, 3, time.Minute)
	result, err := s.Send(context.Background(), testEvents("a"))
	if err == nil || result.Success {
		t.Fatalf("Send() = %+v, %v; want failure", result, err)
	}
}

func TestHTTP_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewHTTP(srv.URL, time.Second, 2, time.Minute)
	for i := 0; i < 2; i++ {
		_, _ = s.Send(context.Background(), testEvents("a"))
	}
	if s.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", s.State())
	}

	_, err := s.Send(context.Background(), testEvents("a"))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Send() error = %v, want ErrOpenState", err)
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2 (open breaker must not call out)", hits.Load())
	}
}

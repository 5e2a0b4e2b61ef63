package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/weddingflow/guestsync/internal/model"
)

type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.URL, srv.Client(), StaticToken("test-token"), testLogger(t))
}

func TestListEvents(t *testing.T) {
	t.Parallel()

	events := []model.Event{
		{ID: "ev-1", OwnerID: "owner-1", Name: "Dana & Omer", Guests: []model.Guest{
			{ID: "g-1", EventID: "ev-1", FirstName: "Noa", RSVPStatus: model.RSVPConfirmed, GuestCount: 2},
		}},
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/owner-1" {
			t.Errorf("path = %q, want /events/owner-1", r.URL.Path)
		}

		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}

		json.NewEncoder(w).Encode(events)
	}))

	got, err := c.ListEvents(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}

	if len(got) != 1 || got[0].ID != "ev-1" || len(got[0].Guests) != 1 {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestUpsertEvent_SendsFullSnapshot(t *testing.T) {
	t.Parallel()

	var received model.Event

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/events" {
			t.Errorf("got %s %s, want POST /events", r.Method, r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}

		w.WriteHeader(http.StatusOK)
	}))

	ev := &model.Event{ID: "ev-1", OwnerID: "owner-1", Guests: []model.Guest{{ID: "g-1"}}}
	if err := c.UpsertEvent(context.Background(), ev); err != nil {
		t.Fatalf("UpsertEvent: %v", err)
	}

	if received.ID != "ev-1" || len(received.Guests) != 1 {
		t.Errorf("received = %+v", received)
	}
}

func TestMergeGuests_AppendFlag(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/ev-1/guests" {
			t.Errorf("path = %q", r.URL.Path)
		}

		var req mergeGuestsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}

		if !req.Append || len(req.Guests) != 2 {
			t.Errorf("req = %+v, want append with 2 guests", req)
		}

		w.WriteHeader(http.StatusOK)
	}))

	guests := []model.Guest{{ID: "g-1"}, {ID: "g-2"}}
	if err := c.MergeGuests(context.Background(), "ev-1", guests, true); err != nil {
		t.Fatalf("MergeGuests: %v", err)
	}
}

func TestApplyPendingUpdate(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/guests/pending-update" {
			t.Errorf("path = %q", r.URL.Path)
		}

		var pu model.PendingUpdate
		if err := json.NewDecoder(r.Body).Decode(&pu); err != nil {
			t.Errorf("decode: %v", err)
		}

		if pu.GuestID != "g-1" || pu.Update.Source != model.SourceManual {
			t.Errorf("pending update = %+v", pu)
		}

		w.WriteHeader(http.StatusOK)
	}))

	count := 3
	pu := &model.PendingUpdate{
		EventID: "ev-1",
		GuestID: "g-1",
		Update: model.GuestUpdate{
			GuestCount: &count,
			Source:     model.SourceManual,
		},
	}

	if err := c.ApplyPendingUpdate(context.Background(), pu); err != nil {
		t.Fatalf("ApplyPendingUpdate: %v", err)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"payload too large", http.StatusRequestEntityTooLarge, ErrPayloadTooLarge},
		{"throttled", http.StatusTooManyRequests, ErrThrottled},
		{"server error", http.StatusInternalServerError, ErrServerError},
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("request-id", "req-123")
				w.WriteHeader(tc.status)
			}))

			err := c.UpsertEvent(context.Background(), &model.Event{ID: "ev-1"})
			if !errors.Is(err, tc.sentinel) {
				t.Errorf("err = %v, want %v", err, tc.sentinel)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err is not *APIError: %v", err)
			}

			if apiErr.StatusCode != tc.status || apiErr.RequestID != "req-123" {
				t.Errorf("apiErr = %+v", apiErr)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if IsTransient(&APIError{StatusCode: http.StatusNotFound, Err: ErrNotFound}) {
		t.Error("404 classified as transient")
	}

	if IsTransient(&APIError{StatusCode: http.StatusRequestEntityTooLarge, Err: ErrPayloadTooLarge}) {
		t.Error("413 classified as transient")
	}

	if !IsTransient(&APIError{StatusCode: http.StatusBadGateway, Err: ErrServerError}) {
		t.Error("502 not classified as transient")
	}

	if !IsTransient(&APIError{StatusCode: http.StatusTooManyRequests, Err: ErrThrottled}) {
		t.Error("429 not classified as transient")
	}

	if !IsTransient(errors.New("dial tcp: connection refused")) {
		t.Error("network error not classified as transient")
	}

	if IsTransient(context.Canceled) {
		t.Error("context.Canceled classified as transient")
	}
}

func TestDeleteAndRestoreEvent(t *testing.T) {
	t.Parallel()

	var calls []string

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.DeleteEvent(context.Background(), "ev-1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}

	if err := c.RestoreEvent(context.Background(), "ev-1"); err != nil {
		t.Fatalf("RestoreEvent: %v", err)
	}

	want := []string{"DELETE /events/ev-1", "POST /events/ev-1/restore"}
	for i, w := range want {
		if calls[i] != w {
			t.Errorf("call %d = %q, want %q", i, calls[i], w)
		}
	}
}

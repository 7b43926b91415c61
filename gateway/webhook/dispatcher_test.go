package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowd/core/events"
	"escrowd/core/types"
)

type stubEvent struct {
	payload *types.Event
}

func (s stubEvent) EventType() string   { return s.payload.Type }
func (s stubEvent) Event() *types.Event { return s.payload }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatcherDeliversEvents(t *testing.T) {
	var mu sync.Mutex
	var received []payload
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	recorder := events.NewRecorder(64)
	dispatcher := NewDispatcher(target.URL, recorder, nil, WithBackoff(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Run(ctx) }()

	recorder.Emit(stubEvent{payload: &types.Event{Type: "escrow.deposited"}})
	recorder.Emit(stubEvent{payload: &types.Event{Type: "escrow.approved"}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "escrow.deposited", received[0].Event.Type)
	require.Equal(t, "escrow.approved", received[1].Event.Type)
	require.NotEmpty(t, received[0].DeliveryID)

	history := dispatcher.History()
	require.Len(t, history, 2)
	require.True(t, history[0].Delivered)
	require.Equal(t, 1, history[0].Attempts)
}

func TestDispatcherRetriesAndRecordsFailure(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	recorder := events.NewRecorder(64)
	dispatcher := NewDispatcher(target.URL, recorder, nil, WithBackoff(0), WithMaxAttempts(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Run(ctx) }()

	recorder.Emit(stubEvent{payload: &types.Event{Type: "escrow.disputed"}})

	waitFor(t, func() bool { return len(dispatcher.History()) == 1 })

	history := dispatcher.History()
	require.False(t, history[0].Delivered)
	require.Equal(t, 2, history[0].Attempts)
	require.Contains(t, history[0].LastError, "unexpected status")
}

func TestDispatcherHistoryBounded(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	recorder := events.NewRecorder(64)
	dispatcher := NewDispatcher(target.URL, recorder, nil, WithBackoff(0), WithHistorySize(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Run(ctx) }()

	for i := 0; i < 5; i++ {
		recorder.Emit(stubEvent{payload: &types.Event{Type: "escrow.deposited"}})
	}
	waitFor(t, func() bool {
		history := dispatcher.History()
		if len(history) != 2 {
			return false
		}
		return history[0].Event.Sequence == 4 && history[1].Event.Sequence == 5
	})
}

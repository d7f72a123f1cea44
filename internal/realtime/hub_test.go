package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tenantfleet/internal/events"
)

func sampleEvent(instanceID, accountID, to string) events.Event {
	return events.Event{
		Type:       events.TypeStatusChanged,
		InstanceID: instanceID,
		AccountID:  accountID,
		To:         to,
		Action:     "stop",
		Version:    3,
		Timestamp:  time.Now(),
	}
}

func startHub(t *testing.T, opts ...Option) (*Hub, context.Context) {
	t.Helper()
	h := NewHub(nil, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h, ctx
}

// attach registers a connectionless client, as Serve would after upgrading.
func attach(t *testing.T, h *Hub, sub Subscription) *client {
	t.Helper()
	c := &client{hub: h, send: make(chan []byte, clientBuffer), sub: sub}
	h.register <- c
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients > 0 }, time.Second, 5*time.Millisecond)
	return c
}

func TestSubscription_Matches(t *testing.T) {
	failed := sampleEvent("inst-1", "acct_1", "failed")
	failed.Type = events.TypeFailed

	tests := []struct {
		name string
		sub  Subscription
		ev   events.Event
		want bool
	}{
		{"empty matches all", Subscription{}, sampleEvent("inst-1", "acct_1", "running"), true},
		{"event type hit", Subscription{EventTypes: []events.Type{events.TypeFailed}}, failed, true},
		{"event type miss", Subscription{EventTypes: []events.Type{events.TypeFailed}}, sampleEvent("inst-1", "acct_1", "stopped"), false},
		{"instance hit", Subscription{InstanceIDs: []string{"inst-1"}}, sampleEvent("inst-1", "acct_1", "running"), true},
		{"instance miss", Subscription{InstanceIDs: []string{"inst-1"}}, sampleEvent("inst-2", "acct_1", "running"), false},
		{"account hit", Subscription{AccountIDs: []string{"acct_2"}}, sampleEvent("inst-9", "acct_2", "running"), true},
		{"account miss", Subscription{AccountIDs: []string{"acct_2"}}, sampleEvent("inst-9", "acct_1", "running"), false},
		{"status hit", Subscription{Statuses: []string{"failed", "deprovisioned"}}, failed, true},
		{"status miss", Subscription{Statuses: []string{"failed"}}, sampleEvent("inst-1", "acct_1", "running"), false},
		{"filters combine", Subscription{InstanceIDs: []string{"inst-1"}, Statuses: []string{"failed"}}, sampleEvent("inst-1", "acct_1", "running"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.ev))
		})
	}
}

func TestHub_StatsInitial(t *testing.T) {
	assert.Equal(t, Stats{}, NewHub(nil).Stats())
}

func TestHub_PublishCountsEvents(t *testing.T) {
	h, ctx := startHub(t)

	require.NoError(t, h.Publish(ctx, sampleEvent("inst-1", "acct_1", "running")))
	assert.Eventually(t, func() bool { return h.Stats().TotalEvents == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_PublishDropsWhenFull(t *testing.T) {
	h := NewHub(nil)
	// Run is not started, so nothing drains the buffer.
	var err error
	for i := 0; i < broadcastBuffer+1; i++ {
		err = h.Publish(context.Background(), sampleEvent("inst-1", "acct_1", "running"))
	}
	assert.ErrorIs(t, err, ErrDropped)
	assert.Equal(t, int64(1), h.Stats().DroppedEvents)
}

func TestHub_RegisterUnregister(t *testing.T) {
	h, _ := startHub(t)
	c := attach(t, h, Subscription{})

	stats := h.Stats()
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, int64(1), stats.PeakClients)

	h.unregister <- c
	assert.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients, "peak survives disconnects")

	_, open := <-c.send
	assert.False(t, open, "send channel is closed on unregister")
}

func TestHub_FilteredDelivery(t *testing.T) {
	h, ctx := startHub(t)
	c := attach(t, h, Subscription{InstanceIDs: []string{"inst-watched"}})

	_ = h.Publish(ctx, sampleEvent("inst-other", "acct_1", "running"))
	_ = h.Publish(ctx, sampleEvent("inst-watched", "acct_1", "stopped"))

	select {
	case msg := <-c.send:
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, "inst-watched", ev.InstanceID)
		assert.Equal(t, "stopped", ev.To)
	case <-time.After(time.Second):
		t.Fatal("client should receive the watched instance's event")
	}
	assert.Empty(t, c.send, "events for other instances are filtered out")
}

func TestHub_SlowClientIsDropped(t *testing.T) {
	h, ctx := startHub(t)
	c := &client{hub: h, send: make(chan []byte)} // unbuffered, never read
	h.register <- c

	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)
	_ = h.Publish(ctx, sampleEvent("inst-1", "acct_1", "running"))
	assert.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/v1/events/ws", nil), "ops")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_MaxClients(t *testing.T) {
	h, _ := startHub(t, WithMaxClients(1))
	attach(t, h, Subscription{})

	w := httptest.NewRecorder()
	h.Serve(w, httptest.NewRequest(http.MethodGet, "/v1/events/ws", nil), "ops")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAllowedOrigins(t *testing.T) {
	h := NewHub(nil, WithAllowedOrigins([]string{"https://ops.example.com"}))
	check := h.upgrader.CheckOrigin

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://fleet.example.com/v1/events/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, check(req("")), "non-browser clients")
	assert.True(t, check(req("https://ops.example.com")))
	assert.True(t, check(req("https://fleet.example.com")), "same host")
	assert.False(t, check(req("https://evil.example.com")))

	open := NewHub(nil, WithAllowedOrigins([]string{"*"}))
	assert.True(t, open.upgrader.CheckOrigin(req("https://anything.example.com")))
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h, ctx := startHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "ops")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// A malformed subscription is answered with an error frame.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var frame controlFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)

	require.NoError(t, conn.WriteJSON(Subscription{Statuses: []string{"failed"}}))
	frame = controlFrame{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "subscribed", frame.Type)
	require.NotNil(t, frame.Filter)
	assert.Equal(t, []string{"failed"}, frame.Filter.Statuses)

	_ = h.Publish(ctx, sampleEvent("inst-1", "acct_1", "running"))
	failed := sampleEvent("inst-1", "acct_1", "failed")
	failed.Type = events.TypeFailed
	failed.ErrorCode = "quota_exceeded"
	_ = h.Publish(ctx, failed)

	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.TypeFailed, got.Type, "the running event is filtered out")
	assert.Equal(t, "quota_exceeded", got.ErrorCode)
}

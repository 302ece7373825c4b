package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventServer is a WebSocket test server that can push frames and drop clients
type eventServer struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	sockets []*websocket.Conn

	dials atomic.Int32
}

func newEventServer(t *testing.T) *eventServer {
	t.Helper()
	s := &eventServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.dials.Add(1)
		s.mu.Lock()
		s.sockets = append(s.sockets, ws)
		s.mu.Unlock()
		// Drain so close frames are processed
		go func() {
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})

	s.ts = httptest.NewServer(mux)
	t.Cleanup(s.ts.Close)
	return s
}

func (s *eventServer) wsURL() string {
	return strings.Replace(s.ts.URL, "http", "ws", 1) + "/ws"
}

func (s *eventServer) push(t *testing.T, ev Event) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sockets)
	require.NoError(t, s.sockets[len(s.sockets)-1].WriteJSON(ev))
}

func (s *eventServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.sockets {
		ws.Close()
	}
	s.sockets = nil
}

func waitForState(t *testing.T, conn *Connection, want ConnectionStateType) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, want, conn.State(), "timed out waiting for state %s", want)
}

func TestConnectionDeliversEvents(t *testing.T) {
	srv := newEventServer(t)

	conn := NewConnection(srv.wsURL(), "test-token")
	conn.SetReconnectDelay(50 * time.Millisecond)
	conn.Connect()
	defer conn.Close()

	waitForState(t, conn, StateConnected)

	srv.push(t, Event{Type: EventNewMessage, ChannelID: "chan-1"})

	select {
	case ev := <-conn.Events():
		assert.Equal(t, EventNewMessage, ev.Type)
		assert.Equal(t, "chan-1", ev.ChannelID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestConnectionReconnectsAfterDrop(t *testing.T) {
	srv := newEventServer(t)

	conn := NewConnection(srv.wsURL(), "test-token")
	conn.SetReconnectDelay(50 * time.Millisecond)
	conn.Connect()
	defer conn.Close()

	waitForState(t, conn, StateConnected)
	require.EqualValues(t, 1, srv.dials.Load())

	srv.dropAll()

	// A fresh dial arrives without any intervention
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && srv.dials.Load() < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, srv.dials.Load(), int32(2))
	waitForState(t, conn, StateConnected)

	// Still usable after the reconnect
	srv.push(t, Event{Type: EventUserUpdated})
	select {
	case ev := <-conn.Events():
		assert.Equal(t, EventUserUpdated, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
}

func TestConnectionRetriesUnreachableServer(t *testing.T) {
	// Point at a server that is immediately closed
	srv := newEventServer(t)
	url := srv.wsURL()
	srv.ts.Close()

	conn := NewConnection(url, "test-token")
	conn.SetReconnectDelay(20 * time.Millisecond)
	conn.Connect()
	defer conn.Close()

	// Attempts keep climbing; no give-up
	var attempts int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && attempts < 3 {
		select {
		case update := <-conn.StateChanges():
			if update.State == StateDisconnected && update.Err != nil {
				attempts++
			}
		case <-time.After(200 * time.Millisecond):
		}
	}
	assert.GreaterOrEqual(t, attempts, 3)
}

func TestConnectionCloseStopsReconnecting(t *testing.T) {
	srv := newEventServer(t)

	conn := NewConnection(srv.wsURL(), "test-token")
	conn.SetReconnectDelay(20 * time.Millisecond)
	conn.Connect()
	waitForState(t, conn, StateConnected)

	conn.Close()

	dialsAtClose := srv.dials.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, dialsAtClose, srv.dials.Load())

	// Events channel is closed after Close
	_, ok := <-conn.Events()
	assert.False(t, ok)
}

func TestBackloggedEventsStillInvalidateCache(t *testing.T) {
	srv := newEventServer(t)

	key := ChannelMessagesKey("chan-9")
	cache := NewCache()
	cache.Register(key, func(ctx context.Context) error { return nil })
	require.NoError(t, cache.Refresh(context.Background()))
	require.True(t, cache.IsFresh(key))

	conn := NewConnection(srv.wsURL(), "test-token")
	conn.SetReconnectDelay(50 * time.Millisecond)

	var dropped atomic.Int32
	conn.SetDropHandler(func(ev Event) {
		dropped.Add(1)
		cache.OnEvent(ev)
	})
	conn.Connect()
	defer conn.Close()

	waitForState(t, conn, StateConnected)

	// Nobody reads Events, so overflowing the queue forces drops
	for i := 0; i < 150; i++ {
		srv.push(t, Event{Type: EventNewMessage, ChannelID: "chan-9"})
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && dropped.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Positive(t, dropped.Load(), "expected overflow to drop events")

	// The dropped events still left their mark: the key went stale
	assert.False(t, cache.IsFresh(key))
}

func TestClientRunInvalidatesAllOnReconnect(t *testing.T) {
	srv := newEventServer(t)

	c := New(srv.ts.URL, "test-token")
	c.Conn.SetReconnectDelay(50 * time.Millisecond)

	var channelFetches, userFetches atomic.Int32
	c.Cache.Register(KeyChannels, func(ctx context.Context) error {
		channelFetches.Add(1)
		return nil
	})
	c.Cache.Register(KeyCurrentUser, func(ctx context.Context) error {
		userFetches.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// First connect populates everything
	waitForFetches(t, &channelFetches, 1)
	waitForFetches(t, &userFetches, 1)

	// A drop and reconnect refetches everything again
	srv.dropAll()
	waitForFetches(t, &channelFetches, 2)
	waitForFetches(t, &userFetches, 2)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func waitForFetches(t *testing.T, counter *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, counter.Load(), want)
}

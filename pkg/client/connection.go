package client

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateDisconnected ConnectionStateType = iota
	StateConnecting
	StateConnected
)

func (s ConnectionStateType) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// Event is an incoming server notification. Payload fields are hints only;
// the authoritative state always comes from a refetch.
type Event struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	DM        *DMHint         `json:"dm,omitempty"`
}

// DMHint carries the participants of a direct-message event, which is all
// the routing logic needs from the payload
type DMHint struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// Event type strings as sent by the server
const (
	EventNewMessage       = "NEW_MESSAGE"
	EventUpdateMessage    = "UPDATE_MESSAGE"
	EventDeleteMessage    = "DELETE_MESSAGE"
	EventNewDirectMessage = "NEW_DIRECT_MESSAGE"
	EventUserUpdated      = "USER_UPDATED"
)

// Connection maintains a WebSocket to the server's event stream. Any
// disconnect, clean or not, schedules a reconnect after a fixed delay with
// no backoff growth and no attempt limit; missed events are reconciled by
// invalidating the whole cache on reconnect, so a dropped connection only
// costs freshness, never correctness.
type Connection struct {
	url   string
	token string

	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	events      chan Event
	stateChange chan ConnectionStateUpdate

	mu          sync.Mutex
	ws          *websocket.Conn
	state       ConnectionStateType
	dropHandler func(Event)

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a connection to the given WebSocket URL
// (e.g. "ws://host:8080/ws") authenticated with the given token.
func NewConnection(url, token string) *Connection {
	return &Connection{
		url:            url,
		token:          token,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 3 * time.Second,
		events:         make(chan Event, 100),
		stateChange:    make(chan ConnectionStateUpdate, 10),
		state:          StateDisconnected,
		logger:         log.New(log.Writer(), "", log.LstdFlags),
		shutdown:       make(chan struct{}),
	}
}

// SetReconnectDelay overrides the fixed delay between reconnect attempts
func (c *Connection) SetReconnectDelay(d time.Duration) {
	c.reconnectDelay = d
}

// SetLogger replaces the connection's logger
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetDropHandler installs a callback invoked for events that cannot be
// queued because the consumer is backlogged. The handler runs on the read
// goroutine, so it must be cheap and safe to call concurrently; marking
// cache keys stale is the intended use.
func (c *Connection) SetDropHandler(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropHandler = fn
}

// Events returns the channel of incoming server events
func (c *Connection) Events() <-chan Event {
	return c.events
}

// StateChanges returns the channel of connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// State returns the current connection state
func (c *Connection) State() ConnectionStateType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the connect/read/reconnect loop. It returns immediately;
// observe progress through StateChanges.
func (c *Connection) Connect() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Close tears down the connection and stops reconnecting. Safe to call
// more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)

		c.mu.Lock()
		if c.ws != nil {
			c.ws.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()
		close(c.events)
	})
}

// run is the connection lifecycle loop: dial, read until failure, wait the
// fixed delay, repeat. Attempts are unbounded.
func (c *Connection) run() {
	attempt := 0
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		attempt++
		c.setState(StateConnecting, attempt, nil)

		ws, err := c.dial()
		if err != nil {
			c.logger.Printf("Connection attempt %d failed: %v", attempt, err)
			c.setState(StateDisconnected, attempt, err)
			if !c.waitForRetry() {
				return
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.setState(StateConnected, attempt, nil)
		attempt = 0

		readErr := c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
		c.setState(StateDisconnected, 0, readErr)

		select {
		case <-c.shutdown:
			return
		default:
		}
		c.logger.Printf("Connection lost: %v (retrying in %s)", readErr, c.reconnectDelay)
		if !c.waitForRetry() {
			return
		}
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, _, err := c.dialer.Dial(c.url, header)
	return ws, err
}

// readLoop decodes incoming frames until the socket fails
func (c *Connection) readLoop(ws *websocket.Conn) error {
	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			return err
		}

		select {
		case c.events <- ev:
		case <-c.shutdown:
			return nil
		default:
			// Consumer is not keeping up. The event itself is expendable
			// (payloads are hints), but the staleness it signals is not, so
			// hand it to the drop handler instead of discarding outright.
			// Invalidations coalesce, so a flood of drops costs one refetch.
			c.logger.Printf("Dropping %s event, consumer backlogged", ev.Type)
			c.mu.Lock()
			handler := c.dropHandler
			c.mu.Unlock()
			if handler != nil {
				handler(ev)
			}
		}
	}
}

// waitForRetry sleeps the fixed reconnect delay, returning false on shutdown
func (c *Connection) waitForRetry() bool {
	select {
	case <-time.After(c.reconnectDelay):
		return true
	case <-c.shutdown:
		return false
	}
}

func (c *Connection) setState(state ConnectionStateType, attempt int, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	update := ConnectionStateUpdate{State: state, Attempt: attempt, Err: err}
	select {
	case c.stateChange <- update:
	default:
		// Slow observer; state is still queryable via State()
	}
}

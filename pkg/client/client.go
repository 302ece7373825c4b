// Package client is a Go client for the teamchat server: a typed HTTP API
// wrapper plus the real-time reconciliation layer that keeps locally cached
// data consistent with server state through WebSocket events.
package client

import (
	"context"
	"fmt"
	"strings"
)

// Client ties the API, the event connection, and the cache together
type Client struct {
	API   *API
	Conn  *Connection
	Cache *Cache
}

// New creates a client for a server base URL (e.g. "http://host:8080") using
// an already-obtained auth token. The WebSocket URL is derived from the base.
func New(baseURL, token string) *Client {
	api := NewAPI(baseURL)
	api.SetToken(token)

	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws"

	return &Client{
		API:   api,
		Conn:  NewConnection(wsURL, token),
		Cache: NewCache(),
	}
}

// Run connects the event stream and processes events and state changes until
// the context is cancelled. Each event invalidates the cache keys it affects
// and triggers a refetch of whatever went stale; every (re)connect
// invalidates everything, since events may have been missed while offline.
func (c *Client) Run(ctx context.Context) error {
	// Events dropped under backlog still mark their keys stale, so the next
	// Refresh picks them up even though the event never reached this loop.
	c.Conn.SetDropHandler(c.Cache.OnEvent)
	c.Conn.Connect()
	defer c.Conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update := <-c.Conn.StateChanges():
			if update.State == StateConnected {
				c.Cache.InvalidateAll()
				if err := c.Cache.Refresh(ctx); err != nil {
					return fmt.Errorf("refresh after connect: %w", err)
				}
			}

		case ev, ok := <-c.Conn.Events():
			if !ok {
				return nil
			}
			c.Cache.OnEvent(ev)
			if err := c.Cache.Refresh(ctx); err != nil {
				return fmt.Errorf("refresh after %s: %w", ev.Type, err)
			}
		}
	}
}

package client

import (
	"context"
	"fmt"
	"sync"
)

// Cache keys, mirroring the API paths they cache
const (
	KeyChannels      = "/api/channels"
	KeyConversations = "/api/dms/conversations"
	KeyCurrentUser   = "/api/user"
)

// ChannelMessagesKey returns the cache key for a channel's message list
func ChannelMessagesKey(channelID string) string {
	return fmt.Sprintf("/api/channels/%s/messages", channelID)
}

// ConversationKey returns the cache key for a DM conversation with a user
func ConversationKey(userID string) string {
	return fmt.Sprintf("/api/dms/%s", userID)
}

// FetchFunc reloads the data behind a cache key from the server
type FetchFunc func(ctx context.Context) error

type entryState int

const (
	stateFresh entryState = iota
	stateStale
)

type cacheEntry struct {
	state entryState
	fetch FetchFunc
}

// Cache is the reconciliation layer between server events and locally held
// data. Events never mutate cached data directly; they only mark keys stale,
// and Refresh refetches whatever is stale. This makes every event a hint and
// the server the single source of truth.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry

	// The DM partner whose conversation is currently displayed, if any.
	// DM events only invalidate a conversation key when it matches.
	activePartner string
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
	}
}

// Register adds a key with its refetch function. Registered keys start stale
// so the first Refresh populates them.
func (c *Cache) Register(key string, fetch FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{state: stateStale, fetch: fetch}
}

// Unregister removes a key, e.g. when leaving a channel view
func (c *Cache) Unregister(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// SetActiveConversation records which DM partner is currently displayed.
// Pass "" when no conversation is open.
func (c *Cache) SetActiveConversation(partnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activePartner = partnerID
}

// Invalidate marks a key stale. Unknown keys are ignored: an event for a
// channel nobody is viewing has nothing to invalidate.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.state = stateStale
	}
}

// InvalidateAll marks every registered key stale. Called after a reconnect,
// when any number of events may have been missed.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.state = stateStale
	}
}

// IsFresh reports whether a key is registered and fresh
func (c *Cache) IsFresh(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.state == stateFresh
}

// StaleKeys returns the keys currently marked stale
func (c *Cache) StaleKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key, e := range c.entries {
		if e.state == stateStale {
			keys = append(keys, key)
		}
	}
	return keys
}

// OnEvent routes a server event to the cache keys it affects
func (c *Cache) OnEvent(ev Event) {
	switch ev.Type {
	case EventNewMessage, EventUpdateMessage, EventDeleteMessage:
		// Only the affected channel's message list goes stale
		c.Invalidate(ChannelMessagesKey(ev.ChannelID))

	case EventNewDirectMessage:
		c.Invalidate(KeyConversations)
		if ev.DM != nil {
			c.mu.Lock()
			partner := c.activePartner
			c.mu.Unlock()
			if partner != "" && (ev.DM.SenderID == partner || ev.DM.ReceiverID == partner) {
				c.Invalidate(ConversationKey(partner))
			}
		}

	case EventUserUpdated:
		// No payload: any user anywhere may have changed, so everything
		// that embeds author summaries goes stale
		c.Invalidate(KeyCurrentUser)
		c.Invalidate(KeyChannels)
		c.Invalidate(KeyConversations)
	}
}

// Refresh refetches every stale key, marking each fresh on success. A failed
// fetch leaves its key stale for the next Refresh; the first error is
// returned after all keys have been attempted.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	type pending struct {
		key   string
		fetch FetchFunc
	}
	var work []pending
	for key, e := range c.entries {
		if e.state == stateStale && e.fetch != nil {
			work = append(work, pending{key: key, fetch: e.fetch})
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, p := range work {
		if err := p.fetch(ctx); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("refetch %s: %w", p.key, err)
			}
			continue
		}
		c.mu.Lock()
		if e, ok := c.entries[p.key]; ok {
			e.state = stateFresh
		}
		c.mu.Unlock()
	}
	return firstErr
}

package server

import (
	"encoding/json"

	"github.com/aeolun/teamchat/pkg/database"
)

// EventType identifies the kind of state change an Event describes
type EventType string

const (
	EventNewMessage       EventType = "NEW_MESSAGE"
	EventUpdateMessage    EventType = "UPDATE_MESSAGE"
	EventDeleteMessage    EventType = "DELETE_MESSAGE"
	EventNewDirectMessage EventType = "NEW_DIRECT_MESSAGE"
	EventUserUpdated      EventType = "USER_UPDATED"
)

// Event is an immutable broadcast notification describing a state change.
// The payload is a hint for optimistic rendering; clients refetch the
// affected resources rather than trusting it as authoritative state.
type Event struct {
	Type      EventType       `json:"type"`
	ChannelID string          `json:"channelId,omitempty"`
	Message   *MessagePayload `json:"message,omitempty"`
	DM        *DMPayload      `json:"dm,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// MessagePayload is the denormalized message attached to message events
type MessagePayload struct {
	ID        string               `json:"id"`
	Content   string               `json:"content"`
	ChannelID string               `json:"channelId"`
	UserID    string               `json:"userId"`
	CreatedAt int64                `json:"createdAt"`
	User      database.UserSummary `json:"user"`
}

// DMPayload is the denormalized direct message attached to DM events
type DMPayload struct {
	ID         string               `json:"id"`
	Content    string               `json:"content"`
	SenderID   string               `json:"senderId"`
	ReceiverID string               `json:"receiverId"`
	CreatedAt  int64                `json:"createdAt"`
	Sender     database.UserSummary `json:"sender"`
	Receiver   database.UserSummary `json:"receiver"`
}

// Encode serializes the event to a JSON wire frame
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewMessageEvent builds the event broadcast after a message is posted
func NewMessageEvent(msg *database.MessageWithUser) *Event {
	return &Event{
		Type:      EventNewMessage,
		ChannelID: msg.ChannelID,
		Message:   messagePayload(msg),
	}
}

// UpdateMessageEvent builds the event broadcast after a message is edited
func UpdateMessageEvent(msg *database.MessageWithUser) *Event {
	return &Event{
		Type:      EventUpdateMessage,
		ChannelID: msg.ChannelID,
		Message:   messagePayload(msg),
	}
}

// DeleteMessageEvent builds the event broadcast after a message is deleted
func DeleteMessageEvent(channelID, messageID string) *Event {
	return &Event{
		Type:      EventDeleteMessage,
		ChannelID: channelID,
		MessageID: messageID,
	}
}

// NewDirectMessageEvent builds the event broadcast after a DM is sent
func NewDirectMessageEvent(dm *database.DirectMessageWithUsers) *Event {
	return &Event{
		Type: EventNewDirectMessage,
		DM:   dmPayload(dm),
	}
}

// UserUpdatedEvent builds the global event broadcast after a profile or role
// change. It carries no payload: clients must refetch affected collections.
func UserUpdatedEvent() *Event {
	return &Event{Type: EventUserUpdated}
}

func dmPayload(dm *database.DirectMessageWithUsers) *DMPayload {
	return &DMPayload{
		ID:         dm.ID,
		Content:    dm.Content,
		SenderID:   dm.SenderID,
		ReceiverID: dm.ReceiverID,
		CreatedAt:  dm.CreatedAt,
		Sender:     dm.Sender,
		Receiver:   dm.Receiver,
	}
}

func messagePayload(msg *database.MessageWithUser) *MessagePayload {
	return &MessagePayload{
		ID:        msg.ID,
		Content:   msg.Content,
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		CreatedAt: msg.CreatedAt,
		User:      msg.User,
	}
}

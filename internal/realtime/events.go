package realtime

import (
	"encoding/json"
	"strings"
)

// Server to client events.
const (
	EventNewMessage      = "new_message"
	EventMessageUpdated  = "message_updated"
	EventMessageDeleted  = "message_deleted"
	EventReactionUpdated = "reaction_updated"
	EventMessagesRead    = "messages_read"
	EventUserTyping      = "user_typing"
	EventUserOnline      = "user_online"
	EventUserOffline     = "user_offline"
	EventThreadUpdated   = "thread_updated"
	EventThreadRemoved   = "thread_removed"
	EventJoinedThread    = "joined_thread"
	EventMessageError    = "message_error"
	EventReadError       = "read_error"
	EventThreadError     = "thread_error"
)

// Client to server events.
const (
	EventJoinUserChannel = "join_user_channel"
	EventJoinThread      = "join_thread"
	EventLeaveThread     = "leave_thread"
	EventSendMessage     = "send_message"
	EventMarkRead        = "mark_read"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
)

// Frame is the wire format in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Delivery is one event addressed to a channel as it travels through a Broker.
type Delivery struct {
	Channel    string          `json:"channel"`
	Event      string          `json:"event,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ExceptUser string          `json:"exceptUser,omitempty"`
	// Evict asks every process to unsubscribe this user's connections from Channel.
	Evict string `json:"evict,omitempty"`
}

const (
	userChannelPrefix   = "user:"
	threadChannelPrefix = "thread:"
)

func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

func ThreadChannel(threadID string) string {
	return threadChannelPrefix + threadID
}

func IsThreadChannel(channel string) bool {
	return strings.HasPrefix(channel, threadChannelPrefix)
}

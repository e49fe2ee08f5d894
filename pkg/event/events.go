// Package event defines the wire-level push events and outbound commands of
// the messenger protocol. The inbound set is closed: every event the server
// can push has a concrete type here and an entry in the decoder table, so a
// dispatch switch over Event can be checked for exhaustiveness.
package event

import (
	"go.mau.fi/util/jsontime"
)

// Type is the wire name of an inbound push event.
type Type string

const (
	TypeMessageCreated  Type = "new_message"
	TypeMessageEdited   Type = "message_edited"
	TypeMessageDeleted  Type = "message_deleted"
	TypeReadAdvanced    Type = "read_updated"
	TypeTypingChanged   Type = "user_typing"
	TypeMembersChanged  Type = "room_members_updated"
	TypeRoomRenamed     Type = "room_name_updated"
	TypeRoomChanged     Type = "room_updated"
	TypePresenceChanged Type = "user_status"
	TypeProfileUpdated  Type = "user_profile_updated"
	TypeReactionsSet    Type = "reaction_updated"
)

// Outbound command names. subscribe_rooms is always sent once with the full
// room id list, never once per room.
const (
	CmdSendMessage    = "send_message"
	CmdEditMessage    = "edit_message"
	CmdDeleteMessage  = "delete_message"
	CmdTyping         = "typing"
	CmdMarkRead       = "message_read"
	CmdJoinRoom       = "join_room"
	CmdLeaveRoom      = "leave_room"
	CmdSubscribeRooms = "subscribe_rooms"
)

// Event is implemented by every inbound push event.
type Event interface {
	EventType() Type
}

// Message is the wire form of a chat message. Server-assigned ids are
// room-scoped and strictly increasing; created_at is unix milliseconds.
type Message struct {
	ID         int64              `json:"id"`
	RoomID     int64              `json:"room_id"`
	SenderID   int64              `json:"sender_id"`
	SenderName string             `json:"sender_name,omitempty"`
	Kind       string             `json:"message_type"`
	Content    string             `json:"content"`
	Encrypted  bool               `json:"encrypted"`
	CreatedAt  jsontime.UnixMilli `json:"created_at"`

	ReplyTo      *int64     `json:"reply_to,omitempty"`
	ReplyContent string     `json:"reply_content,omitempty"`
	FileName     string     `json:"file_name,omitempty"`
	Reactions    []Reaction `json:"reactions,omitempty"`

	// UnreadCount is the server-side seed for outstanding readers, present
	// on history/backfill responses but not on live pushes.
	UnreadCount *int `json:"unread_count,omitempty"`

	// LocalEcho is the client-assigned key of an optimistic send, echoed
	// back by the server on the confirmed message.
	LocalEcho string `json:"local_echo,omitempty"`
}

// Reaction is one emoji with the set of users who applied it.
type Reaction struct {
	Emoji   string  `json:"emoji"`
	UserIDs []int64 `json:"user_ids"`
}

// Room is the wire form of a room summary as returned by the room list API
// and stored in the offline cache.
type Room struct {
	ID            int64  `json:"id"`
	Kind          string `json:"room_type"`
	Name          string `json:"name"`
	Pinned        bool   `json:"pinned"`
	Muted         bool   `json:"muted"`
	EncryptionKey string `json:"encryption_key,omitempty"`

	LastMessageTime    jsontime.UnixMilli `json:"last_message_time"`
	LastMessageKind    string             `json:"last_message_type,omitempty"`
	LastMessagePreview string             `json:"last_message_preview,omitempty"`
	UnreadCount        int                `json:"unread_count"`
}

// Member is a room member with their read cursor.
type Member struct {
	UserID            int64  `json:"id"`
	Nickname          string `json:"nickname"`
	LastReadMessageID int64  `json:"last_read_message_id"`
}

// MessageCreated is a live push of a brand-new message.
type MessageCreated struct {
	Message
}

func (*MessageCreated) EventType() Type { return TypeMessageCreated }

// MessageEdited replaces a message body in place.
type MessageEdited struct {
	RoomID    int64              `json:"room_id"`
	MessageID int64              `json:"message_id"`
	Content   string             `json:"content"`
	Encrypted bool               `json:"encrypted"`
	EditedAt  jsontime.UnixMilli `json:"edited_at"`
}

func (*MessageEdited) EventType() Type { return TypeMessageEdited }

// MessageDeleted tombstones a message. The message itself is never removed
// from history, its content is replaced by a placeholder.
type MessageDeleted struct {
	RoomID    int64 `json:"room_id"`
	MessageID int64 `json:"message_id"`
}

func (*MessageDeleted) EventType() Type { return TypeMessageDeleted }

// ReadAdvanced moves a user's read cursor forward in a room. Cursors are
// monotonic; regressions are an upstream contract breach.
type ReadAdvanced struct {
	RoomID    int64 `json:"room_id"`
	UserID    int64 `json:"user_id"`
	MessageID int64 `json:"message_id"`
}

func (*ReadAdvanced) EventType() Type { return TypeReadAdvanced }

// TypingChanged reports a user starting or stopping typing in a room.
type TypingChanged struct {
	RoomID   int64  `json:"room_id"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	IsTyping bool   `json:"is_typing"`
}

func (*TypingChanged) EventType() Type { return TypeTypingChanged }

// MembersChanged signals that a room's member list changed. It carries no
// member data; clients refetch and invalidate membership-derived state.
type MembersChanged struct {
	RoomID int64 `json:"room_id"`
}

func (*MembersChanged) EventType() Type { return TypeMembersChanged }

// RoomRenamed carries the new display name of a room.
type RoomRenamed struct {
	RoomID int64  `json:"room_id"`
	Name   string `json:"name"`
}

func (*RoomRenamed) EventType() Type { return TypeRoomRenamed }

// RoomChanged is a coarse hint that room metadata changed in a way the
// server did not itemize; clients reload the affected summary.
type RoomChanged struct {
	RoomID int64 `json:"room_id"`
}

func (*RoomChanged) EventType() Type { return TypeRoomChanged }

// PresenceChanged reports a user's online status.
type PresenceChanged struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

func (*PresenceChanged) EventType() Type { return TypePresenceChanged }

// ProfileUpdated reports a nickname or avatar change.
type ProfileUpdated struct {
	UserID       int64  `json:"user_id"`
	Nickname     string `json:"nickname,omitempty"`
	ProfileImage string `json:"profile_image,omitempty"`
}

func (*ProfileUpdated) EventType() Type { return TypeProfileUpdated }

// ReactionsSet replaces the full reaction list of a message.
type ReactionsSet struct {
	RoomID    int64      `json:"room_id"`
	MessageID int64      `json:"message_id"`
	Reactions []Reaction `json:"reactions"`
}

func (*ReactionsSet) EventType() Type { return TypeReactionsSet }

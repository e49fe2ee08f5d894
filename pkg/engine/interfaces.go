package engine

import (
	"context"

	"github.com/twbeatles/intranet-messenger/pkg/event"
)

// Sender hands an outbound command to the transport. It returns false
// without blocking when no connection is established; nothing is queued,
// callers re-issue on reconnect when that is semantically required.
type Sender interface {
	Send(cmd string, payload any) bool
}

// MessagesQuery bounds a history fetch. AfterID and BeforeID are exclusive;
// zero means unconstrained on that side.
type MessagesQuery struct {
	AfterID  int64
	BeforeID int64
	Limit    int
}

// Fetcher is the backfill API: bounded history queries used for initial room
// open, scrollback and reconnect gap-fill.
type Fetcher interface {
	Messages(ctx context.Context, roomID int64, query MessagesQuery) ([]event.Message, error)
	Members(ctx context.Context, roomID int64) ([]event.Member, error)
	Rooms(ctx context.Context) ([]event.Room, error)
}

// Cache is the offline store boundary. Every method may fail without
// breaking the engine; a missing cache only makes startup cold.
type Cache interface {
	PutRooms(ctx context.Context, rooms []event.Room) error
	Rooms(ctx context.Context) ([]event.Room, error)
	PutMessages(ctx context.Context, roomID int64, msgs []event.Message) error
	MessagesForRoom(ctx context.Context, roomID int64, limit int) ([]event.Message, error)
	UpdateBody(ctx context.Context, roomID, messageID int64, content string, encrypted bool) error
	MarkDeleted(ctx context.Context, roomID, messageID int64) error
	SetDraft(ctx context.Context, roomID int64, content string) error
	Draft(ctx context.Context, roomID int64) (string, error)
	ClearDraft(ctx context.Context, roomID int64) error
}

// Renderer receives targeted model-change notifications. All calls happen on
// the engine loop; implementations must not call back into the engine
// synchronously. The renderer reads model state, it never mutates it.
type Renderer interface {
	RoomListChanged(rooms []*Room)
	ThreadReset(roomID int64, msgs []*Message)
	MessageAdded(roomID int64, msg *Message)
	MessageChanged(roomID int64, msg *Message)
	ReaderCountChanged(roomID, messageID int64, outstanding int)
	TypingChanged(roomID int64, names []string)
	ConnectivityChanged(state string, attempt int)
	PresenceChanged(userID int64, status string)
	ProfileChanged(userID int64, nickname, profileImage string)
	DraftLoaded(roomID int64, draft string)
}

// Notifier surfaces a message the user should be alerted about.
type Notifier interface {
	Notify(room *Room, msg *Message, mention bool)
}

// NopRenderer discards every notification. Useful as a default and in tests.
type NopRenderer struct{}

func (NopRenderer) RoomListChanged([]*Room)              {}
func (NopRenderer) ThreadReset(int64, []*Message)        {}
func (NopRenderer) MessageAdded(int64, *Message)         {}
func (NopRenderer) MessageChanged(int64, *Message)       {}
func (NopRenderer) ReaderCountChanged(int64, int64, int) {}
func (NopRenderer) TypingChanged(int64, []string)        {}
func (NopRenderer) ConnectivityChanged(string, int)      {}
func (NopRenderer) PresenceChanged(int64, string)        {}
func (NopRenderer) ProfileChanged(int64, string, string) {}
func (NopRenderer) DraftLoaded(int64, string)            {}

// NopNotifier drops all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(*Room, *Message, bool) {}

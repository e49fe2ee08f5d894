package engine

import (
	"strings"
	"time"

	"github.com/twbeatles/intranet-messenger/pkg/event"
)

// DecryptState tracks where a message body is in the lazy decryption
// pipeline.
type DecryptState int

const (
	// DecryptPlain means the body was never encrypted.
	DecryptPlain DecryptState = iota
	// DecryptPending means the ciphertext is waiting for an idle slice.
	DecryptPending
	// DecryptDone means Body holds the plaintext.
	DecryptDone
	// DecryptFailed means the key was wrong or the payload corrupt. The
	// body is replaced by a fixed placeholder and never retried.
	DecryptFailed
)

const (
	KindText   = "text"
	KindImage  = "image"
	KindFile   = "file"
	KindSystem = "system"
)

const (
	deletedPlaceholder  = "(deleted message)"
	decryptFailedBody   = "(unable to decrypt)"
	encryptedPreview    = "(encrypted message)"
	imagePreview        = "(photo)"
	filePreviewFallback = "(file)"
	previewMaxRunes     = 25
)

// Message is the engine's view of one chat message. The engine owns it
// exclusively; the rendering layer only reads.
type Message struct {
	ID         int64
	RoomID     int64
	SenderID   int64
	SenderName string
	Kind       string
	Body       string
	Encrypted  bool
	CreatedAt  time.Time

	ReplyTo      *int64
	ReplyPreview string
	FileName     string
	Reactions    []event.Reaction

	// OutstandingReaders counts members other than the sender who have not
	// read this message yet. Monotonically non-increasing, floor 0. Only
	// meaningful for messages authored by the local user.
	OutstandingReaders int

	DecryptState DecryptState
	Deleted      bool

	// DateDivider marks that a calendar date boundary precedes this message
	// in the rendered thread.
	DateDivider bool

	// EchoKey is set on an optimistic local send until the server confirms
	// it. Failed is set when the send could not even be handed to the
	// transport.
	EchoKey string
	Failed  bool
}

// Room is one entry of the room list.
type Room struct {
	ID            int64
	Kind          string
	Name          string
	Pinned        bool
	Muted         bool
	EncryptionKey string
	Left          bool

	LastMessageTime time.Time
	LastMessageKind string
	Preview         string
	UnreadCount     int

	Members []Member
}

// Member is a room member with their read cursor.
type Member struct {
	UserID            int64
	Nickname          string
	LastReadMessageID int64
}

func memberFromWire(wm event.Member) Member {
	return Member{
		UserID:            wm.UserID,
		Nickname:          wm.Nickname,
		LastReadMessageID: wm.LastReadMessageID,
	}
}

func messageFromWire(wm *event.Message) *Message {
	m := &Message{
		ID:           wm.ID,
		RoomID:       wm.RoomID,
		SenderID:     wm.SenderID,
		SenderName:   wm.SenderName,
		Kind:         wm.Kind,
		Body:         wm.Content,
		Encrypted:    wm.Encrypted,
		CreatedAt:    wm.CreatedAt.Time,
		ReplyTo:      wm.ReplyTo,
		ReplyPreview: wm.ReplyContent,
		FileName:     wm.FileName,
		Reactions:    wm.Reactions,
		EchoKey:      wm.LocalEcho,
	}
	if m.Encrypted {
		m.DecryptState = DecryptPending
	}
	if wm.UnreadCount != nil {
		m.OutstandingReaders = *wm.UnreadCount
	}
	return m
}

func roomFromWire(wr *event.Room) *Room {
	return &Room{
		ID:              wr.ID,
		Kind:            wr.Kind,
		Name:            wr.Name,
		Pinned:          wr.Pinned,
		Muted:           wr.Muted,
		EncryptionKey:   wr.EncryptionKey,
		LastMessageTime: wr.LastMessageTime.Time,
		LastMessageKind: wr.LastMessageKind,
		Preview:         wr.LastMessagePreview,
		UnreadCount:     wr.UnreadCount,
	}
}

func roomToWire(r *Room) event.Room {
	wr := event.Room{
		ID:                 r.ID,
		Kind:               r.Kind,
		Name:               r.Name,
		Pinned:             r.Pinned,
		Muted:              r.Muted,
		EncryptionKey:      r.EncryptionKey,
		LastMessageKind:    r.LastMessageKind,
		LastMessagePreview: r.Preview,
		UnreadCount:        r.UnreadCount,
	}
	wr.LastMessageTime.Time = r.LastMessageTime
	return wr
}

// previewFor computes the room-list preview line for a message.
func previewFor(m *Message) string {
	if m.Deleted {
		return deletedPlaceholder
	}
	switch m.Kind {
	case KindImage:
		return imagePreview
	case KindFile:
		if m.FileName != "" {
			return m.FileName
		}
		return filePreviewFallback
	}
	if m.Encrypted && m.DecryptState != DecryptDone {
		return encryptedPreview
	}
	text := strings.TrimSpace(m.Body)
	if runes := []rune(text); len(runes) > previewMaxRunes {
		return string(runes[:previewMaxRunes]) + "..."
	}
	return text
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

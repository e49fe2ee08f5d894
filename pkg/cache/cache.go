// intranet-messenger - A sync engine for the intranet messenger client.
// Copyright (C) 2026 twbeatles
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package cache is the offline store: rooms and messages persisted to SQLite
// so the client can render while disconnected. The cache is a fallback, not a
// source of truth: every caller must keep working (degraded) when it is nil
// or a call fails.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"

	"github.com/twbeatles/intranet-messenger/pkg/event"
)

type Cache struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// New opens (or creates) the cache database at path and ensures the schema.
func New(path string, log zerolog.Logger) (*Cache, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "cache").Logger())
	c := &Cache{db: db, log: log.With().Str("component", "cache").Logger()}
	if err := c.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS room (
			id           INTEGER PRIMARY KEY,
			room_type    TEXT NOT NULL DEFAULT 'group',
			name         TEXT NOT NULL DEFAULT '',
			pinned       BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_key TEXT,
			last_message_ts      BIGINT NOT NULL DEFAULT 0,
			last_message_type    TEXT NOT NULL DEFAULT '',
			last_message_preview TEXT NOT NULL DEFAULT '',
			unread_count INTEGER NOT NULL DEFAULT 0,
			updated_ts   BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id           INTEGER NOT NULL,
			room_id      INTEGER NOT NULL,
			sender_id    INTEGER NOT NULL,
			sender_name  TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT 'text',
			content      TEXT NOT NULL DEFAULT '',
			encrypted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts   BIGINT NOT NULL,
			reply_to     INTEGER,
			reply_content TEXT NOT NULL DEFAULT '',
			file_name    TEXT NOT NULL DEFAULT '',
			deleted      BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (room_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_room_ts_idx
			ON message (room_id, created_ts, id)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := c.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}

	// Migration: add muted column if missing (SQLite doesn't support
	// IF NOT EXISTS on ALTER).
	var hasMuted int
	_ = c.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('room') WHERE name='muted'`).Scan(&hasMuted)
	if hasMuted == 0 {
		if _, err := c.db.Exec(ctx, `ALTER TABLE room ADD COLUMN muted BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
			return fmt.Errorf("failed to add muted column: %w", err)
		}
	}
	return nil
}

// PutRooms upserts room summaries in one statement.
func (c *Cache) PutRooms(ctx context.Context, rooms []event.Room) error {
	if len(rooms) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO room (id, room_type, name, pinned, muted, encryption_key,
		last_message_ts, last_message_type, last_message_preview, unread_count, updated_ts) VALUES `)
	args := make([]any, 0, len(rooms)*11)
	now := time.Now().UnixMilli()
	for i, room := range rooms {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)
		args = append(args, room.ID, room.Kind, room.Name, room.Pinned, room.Muted,
			nullableString(room.EncryptionKey), room.LastMessageTime.UnixMilli(),
			room.LastMessageKind, room.LastMessagePreview, room.UnreadCount, now)
	}
	sb.WriteString(` ON CONFLICT (id) DO UPDATE SET
		room_type=excluded.room_type, name=excluded.name, pinned=excluded.pinned,
		muted=excluded.muted, encryption_key=excluded.encryption_key,
		last_message_ts=excluded.last_message_ts, last_message_type=excluded.last_message_type,
		last_message_preview=excluded.last_message_preview,
		unread_count=excluded.unread_count, updated_ts=excluded.updated_ts`)
	if _, err := c.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to upsert rooms: %w", err)
	}
	return nil
}

// Rooms returns all cached room summaries.
func (c *Cache) Rooms(ctx context.Context) ([]event.Room, error) {
	rows, err := c.db.Query(ctx, `SELECT id, room_type, name, pinned, muted,
		COALESCE(encryption_key, ''), last_message_ts, last_message_type,
		last_message_preview, unread_count FROM room`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []event.Room
	for rows.Next() {
		var room event.Room
		var ts int64
		if err := rows.Scan(&room.ID, &room.Kind, &room.Name, &room.Pinned, &room.Muted,
			&room.EncryptionKey, &ts, &room.LastMessageKind,
			&room.LastMessagePreview, &room.UnreadCount); err != nil {
			return nil, err
		}
		room.LastMessageTime = jsontime.UM(time.UnixMilli(ts))
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// PutMessages upserts a batch of messages for one room. Bodies are stored
// exactly as received, so ciphertext stays ciphertext and the cache never
// holds decrypted content.
func (c *Cache) PutMessages(ctx context.Context, roomID int64, msgs []event.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO message (id, room_id, sender_id, sender_name, message_type,
		content, encrypted, created_ts, reply_to, reply_content, file_name) VALUES `)
	args := make([]any, 0, len(msgs)*11)
	for i, msg := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11)
		var replyTo any
		if msg.ReplyTo != nil {
			replyTo = *msg.ReplyTo
		}
		args = append(args, msg.ID, roomID, msg.SenderID, msg.SenderName, msg.Kind,
			msg.Content, msg.Encrypted, msg.CreatedAt.UnixMilli(), replyTo,
			msg.ReplyContent, msg.FileName)
	}
	sb.WriteString(` ON CONFLICT (room_id, id) DO UPDATE SET
		content=excluded.content, encrypted=excluded.encrypted,
		reply_content=excluded.reply_content, file_name=excluded.file_name`)
	if _, err := c.db.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to upsert messages: %w", err)
	}
	return nil
}

// MessagesForRoom returns the newest limit messages of a room in ascending
// id order, ready to materialize a thread tail.
func (c *Cache) MessagesForRoom(ctx context.Context, roomID int64, limit int) ([]event.Message, error) {
	rows, err := c.db.Query(ctx, `SELECT id, sender_id, sender_name, message_type, content,
		encrypted, created_ts, reply_to, reply_content, file_name, deleted
		FROM message WHERE room_id=$1 ORDER BY id DESC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []event.Message
	for rows.Next() {
		var msg event.Message
		var ts int64
		var replyTo sql.NullInt64
		var deleted bool
		if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.SenderName, &msg.Kind, &msg.Content,
			&msg.Encrypted, &ts, &replyTo, &msg.ReplyContent, &msg.FileName, &deleted); err != nil {
			return nil, err
		}
		msg.RoomID = roomID
		msg.CreatedAt = jsontime.UM(time.UnixMilli(ts))
		if replyTo.Valid {
			msg.ReplyTo = &replyTo.Int64
		}
		if deleted {
			// Tombstones keep their row but never resurface content.
			msg.Content = ""
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse newest-first into ascending order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpdateBody replaces a cached message's content in place. A message that
// was never cached is left alone; the edit event does not carry enough to
// synthesize a full row.
func (c *Cache) UpdateBody(ctx context.Context, roomID, messageID int64, content string, encrypted bool) error {
	_, err := c.db.Exec(ctx, `UPDATE message SET content=$1, encrypted=$2 WHERE room_id=$3 AND id=$4`,
		content, encrypted, roomID, messageID)
	return err
}

// MarkDeleted tombstones a cached message.
func (c *Cache) MarkDeleted(ctx context.Context, roomID, messageID int64) error {
	_, err := c.db.Exec(ctx, `UPDATE message SET deleted=TRUE, content='' WHERE room_id=$1 AND id=$2`,
		roomID, messageID)
	return err
}

// DeleteOlderThan removes cached messages created before cutoff and returns
// the number of rows swept.
func (c *Cache) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.Exec(ctx, `DELETE FROM message WHERE created_ts < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep old messages: %w", err)
	}
	swept, _ := res.RowsAffected()
	return swept, nil
}

// SetDraft stores the unsent input of a room.
func (c *Cache) SetDraft(ctx context.Context, roomID int64, content string) error {
	_, err := c.db.Exec(ctx, `INSERT INTO kv (key, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=excluded.value, updated_ts=excluded.updated_ts`,
		draftKey(roomID), content, time.Now().UnixMilli())
	return err
}

// Draft returns the stored draft for a room, or "" when none exists.
func (c *Cache) Draft(ctx context.Context, roomID int64) (string, error) {
	var value string
	err := c.db.QueryRow(ctx, `SELECT value FROM kv WHERE key=$1`, draftKey(roomID)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ClearDraft removes a room's draft.
func (c *Cache) ClearDraft(ctx context.Context, roomID int64) error {
	_, err := c.db.Exec(ctx, `DELETE FROM kv WHERE key=$1`, draftKey(roomID))
	return err
}

func draftKey(roomID int64) string {
	return fmt.Sprintf("draft_%d", roomID)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

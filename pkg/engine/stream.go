// intranet-messenger - A sync engine for the intranet messenger client.
// Copyright (C) 2026 twbeatles
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"fmt"

	"github.com/twbeatles/intranet-messenger/pkg/event"
)

// dispatch routes one inbound event. Runs on the loop. While a resync is in
// flight everything is parked in gateBuf and replayed after the gap-fill, so
// backfilled and live messages cannot interleave out of order.
func (e *Engine) dispatch(ev event.Event) {
	if e.gated {
		e.gateBuf = append(e.gateBuf, ev)
		return
	}
	switch ev := ev.(type) {
	case *event.MessageCreated:
		e.enqueueMessage(&ev.Message)
	case *event.MessageEdited:
		e.handleEdited(ev)
	case *event.MessageDeleted:
		e.handleDeleted(ev)
	case *event.ReadAdvanced:
		e.handleReadAdvanced(ev)
	case *event.TypingChanged:
		e.handleTyping(ev)
	case *event.MembersChanged:
		e.handleMembersChanged(ev)
	case *event.RoomRenamed:
		if room := e.rooms.get(ev.RoomID); room != nil {
			room.Name = ev.Name
			e.renderer.RoomListChanged(e.rooms.ordered())
		} else {
			e.reloadRooms()
		}
	case *event.RoomChanged:
		e.reloadRooms()
	case *event.PresenceChanged:
		if !e.dedup.shouldProcess(fmt.Sprintf("presence:%d:%s", ev.UserID, ev.Status)) {
			e.metrics.DedupedEvents.Inc()
			return
		}
		e.renderer.PresenceChanged(ev.UserID, ev.Status)
	case *event.ProfileUpdated:
		e.handleProfile(ev)
	case *event.ReactionsSet:
		e.handleReactions(ev)
	default:
		e.log.Warn().Type("event_type", ev).Msg("Dropping unhandled event")
	}
}

// enqueueMessage parks a new-message event in the pending batch and arms the
// coalescing timer. Bursts arriving within one interval drain as one batch.
func (e *Engine) enqueueMessage(wm *event.Message) {
	e.pendingMsgs = append(e.pendingMsgs, wm)
	if e.batchTimer == nil {
		e.batchTimer = e.afterFunc(e.batchInterval, e.drainBatch)
	}
}

func (e *Engine) drainBatch() {
	e.batchTimer = nil
	batch := e.pendingMsgs
	e.pendingMsgs = nil
	for _, wm := range batch {
		e.applyMessage(wm)
	}
}

// applyMessage is the per-message ingestion pipeline: dedup, sorted insert,
// date divider, read handling, receipt registration, room list delta, cache
// write and notification.
func (e *Engine) applyMessage(wm *event.Message) {
	msg := messageFromWire(wm)
	room := e.rooms.get(wm.RoomID)
	open := wm.RoomID == e.openRoomID && e.openThread != nil

	unreadDelta := 0
	if open {
		if echo := e.openThread.takeEcho(wm.LocalEcho); echo != nil {
			// The optimistic copy already holds the plaintext.
			if echo.DecryptState == DecryptPlain && msg.Encrypted {
				msg.Body = echo.Body
				msg.DecryptState = DecryptDone
			}
		}
		if !e.openThread.insert(msg) {
			e.metrics.DuplicateMessages.Inc()
			e.log.Debug().
				Int64("room_id", wm.RoomID).
				Int64("message_id", wm.ID).
				Msg("Discarding duplicate message delivery")
			return
		}
		if msg.Encrypted && msg.DecryptState == DecryptPending {
			// The newest message should appear decrypted immediately
			// instead of waiting for an idle slice.
			key := ""
			if room != nil {
				key = room.EncryptionKey
			}
			e.decryptNow(msg, key)
		}
		e.markRead(wm.RoomID, msg.ID)
		if msg.Kind != KindSystem {
			e.receipts.register(msg)
		}
		e.renderer.MessageAdded(wm.RoomID, msg)
	} else if msg.SenderID != e.selfID {
		unreadDelta = 1
	}

	if !e.rooms.applyMessageDelta(wm.RoomID, msg, unreadDelta) {
		// Message for a room we do not know yet, incremental context is
		// unavailable.
		e.reloadRooms()
	} else {
		e.renderer.RoomListChanged(e.rooms.ordered())
	}

	if e.cache != nil {
		if err := e.cache.PutMessages(e.ctx, wm.RoomID, []event.Message{*wm}); err != nil {
			e.log.Debug().Err(err).Msg("Failed to cache message")
		}
	}

	if msg.SenderID != e.selfID && msg.Kind != KindSystem {
		mention := e.isMention(msg)
		muted := room != nil && room.Muted
		if mention || (!open && !muted) {
			e.notifier.Notify(room, msg, mention)
		}
	}
}

func (e *Engine) handleEdited(ev *event.MessageEdited) {
	if ev.RoomID == e.openRoomID && e.openThread != nil {
		if msg := e.openThread.get(ev.MessageID); msg != nil {
			msg.Body = ev.Content
			msg.Encrypted = ev.Encrypted
			msg.Deleted = false
			if ev.Encrypted {
				msg.DecryptState = DecryptPending
				key := ""
				if room := e.rooms.get(ev.RoomID); room != nil {
					key = room.EncryptionKey
				}
				e.decryptNow(msg, key)
			} else {
				msg.DecryptState = DecryptPlain
			}
			e.renderer.MessageChanged(ev.RoomID, msg)
			if msg.ID == e.openThread.tail() {
				if e.rooms.applyMessageDelta(ev.RoomID, msg, 0) {
					e.renderer.RoomListChanged(e.rooms.ordered())
				}
			}
		}
	}
	if e.cache != nil {
		if err := e.cache.UpdateBody(e.ctx, ev.RoomID, ev.MessageID, ev.Content, ev.Encrypted); err != nil {
			e.log.Debug().Err(err).Msg("Failed to cache edit")
		}
	}
}

func (e *Engine) handleDeleted(ev *event.MessageDeleted) {
	if ev.RoomID == e.openRoomID && e.openThread != nil {
		if msg := e.openThread.get(ev.MessageID); msg != nil {
			msg.Deleted = true
			msg.Body = ""
			msg.DecryptState = DecryptPlain
			e.renderer.MessageChanged(ev.RoomID, msg)
			if msg.ID == e.openThread.tail() {
				if e.rooms.applyMessageDelta(ev.RoomID, msg, 0) {
					e.renderer.RoomListChanged(e.rooms.ordered())
				}
			}
		}
	}
	if e.cache != nil {
		if err := e.cache.MarkDeleted(e.ctx, ev.RoomID, ev.MessageID); err != nil {
			e.log.Debug().Err(err).Msg("Failed to tombstone cached message")
		}
	}
}

func (e *Engine) handleReadAdvanced(ev *event.ReadAdvanced) {
	if ev.RoomID == e.openRoomID && e.openThread != nil {
		e.receipts.advanceCursor(ev.UserID, ev.MessageID)
	}
	if room := e.rooms.get(ev.RoomID); room != nil {
		for i := range room.Members {
			member := &room.Members[i]
			if member.UserID == ev.UserID && ev.MessageID > member.LastReadMessageID {
				member.LastReadMessageID = ev.MessageID
			}
		}
	}
	if ev.UserID == e.selfID {
		// Read on another device of ours.
		e.rooms.setUnread(ev.RoomID, 0)
		e.renderer.RoomListChanged(e.rooms.ordered())
	}
}

func (e *Engine) handleTyping(ev *event.TypingChanged) {
	if ev.UserID == e.selfID {
		return
	}
	changed := false
	if ev.IsTyping {
		roomID, userID := ev.RoomID, ev.UserID
		timer := e.afterFunc(e.typingExpiry, func() { e.expireTyping(roomID, userID) })
		e.typing.set(roomID, userID, ev.Nickname, timer)
		changed = true
	} else {
		changed = e.typing.remove(ev.RoomID, ev.UserID)
	}
	if changed && ev.RoomID == e.openRoomID {
		e.renderer.TypingChanged(ev.RoomID, e.typing.names(ev.RoomID))
	}
}

func (e *Engine) expireTyping(roomID, userID int64) {
	if e.typing.remove(roomID, userID) && roomID == e.openRoomID {
		e.renderer.TypingChanged(roomID, e.typing.names(roomID))
	}
}

// handleMembersChanged refetches the member list since the event carries no
// member data. Cursors of new members merge into the receipt index through
// the normal monotonic advance, existing counts are not recomputed.
func (e *Engine) handleMembersChanged(ev *event.MembersChanged) {
	if e.rooms.get(ev.RoomID) == nil {
		e.reloadRooms()
		return
	}
	roomID := ev.RoomID
	go func() {
		wireMembers, err := e.fetcher.Members(e.ctx, roomID)
		e.post(func() { e.finishMembersRefresh(roomID, wireMembers, err) })
	}()
}

func (e *Engine) finishMembersRefresh(roomID int64, wireMembers []event.Member, err error) {
	if err != nil {
		e.log.Warn().Err(err).Int64("room_id", roomID).Msg("Member refetch failed")
		return
	}
	room := e.rooms.get(roomID)
	if room == nil {
		return
	}
	room.Members = make([]Member, len(wireMembers))
	for i, wm := range wireMembers {
		room.Members[i] = memberFromWire(wm)
	}
	if roomID == e.openRoomID && e.openThread != nil {
		for _, member := range room.Members {
			e.receipts.advanceCursor(member.UserID, member.LastReadMessageID)
		}
	}
}

func (e *Engine) handleProfile(ev *event.ProfileUpdated) {
	if !e.dedup.shouldProcess(fmt.Sprintf("profile:%d:%s:%s", ev.UserID, ev.Nickname, ev.ProfileImage)) {
		e.metrics.DedupedEvents.Inc()
		return
	}
	if ev.Nickname != "" {
		for _, room := range e.rooms.ordered() {
			for i := range room.Members {
				if room.Members[i].UserID == ev.UserID {
					room.Members[i].Nickname = ev.Nickname
				}
			}
		}
	}
	e.renderer.ProfileChanged(ev.UserID, ev.Nickname, ev.ProfileImage)
}

func (e *Engine) handleReactions(ev *event.ReactionsSet) {
	if ev.RoomID != e.openRoomID || e.openThread == nil {
		return
	}
	if msg := e.openThread.get(ev.MessageID); msg != nil {
		msg.Reactions = ev.Reactions
		e.renderer.MessageChanged(ev.RoomID, msg)
	}
}

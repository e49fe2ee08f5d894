// intranet-messenger - A sync engine for the intranet messenger client.
// Copyright (C) 2026 twbeatles
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engine is the client-side synchronization core: it reconciles the
// unordered, at-least-once push event stream with a consistent local view of
// rooms, messages, read receipts and typing state. All model state is owned
// by a single run loop; external sources (transport callbacks, timers,
// history fetches) post closures onto it instead of locking.
package engine

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/twbeatles/intranet-messenger/pkg/e2e"
	"github.com/twbeatles/intranet-messenger/pkg/event"
	"github.com/twbeatles/intranet-messenger/pkg/metrics"
)

const (
	defaultPageSize       = 30
	defaultResyncPageSize = 50
	defaultDecryptBudget  = 6
	defaultBatchInterval  = 16 * time.Millisecond
	defaultTypingExpiry   = 3 * time.Second
	defaultDedupWindow    = 1200 * time.Millisecond

	// idleInterval spaces decrypt slices apart so queued events get a turn
	// on the loop between slices.
	idleInterval = 5 * time.Millisecond
)

type Options struct {
	Log      zerolog.Logger
	SelfID   int64
	SelfName string

	Sender   Sender
	Fetcher  Fetcher
	Cache    Cache
	Renderer Renderer
	Notifier Notifier
	Metrics  *metrics.Metrics

	PageSize       int
	ResyncPageSize int
	DecryptBudget  int
	BatchInterval  time.Duration
	TypingExpiry   time.Duration
	DedupWindow    time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

type Engine struct {
	log      zerolog.Logger
	selfID   int64
	selfName string

	sender   Sender
	fetcher  Fetcher
	cache    Cache
	renderer Renderer
	notifier Notifier
	metrics  *metrics.Metrics

	pageSize       int
	resyncPageSize int
	decryptBudget  int
	batchInterval  time.Duration
	typingExpiry   time.Duration
	now            func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan func()
	done   chan struct{}

	// Everything below is owned by the run loop.
	rooms      *roomList
	openRoomID int64
	openThread *thread
	receipts   *receiptIndex
	typing     *typingTracker
	dedup      *dedupLedger
	decryptQ   *decryptQueue

	pendingMsgs []*event.Message
	batchTimer  *time.Timer

	gated   bool
	gateBuf []event.Event

	typingLimiter   *rate.Limiter
	typingStopTimer *time.Timer

	mentionRe *regexp.Regexp
}

func New(opts Options) *Engine {
	if opts.Renderer == nil {
		opts.Renderer = NopRenderer{}
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.ResyncPageSize <= 0 {
		opts.ResyncPageSize = defaultResyncPageSize
	}
	if opts.DecryptBudget <= 0 {
		opts.DecryptBudget = defaultDecryptBudget
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = defaultBatchInterval
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = defaultTypingExpiry
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:      opts.Log.With().Str("component", "engine").Logger(),
		selfID:   opts.SelfID,
		selfName: opts.SelfName,

		sender:   opts.Sender,
		fetcher:  opts.Fetcher,
		cache:    opts.Cache,
		renderer: opts.Renderer,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,

		pageSize:       opts.PageSize,
		resyncPageSize: opts.ResyncPageSize,
		decryptBudget:  opts.DecryptBudget,
		batchInterval:  opts.BatchInterval,
		typingExpiry:   opts.TypingExpiry,
		now:            opts.Clock,

		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan func(), 64),
		done:   make(chan struct{}),

		rooms:    newRoomList(),
		typing:   newTypingTracker(),
		decryptQ: newDecryptQueue(),

		typingLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	e.dedup = newDedupLedger(opts.DedupWindow, e.now)
	e.receipts = e.newReceipts()
	if opts.SelfName != "" {
		e.mentionRe = regexp.MustCompile(`@` + regexp.QuoteMeta(opts.SelfName) + `\b`)
	}
	return e
}

func (e *Engine) newReceipts() *receiptIndex {
	idx := newReceiptIndex(e.selfID)
	idx.onChange = func(messageID int64, outstanding int) {
		if e.openThread != nil {
			if msg := e.openThread.get(messageID); msg != nil {
				msg.OutstandingReaders = outstanding
			}
		}
		e.renderer.ReaderCountChanged(e.openRoomID, messageID, outstanding)
	}
	idx.onRegression = func() {
		e.metrics.CursorRegressions.Inc()
		e.log.Warn().Msg("Ignoring read cursor regression")
	}
	return idx
}

// Start launches the run loop.
func (e *Engine) Start() {
	go e.loop()
}

// Stop cancels the loop, stops every pending timer and waits for the loop to
// exit. Stale callbacks firing afterwards are dropped by post.
func (e *Engine) Stop() {
	e.cancel()
	<-e.done
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			e.teardown()
			return
		case task := <-e.tasks:
			task()
		}
	}
}

func (e *Engine) teardown() {
	e.typing.clear()
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
	if e.typingStopTimer != nil {
		e.typingStopTimer.Stop()
		e.typingStopTimer = nil
	}
	e.decryptQ.reset()
}

// post hands a closure to the run loop, dropping it after Stop.
func (e *Engine) post(task func()) {
	select {
	case e.tasks <- task:
	case <-e.ctx.Done():
	}
}

// afterFunc arms a timer whose callback runs on the loop.
func (e *Engine) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { e.post(fn) })
}

// HandleEvent is the transport's entry point for inbound push events. Safe
// to call from any goroutine.
func (e *Engine) HandleEvent(ev event.Event) {
	e.post(func() { e.dispatch(ev) })
}

// SetConnectivity forwards the transport status to the renderer.
func (e *Engine) SetConnectivity(state string, attempt int) {
	e.post(func() { e.renderer.ConnectivityChanged(state, attempt) })
}

// RoomIDs returns all locally known room ids, for the batched resubscribe on
// reconnect.
func (e *Engine) RoomIDs() []int64 {
	ch := make(chan []int64, 1)
	e.post(func() { ch <- e.rooms.ids() })
	select {
	case ids := <-ch:
		return ids
	case <-e.ctx.Done():
		return nil
	}
}

// Bootstrap loads the room list, falling back to the offline cache when the
// server is unreachable.
func (e *Engine) Bootstrap() {
	go func() {
		wire, err := e.fetcher.Rooms(e.ctx)
		e.post(func() { e.finishBootstrap(wire, err) })
	}()
}

func (e *Engine) finishBootstrap(wire []event.Room, err error) {
	if err != nil {
		e.log.Warn().Err(err).Msg("Room list fetch failed, falling back to cache")
		if e.cache == nil {
			return
		}
		cached, cerr := e.cache.Rooms(e.ctx)
		if cerr != nil {
			e.log.Warn().Err(cerr).Msg("Cached room list unavailable")
			return
		}
		wire = cached
	}
	rooms := make([]*Room, len(wire))
	for i := range wire {
		rooms[i] = roomFromWire(&wire[i])
	}
	e.rooms.applyFullReload(rooms)
	e.renderer.RoomListChanged(e.rooms.ordered())
	if err == nil && e.cache != nil {
		if cerr := e.cache.PutRooms(e.ctx, wire); cerr != nil {
			e.log.Debug().Err(cerr).Msg("Failed to cache room list")
		}
	}
}

// OpenRoom materializes a room's thread: cached tail first for an instant
// render, then the fresh page and member cursors from the server.
func (e *Engine) OpenRoom(roomID int64) {
	e.post(func() { e.openRoom(roomID) })
}

func (e *Engine) openRoom(roomID int64) {
	e.closeRoom()
	e.openRoomID = roomID
	e.openThread = newThread(roomID)
	e.receipts = e.newReceipts()

	if e.cache != nil {
		if cached, err := e.cache.MessagesForRoom(e.ctx, roomID, e.pageSize); err == nil && len(cached) > 0 {
			for i := range cached {
				e.openThread.insert(messageFromWire(&cached[i]))
			}
			e.renderer.ThreadReset(roomID, e.openThread.messages())
		}
		if draft, err := e.cache.Draft(e.ctx, roomID); err == nil && draft != "" {
			e.renderer.DraftLoaded(roomID, draft)
		}
	}

	go func() {
		msgs, err := e.fetcher.Messages(e.ctx, roomID, MessagesQuery{Limit: e.pageSize})
		members, merr := e.fetcher.Members(e.ctx, roomID)
		e.post(func() { e.finishOpen(roomID, msgs, err, members, merr) })
	}()
}

func (e *Engine) finishOpen(roomID int64, wire []event.Message, err error, wireMembers []event.Member, merr error) {
	if roomID != e.openRoomID || e.openThread == nil {
		return
	}
	room := e.rooms.get(roomID)
	if merr != nil {
		e.log.Warn().Err(merr).Int64("room_id", roomID).Msg("Member fetch failed")
	} else if room != nil {
		room.Members = make([]Member, len(wireMembers))
		for i, wm := range wireMembers {
			room.Members[i] = memberFromWire(wm)
		}
	}
	if err != nil {
		e.metrics.BackfillFailures.Inc()
		e.log.Warn().Err(err).Int64("room_id", roomID).Msg("History fetch failed, rendering from cache only")
		return
	}
	key := ""
	if room != nil {
		key = room.EncryptionKey
	}
	for i := range wire {
		// Duplicates were already materialized from cache; keep those.
		e.openThread.insert(messageFromWire(&wire[i]))
	}
	// Page bodies stay pending until MarkVisible queues them; only the
	// newest message decrypts up front so the initial render is cheap.
	if newest := e.openThread.get(e.openThread.tail()); newest != nil && newest.DecryptState == DecryptPending {
		e.decryptNow(newest, key)
	}
	if room != nil {
		e.receipts.rebuild(e.openThread.messages(), room.Members)
	} else {
		e.receipts.rebuild(e.openThread.messages(), nil)
	}
	e.renderer.ThreadReset(roomID, e.openThread.messages())
	if tail := e.openThread.tail(); tail > 0 {
		e.markRead(roomID, tail)
	}
	if e.cache != nil && len(wire) > 0 {
		if cerr := e.cache.PutMessages(e.ctx, roomID, wire); cerr != nil {
			e.log.Debug().Err(cerr).Msg("Failed to cache history page")
		}
	}
}

// CloseRoom drops the materialized thread and all room-scoped schedulers.
func (e *Engine) CloseRoom() {
	e.post(e.closeRoom)
}

func (e *Engine) closeRoom() {
	if e.openRoomID == 0 {
		return
	}
	e.typing.clearRoom(e.openRoomID)
	if e.typingStopTimer != nil {
		e.typingStopTimer.Stop()
		e.typingStopTimer = nil
	}
	e.decryptQ.reset()
	e.openRoomID = 0
	e.openThread = nil
}

// LoadOlder fetches one more history page above the oldest materialized
// message of the open room.
func (e *Engine) LoadOlder() {
	e.post(func() {
		if e.openThread == nil || len(e.openThread.messages()) == 0 {
			return
		}
		roomID := e.openRoomID
		oldest := e.openThread.messages()[0].ID
		go func() {
			wire, err := e.fetcher.Messages(e.ctx, roomID, MessagesQuery{BeforeID: oldest, Limit: e.pageSize})
			e.post(func() { e.finishLoadOlder(roomID, wire, err) })
		}()
	})
}

func (e *Engine) finishLoadOlder(roomID int64, wire []event.Message, err error) {
	if roomID != e.openRoomID || e.openThread == nil {
		return
	}
	if err != nil {
		e.metrics.BackfillFailures.Inc()
		e.log.Warn().Err(err).Int64("room_id", roomID).Msg("Scrollback fetch failed")
		return
	}
	for i := range wire {
		msg := messageFromWire(&wire[i])
		if !e.openThread.insert(msg) {
			continue
		}
		// Scrollback decrypts lazily as the messages scroll into view.
		e.receipts.register(msg)
	}
	e.renderer.ThreadReset(roomID, e.openThread.messages())
	if e.cache != nil && len(wire) > 0 {
		if cerr := e.cache.PutMessages(e.ctx, roomID, wire); cerr != nil {
			e.log.Debug().Err(cerr).Msg("Failed to cache scrollback page")
		}
	}
}

// MarkVisible tells the engine that the rendering layer scrolled a message
// into view. This is the enqueue path of the lazy decryption scheduler.
func (e *Engine) MarkVisible(roomID, messageID int64) {
	e.post(func() {
		if roomID != e.openRoomID || e.openThread == nil {
			return
		}
		msg := e.openThread.get(messageID)
		if msg == nil || msg.DecryptState != DecryptPending {
			return
		}
		if e.decryptQ.enqueue(messageID) {
			e.afterFunc(idleInterval, e.drainDecrypt)
		}
	})
}

// drainDecrypt processes one budgeted decrypt slice and reschedules itself
// while work remains.
func (e *Engine) drainDecrypt() {
	if e.openThread == nil {
		e.decryptQ.reset()
		return
	}
	key := ""
	if room := e.rooms.get(e.openRoomID); room != nil {
		key = room.EncryptionKey
	}
	for _, id := range e.decryptQ.take(e.decryptBudget) {
		msg := e.openThread.get(id)
		if msg == nil || msg.DecryptState != DecryptPending {
			continue
		}
		e.decryptNow(msg, key)
		e.renderer.MessageChanged(e.openRoomID, msg)
	}
	if e.decryptQ.pending() > 0 && e.decryptQ.markScheduled() {
		e.afterFunc(idleInterval, e.drainDecrypt)
	}
}

// decryptNow decrypts msg's body and reply preview in place. Failures turn
// into a fixed placeholder and are never retried.
func (e *Engine) decryptNow(msg *Message, key string) {
	if msg.DecryptState != DecryptPending {
		return
	}
	plain, err := e2e.Decrypt(msg.Body, key)
	if err != nil {
		msg.Body = decryptFailedBody
		msg.DecryptState = DecryptFailed
		e.metrics.DecryptFailures.Inc()
		e.log.Warn().Err(err).
			Int64("room_id", msg.RoomID).
			Int64("message_id", msg.ID).
			Msg("Failed to decrypt message")
		return
	}
	msg.Body = plain
	msg.DecryptState = DecryptDone
	if msg.ReplyPreview != "" && e2e.IsEnvelope(msg.ReplyPreview) {
		if preview, perr := e2e.Decrypt(msg.ReplyPreview, key); perr == nil {
			msg.ReplyPreview = preview
		}
	}
}

// SendMessage encrypts (when the room has a key) and sends a text message,
// rendering an optimistic local echo in the open room.
func (e *Engine) SendMessage(roomID int64, content string, replyTo *int64) {
	e.post(func() { e.sendMessage(roomID, KindText, content, "", replyTo) })
}

// SendFile announces a file message. The kind is derived from the file's
// detected media type so images render as previews.
func (e *Engine) SendFile(roomID int64, path string) {
	e.post(func() {
		kind := KindFile
		if mtype, err := mimetype.DetectFile(path); err == nil && strings.HasPrefix(mtype.String(), "image/") {
			kind = KindImage
		}
		e.sendMessage(roomID, kind, "", filepath.Base(path), nil)
	})
}

func (e *Engine) sendMessage(roomID int64, kind, content, fileName string, replyTo *int64) {
	room := e.rooms.get(roomID)
	body := content
	encrypted := false
	if room != nil && room.EncryptionKey != "" && kind == KindText {
		ciphertext, err := e2e.Encrypt(content, room.EncryptionKey)
		if err != nil {
			e.log.Error().Err(err).Int64("room_id", roomID).Msg("Failed to encrypt outgoing message")
		} else {
			body = ciphertext
			encrypted = true
		}
	}
	echoKey := uuid.NewString()
	payload := map[string]any{
		"room_id":      roomID,
		"message_type": kind,
		"content":      body,
		"encrypted":    encrypted,
		"local_echo":   echoKey,
	}
	if replyTo != nil {
		payload["reply_to"] = *replyTo
	}
	if fileName != "" {
		payload["file_name"] = fileName
	}
	sent := e.sender.Send(event.CmdSendMessage, payload)
	if !sent {
		e.metrics.DroppedSends.Inc()
		e.log.Warn().Int64("room_id", roomID).Msg("Dropped send while disconnected")
	}
	if roomID == e.openRoomID && e.openThread != nil {
		echo := &Message{
			RoomID:     roomID,
			SenderID:   e.selfID,
			SenderName: e.selfName,
			Kind:       kind,
			Body:       content,
			FileName:   fileName,
			CreatedAt:  e.now(),
			ReplyTo:    replyTo,
			EchoKey:    echoKey,
			Failed:     !sent,
		}
		e.openThread.addEcho(echo)
		e.renderer.MessageAdded(roomID, echo)
	}
	if sent && e.cache != nil {
		if err := e.cache.ClearDraft(e.ctx, roomID); err != nil {
			e.log.Debug().Err(err).Msg("Failed to clear draft")
		}
	}
}

// EditMessage sends an in-place body replacement. The model updates when the
// server echoes the edit event back.
func (e *Engine) EditMessage(roomID, messageID int64, content string) {
	e.post(func() {
		room := e.rooms.get(roomID)
		body := content
		encrypted := false
		if room != nil && room.EncryptionKey != "" {
			if ciphertext, err := e2e.Encrypt(content, room.EncryptionKey); err == nil {
				body = ciphertext
				encrypted = true
			}
		}
		if !e.sender.Send(event.CmdEditMessage, map[string]any{
			"room_id":    roomID,
			"message_id": messageID,
			"content":    body,
			"encrypted":  encrypted,
		}) {
			e.metrics.DroppedSends.Inc()
		}
	})
}

// DeleteMessage requests a tombstone for messageID.
func (e *Engine) DeleteMessage(roomID, messageID int64) {
	e.post(func() {
		if !e.sender.Send(event.CmdDeleteMessage, map[string]any{
			"room_id":    roomID,
			"message_id": messageID,
		}) {
			e.metrics.DroppedSends.Inc()
		}
	})
}

// SetTyping reports local typing activity. Starts are rate limited and
// auto-stopped after the inactivity window so a lost blur event cannot leave
// the indicator stuck on the peer's side.
func (e *Engine) SetTyping(roomID int64, isTyping bool) {
	e.post(func() {
		if !isTyping {
			if e.typingStopTimer != nil {
				e.typingStopTimer.Stop()
				e.typingStopTimer = nil
			}
			e.sendTyping(roomID, false)
			return
		}
		if e.typingLimiter.Allow() {
			e.sendTyping(roomID, true)
		}
		if e.typingStopTimer != nil {
			e.typingStopTimer.Stop()
		}
		e.typingStopTimer = e.afterFunc(e.typingExpiry, func() {
			e.typingStopTimer = nil
			e.sendTyping(roomID, false)
		})
	})
}

func (e *Engine) sendTyping(roomID int64, isTyping bool) {
	// Best effort, never re-issued on reconnect.
	e.sender.Send(event.CmdTyping, map[string]any{
		"room_id":   roomID,
		"is_typing": isTyping,
	})
}

// MarkRead acknowledges messages up to messageID and zeroes the room's
// unread count locally.
func (e *Engine) MarkRead(roomID, messageID int64) {
	e.post(func() { e.markRead(roomID, messageID) })
}

func (e *Engine) markRead(roomID, messageID int64) {
	e.sender.Send(event.CmdMarkRead, map[string]any{
		"room_id":    roomID,
		"message_id": messageID,
	})
	if roomID == e.openRoomID {
		e.receipts.advanceCursor(e.selfID, messageID)
	}
	e.rooms.setUnread(roomID, 0)
	e.renderer.RoomListChanged(e.rooms.ordered())
}

// SaveDraft persists unsent input for a room. Empty content clears it.
func (e *Engine) SaveDraft(roomID int64, content string) {
	e.post(func() {
		if e.cache == nil {
			return
		}
		var err error
		if content == "" {
			err = e.cache.ClearDraft(e.ctx, roomID)
		} else {
			err = e.cache.SetDraft(e.ctx, roomID, content)
		}
		if err != nil {
			e.log.Debug().Err(err).Int64("room_id", roomID).Msg("Failed to store draft")
		}
	})
}

// JoinRoom asks the server to add the local user to a room.
func (e *Engine) JoinRoom(roomID int64) {
	e.post(func() {
		if !e.sender.Send(event.CmdJoinRoom, map[string]any{"room_id": roomID}) {
			e.metrics.DroppedSends.Inc()
		}
	})
}

// LeaveRoom leaves a room. The summary is only marked left, never removed.
func (e *Engine) LeaveRoom(roomID int64) {
	e.post(func() {
		if !e.sender.Send(event.CmdLeaveRoom, map[string]any{"room_id": roomID}) {
			e.metrics.DroppedSends.Inc()
			return
		}
		if room := e.rooms.get(roomID); room != nil {
			room.Left = true
			e.renderer.RoomListChanged(e.rooms.ordered())
		}
		if roomID == e.openRoomID {
			e.closeRoom()
		}
	})
}

func (e *Engine) reloadRooms() {
	go func() {
		wire, err := e.fetcher.Rooms(e.ctx)
		e.post(func() { e.finishBootstrap(wire, err) })
	}()
}

func (e *Engine) isMention(msg *Message) bool {
	if e.mentionRe == nil || msg.DecryptState == DecryptPending || msg.DecryptState == DecryptFailed {
		return false
	}
	return e.mentionRe.MatchString(msg.Body)
}

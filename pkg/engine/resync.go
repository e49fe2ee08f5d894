package engine

import "github.com/twbeatles/intranet-messenger/pkg/event"

// Resync closes the gap accumulated during a disconnect: it captures the
// open room's local tail, backfills strictly newer messages exactly once and
// refreshes membership-derived state. Live events arriving meanwhile are
// gated and replayed afterwards. Called by the transport on every reconnect
// before normal dispatch resumes.
func (e *Engine) Resync() {
	e.post(e.beginResync)
}

func (e *Engine) beginResync() {
	e.metrics.Reconnects.Inc()
	// The room list may have drifted while disconnected regardless of
	// whether a thread is materialized.
	e.reloadRooms()
	if e.openThread == nil || e.gated {
		return
	}
	e.gated = true
	roomID := e.openRoomID
	tail := e.openThread.tail()
	go func() {
		wire, err := e.fetcher.Messages(e.ctx, roomID, MessagesQuery{AfterID: tail, Limit: e.resyncPageSize})
		wireMembers, merr := e.fetcher.Members(e.ctx, roomID)
		e.post(func() { e.finishResync(roomID, tail, wire, err, wireMembers, merr) })
	}()
}

func (e *Engine) finishResync(roomID, tail int64, wire []event.Message, err error, wireMembers []event.Member, merr error) {
	defer e.flushGate()
	if roomID != e.openRoomID || e.openThread == nil {
		return
	}
	room := e.rooms.get(roomID)
	if merr != nil {
		e.log.Warn().Err(merr).Int64("room_id", roomID).Msg("Member refetch failed during resync")
	} else if room != nil {
		// Membership may have changed while disconnected, the cached list
		// cannot be trusted.
		room.Members = make([]Member, len(wireMembers))
		for i, wm := range wireMembers {
			room.Members[i] = memberFromWire(wm)
		}
		for _, member := range room.Members {
			e.receipts.advanceCursor(member.UserID, member.LastReadMessageID)
		}
	}
	if err != nil {
		// Soft failure, safe to retry on the next reconnect or room switch.
		e.metrics.BackfillFailures.Inc()
		e.log.Warn().Err(err).Int64("room_id", roomID).Msg("Gap backfill failed")
		return
	}
	key := ""
	if room != nil {
		key = room.EncryptionKey
	}
	appended := 0
	var cacheable []event.Message
	for i := range wire {
		wm := &wire[i]
		if wm.ID <= tail {
			// The page may start at the boundary message itself.
			continue
		}
		msg := messageFromWire(wm)
		if !e.openThread.insert(msg) {
			e.metrics.DuplicateMessages.Inc()
			continue
		}
		if msg.Kind != KindSystem {
			e.receipts.register(msg)
		}
		e.renderer.MessageAdded(roomID, msg)
		cacheable = append(cacheable, *wm)
		appended++
	}
	if appended > 0 {
		// Backfilled bodies wait for visibility; only the newest one
		// decrypts inline, same as a live message would.
		if newest := e.openThread.get(e.openThread.tail()); newest != nil && newest.DecryptState == DecryptPending {
			e.decryptNow(newest, key)
		}
		e.markRead(roomID, e.openThread.tail())
		if last := e.openThread.get(e.openThread.tail()); last != nil {
			if e.rooms.applyMessageDelta(roomID, last, 0) {
				e.renderer.RoomListChanged(e.rooms.ordered())
			}
		}
		if e.cache != nil {
			if cerr := e.cache.PutMessages(e.ctx, roomID, cacheable); cerr != nil {
				e.log.Debug().Err(cerr).Msg("Failed to cache backfilled messages")
			}
		}
		e.log.Debug().
			Int64("room_id", roomID).
			Int64("after_id", tail).
			Int("appended", appended).
			Msg("Backfilled message gap")
	}
}

// flushGate replays events parked while the resync was in flight.
func (e *Engine) flushGate() {
	e.gated = false
	buffered := e.gateBuf
	e.gateBuf = nil
	for _, ev := range buffered {
		e.dispatch(ev)
	}
}

package engine

import "time"

// typingTracker holds who is typing in which room. Entries self-expire after
// a fixed inactivity window independent of any further network event, so a
// peer that vanishes mid-word does not leave a stuck indicator.
type typingTracker struct {
	rooms map[int64]map[int64]*typingEntry
}

type typingEntry struct {
	nickname string
	timer    *time.Timer
}

func newTypingTracker() *typingTracker {
	return &typingTracker{rooms: make(map[int64]map[int64]*typingEntry)}
}

// set records userID as typing and arms (or re-arms) their expiry timer.
func (tt *typingTracker) set(roomID, userID int64, nickname string, timer *time.Timer) {
	room, ok := tt.rooms[roomID]
	if !ok {
		room = make(map[int64]*typingEntry)
		tt.rooms[roomID] = room
	}
	if prev, ok := room[userID]; ok {
		prev.timer.Stop()
	}
	room[userID] = &typingEntry{nickname: nickname, timer: timer}
}

// remove clears userID's entry and stops its timer. Reports whether an entry
// actually existed.
func (tt *typingTracker) remove(roomID, userID int64) bool {
	room, ok := tt.rooms[roomID]
	if !ok {
		return false
	}
	entry, ok := room[userID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(room, userID)
	if len(room) == 0 {
		delete(tt.rooms, roomID)
	}
	return true
}

// names returns the nicknames currently typing in roomID.
func (tt *typingTracker) names(roomID int64) []string {
	room := tt.rooms[roomID]
	if len(room) == 0 {
		return nil
	}
	names := make([]string, 0, len(room))
	for _, entry := range room {
		names = append(names, entry.nickname)
	}
	return names
}

// clearRoom drops one room's entries and their timers.
func (tt *typingTracker) clearRoom(roomID int64) {
	for _, entry := range tt.rooms[roomID] {
		entry.timer.Stop()
	}
	delete(tt.rooms, roomID)
}

// clear stops every timer and drops all state. Used on teardown so stale
// callbacks cannot mutate a torn-down room.
func (tt *typingTracker) clear() {
	for _, room := range tt.rooms {
		for _, entry := range room {
			entry.timer.Stop()
		}
	}
	tt.rooms = make(map[int64]map[int64]*typingEntry)
}

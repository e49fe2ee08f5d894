package engine

import "sort"

// roomList keeps the ordered room summaries: pinned rooms first in their own
// relative order, then unpinned rooms by last message time descending.
// Updates mutate only the affected room's summary and reposition it, a full
// reload is the fallback for unknown rooms.
type roomList struct {
	rooms []*Room
	byID  map[int64]*Room
}

func newRoomList() *roomList {
	return &roomList{byID: make(map[int64]*Room)}
}

func (rl *roomList) get(id int64) *Room {
	return rl.byID[id]
}

func (rl *roomList) ordered() []*Room {
	return rl.rooms
}

func (rl *roomList) ids() []int64 {
	ids := make([]int64, len(rl.rooms))
	for i, room := range rl.rooms {
		ids[i] = room.ID
	}
	return ids
}

// applyFullReload replaces the whole list. Preserves the materialized
// members of rooms that survive the reload.
func (rl *roomList) applyFullReload(rooms []*Room) {
	old := rl.byID
	rl.rooms = rooms
	rl.byID = make(map[int64]*Room, len(rooms))
	for _, room := range rooms {
		if prev, ok := old[room.ID]; ok && len(room.Members) == 0 {
			room.Members = prev.Members
		}
		rl.byID[room.ID] = room
	}
	sort.SliceStable(rl.rooms, func(i, j int) bool {
		a, b := rl.rooms[i], rl.rooms[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if a.Pinned {
			// Pinned rooms keep their relative order.
			return false
		}
		return a.LastMessageTime.After(b.LastMessageTime)
	})
}

// applyMessageDelta updates one room's summary for a new message and
// repositions it. Returns false when the room is not known locally, in which
// case the caller falls back to a full reload.
func (rl *roomList) applyMessageDelta(roomID int64, msg *Message, unreadDelta int) bool {
	room, ok := rl.byID[roomID]
	if !ok {
		return false
	}
	room.LastMessageTime = msg.CreatedAt
	room.LastMessageKind = msg.Kind
	room.Preview = previewFor(msg)
	room.UnreadCount += unreadDelta
	if room.UnreadCount < 0 {
		room.UnreadCount = 0
	}
	rl.reposition(room)
	return true
}

func (rl *roomList) setUnread(roomID int64, n int) {
	if room, ok := rl.byID[roomID]; ok {
		room.UnreadCount = n
	}
}

// reposition moves room to its fresh-activity slot: a pinned room goes just
// before the first non-pinned room, an unpinned one just after the last
// pinned room.
func (rl *roomList) reposition(room *Room) {
	at := -1
	for i, r := range rl.rooms {
		if r == room {
			at = i
			break
		}
	}
	if at < 0 {
		return
	}
	rl.rooms = append(rl.rooms[:at], rl.rooms[at+1:]...)
	pos := rl.firstUnpinned()
	rl.rooms = append(rl.rooms, nil)
	copy(rl.rooms[pos+1:], rl.rooms[pos:])
	rl.rooms[pos] = room
}

// firstUnpinned returns the index of the first non-pinned room, which is
// also the slot just after the last pinned one.
func (rl *roomList) firstUnpinned() int {
	for i, r := range rl.rooms {
		if !r.Pinned {
			return i
		}
	}
	return len(rl.rooms)
}

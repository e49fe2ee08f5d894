package engine

import "sort"

// thread is the materialized message list of the open room, sorted by id
// ascending. Ids are expected monotonic per room, but insertion at an
// arbitrary sorted position is supported because the transport makes no
// ordering promise.
type thread struct {
	roomID int64
	msgs   []*Message
	byID   map[int64]*Message

	// echoes holds optimistic local sends that have no server id yet,
	// keyed by their echo key. Rendered after msgs.
	echoes map[string]*Message
}

func newThread(roomID int64) *thread {
	return &thread{
		roomID: roomID,
		byID:   make(map[int64]*Message),
		echoes: make(map[string]*Message),
	}
}

// insert places msg at its sorted position. Returns false on a duplicate id,
// leaving the thread unchanged.
func (th *thread) insert(msg *Message) bool {
	if _, dup := th.byID[msg.ID]; dup {
		return false
	}
	n := len(th.msgs)
	pos := n
	if n == 0 || msg.ID > th.msgs[n-1].ID {
		th.msgs = append(th.msgs, msg)
	} else {
		pos = sort.Search(n, func(i int) bool { return th.msgs[i].ID >= msg.ID })
		th.msgs = append(th.msgs, nil)
		copy(th.msgs[pos+1:], th.msgs[pos:])
		th.msgs[pos] = msg
	}
	th.byID[msg.ID] = msg
	th.reviseDividers(pos)
	return true
}

// reviseDividers settles the date divider around an insert at pos. A message
// carries the divider exactly when it is the earliest of its calendar date
// in sorted order, so a scrollback insert that lands before the previous
// holder takes the flag over from it.
func (th *thread) reviseDividers(pos int) {
	msg := th.msgs[pos]
	key := dateKey(msg.CreatedAt)
	msg.DateDivider = pos == 0 || dateKey(th.msgs[pos-1].CreatedAt) != key
	if msg.DateDivider && pos+1 < len(th.msgs) {
		if next := th.msgs[pos+1]; dateKey(next.CreatedAt) == key {
			next.DateDivider = false
		}
	}
}

func (th *thread) get(id int64) *Message {
	return th.byID[id]
}

// tail returns the highest known server-assigned id, 0 for an empty thread.
func (th *thread) tail() int64 {
	if len(th.msgs) == 0 {
		return 0
	}
	return th.msgs[len(th.msgs)-1].ID
}

func (th *thread) messages() []*Message {
	return th.msgs
}

func (th *thread) addEcho(msg *Message) {
	th.echoes[msg.EchoKey] = msg
}

// takeEcho removes and returns the optimistic message matching key, nil when
// the confirmation belongs to another device or session.
func (th *thread) takeEcho(key string) *Message {
	if key == "" {
		return nil
	}
	msg, ok := th.echoes[key]
	if !ok {
		return nil
	}
	delete(th.echoes, key)
	return msg
}

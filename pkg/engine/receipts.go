package engine

import "sort"

// receiptIndex answers "how many other members have not read my message M"
// for the currently materialized room. Only messages authored by the local
// user are indexed, receipts from others are irrelevant to anyone else's
// outgoing messages.
type receiptIndex struct {
	selfID int64

	// sentIDs is sorted ascending and holds self-authored message ids only.
	sentIDs     []int64
	outstanding map[int64]int
	cursors     map[int64]int64

	// onChange fires once per message whose count actually changed.
	onChange func(messageID int64, outstanding int)
	// onRegression fires when an advanceCursor call tries to move a cursor
	// backwards. The call is no-op'd, the counter keeps it observable.
	onRegression func()
}

func newReceiptIndex(selfID int64) *receiptIndex {
	idx := &receiptIndex{selfID: selfID}
	idx.reset()
	return idx
}

func (idx *receiptIndex) reset() {
	idx.sentIDs = idx.sentIDs[:0]
	idx.outstanding = make(map[int64]int)
	idx.cursors = make(map[int64]int64)
}

// rebuild repopulates the index from a materialized thread and the room's
// member cursors.
func (idx *receiptIndex) rebuild(msgs []*Message, members []Member) {
	idx.reset()
	for _, member := range members {
		idx.cursors[member.UserID] = member.LastReadMessageID
	}
	for _, msg := range msgs {
		idx.register(msg)
	}
}

// register indexes one message. For self-authored non-system messages the
// outstanding count is computed from the known cursors: every member other
// than the sender whose cursor is still below the id owes a read.
func (idx *receiptIndex) register(msg *Message) {
	if msg.SenderID != idx.selfID || msg.Kind == KindSystem {
		return
	}
	if !idx.insert(msg.ID) {
		return
	}
	outstanding := 0
	for userID, cursor := range idx.cursors {
		if userID != msg.SenderID && cursor < msg.ID {
			outstanding++
		}
	}
	msg.OutstandingReaders = outstanding
	idx.outstanding[msg.ID] = outstanding
}

// insert adds id to sentIDs keeping sort order. Appends when the id is
// larger than everything known, which is the common case. Returns false on
// duplicates.
func (idx *receiptIndex) insert(id int64) bool {
	n := len(idx.sentIDs)
	if n == 0 || id > idx.sentIDs[n-1] {
		idx.sentIDs = append(idx.sentIDs, id)
		return true
	}
	pos := sort.Search(n, func(i int) bool { return idx.sentIDs[i] >= id })
	if pos < n && idx.sentIDs[pos] == id {
		return false
	}
	idx.sentIDs = append(idx.sentIDs, 0)
	copy(idx.sentIDs[pos+1:], idx.sentIDs[pos:])
	idx.sentIDs[pos] = id
	return true
}

// advanceCursor moves userID's read cursor to newLastReadID and decrements
// outstanding counts for every self-authored id in (prevCursor, newLastReadID]
// exactly once. Regressions and self reads never touch counts.
func (idx *receiptIndex) advanceCursor(userID, newLastReadID int64) {
	prev := idx.cursors[userID]
	if userID == idx.selfID {
		// Own reads only move the cursor, they never change own counts.
		if newLastReadID > prev {
			idx.cursors[userID] = newLastReadID
		}
		return
	}
	if newLastReadID <= prev {
		if newLastReadID < prev && idx.onRegression != nil {
			idx.onRegression()
		}
		return
	}
	lo := upperBound(idx.sentIDs, prev)
	hi := upperBound(idx.sentIDs, newLastReadID)
	for i := lo; i < hi; i++ {
		id := idx.sentIDs[i]
		if count := idx.outstanding[id]; count > 0 {
			idx.outstanding[id] = count - 1
			if idx.onChange != nil {
				idx.onChange(id, count-1)
			}
		}
	}
	idx.cursors[userID] = newLastReadID
}

func (idx *receiptIndex) outstandingFor(id int64) int {
	return idx.outstanding[id]
}

func (idx *receiptIndex) cursor(userID int64) int64 {
	return idx.cursors[userID]
}

// upperBound returns the index of the first element strictly greater than x.
func upperBound(ids []int64, x int64) int {
	return sort.Search(len(ids), func(i int) bool { return ids[i] > x })
}

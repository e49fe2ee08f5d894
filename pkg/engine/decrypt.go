package engine

// decryptQueue is the FIFO of message ids waiting for an idle decrypt slice.
// A dedicated queued-id set prevents duplicate work when visibility triggers
// fire repeatedly for the same message.
type decryptQueue struct {
	queue     []int64
	queued    map[int64]struct{}
	scheduled bool
}

func newDecryptQueue() *decryptQueue {
	return &decryptQueue{queued: make(map[int64]struct{})}
}

// enqueue appends id unless it is already queued. Returns true when a drain
// needs to be scheduled.
func (dq *decryptQueue) enqueue(id int64) bool {
	if _, dup := dq.queued[id]; dup {
		return false
	}
	dq.queued[id] = struct{}{}
	dq.queue = append(dq.queue, id)
	if dq.scheduled {
		return false
	}
	dq.scheduled = true
	return true
}

// take removes up to budget ids from the front of the queue and clears the
// scheduled flag. The caller reschedules when pending() is still non-zero.
func (dq *decryptQueue) take(budget int) []int64 {
	dq.scheduled = false
	if budget > len(dq.queue) {
		budget = len(dq.queue)
	}
	batch := dq.queue[:budget]
	dq.queue = dq.queue[budget:]
	for _, id := range batch {
		delete(dq.queued, id)
	}
	return batch
}

func (dq *decryptQueue) pending() int {
	return len(dq.queue)
}

// markScheduled flags a follow-up drain. Returns false if one is already
// pending.
func (dq *decryptQueue) markScheduled() bool {
	if dq.scheduled {
		return false
	}
	dq.scheduled = true
	return true
}

// reset drops all queued work. Stale decrypt work for a room that is no
// longer open must not keep consuming idle budget.
func (dq *decryptQueue) reset() {
	dq.queue = nil
	dq.queued = make(map[int64]struct{})
	dq.scheduled = false
}

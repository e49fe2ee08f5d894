package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecryptQueueFIFOAndBudget(t *testing.T) {
	q := newDecryptQueue()
	for id := int64(1); id <= 20; id++ {
		q.enqueue(id)
	}

	batch := q.take(6)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, batch)
	assert.Equal(t, 14, q.pending())

	batch = q.take(6)
	assert.Equal(t, []int64{7, 8, 9, 10, 11, 12}, batch)
}

func TestDecryptQueueNoDoubleEnqueue(t *testing.T) {
	q := newDecryptQueue()
	q.enqueue(5)
	q.enqueue(5)
	q.enqueue(5)
	assert.Equal(t, 1, q.pending())

	// Taken ids may be enqueued again, e.g. after a failed attempt.
	q.take(6)
	q.enqueue(5)
	assert.Equal(t, 1, q.pending())
}

func TestDecryptQueueScheduling(t *testing.T) {
	q := newDecryptQueue()
	// First enqueue requests a drain, the rest piggyback on it.
	assert.True(t, q.enqueue(1))
	assert.False(t, q.enqueue(2))

	// take clears the flag so a follow-up drain can be armed.
	q.take(1)
	assert.True(t, q.markScheduled())
	assert.False(t, q.markScheduled())
}

func TestDecryptQueueReset(t *testing.T) {
	q := newDecryptQueue()
	q.enqueue(1)
	q.enqueue(2)
	q.reset()
	assert.Zero(t, q.pending())
	assert.True(t, q.enqueue(1), "reset queue must re-arm scheduling")
}

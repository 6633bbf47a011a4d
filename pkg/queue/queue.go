// Package queue provides the per-device FIFO of pending updates. It has no
// locking of its own; the owning registry serialises access.
package queue

import (
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	"github.com/absmach/fedsync/pkg/update"
)

// compactAt is the number of consumed slots after which the backing array is
// shifted down so memory does not grow with the total number ever enqueued.
const compactAt = 64

type Queue struct {
	items []update.Record
	head  int
}

func New() *Queue {
	return &Queue{}
}

func (q *Queue) Enqueue(r update.Record) {
	q.items = append(q.items, r)
}

func (q *Queue) Dequeue() (update.Record, error) {
	if q.Len() == 0 {
		return update.Record{}, pkgerrors.ErrQueueEmpty
	}

	r := q.items[q.head]
	q.items[q.head] = update.Record{}
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactAt && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}

	return r, nil
}

// Clear removes every record and returns them oldest first.
func (q *Queue) Clear() []update.Record {
	out := make([]update.Record, q.Len())
	copy(out, q.items[q.head:])
	q.items = nil
	q.head = 0

	return out
}

func (q *Queue) Len() int {
	return len(q.items) - q.head
}

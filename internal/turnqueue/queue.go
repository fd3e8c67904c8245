package turnqueue

import (
	"fmt"
	"time"
)

// Turn identifies one request within a queue.
type Turn int64

// NoTurn is the "none" sentinel used for links, the favorite pointer and lookups.
const NoTurn Turn = -1

type node[T any] struct {
	tag       string
	payload   T
	requester string
	at        time.Time
	prev      Turn
	next      Turn
	plays     int
}

// Entry is a read-only view of a queued request.
type Entry struct {
	Turn      Turn
	Tag       string
	Requester string
	At        time.Time
}

type Option func(*options)

type options struct {
	timeout time.Duration
	now     func() time.Time
}

// WithTimeout sets the per-requester throttle window. Zero disables throttling.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithNow overrides the time source used for timestamps and throttling.
func WithNow(now func() time.Time) Option { return func(o *options) { o.now = now } }

type Queue[T any] struct {
	nodes map[Turn]*node[T]

	current    Turn
	lastQueued Turn
	head       Turn
	tail       Turn
	favorite   Turn

	// requester -> last turn; non-privileged submissions only.
	byRequester map[string]Turn

	timeout time.Duration
	now     func() time.Time
}

func New[T any](opts ...Option) *Queue[T] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return &Queue[T]{
		nodes:       map[Turn]*node[T]{},
		current:     0,
		lastQueued:  NoTurn,
		head:        NoTurn,
		tail:        NoTurn,
		favorite:    NoTurn,
		byRequester: map[string]Turn{},
		timeout:     o.timeout,
		now:         o.now,
	}
}

func (q *Queue[T]) SetTimeout(d time.Duration) { q.timeout = max(d, 0) }
func (q *Queue[T]) Timeout() time.Duration     { return q.timeout }

// Enqueue appends a request after the tail and returns its turn.
//
// The tag is compared only with the most recently issued turn (when it still
// exists), so the same tag may come back once something else was queued.
// Privileged requesters skip throttling and are not indexed.
func (q *Queue[T]) Enqueue(tag string, payload T, requester string, privileged bool) (Turn, error) {
	if last, ok := q.nodes[q.lastQueued]; ok && last.tag == tag {
		return NoTurn, ErrDuplicateRequest
	}

	now := q.now()
	if !privileged && q.timeout > 0 {
		if prev, ok := q.byRequester[requester]; ok {
			if n, ok := q.nodes[prev]; ok {
				if until := n.at.Add(q.timeout); !now.After(until) {
					return NoTurn, &throttledError{window: q.timeout, remaining: until.Sub(now)}
				}
			}
		}
	}

	q.lastQueued++
	turn := q.lastQueued
	q.nodes[turn] = &node[T]{
		tag:       tag,
		payload:   payload,
		requester: requester,
		at:        now,
		prev:      q.tail,
		next:      NoTurn,
	}
	if t, ok := q.nodes[q.tail]; ok {
		t.next = turn
	} else {
		q.head = turn
	}
	q.tail = turn

	if !privileged {
		q.byRequester[requester] = turn
	}
	return turn, nil
}

// Dequeue removes turn and relinks its neighbours.
// It panics with ErrStructuralInconsistency when a linked neighbour is missing.
func (q *Queue[T]) Dequeue(turn Turn) error {
	if turn < 0 || turn > q.lastQueued {
		return fmt.Errorf("%w: turn %d", ErrRequestNotFound, turn)
	}
	n, ok := q.nodes[turn]
	if !ok {
		return fmt.Errorf("%w: turn %d", ErrRequestNotFound, turn)
	}

	if n.prev != NoTurn {
		p, ok := q.nodes[n.prev]
		if !ok {
			panic(fmt.Errorf("%w: turn %d links to missing previous %d", ErrStructuralInconsistency, turn, n.prev))
		}
		p.next = n.next
	} else {
		q.head = n.next
	}
	if n.next != NoTurn {
		nx, ok := q.nodes[n.next]
		if !ok {
			panic(fmt.Errorf("%w: turn %d links to missing next %d", ErrStructuralInconsistency, turn, n.next))
		}
		nx.prev = n.prev
	} else {
		q.tail = n.prev
	}
	delete(q.nodes, turn)

	if q.byRequester[n.requester] == turn {
		delete(q.byRequester, n.requester)
	}
	if q.favorite == turn {
		q.favorite = NoTurn
	}
	return nil
}

// DequeueLastByRequester removes the most recently queued request still
// present for requester and returns its turn.
func (q *Queue[T]) DequeueLastByRequester(requester string) (Turn, error) {
	for t := q.tail; t != NoTurn; {
		n := q.nodes[t]
		if n == nil {
			break
		}
		if n.requester == requester {
			return t, q.Dequeue(t)
		}
		t = n.prev
	}
	return NoTurn, fmt.Errorf("%w: no request from %q", ErrRequestNotFound, requester)
}

// NextTurn is the turn Forward would move to.
func (q *Queue[T]) NextTurn() Turn {
	n, ok := q.nodes[q.current]
	switch {
	case !ok && q.head != NoTurn:
		return q.head
	case !ok:
		return q.lastQueued + 1
	case n.next == NoTurn:
		return q.lastQueued + 1
	default:
		return n.next
	}
}

// Forward moves the current pointer. Moving past the tail parks it on the
// next turn to be issued, so the following enqueue becomes current.
func (q *Queue[T]) Forward() { q.current = q.NextTurn() }

func (q *Queue[T]) CurrentTurn() Turn { return q.current }

func (q *Queue[T]) Current() (T, bool) { return q.Get(q.current) }

func (q *Queue[T]) CurrentTag() (string, bool) { return q.TagAt(q.current) }

func (q *Queue[T]) Get(turn Turn) (T, bool) {
	n, ok := q.nodes[turn]
	if !ok {
		var zero T
		return zero, false
	}
	return n.payload, true
}

func (q *Queue[T]) TagAt(turn Turn) (string, bool) {
	n, ok := q.nodes[turn]
	if !ok {
		return "", false
	}
	return n.tag, true
}

func (q *Queue[T]) Has(turn Turn) bool {
	_, ok := q.nodes[turn]
	return ok
}

// IsCurrentLast reports whether nothing follows the current turn.
// ok is false when the queue is empty, in which case last is true.
func (q *Queue[T]) IsCurrentLast() (last, ok bool) {
	if len(q.nodes) == 0 {
		return true, false
	}
	n, exists := q.nodes[q.current]
	if !exists {
		return true, true
	}
	_, hasNext := q.nodes[n.next]
	return !hasNext, true
}

// Exhausted is IsCurrentLast without the emptiness flag.
func (q *Queue[T]) Exhausted() bool {
	last, _ := q.IsCurrentLast()
	return last
}

// MarkPlayed increments the play counter of turn.
func (q *Queue[T]) MarkPlayed(turn Turn) {
	if n, ok := q.nodes[turn]; ok {
		n.plays++
	}
}

// Plays returns how many bars turn has been played.
func (q *Queue[T]) Plays(turn Turn) int {
	if n, ok := q.nodes[turn]; ok {
		return n.plays
	}
	return 0
}

func (q *Queue[T]) MarkFavorite(turn Turn) error {
	if !q.Has(turn) {
		return fmt.Errorf("%w: turn %d", ErrRequestNotFound, turn)
	}
	q.favorite = turn
	return nil
}

func (q *Queue[T]) UnmarkFavorite() { q.favorite = NoTurn }

func (q *Queue[T]) Favorite() Turn { return q.favorite }

// Entries returns the queued requests in turn order.
func (q *Queue[T]) Entries() []Entry {
	out := make([]Entry, 0, len(q.nodes))
	for t := q.head; t != NoTurn; {
		n, ok := q.nodes[t]
		if !ok {
			break
		}
		out = append(out, Entry{Turn: t, Tag: n.tag, Requester: n.requester, At: n.at})
		t = n.next
	}
	return out
}

func (q *Queue[T]) Len() int { return len(q.nodes) }

// LastQueued returns the highest turn ever issued, or NoTurn.
func (q *Queue[T]) LastQueued() Turn { return q.lastQueued }

// Clear removes every request. Issued turns stay retired; the cursor moves
// to the next turn to be issued.
func (q *Queue[T]) Clear() {
	q.nodes = map[Turn]*node[T]{}
	q.byRequester = map[string]Turn{}
	q.head, q.tail, q.favorite = NoTurn, NoTurn, NoTurn
	q.current = q.lastQueued + 1
}

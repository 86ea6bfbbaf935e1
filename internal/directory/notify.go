package directory

import (
	"log/slog"
	"sync"
)

type eventKind int

const (
	eventChild eventKind = iota
	eventValue
)

type event struct {
	kind  eventKind
	key   string
	value []byte
	snap  Snapshot
}

// notifier fans events out to in-process subscribers. Each subscriber owns
// an unbounded FIFO drained by a dedicated goroutine, so writers never
// block and per-subscription delivery order matches enqueue order.
type notifier struct {
	mu   sync.Mutex
	next int
	subs map[int]*subscriber
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]*subscriber)}
}

type subscriber struct {
	owner *notifier
	id    int
	path  string
	kind  eventKind

	childFn ChildFunc
	valueFn ValueFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool
}

func (n *notifier) subscribe(path string, kind eventKind, childFn ChildFunc, valueFn ValueFunc) *subscriber {
	sub := &subscriber{
		owner:   n,
		path:    path,
		kind:    kind,
		childFn: childFn,
		valueFn: valueFn,
	}
	sub.cond = sync.NewCond(&sub.mu)

	n.mu.Lock()
	n.next++
	sub.id = n.next
	n.subs[sub.id] = sub
	n.mu.Unlock()

	go sub.drain()
	return sub
}

// childAdded queues a child event for feed subscribers on exactly this path.
func (n *notifier) childAdded(path, key string, value []byte) {
	n.mu.Lock()
	for _, sub := range n.subs {
		if sub.kind == eventChild && sub.path == path {
			sub.enqueue(event{kind: eventChild, key: key, value: value})
		}
	}
	n.mu.Unlock()
}

// valueChanged queues snapshot events for every watcher related to the
// written path. snapAt is evaluated per watcher while the notifier lock is
// held so snapshots are consistent with enqueue order.
func (n *notifier) valueChanged(writtenPath string, snapAt func(path string) Snapshot) {
	n.mu.Lock()
	for _, sub := range n.subs {
		if sub.kind == eventValue && isPathRelated(sub.path, writtenPath) {
			sub.enqueue(event{kind: eventValue, snap: snapAt(sub.path)})
		}
	}
	n.mu.Unlock()
}

func (s *subscriber) enqueue(ev event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(ev)
	}
}

// deliver invokes the callback, keeping panics inside the event boundary.
func (s *subscriber) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("directory listener panic", "path", s.path, "err", r)
		}
	}()
	switch ev.kind {
	case eventChild:
		s.childFn(ev.key, ev.value)
	case eventValue:
		s.valueFn(ev.snap)
	}
}

// Close detaches the subscriber and stops its drain goroutine. Events not
// yet delivered are dropped.
func (s *subscriber) Close() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

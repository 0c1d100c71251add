package comfortcloud

import (
	"sync"
	"time"
)

// NotificationKind says what changed.
type NotificationKind string

const (
	NotifyState   NotificationKind = "state"
	NotifySession NotificationKind = "session"
	NotifyCommand NotificationKind = "command"
)

// Notification is pushed to every subscriber.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	State   *State           `json:"state,omitempty"`
	Session string           `json:"session,omitempty"`
	Command *PendingCommand  `json:"command,omitempty"`
	Time    time.Time        `json:"time"`
}

// subscriberBuffer is each subscriber's channel capacity. A subscriber
// that falls this far behind misses notifications.
const subscriberBuffer = 16

// notifier fans notifications out without ever blocking the publisher.
type notifier struct {
	mu     sync.Mutex
	subs   map[uint64]chan Notification
	nextID uint64
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[uint64]chan Notification)}
}

func (n *notifier) subscribe() (<-chan Notification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}

	n.nextID++
	id := n.nextID
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
}

// publish delivers to every subscriber with room and returns how many
// were skipped.
func (n *notifier) publish(note Notification) int {
	if note.Time.IsZero() {
		note.Time = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	dropped := 0
	for _, ch := range n.subs {
		select {
		case ch <- note:
		default:
			dropped++
		}
	}
	return dropped
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

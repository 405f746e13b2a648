// Package notify republishes orchestrator state transitions to external
// observers. Delivery is best-effort: a subscriber that connects after an
// event was published does not receive it retroactively (it catches up via
// the store snapshot), and a slow subscriber has events dropped rather than
// ever blocking orchestrator progress.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/model"
)

// DefaultBuffer is the per-subscriber event buffer size.
const DefaultBuffer = 64

type subscriber struct {
	ch      chan model.ProgressEvent
	dropped int64
}

// Subscription is one observer's handle on a session's event stream.
type Subscription struct {
	C      <-chan model.ProgressEvent
	cancel func()
}

// Cancel detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Notifier is a per-session publish/subscribe channel.
type Notifier struct {
	mu     sync.Mutex
	subs   map[string]map[int]*subscriber // sessionID -> subID -> subscriber
	nextID int
	buffer int
}

// New creates a notifier with the default per-subscriber buffer.
func New() *Notifier {
	return &Notifier{
		subs:   make(map[string]map[int]*subscriber),
		buffer: DefaultBuffer,
	}
}

// Subscribe registers an observer for one session's events.
func (n *Notifier) Subscribe(sessionID string) *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs[sessionID] == nil {
		n.subs[sessionID] = make(map[int]*subscriber)
	}
	n.nextID++
	id := n.nextID
	sub := &subscriber{ch: make(chan model.ProgressEvent, n.buffer)}
	n.subs[sessionID][id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if s, ok := n.subs[sessionID][id]; ok {
				delete(n.subs[sessionID], id)
				close(s.ch)
			}
		})
	}
	return &Subscription{C: sub.ch, cancel: cancel}
}

// Publish delivers an event to every subscriber of the session. Never
// blocks: a subscriber whose buffer is full loses the event.
func (n *Notifier) Publish(event model.ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				zap.L().Warn("notify: dropping events for slow subscriber",
					zap.String("session", event.SessionID),
					zap.Int64("dropped", sub.dropped),
				)
			}
		}
	}
}

// CloseSession detaches all subscribers of a session and closes their
// channels; called once the session reaches a terminal status.
func (n *Notifier) CloseSession(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for id, sub := range n.subs[sessionID] {
		delete(n.subs[sessionID], id)
		close(sub.ch)
	}
	delete(n.subs, sessionID)
}

package service

import (
	"sync"

	"realtime-service/internal/models"
)

// Notifier fans directory change notifications out to in-process
// subscribers. Delivery is synchronous on the mutating goroutine, so
// handlers must be fast and never block; anything slow goes behind a
// buffered channel on the subscriber's side.
type Notifier struct {
	mu          sync.RWMutex
	nextID      int
	userSubs    map[int]func(models.UserEvent)
	sessionSubs map[int]func(models.SessionEvent)
}

func NewNotifier() *Notifier {
	return &Notifier{
		userSubs:    make(map[int]func(models.UserEvent)),
		sessionSubs: make(map[int]func(models.SessionEvent)),
	}
}

// OnUserEvent registers a handler for user change notifications and returns
// an unsubscribe func.
func (n *Notifier) OnUserEvent(fn func(models.UserEvent)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.userSubs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.userSubs, id)
	}
}

// OnSessionEvent registers a handler for session change notifications and
// returns an unsubscribe func.
func (n *Notifier) OnSessionEvent(fn func(models.SessionEvent)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.sessionSubs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.sessionSubs, id)
	}
}

func (n *Notifier) PublishUserEvent(event models.UserEvent) {
	n.mu.RLock()
	subs := make([]func(models.UserEvent), 0, len(n.userSubs))
	for _, fn := range n.userSubs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

func (n *Notifier) PublishSessionEvent(event models.SessionEvent) {
	n.mu.RLock()
	subs := make([]func(models.SessionEvent), 0, len(n.sessionSubs))
	for _, fn := range n.sessionSubs {
		subs = append(subs, fn)
	}
	n.mu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

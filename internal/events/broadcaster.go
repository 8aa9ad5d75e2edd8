// Package events fans session status updates out to interested viewers.
// Subscriptions are keyed by organization: a subscriber never receives an
// event for another organization's sessions, even if it knows the ids.
package events

import (
	"sync"
	"time"
)

const subscriberBuffer = 16

// SessionEvent describes one observable change to a session.
type SessionEvent struct {
	OrgID     string    `json:"-"`
	SessionID string    `json:"session_id"`
	Desired   string    `json:"desired"`
	Phase     string    `json:"phase"`
	AccessURL string    `json:"access_url,omitempty"`
	At        time.Time `json:"at"`
}

// Subscriber receives events for one organization on C until Close.
type Subscriber struct {
	C chan SessionEvent

	orgID string
	once  sync.Once
}

type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[*Subscriber]struct{}),
	}
}

func (b *Broadcaster) Subscribe(orgID string) *Subscriber {
	sub := &Subscriber{
		C:     make(chan SessionEvent, subscriberBuffer),
		orgID: orgID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[orgID] == nil {
		b.subs[orgID] = make(map[*Subscriber]struct{})
	}
	b.subs[orgID][sub] = struct{}{}
	return sub
}

func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if set, ok := b.subs[sub.orgID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.orgID)
		}
	}
	b.mu.Unlock()

	sub.once.Do(func() { close(sub.C) })
}

// Publish delivers the event to every subscriber of the owning org. Slow
// subscribers drop events rather than blocking the state machine.
func (b *Broadcaster) Publish(ev SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[ev.OrgID] {
		select {
		case sub.C <- ev:
		default:
		}
	}
}

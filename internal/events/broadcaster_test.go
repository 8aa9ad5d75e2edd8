package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesOrgSubscribers(t *testing.T) {
	b := NewBroadcaster()
	sub1 := b.Subscribe("org-1")
	sub2 := b.Subscribe("org-1")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(SessionEvent{OrgID: "org-1", SessionID: "sess-1", Phase: "running", At: time.Now()})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, "sess-1", ev.SessionID)
		default:
			t.Fatal("expected event for org-1 subscriber")
		}
	}
}

func TestPublishIsolatedAcrossOrgs(t *testing.T) {
	b := NewBroadcaster()
	other := b.Subscribe("org-2")
	defer b.Unsubscribe(other)

	b.Publish(SessionEvent{OrgID: "org-1", SessionID: "sess-1", At: time.Now()})

	select {
	case ev := <-other.C:
		t.Fatalf("org-2 subscriber received org-1 event: %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("org-1")

	b.Unsubscribe(sub)
	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(SessionEvent{OrgID: "org-1", SessionID: "sess-1", At: time.Now()})

	// Double unsubscribe is safe.
	b.Unsubscribe(sub)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe("org-1")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			b.Publish(SessionEvent{OrgID: "org-1", SessionID: "sess-1", At: time.Now()})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	require.Len(t, sub.C, subscriberBuffer)
}

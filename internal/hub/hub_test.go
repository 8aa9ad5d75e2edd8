package hub

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskplane/deskplane/internal/agentwire"
)

type fakeIndex struct {
	mu      sync.Mutex
	entries map[string][2]string // agent id -> {instance id, addr}
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{entries: make(map[string][2]string)}
}

func (i *fakeIndex) Publish(ctx context.Context, agentID, instanceID, addr string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[agentID] = [2]string{instanceID, addr}
	return nil
}

func (i *fakeIndex) Lookup(ctx context.Context, agentID string) (string, string, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	e, ok := i.entries[agentID]
	if !ok {
		return "", "", false, nil
	}
	return e[0], e[1], true, nil
}

func (i *fakeIndex) Release(ctx context.Context, agentID, instanceID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if e, ok := i.entries[agentID]; ok && e[0] == instanceID {
		delete(i.entries, agentID)
	}
	return nil
}

type fakeRelay struct {
	forwarded []string // addr
	err       error
}

func (r *fakeRelay) Forward(ctx context.Context, addr, agentID string, env *agentwire.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.forwarded = append(r.forwarded, addr)
	return nil
}

func testEnvelope(t *testing.T) *agentwire.Envelope {
	t.Helper()
	env, err := agentwire.NewEnvelope(agentwire.TypeCommand, agentwire.CommandPayload{CommandID: "cmd-1"})
	require.NoError(t, err)
	return env
}

func TestRegisterPublishesRoute(t *testing.T) {
	index := newFakeIndex()
	h := New("instance-a", "10.0.0.1:8080", index, &fakeRelay{})

	conn, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", conn.ID)

	instanceID, addr, ok, err := index.Lookup(context.Background(), "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "instance-a", instanceID)
	assert.Equal(t, "10.0.0.1:8080", addr)
}

func TestRegisterReplacesDuplicate(t *testing.T) {
	h := New("instance-a", "10.0.0.1:8080", newFakeIndex(), &fakeRelay{})

	first, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)
	second, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)

	// The replaced connection is cancelled; the new one is live and owned.
	assert.Error(t, first.Context().Err())
	assert.NoError(t, second.Context().Err())

	got, ok := h.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestSendQueuesLocally(t *testing.T) {
	h := New("instance-a", "10.0.0.1:8080", newFakeIndex(), &fakeRelay{})
	conn, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)

	env := testEnvelope(t)
	require.NoError(t, h.Send("agent-1", env))

	select {
	case got := <-conn.SendCh:
		assert.Equal(t, env.ID, got.ID)
	default:
		t.Fatal("expected envelope on send channel")
	}
}

func TestSendOfflineAgent(t *testing.T) {
	h := New("instance-a", "10.0.0.1:8080", newFakeIndex(), &fakeRelay{})
	err := h.Send("agent-1", testEnvelope(t))
	assert.ErrorIs(t, err, ErrAgentOffline)
}

func TestRouteRelaysToOwningInstance(t *testing.T) {
	index := newFakeIndex()
	relay := &fakeRelay{}
	h := New("instance-a", "10.0.0.1:8080", index, relay)

	// A sibling instance owns the agent.
	require.NoError(t, index.Publish(context.Background(), "agent-1", "instance-b", "10.0.0.2:8080"))

	require.NoError(t, h.Route(context.Background(), "agent-1", testEnvelope(t)))
	assert.Equal(t, []string{"10.0.0.2:8080"}, relay.forwarded)
}

func TestRouteOwnStaleClaim(t *testing.T) {
	index := newFakeIndex()
	relay := &fakeRelay{}
	h := New("instance-a", "10.0.0.1:8080", index, relay)

	// Our own claim with no live connection behind it.
	require.NoError(t, index.Publish(context.Background(), "agent-1", "instance-a", "10.0.0.1:8080"))

	err := h.Route(context.Background(), "agent-1", testEnvelope(t))
	assert.ErrorIs(t, err, ErrAgentOffline)
	assert.Empty(t, relay.forwarded)
}

func TestRouteSiblingStaleClaim(t *testing.T) {
	index := newFakeIndex()
	relay := &fakeRelay{err: ErrAgentOffline}
	h := New("instance-a", "10.0.0.1:8080", index, relay)

	require.NoError(t, index.Publish(context.Background(), "agent-1", "instance-b", "10.0.0.2:8080"))

	err := h.Route(context.Background(), "agent-1", testEnvelope(t))
	assert.ErrorIs(t, err, ErrAgentOffline)
}

func TestRouteNoClaim(t *testing.T) {
	h := New("instance-a", "10.0.0.1:8080", newFakeIndex(), &fakeRelay{})
	err := h.Route(context.Background(), "agent-1", testEnvelope(t))
	assert.ErrorIs(t, err, ErrAgentOffline)
}

func TestUnregisterReleasesRoute(t *testing.T) {
	index := newFakeIndex()
	h := New("instance-a", "10.0.0.1:8080", index, &fakeRelay{})

	conn, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)
	h.Unregister(context.Background(), "agent-1")

	assert.Error(t, conn.Context().Err())
	_, _, ok, err := index.Lookup(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, present := h.Get("agent-1")
	assert.False(t, present)
}

func TestUnregisterUnblocksParkedSender(t *testing.T) {
	h := New("instance-a", "10.0.0.1:8080", newFakeIndex(), &fakeRelay{})
	_, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)

	// Fill the buffer so the next Send parks on the channel.
	for i := 0; i < sendChannelBuffer; i++ {
		require.NoError(t, h.Send("agent-1", testEnvelope(t)))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- h.Send("agent-1", testEnvelope(t)) }()

	// Unregister while the sender is parked: it must surface offline, not
	// panic or hang until the send timeout.
	h.Unregister(context.Background(), "agent-1")
	assert.ErrorIs(t, <-errCh, ErrAgentOffline)
}

func TestRegisterReplacementUnblocksParkedSender(t *testing.T) {
	h := New("instance-a", "10.0.0.1:8080", newFakeIndex(), &fakeRelay{})
	first, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)

	for i := 0; i < sendChannelBuffer; i++ {
		require.NoError(t, h.Send("agent-1", testEnvelope(t)))
	}
	parked := make(chan error, 1)
	go func() {
		select {
		case first.SendCh <- testEnvelope(t):
			parked <- nil
		case <-first.Context().Done():
			parked <- first.Context().Err()
		}
	}()

	// The reconnect retires the first connection; the sender holding its
	// handle wakes on the context, never on a closed channel.
	_, err = h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)
	assert.ErrorIs(t, <-parked, context.Canceled)
}

func TestOnRegisterHookFires(t *testing.T) {
	h := New("instance-a", "10.0.0.1:8080", newFakeIndex(), &fakeRelay{})

	kicked := make(chan string, 1)
	h.SetOnRegister(func(agentID string) { kicked <- agentID })

	_, err := h.Register(context.Background(), "agent-1", "org-1", "linux")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", <-kicked)
}

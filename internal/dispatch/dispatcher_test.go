package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskplane/deskplane/internal/agentwire"
	"github.com/deskplane/deskplane/internal/commands"
	"github.com/deskplane/deskplane/internal/hub"
)

// fakeQueue is an in-memory stand-in for the durable command store with the
// same conditional state transitions.
type fakeQueue struct {
	cmds []*commands.Command
}

func (q *fakeQueue) add(agentID, sessionID, op string) *commands.Command {
	payload, _ := json.Marshal(map[string]string{"op": op})
	cmd := &commands.Command{
		ID:         fmt.Sprintf("cmd-%d", len(q.cmds)+1),
		AgentID:    agentID,
		OrgID:      "org-1",
		SessionID:  sessionID,
		Payload:    payload,
		State:      commands.StatePending,
		EnqueuedAt: time.Now().Add(time.Duration(len(q.cmds)) * time.Millisecond),
	}
	q.cmds = append(q.cmds, cmd)
	return cmd
}

func (q *fakeQueue) byID(id string) *commands.Command {
	for _, c := range q.cmds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (q *fakeQueue) PendingForAgent(ctx context.Context, agentID string) ([]commands.Command, error) {
	var out []commands.Command
	for _, c := range q.cmds {
		if c.AgentID == agentID && c.State == commands.StatePending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (q *fakeQueue) AgentsWithPending(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, c := range q.cmds {
		if c.State == commands.StatePending && !seen[c.AgentID] {
			seen[c.AgentID] = true
			out = append(out, c.AgentID)
		}
	}
	return out, nil
}

func (q *fakeQueue) GetByID(ctx context.Context, commandID string) (*commands.Command, error) {
	if c := q.byID(commandID); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, commands.ErrCommandNotFound
}

func (q *fakeQueue) MarkDelivered(ctx context.Context, commandID string) (bool, error) {
	c := q.byID(commandID)
	if c == nil || c.State != commands.StatePending {
		return false, nil
	}
	now := time.Now()
	c.State = commands.StateDelivered
	c.DeliveredAt = &now
	return true, nil
}

func (q *fakeQueue) MarkPending(ctx context.Context, commandID string) error {
	c := q.byID(commandID)
	if c != nil && c.State == commands.StateDelivered {
		c.State = commands.StatePending
		c.DeliveredAt = nil
	}
	return nil
}

func (q *fakeQueue) MarkAcknowledged(ctx context.Context, commandID string) (bool, error) {
	c := q.byID(commandID)
	if c == nil || (c.State != commands.StatePending && c.State != commands.StateDelivered) {
		return false, nil
	}
	now := time.Now()
	c.State = commands.StateAcknowledged
	c.AckedAt = &now
	return true, nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, commandID, reason string) (bool, error) {
	c := q.byID(commandID)
	if c == nil || (c.State != commands.StatePending && c.State != commands.StateDelivered) {
		return false, nil
	}
	c.State = commands.StateFailed
	c.FailReason = reason
	return true, nil
}

func (q *fakeQueue) SweepStale(ctx context.Context, ackTimeout time.Duration, maxRetries int) ([]commands.Command, error) {
	cutoff := time.Now().Add(-ackTimeout)
	var failed []commands.Command
	for _, c := range q.cmds {
		if c.State != commands.StateDelivered || c.DeliveredAt == nil || !c.DeliveredAt.Before(cutoff) {
			continue
		}
		if c.RetryCount >= maxRetries {
			c.State = commands.StateFailed
			c.FailReason = "ack timeout: retry ceiling reached"
			failed = append(failed, *c)
		} else {
			c.State = commands.StatePending
			c.DeliveredAt = nil
			c.RetryCount++
		}
	}
	return failed, nil
}

type fakeRouter struct {
	sent []*agentwire.Envelope
	err  error
}

func (r *fakeRouter) Route(ctx context.Context, agentID string, env *agentwire.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, env)
	return nil
}

type fakeResults struct {
	calls []struct {
		commandID string
		ok        bool
		reason    string
	}
}

func (r *fakeResults) HandleCommandResult(ctx context.Context, cmd *commands.Command, ok bool, reason string) {
	r.calls = append(r.calls, struct {
		commandID string
		ok        bool
		reason    string
	}{cmd.ID, ok, reason})
}

func TestDrainAgentDeliversInOrder(t *testing.T) {
	queue := &fakeQueue{}
	first := queue.add("agent-1", "sess-1", "start")
	second := queue.add("agent-1", "sess-2", "start")
	router := &fakeRouter{}

	d := New(queue, router, nil, Config{})
	d.DrainAgent(context.Background(), "agent-1")

	require.Len(t, router.sent, 2)
	var p1, p2 agentwire.CommandPayload
	require.NoError(t, router.sent[0].Decode(&p1))
	require.NoError(t, router.sent[1].Decode(&p2))
	assert.Equal(t, first.ID, p1.CommandID)
	assert.Equal(t, second.ID, p2.CommandID)
	assert.Equal(t, "start", p1.Op)

	assert.Equal(t, commands.StateDelivered, queue.byID(first.ID).State)
	assert.Equal(t, commands.StateDelivered, queue.byID(second.ID).State)
}

func TestDrainAgentDefersWhenOffline(t *testing.T) {
	queue := &fakeQueue{}
	first := queue.add("agent-1", "sess-1", "start")
	second := queue.add("agent-1", "sess-2", "start")
	router := &fakeRouter{err: hub.ErrAgentOffline}

	d := New(queue, router, nil, Config{})
	d.DrainAgent(context.Background(), "agent-1")

	// Nothing sent, both commands back to pending with retries untouched.
	assert.Empty(t, router.sent)
	assert.Equal(t, commands.StatePending, queue.byID(first.ID).State)
	assert.Equal(t, commands.StatePending, queue.byID(second.ID).State)
	assert.Equal(t, 0, queue.byID(first.ID).RetryCount)
}

func TestDrainAgentSkipsAlreadyClaimed(t *testing.T) {
	queue := &fakeQueue{}
	cmd := queue.add("agent-1", "sess-1", "start")
	claimed, err := queue.MarkDelivered(context.Background(), cmd.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	router := &fakeRouter{}
	d := New(queue, router, nil, Config{})
	d.DrainAgent(context.Background(), "agent-1")

	assert.Empty(t, router.sent)
}

func TestHandleAckSuccess(t *testing.T) {
	queue := &fakeQueue{}
	cmd := queue.add("agent-1", "sess-1", "start")
	_, err := queue.MarkDelivered(context.Background(), cmd.ID)
	require.NoError(t, err)

	results := &fakeResults{}
	d := New(queue, &fakeRouter{}, results, Config{})

	d.HandleAck(context.Background(), cmd.ID, true, "")
	assert.Equal(t, commands.StateAcknowledged, queue.byID(cmd.ID).State)
	require.Len(t, results.calls, 1)
	assert.True(t, results.calls[0].ok)

	// Redelivery produces a duplicate ack; it must not surface twice.
	d.HandleAck(context.Background(), cmd.ID, true, "")
	assert.Len(t, results.calls, 1)
}

func TestHandleAckRejection(t *testing.T) {
	queue := &fakeQueue{}
	cmd := queue.add("agent-1", "sess-1", "hibernate")
	_, err := queue.MarkDelivered(context.Background(), cmd.ID)
	require.NoError(t, err)

	results := &fakeResults{}
	d := New(queue, &fakeRouter{}, results, Config{})

	d.HandleAck(context.Background(), cmd.ID, false, "session not found")
	assert.Equal(t, commands.StateFailed, queue.byID(cmd.ID).State)
	assert.Equal(t, "session not found", queue.byID(cmd.ID).FailReason)
	require.Len(t, results.calls, 1)
	assert.False(t, results.calls[0].ok)
	assert.Equal(t, "session not found", results.calls[0].reason)
}

func TestSweepRequeuesStaleAndSurfacesExhausted(t *testing.T) {
	queue := &fakeQueue{}
	stale := queue.add("agent-1", "sess-1", "start")
	exhausted := queue.add("agent-2", "sess-2", "start")
	exhausted.RetryCount = 5

	past := time.Now().Add(-time.Minute)
	for _, c := range []*commands.Command{stale, exhausted} {
		c.State = commands.StateDelivered
		at := past
		c.DeliveredAt = &at
	}

	results := &fakeResults{}
	router := &fakeRouter{err: errors.New("no connection")}
	d := New(queue, router, results, Config{AckTimeout: 30 * time.Second, MaxRetries: 5})

	d.Sweep(context.Background())

	// The stale one is pending again with a consumed retry.
	assert.Equal(t, commands.StatePending, queue.byID(stale.ID).State)
	assert.Equal(t, 1, queue.byID(stale.ID).RetryCount)

	// The exhausted one failed and reached the result handler.
	assert.Equal(t, commands.StateFailed, queue.byID(exhausted.ID).State)
	require.Len(t, results.calls, 1)
	assert.Equal(t, exhausted.ID, results.calls[0].commandID)
	assert.False(t, results.calls[0].ok)
}

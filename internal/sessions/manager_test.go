package sessions

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskplane/deskplane/internal/commands"
	"github.com/deskplane/deskplane/internal/events"
)

type fakeStore struct {
	sessions map[string]*Session
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*Session)}
}

func (s *fakeStore) Create(ctx context.Context, sess *Session) error {
	s.nextID++
	sess.ID = "sess-" + string(rune('0'+s.nextID))
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *fakeStore) Get(ctx context.Context, orgID, sessionID string) (*Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.OrgID != orgID {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) SetDesired(ctx context.Context, orgID, sessionID string, desired DesiredState) (*Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.OrgID != orgID {
		return nil, ErrSessionNotFound
	}
	sess.Desired = desired
	cp := *sess
	return &cp, nil
}

func (s *fakeStore) SetPhase(ctx context.Context, orgID, sessionID string, phase Phase, accessURL string) (*Session, error) {
	sess, ok := s.sessions[sessionID]
	if !ok || sess.OrgID != orgID {
		return nil, ErrSessionNotFound
	}
	sess.Phase = phase
	if accessURL != "" {
		sess.AccessURL = accessURL
	}
	cp := *sess
	return &cp, nil
}

// fakeQueue marks itself outstanding on every enqueue until the test drains
// it, mirroring the real queue's pending/delivered window.
type fakeQueue struct {
	enqueued    []commands.Command
	outstanding map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{outstanding: make(map[string]bool)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, cmd *commands.Command) (string, error) {
	cmd.ID = "cmd-" + string(rune('0'+len(q.enqueued)+1))
	q.enqueued = append(q.enqueued, *cmd)
	q.outstanding[cmd.SessionID] = true
	return cmd.ID, nil
}

func (q *fakeQueue) HasOutstanding(ctx context.Context, sessionID string) (bool, error) {
	return q.outstanding[sessionID], nil
}

func (q *fakeQueue) drain(sessionID string) {
	q.outstanding[sessionID] = false
}

func (q *fakeQueue) lastOp(t *testing.T) Op {
	t.Helper()
	require.NotEmpty(t, q.enqueued)
	var spec CommandSpec
	require.NoError(t, json.Unmarshal(q.enqueued[len(q.enqueued)-1].Payload, &spec))
	return spec.Op
}

type fakePublisher struct {
	published []events.SessionEvent
}

func (p *fakePublisher) Publish(ev events.SessionEvent) {
	p.published = append(p.published, ev)
}

func newTestManager() (*Manager, *fakeStore, *fakeQueue, *fakePublisher, *[]string) {
	store := newFakeStore()
	queue := newFakeQueue()
	pub := &fakePublisher{}
	m := NewManager(store, queue, pub)

	var kicked []string
	m.SetKick(func(agentID string) { kicked = append(kicked, agentID) })
	return m, store, queue, pub, &kicked
}

func createSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	sess := &Session{OrgID: "org-1", OwnerID: "user-1", AgentID: "agent-1", TemplateID: "tpl-1"}
	require.NoError(t, m.Create(context.Background(), sess))
	return sess
}

func TestManagerCreateEnqueuesStart(t *testing.T) {
	m, _, queue, pub, kicked := newTestManager()

	sess := createSession(t, m)

	assert.Equal(t, DesiredRunning, sess.Desired)
	assert.Equal(t, PhasePending, sess.Phase)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, OpStart, queue.lastOp(t))
	assert.Equal(t, "agent-1", queue.enqueued[0].AgentID)
	assert.Equal(t, []string{"agent-1"}, *kicked)
	assert.NotEmpty(t, pub.published)
}

func TestManagerHibernateEnqueuesExactlyOnce(t *testing.T) {
	m, _, queue, _, _ := newTestManager()
	sess := createSession(t, m)

	// The start command completes and the session reaches running.
	queue.drain(sess.ID)
	require.NoError(t, m.HandleReport(context.Background(), "org-1", sess.ID, PhaseRunning, "vnc://host:5901"))
	require.Len(t, queue.enqueued, 1)

	_, err := m.SetDesired(context.Background(), "org-1", sess.ID, DesiredHibernated)
	require.NoError(t, err)
	require.Len(t, queue.enqueued, 2)
	assert.Equal(t, OpHibernate, queue.lastOp(t))

	// Repeated intent and a racing report must not stack a second command
	// while the first is outstanding.
	_, err = m.SetDesired(context.Background(), "org-1", sess.ID, DesiredHibernated)
	require.NoError(t, err)
	require.NoError(t, m.HandleReport(context.Background(), "org-1", sess.ID, PhaseRunning, ""))
	assert.Len(t, queue.enqueued, 2)
}

func TestManagerSetDesiredValidation(t *testing.T) {
	m, _, _, _, _ := newTestManager()
	sess := createSession(t, m)

	_, err := m.SetDesired(context.Background(), "org-1", sess.ID, DesiredState("paused"))
	assert.ErrorIs(t, err, ErrInvalidDesired)

	_, err = m.SetDesired(context.Background(), "other-org", sess.ID, DesiredHibernated)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerCommandFailureParksSessionFailed(t *testing.T) {
	m, store, queue, _, _ := newTestManager()
	sess := createSession(t, m)

	cmd := queue.enqueued[0]
	queue.drain(sess.ID)
	m.HandleCommandResult(context.Background(), &cmd, false, "disk full")

	got, err := store.Get(context.Background(), "org-1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, got.Phase)

	// Failed is sticky: no new command without fresh intent.
	assert.Len(t, queue.enqueued, 1)
}

func TestManagerAckConvergesPhase(t *testing.T) {
	m, store, queue, _, _ := newTestManager()
	sess := createSession(t, m)

	cmd := queue.enqueued[0]
	queue.drain(sess.ID)
	m.HandleCommandResult(context.Background(), &cmd, true, "")

	got, err := store.Get(context.Background(), "org-1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, got.Phase)
	// Desired running, phase running: converged, nothing new enqueued.
	assert.Len(t, queue.enqueued, 1)
}

func TestManagerReportAfterFailureRecovers(t *testing.T) {
	m, store, queue, _, _ := newTestManager()
	sess := createSession(t, m)

	cmd := queue.enqueued[0]
	queue.drain(sess.ID)
	m.HandleCommandResult(context.Background(), &cmd, false, "boot failure")

	// New intent re-attempts from failed via destroy only; running intent
	// stays parked until the agent reports a live phase.
	_, err := m.SetDesired(context.Background(), "org-1", sess.ID, DesiredRunning)
	require.NoError(t, err)
	assert.Len(t, queue.enqueued, 1)

	// The agent reports the session actually came up after all.
	require.NoError(t, m.HandleReport(context.Background(), "org-1", sess.ID, PhaseRunning, ""))
	got, err := store.Get(context.Background(), "org-1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseRunning, got.Phase)

	// Termination always works, even from failed.
	cmdCount := len(queue.enqueued)
	_, err = m.SetDesired(context.Background(), "org-1", sess.ID, DesiredTerminated)
	require.NoError(t, err)
	require.Len(t, queue.enqueued, cmdCount+1)
	assert.Equal(t, OpDestroy, queue.lastOp(t))
}

package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/deskplane/deskplane/internal/commands"
	"github.com/deskplane/deskplane/internal/events"
)

// Store is the session persistence surface the state machine drives.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, orgID, sessionID string) (*Session, error)
	SetDesired(ctx context.Context, orgID, sessionID string, desired DesiredState) (*Session, error)
	SetPhase(ctx context.Context, orgID, sessionID string, phase Phase, accessURL string) (*Session, error)
}

// Queue enqueues commands produced by reconciliation.
type Queue interface {
	Enqueue(ctx context.Context, cmd *commands.Command) (string, error)
	HasOutstanding(ctx context.Context, sessionID string) (bool, error)
}

// Publisher fans session changes out to org-scoped subscribers.
type Publisher interface {
	Publish(ev events.SessionEvent)
}

// CommandSpec is the payload stored with each queued command. Agents must
// execute it idempotently: redelivery of the same command id is part of the
// at-least-once contract.
type CommandSpec struct {
	Op         Op              `json:"op"`
	TemplateID string          `json:"template_id,omitempty"`
	Resources  json.RawMessage `json:"resources,omitempty"`
}

// Manager is the session state machine: it reconciles user-set desired
// state against agent-reported phase and emits the minimal command that
// moves one toward the other. Status reports for an agent arrive on that
// agent's single read loop, so session writes are serialized per agent.
type Manager struct {
	store  Store
	queue  Queue
	events Publisher
	kick   func(agentID string)
}

func NewManager(store Store, queue Queue, events Publisher) *Manager {
	return &Manager{store: store, queue: queue, events: events}
}

// SetKick installs the dispatcher nudge used to deliver freshly enqueued
// commands without waiting for the next sweep. Set once during wiring.
func (m *Manager) SetKick(fn func(agentID string)) {
	m.kick = fn
}

// Create records a new session with desired=running, phase=pending and
// enqueues its start command.
func (m *Manager) Create(ctx context.Context, sess *Session) error {
	sess.Desired = DesiredRunning
	sess.Phase = PhasePending

	if err := m.store.Create(ctx, sess); err != nil {
		return err
	}
	slog.Info("Session created",
		"session_id", sess.ID, "org_id", sess.OrgID, "agent_id", sess.AgentID)

	m.publish(sess)
	return m.reconcile(ctx, sess)
}

// SetDesired applies a user intent change. Concurrent writes resolve
// last-write-wins; no conflict error is surfaced.
func (m *Manager) SetDesired(ctx context.Context, orgID, sessionID string, desired DesiredState) (*Session, error) {
	if !ValidDesired(desired) {
		return nil, ErrInvalidDesired
	}

	sess, err := m.store.SetDesired(ctx, orgID, sessionID, desired)
	if err != nil {
		return nil, err
	}
	slog.Info("Session desired state set",
		"session_id", sessionID, "org_id", orgID, "desired", desired)

	m.publish(sess)
	if err := m.reconcile(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// HandleReport consumes an agent status report and updates observed phase.
// Reports are the only writer of phase besides command acks.
func (m *Manager) HandleReport(ctx context.Context, orgID, sessionID string, phase Phase, accessURL string) error {
	if !ValidPhase(phase) {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}

	sess, err := m.store.SetPhase(ctx, orgID, sessionID, phase, accessURL)
	if err != nil {
		return err
	}
	slog.Debug("Session phase reported",
		"session_id", sessionID, "org_id", orgID, "phase", phase)

	m.publish(sess)
	return m.reconcile(ctx, sess)
}

// HandleCommandResult consumes a terminal delivery outcome from the
// dispatcher. A successful ack converges the phase implied by the op; a
// failure (negative ack or retry exhaustion) parks the session in the
// failed phase until the user expresses new intent.
func (m *Manager) HandleCommandResult(ctx context.Context, cmd *commands.Command, ok bool, reason string) {
	var spec CommandSpec
	if err := json.Unmarshal(cmd.Payload, &spec); err != nil {
		slog.Error("Command result with unreadable payload", "command_id", cmd.ID, "error", err)
		return
	}

	if !ok {
		slog.Warn("Command execution failed",
			"command_id", cmd.ID, "session_id", cmd.SessionID, "op", spec.Op, "reason", reason)
		sess, err := m.store.SetPhase(ctx, cmd.OrgID, cmd.SessionID, PhaseFailed, "")
		if err != nil {
			slog.Error("Failed to record failed phase", "session_id", cmd.SessionID, "error", err)
			return
		}
		m.publish(sess)
		return
	}

	phase, known := PhaseAfter(spec.Op)
	if !known {
		return
	}
	sess, err := m.store.SetPhase(ctx, cmd.OrgID, cmd.SessionID, phase, "")
	if err != nil {
		slog.Error("Failed to apply acked phase", "session_id", cmd.SessionID, "error", err)
		return
	}
	m.publish(sess)

	if err := m.reconcile(ctx, sess); err != nil {
		slog.Error("Reconcile after ack failed", "session_id", cmd.SessionID, "error", err)
	}
}

func (m *Manager) reconcile(ctx context.Context, sess *Session) error {
	op, ok := NextOp(sess.Desired, sess.Phase)
	if !ok {
		return nil
	}

	// One in-flight command per session: conflicting intents overwrite
	// desired state instead of stacking commands.
	outstanding, err := m.queue.HasOutstanding(ctx, sess.ID)
	if err != nil {
		return err
	}
	if outstanding {
		return nil
	}

	payload, err := json.Marshal(CommandSpec{
		Op:         op,
		TemplateID: sess.TemplateID,
		Resources:  sess.Resources,
	})
	if err != nil {
		return fmt.Errorf("encode command spec: %w", err)
	}

	cmd := &commands.Command{
		AgentID:   sess.AgentID,
		OrgID:     sess.OrgID,
		SessionID: sess.ID,
		Payload:   payload,
	}
	if _, err := m.queue.Enqueue(ctx, cmd); err != nil {
		return err
	}
	slog.Info("Reconciliation enqueued command",
		"session_id", sess.ID, "op", op, "command_id", cmd.ID)

	if m.kick != nil {
		m.kick(sess.AgentID)
	}
	return nil
}

func (m *Manager) publish(sess *Session) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.SessionEvent{
		OrgID:     sess.OrgID,
		SessionID: sess.ID,
		Desired:   string(sess.Desired),
		Phase:     string(sess.Phase),
		AccessURL: sess.AccessURL,
		At:        time.Now(),
	})
}

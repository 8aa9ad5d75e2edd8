package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/deskplane/deskplane/internal/agentwire"
	"github.com/deskplane/deskplane/internal/commands"
	"github.com/deskplane/deskplane/internal/hub"
)

// Queue is the durable command store the dispatcher drains.
type Queue interface {
	PendingForAgent(ctx context.Context, agentID string) ([]commands.Command, error)
	AgentsWithPending(ctx context.Context) ([]string, error)
	GetByID(ctx context.Context, commandID string) (*commands.Command, error)
	MarkDelivered(ctx context.Context, commandID string) (bool, error)
	MarkPending(ctx context.Context, commandID string) error
	MarkAcknowledged(ctx context.Context, commandID string) (bool, error)
	MarkFailed(ctx context.Context, commandID, reason string) (bool, error)
	SweepStale(ctx context.Context, ackTimeout time.Duration, maxRetries int) ([]commands.Command, error)
}

// Router delivers an envelope to an agent, locally or via a sibling
// instance.
type Router interface {
	Route(ctx context.Context, agentID string, env *agentwire.Envelope) error
}

// ResultHandler consumes terminal command outcomes. Implemented by the
// session state machine.
type ResultHandler interface {
	HandleCommandResult(ctx context.Context, cmd *commands.Command, ok bool, reason string)
}

type Config struct {
	SweepInterval time.Duration
	AckTimeout    time.Duration
	MaxRetries    int
}

// Dispatcher drains pending commands per agent in FIFO order. Ordering is
// per-agent only; there is no global order across agents. Delivery is
// at-least-once: an unacknowledged command is requeued until the retry
// ceiling, then failed and surfaced.
type Dispatcher struct {
	queue   Queue
	router  Router
	results ResultHandler
	cfg     Config

	kickCh chan string
}

func New(queue Queue, router Router, results ResultHandler, cfg Config) *Dispatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 2 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	return &Dispatcher{
		queue:   queue,
		router:  router,
		results: results,
		cfg:     cfg,
		kickCh:  make(chan string, 64),
	}
}

// Run drives the periodic sweep until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case agentID := <-d.kickCh:
			d.DrainAgent(ctx, agentID)
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Kick schedules an immediate drain for the agent, used on registration
// and right after an enqueue so a connected agent sees the command without
// waiting for the next sweep.
func (d *Dispatcher) Kick(agentID string) {
	select {
	case d.kickCh <- agentID:
	default:
		// The periodic sweep will pick it up.
	}
}

// Sweep requeues timed-out deliveries, surfaces retry-exhausted commands,
// and drains every agent with pending work.
func (d *Dispatcher) Sweep(ctx context.Context) {
	failed, err := d.queue.SweepStale(ctx, d.cfg.AckTimeout, d.cfg.MaxRetries)
	if err != nil {
		slog.Error("Stale delivery sweep failed", "error", err)
	}
	for i := range failed {
		cmd := failed[i]
		slog.Warn("Command failed after retry ceiling",
			"command_id", cmd.ID, "agent_id", cmd.AgentID, "retries", cmd.RetryCount)
		if d.results != nil {
			d.results.HandleCommandResult(ctx, &cmd, false, cmd.FailReason)
		}
	}

	agentIDs, err := d.queue.AgentsWithPending(ctx)
	if err != nil {
		slog.Error("Failed to list agents with pending commands", "error", err)
		return
	}
	for _, agentID := range agentIDs {
		d.DrainAgent(ctx, agentID)
	}
}

// DrainAgent delivers the agent's pending commands in enqueue order. The
// drain stops at the first routing failure so FIFO order is preserved.
func (d *Dispatcher) DrainAgent(ctx context.Context, agentID string) {
	pending, err := d.queue.PendingForAgent(ctx, agentID)
	if err != nil {
		slog.Error("Failed to load pending commands", "agent_id", agentID, "error", err)
		return
	}

	for i := range pending {
		cmd := pending[i]

		// Claim before sending: a concurrent sweep that loses this CAS
		// skips the command instead of delivering it twice.
		claimed, err := d.queue.MarkDelivered(ctx, cmd.ID)
		if err != nil {
			slog.Error("Failed to mark command delivered", "command_id", cmd.ID, "error", err)
			return
		}
		if !claimed {
			continue
		}

		env, err := commandEnvelope(&cmd)
		if err != nil {
			slog.Error("Failed to encode command", "command_id", cmd.ID, "error", err)
			if _, ferr := d.queue.MarkFailed(ctx, cmd.ID, "unencodable payload"); ferr != nil {
				slog.Error("Failed to fail command", "command_id", cmd.ID, "error", ferr)
			}
			continue
		}

		if err := d.router.Route(ctx, agentID, env); err != nil {
			if perr := d.queue.MarkPending(ctx, cmd.ID); perr != nil {
				slog.Error("Failed to requeue command", "command_id", cmd.ID, "error", perr)
			}
			if !errors.Is(err, hub.ErrAgentOffline) {
				slog.Error("Failed to route command", "command_id", cmd.ID, "agent_id", agentID, "error", err)
			}
			return
		}

		slog.Debug("Command delivered", "command_id", cmd.ID, "agent_id", agentID)
	}
}

// HandleAck records an agent's execution report for a delivered command.
func (d *Dispatcher) HandleAck(ctx context.Context, commandID string, ok bool, reason string) {
	cmd, err := d.queue.GetByID(ctx, commandID)
	if err != nil {
		slog.Warn("Ack for unknown command", "command_id", commandID, "error", err)
		return
	}

	if ok {
		advanced, err := d.queue.MarkAcknowledged(ctx, commandID)
		if err != nil {
			slog.Error("Failed to mark command acknowledged", "command_id", commandID, "error", err)
			return
		}
		if !advanced {
			// Already terminal; a duplicate ack from a redelivery.
			return
		}
		slog.Debug("Command acknowledged", "command_id", commandID, "agent_id", cmd.AgentID)
		if d.results != nil {
			d.results.HandleCommandResult(ctx, cmd, true, "")
		}
		return
	}

	advanced, err := d.queue.MarkFailed(ctx, commandID, reason)
	if err != nil {
		slog.Error("Failed to mark command failed", "command_id", commandID, "error", err)
		return
	}
	if !advanced {
		return
	}
	slog.Warn("Command rejected by agent", "command_id", commandID, "agent_id", cmd.AgentID, "reason", reason)
	if d.results != nil {
		d.results.HandleCommandResult(ctx, cmd, false, reason)
	}
}

func commandEnvelope(cmd *commands.Command) (*agentwire.Envelope, error) {
	var spec struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(cmd.Payload, &spec); err != nil {
		return nil, err
	}
	return agentwire.NewEnvelope(agentwire.TypeCommand, agentwire.CommandPayload{
		CommandID: cmd.ID,
		SessionID: cmd.SessionID,
		Op:        spec.Op,
		Spec:      cmd.Payload,
	})
}

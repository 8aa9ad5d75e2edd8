package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service is the durable command queue. Postgres is the sole source of
// truth for undelivered work; every state transition is a conditional
// single-row update so concurrent dispatcher sweeps cannot double-deliver.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Enqueue records a new pending command and returns its id.
func (s *Service) Enqueue(ctx context.Context, cmd *Command) (string, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO commands (agent_id, org_id, session_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, enqueued_at`,
		cmd.AgentID, cmd.OrgID, cmd.SessionID, cmd.Payload)

	if err := row.Scan(&cmd.ID, &cmd.EnqueuedAt); err != nil {
		return "", fmt.Errorf("enqueue command: %w", err)
	}
	cmd.State = StatePending

	slog.Debug("Command enqueued", "command_id", cmd.ID, "agent_id", cmd.AgentID, "session_id", cmd.SessionID)
	return cmd.ID, nil
}

// PendingForAgent returns the agent's pending commands in enqueue order.
func (s *Service) PendingForAgent(ctx context.Context, agentID string) ([]Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, org_id, session_id, payload, state, retry_count,
		       enqueued_at, delivered_at, acked_at, fail_reason
		FROM commands
		WHERE agent_id = $1 AND state = 'pending'
		ORDER BY enqueued_at, id`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("list pending commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// AgentsWithPending returns the ids of agents that have pending commands.
func (s *Service) AgentsWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT agent_id FROM commands WHERE state = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("list agents with pending commands: %w", err)
	}
	defer rows.Close()

	var agentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		agentIDs = append(agentIDs, id)
	}
	return agentIDs, rows.Err()
}

// MarkDelivered flips pending -> delivered. Returns false when the command
// is no longer pending (another sweep got there first).
func (s *Service) MarkDelivered(ctx context.Context, commandID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET state = 'delivered', delivered_at = now()
		WHERE id = $1 AND state = 'pending'`,
		commandID)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPending returns a delivered command to the queue after a failed send.
// The retry count is untouched; only ack timeouts count against the ceiling.
func (s *Service) MarkPending(ctx context.Context, commandID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE commands SET state = 'pending', delivered_at = NULL
		WHERE id = $1 AND state = 'delivered'`,
		commandID)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	return nil
}

// MarkAcknowledged records a successful execution. Acks are accepted from
// pending too: a late ack may race a timeout requeue, and the state must
// still only advance forward.
func (s *Service) MarkAcknowledged(ctx context.Context, commandID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET state = 'acknowledged', acked_at = now()
		WHERE id = $1 AND state IN ('pending', 'delivered')`,
		commandID)
	if err != nil {
		return false, fmt.Errorf("mark acknowledged: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves a command to its failed terminal state.
func (s *Service) MarkFailed(ctx context.Context, commandID, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET state = 'failed', fail_reason = $2
		WHERE id = $1 AND state IN ('pending', 'delivered')`,
		commandID, reason)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SweepStale requeues delivered commands whose ack window elapsed and fails
// the ones that exhausted their retries. It returns the newly failed
// commands so the caller can surface them.
func (s *Service) SweepStale(ctx context.Context, ackTimeout time.Duration, maxRetries int) ([]Command, error) {
	cutoff := time.Now().Add(-ackTimeout)

	rows, err := s.pool.Query(ctx, `
		UPDATE commands
		SET state = 'failed', fail_reason = 'ack timeout: retry ceiling reached'
		WHERE state = 'delivered' AND delivered_at < $1 AND retry_count >= $2
		RETURNING id, agent_id, org_id, session_id, payload, state, retry_count,
		          enqueued_at, delivered_at, acked_at, fail_reason`,
		cutoff, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted commands: %w", err)
	}
	failed, err := scanCommands(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE commands
		SET state = 'pending', delivered_at = NULL, retry_count = retry_count + 1
		WHERE state = 'delivered' AND delivered_at < $1 AND retry_count < $2`,
		cutoff, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("requeue stale commands: %w", err)
	}

	if n := tag.RowsAffected(); n > 0 || len(failed) > 0 {
		slog.Info("Stale delivery sweep", "requeued", n, "failed", len(failed))
	}
	return failed, nil
}

// HasOutstanding reports whether the session has a command that has not yet
// reached a terminal delivery state.
func (s *Service) HasOutstanding(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM commands
			WHERE session_id = $1 AND state IN ('pending', 'delivered')
		)`,
		sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check outstanding commands: %w", err)
	}
	return exists, nil
}

// GetByID returns a command without tenant scoping. Internal dispatcher
// use only; caller-facing reads go through Get.
func (s *Service) GetByID(ctx context.Context, commandID string) (*Command, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, org_id, session_id, payload, state, retry_count,
		       enqueued_at, delivered_at, acked_at, fail_reason
		FROM commands
		WHERE id = $1`,
		commandID)

	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// Get returns a command scoped to the caller's organization.
func (s *Service) Get(ctx context.Context, orgID, commandID string) (*Command, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, org_id, session_id, payload, state, retry_count,
		       enqueued_at, delivered_at, acked_at, fail_reason
		FROM commands
		WHERE id = $1 AND org_id = $2`,
		commandID, orgID)

	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("get command: %w", err)
	}
	return cmd, nil
}

// ListBySession returns a session's command audit trail, newest first,
// scoped to the caller's organization.
func (s *Service) ListBySession(ctx context.Context, orgID, sessionID string) ([]Command, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, org_id, session_id, payload, state, retry_count,
		       enqueued_at, delivered_at, acked_at, fail_reason
		FROM commands
		WHERE session_id = $1 AND org_id = $2
		ORDER BY enqueued_at DESC, id DESC`,
		sessionID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list commands by session: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

func scanCommands(rows pgx.Rows) ([]Command, error) {
	var result []Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		result = append(result, *cmd)
	}
	return result, rows.Err()
}

func scanCommand(row pgx.Row) (*Command, error) {
	var cmd Command
	if err := row.Scan(
		&cmd.ID, &cmd.AgentID, &cmd.OrgID, &cmd.SessionID, &cmd.Payload,
		&cmd.State, &cmd.RetryCount, &cmd.EnqueuedAt, &cmd.DeliveredAt,
		&cmd.AckedAt, &cmd.FailReason,
	); err != nil {
		return nil, err
	}
	return &cmd, nil
}

package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service persists session records. Desired state and observed phase are
// both durable so the state machine survives control-plane restarts.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const sessionColumns = `id, org_id, owner_id, agent_id, template_id,
	desired, phase, resources, access_url, created_at, updated_at`

func (s *Service) Create(ctx context.Context, sess *Session) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (org_id, owner_id, agent_id, template_id, desired, phase, resources)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		sess.OrgID, sess.OwnerID, sess.AgentID, sess.TemplateID,
		sess.Desired, sess.Phase, sess.Resources)

	if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, orgID, sessionID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE id = $1 AND org_id = $2`,
		sessionID, orgID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Service) List(ctx context.Context, orgID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE org_id = $1
		ORDER BY created_at DESC`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, *sess)
	}
	return result, rows.Err()
}

// ListByAgent returns the agent's sessions. Internal reconciliation path;
// the agent's own org id keeps the read scoped.
func (s *Service) ListByAgent(ctx context.Context, orgID, agentID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = $1 AND org_id = $2
		ORDER BY created_at`,
		agentID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by agent: %w", err)
	}
	defer rows.Close()

	var result []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, *sess)
	}
	return result, rows.Err()
}

// SetDesired overwrites the desired state. Concurrent writers are resolved
// last-write-wins; there is no queue of conflicting intents.
func (s *Service) SetDesired(ctx context.Context, orgID, sessionID string, desired DesiredState) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions SET desired = $3, updated_at = now()
		WHERE id = $1 AND org_id = $2
		RETURNING `+sessionColumns,
		sessionID, orgID, desired)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("set desired state: %w", err)
	}
	return sess, nil
}

// SetPhase records an agent-reported phase. Only the reconciliation path
// calls this; user requests never set phase directly.
func (s *Service) SetPhase(ctx context.Context, orgID, sessionID string, phase Phase, accessURL string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET phase = $3,
		    access_url = CASE WHEN $4 = '' THEN access_url ELSE $4 END,
		    updated_at = now()
		WHERE id = $1 AND org_id = $2
		RETURNING `+sessionColumns,
		sessionID, orgID, phase, accessURL)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("set phase: %w", err)
	}
	return sess, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(
		&sess.ID, &sess.OrgID, &sess.OwnerID, &sess.AgentID, &sess.TemplateID,
		&sess.Desired, &sess.Phase, &sess.Resources, &sess.AccessURL,
		&sess.CreatedAt, &sess.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sess, nil
}

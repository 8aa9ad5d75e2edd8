package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidCredential = errors.New("invalid agent credential")
)

// Service owns agent identity and capability. Connection state is written
// here from hub events; the hub remains the authority for live handles.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const agentColumns = `id, org_id, name, platform, conn_state,
	enrolled_at, last_seen_at, first_seen_at`

// Enroll creates an agent row and returns the one-time credential secret.
// Only the bcrypt hash is stored.
func (s *Service) Enroll(ctx context.Context, orgID, name, platform string) (*Agent, string, error) {
	secret := uuid.New().String()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash agent credential: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (org_id, name, platform, credential_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING `+agentColumns,
		orgID, name, platform, string(hash))

	agent, err := scanAgent(row)
	if err != nil {
		return nil, "", fmt.Errorf("enroll agent: %w", err)
	}

	slog.Info("Agent enrolled", "agent_id", agent.ID, "org_id", orgID, "platform", platform)
	return agent, secret, nil
}

// VerifyCredential authenticates an agent at connect time.
func (s *Service) VerifyCredential(ctx context.Context, agentID, secret string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+`, credential_hash FROM agents WHERE id = $1`,
		agentID)

	var agent Agent
	var hash string
	if err := row.Scan(
		&agent.ID, &agent.OrgID, &agent.Name, &agent.Platform, &agent.ConnState,
		&agent.EnrolledAt, &agent.LastSeenAt, &agent.FirstSeenAt, &hash,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("load agent credential: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return nil, ErrInvalidCredential
	}
	return &agent, nil
}

func (s *Service) Get(ctx context.Context, orgID, agentID string) (*Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE id = $1 AND org_id = $2`,
		agentID, orgID)

	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *Service) List(ctx context.Context, orgID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE org_id = $1
		ORDER BY enrolled_at`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, *agent)
	}
	return result, rows.Err()
}

// MarkConnected records a successful registration. first_seen_at is set on
// the agent's first ever connection.
func (s *Service) MarkConnected(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents
		SET conn_state = 'connected',
		    last_seen_at = now(),
		    first_seen_at = COALESCE(first_seen_at, now())
		WHERE id = $1`,
		agentID)
	if err != nil {
		return fmt.Errorf("mark agent connected: %w", err)
	}
	return nil
}

func (s *Service) MarkDisconnected(ctx context.Context, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET conn_state = 'disconnected' WHERE id = $1`,
		agentID)
	if err != nil {
		return fmt.Errorf("mark agent disconnected: %w", err)
	}
	return nil
}

// UpdateLastSeen persists the heartbeat timestamp. Called off the hot path
// by the connection handler; failures are logged, not fatal.
func (s *Service) UpdateLastSeen(ctx context.Context, agentID string, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE agents SET last_seen_at = $2 WHERE id = $1`,
		agentID, t)
	if err != nil {
		return fmt.Errorf("update agent last seen: %w", err)
	}
	return nil
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var agent Agent
	if err := row.Scan(
		&agent.ID, &agent.OrgID, &agent.Name, &agent.Platform, &agent.ConnState,
		&agent.EnrolledAt, &agent.LastSeenAt, &agent.FirstSeenAt,
	); err != nil {
		return nil, err
	}
	return &agent, nil
}

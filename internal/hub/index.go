package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRouteIndex stores agent ownership claims in the agent_routes table.
// Claims expire after ttl unless refreshed, so a crashed instance's entries
// age out on their own.
type PgRouteIndex struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPgRouteIndex(pool *pgxpool.Pool, ttl time.Duration) *PgRouteIndex {
	return &PgRouteIndex{pool: pool, ttl: ttl}
}

func (i *PgRouteIndex) Publish(ctx context.Context, agentID, instanceID, addr string) error {
	_, err := i.pool.Exec(ctx, `
		INSERT INTO agent_routes (agent_id, instance_id, addr, expires_at)
		VALUES ($1, $2, $3, now() + make_interval(secs => $4))
		ON CONFLICT (agent_id)
		DO UPDATE SET instance_id = $2, addr = $3, expires_at = now() + make_interval(secs => $4)`,
		agentID, instanceID, addr, i.ttl.Seconds())
	if err != nil {
		return fmt.Errorf("publish agent route: %w", err)
	}
	return nil
}

func (i *PgRouteIndex) Lookup(ctx context.Context, agentID string) (string, string, bool, error) {
	var instanceID, addr string
	err := i.pool.QueryRow(ctx, `
		SELECT instance_id, addr FROM agent_routes
		WHERE agent_id = $1 AND expires_at > now()`,
		agentID).Scan(&instanceID, &addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("lookup agent route: %w", err)
	}
	return instanceID, addr, true, nil
}

// Release removes the claim only if this instance still holds it, so a
// slow eviction cannot clobber a newer registration on a sibling.
func (i *PgRouteIndex) Release(ctx context.Context, agentID, instanceID string) error {
	_, err := i.pool.Exec(ctx, `
		DELETE FROM agent_routes WHERE agent_id = $1 AND instance_id = $2`,
		agentID, instanceID)
	if err != nil {
		return fmt.Errorf("release agent route: %w", err)
	}
	return nil
}

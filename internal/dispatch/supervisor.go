package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay/internal/logs"
	"relay/internal/models"
)

// Supervisor — фоновый цикл, который гарантирует, что ни одна команда не
// зависнет в pending/running навсегда, если устройство так и не ответило.
// Каждый переход идёт через тот же CAS, что и report/claim, поэтому гонка
// с поздним ответом агента разрешается ровно в одного победителя — запускать
// супервизор на нескольких инстансах безопасно, просто расточительно.
type Supervisor struct {
	cmds     CommandStore
	interval time.Duration
}

func NewSupervisor(cmds CommandStore, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Supervisor{cmds: cmds, interval: interval}
}

func (s *Supervisor) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	logs.Logger.Infof("timeout supervisor started, sweep every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			logs.Logger.Info("timeout supervisor stopped")
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep просрочивает все команды с истёкшим дедлайном. Возвращает число
// реально переведённых в timeout (проигранные гонки не считаются).
func (s *Supervisor) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	due, err := s.cmds.DueForTimeout(ctx, now)
	if err != nil {
		// БД недоступна — ничего не теряем, добьём на следующем тике
		logs.Logger.Warnf("timeout sweep failed: %v", err)
		return 0
	}

	expired := 0
	for _, c := range due {
		msg := fmt.Sprintf("timed out after %ds", c.TimeoutSecs)
		_, err := s.cmds.Transition(ctx, c.ID, c.Status, models.CommandTimeout, Patch{
			CompletedAt:  &now,
			ErrorMessage: &msg,
		})
		switch {
		case err == nil:
			expired++
			logs.Logger.Infof("command %s timed out device=%s was=%s", c.ID, c.DeviceID, c.Status)
		case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound):
			// кто-то успел раньше (поздний report или параллельный sweep)
			logs.Logger.Debugf("timeout race lost for command %s", c.ID)
		default:
			logs.Logger.Warnf("timeout transition failed for command %s: %v", c.ID, err)
		}
	}
	return expired
}

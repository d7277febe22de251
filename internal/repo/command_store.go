package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay/internal/dispatch"
	"relay/internal/models"
)

// CommandStore — gorm-реализация dispatch.CommandStore.
// CAS выражен условным UPDATE: строка меняется, только если статус
// всё ещё равен ожидаемому; RowsAffected == 0 означает проигранную гонку.
type CommandStore struct{ db *gorm.DB }

func NewCommandStore(db *gorm.DB) *CommandStore { return &CommandStore{db: db} }

func (s *CommandStore) Create(ctx context.Context, cmd *models.Command) error {
	return s.db.WithContext(ctx).Create(cmd).Error
}

func (s *CommandStore) Get(ctx context.Context, id string) (*models.Command, error) {
	var c models.Command
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dispatch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CommandStore) ListByDevice(ctx context.Context, deviceID string, limit int, status models.CommandStatus, before time.Time, beforeID string) ([]models.Command, error) {
	q := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC, id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if !before.IsZero() {
		if beforeID != "" {
			// составной курсор: mysql хранит created_at с точностью до секунды,
			// строгое сравнение по одной метке теряло бы соседей страницы
			q = q.Where("created_at < ? OR (created_at = ? AND id < ?)", before, before, beforeID)
		} else {
			q = q.Where("created_at < ?", before)
		}
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Command
	return out, q.Find(&out).Error
}

func (s *CommandStore) CountByStatus(ctx context.Context, deviceID string, status models.CommandStatus) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Command{}).
		Where("device_id = ? AND status = ?", deviceID, status).
		Count(&n).Error
	return n, err
}

// ClaimOldest делает захват одной транзакцией: SELECT ... FOR UPDATE по
// незакрытым командам устройства, затем условный перевод самой старой
// pending в running. Две конкурирующие выборки не могут захватить по команде:
// вторая либо ждёт блокировку и видит running, либо проигрывает CAS.
func (s *CommandStore) ClaimOldest(ctx context.Context, deviceID string, now time.Time) (*models.Command, error) {
	var claimed *models.Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []models.Command
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND status IN ?", deviceID,
				[]models.CommandStatus{models.CommandPending, models.CommandRunning}).
			Order("created_at ASC, id ASC").
			Find(&open).Error
		if err != nil {
			return err
		}

		var oldest *models.Command
		for i := range open {
			if open[i].Status == models.CommandRunning {
				return nil // устройство занято
			}
			if oldest == nil {
				oldest = &open[i]
			}
		}
		if oldest == nil {
			return nil
		}

		res := tx.Model(&models.Command{}).
			Where("id = ? AND status = ?", oldest.ID, models.CommandPending).
			Updates(map[string]any{"status": models.CommandRunning, "started_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return dispatch.ErrConflict
		}
		oldest.Status = models.CommandRunning
		oldest.StartedAt = &now
		claimed = oldest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// DueForTimeout выбирает все незакрытые команды и отсеивает по дедлайну уже
// в Go: арифметика created_at + interval непереносима между postgres и mysql,
// а живых pending/running на весь парк единицы.
func (s *CommandStore) DueForTimeout(ctx context.Context, now time.Time) ([]models.Command, error) {
	var open []models.Command
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.CommandStatus{models.CommandPending, models.CommandRunning}).
		Find(&open).Error
	if err != nil {
		return nil, err
	}
	var due []models.Command
	for _, c := range open {
		if !c.Deadline().After(now) {
			due = append(due, c)
		}
	}
	return due, nil
}

func (s *CommandStore) Transition(ctx context.Context, id string, from, to models.CommandStatus, patch dispatch.Patch) (*models.Command, error) {
	if !models.ValidCommandTransition(from, to) {
		return nil, dispatch.ErrConflict
	}

	vals := map[string]any{"status": to}
	if patch.StartedAt != nil {
		vals["started_at"] = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		vals["completed_at"] = *patch.CompletedAt
	}
	if patch.ExitCode != nil {
		vals["exit_code"] = *patch.ExitCode
	}
	if patch.Output != nil {
		vals["output"] = *patch.Output
	}
	if patch.ErrorMessage != nil {
		vals["error_message"] = *patch.ErrorMessage
	}

	res := s.db.WithContext(ctx).Model(&models.Command{}).
		Where("id = ? AND status = ?", id, from).
		Updates(vals)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// либо команды нет, либо статус уже другой — различаем чтением
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, dispatch.ErrConflict
	}
	return s.Get(ctx, id)
}

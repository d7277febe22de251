package dispatch

import (
	"context"
	"time"

	"relay/internal/models"
)

// Patch — поля, которые выставляются вместе со сменой статуса.
// Nil-поле не трогается.
type Patch struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ExitCode     *int
	Output       *string
	ErrorMessage *string
}

// CommandStore — контракт хранилища команд. Единственная точка мутации —
// Transition: условное обновление, которое проходит только если текущий
// статус равен from. На этом строится вся конкурентная корректность:
// FIFO и одна running-команда на устройство держатся без внешних блокировок.
type CommandStore interface {
	Create(ctx context.Context, cmd *models.Command) error
	Get(ctx context.Context, id string) (*models.Command, error)

	// ListByDevice — новые сверху; status и курсор опциональны (пустой
	// статус / нулевое время). Курсор составной: before по created_at плюс
	// beforeID по id на случай совпадающих меток времени (mysql хранит
	// created_at с точностью до секунды).
	ListByDevice(ctx context.Context, deviceID string, limit int, status models.CommandStatus, before time.Time, beforeID string) ([]models.Command, error)
	CountByStatus(ctx context.Context, deviceID string, status models.CommandStatus) (int64, error)

	// ClaimOldest — атомарный захват: проверка "на устройстве нет running"
	// и перевод самой старой pending в running происходят как одно целое,
	// конкурирующие опросы не могут выдать два захвата подряд.
	// nil, nil — устройству нечего делать.
	ClaimOldest(ctx context.Context, deviceID string, now time.Time) (*models.Command, error)

	// DueForTimeout — pending/running команды, чей дедлайн прошёл к моменту now.
	DueForTimeout(ctx context.Context, now time.Time) ([]models.Command, error)

	// Transition возвращает ErrConflict, если статус уже не from либо переход
	// нелегален, и ErrNotFound, если команды нет.
	Transition(ctx context.Context, id string, from, to models.CommandStatus, patch Patch) (*models.Command, error)
}

// DeviceStore — учёт присутствия шлюзов: каждый опрос агента отмечается Touch.
type DeviceStore interface {
	Touch(ctx context.Context, deviceID string, at time.Time) error
	List(ctx context.Context) ([]models.Device, error)
}

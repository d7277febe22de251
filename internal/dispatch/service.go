package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"relay/internal/logs"
	"relay/internal/models"
)

// Options — границы, в которых сервис принимает команды.
type Options struct {
	MinTimeoutSecs      int // должен перекрывать реальный интервал опроса агента
	MaxTimeoutSecs      int
	MaxPendingPerDevice int
	MaxOutputBytes      int
}

func (o *Options) normalize() {
	if o.MinTimeoutSecs < 1 {
		o.MinTimeoutSecs = 1
	}
	if o.MaxTimeoutSecs < o.MinTimeoutSecs {
		o.MaxTimeoutSecs = 120
	}
	if o.MaxPendingPerDevice < 1 {
		o.MaxPendingPerDevice = 5
	}
	if o.MaxOutputBytes < 1 {
		o.MaxOutputBytes = 10240
	}
}

// Service — вся доменная логика очереди: приём, отмена, выдача агенту,
// приём результата, история. Сам по себе без состояния — конкурентность
// целиком опирается на CAS хранилища.
type Service struct {
	cmds CommandStore
	devs DeviceStore
	opts Options
}

func NewService(cmds CommandStore, devs DeviceStore, opts Options) *Service {
	opts.normalize()
	return &Service{cmds: cmds, devs: devs, opts: opts}
}

type SubmitInput struct {
	DeviceID    string
	Command     string
	SubmittedBy string
	TimeoutSecs int
	Metadata    map[string]any // контекст постановки (ip, user_agent), хранится как есть
}

func (s *Service) Submit(ctx context.Context, in SubmitInput) (*models.Command, error) {
	deviceID := strings.TrimSpace(in.DeviceID)
	command := strings.TrimSpace(in.Command)

	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrValidation)
	}
	if command == "" {
		return nil, fmt.Errorf("%w: command is required", ErrValidation)
	}
	if in.TimeoutSecs <= 0 {
		return nil, fmt.Errorf("%w: timeout_secs must be positive", ErrValidation)
	}
	if in.TimeoutSecs < s.opts.MinTimeoutSecs {
		// таймаут короче интервала опроса истечёт раньше, чем агент успеет
		// забрать команду
		return nil, fmt.Errorf("%w: timeout_secs must be at least %d", ErrValidation, s.opts.MinTimeoutSecs)
	}
	if in.TimeoutSecs > s.opts.MaxTimeoutSecs {
		return nil, fmt.Errorf("%w: timeout_secs must not exceed %d", ErrValidation, s.opts.MaxTimeoutSecs)
	}
	if commandBlocked(command) {
		return nil, fmt.Errorf("%w: command matches the safety blocklist", ErrBlocked)
	}

	pending, err := s.cmds.CountByStatus(ctx, deviceID, models.CommandPending)
	if err != nil {
		return nil, err
	}
	if pending >= int64(s.opts.MaxPendingPerDevice) {
		return nil, fmt.Errorf("%w: at most %d pending commands per device", ErrTooManyPending, s.opts.MaxPendingPerDevice)
	}

	var meta datatypes.JSON
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata is not serializable", ErrValidation)
		}
		meta = raw
	}

	cmd := &models.Command{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Command:     command,
		Status:      models.CommandPending,
		SubmittedBy: strings.TrimSpace(in.SubmittedBy),
		TimeoutSecs: in.TimeoutSecs,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.cmds.Create(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Cancel снимает команду, пока её никто не взял. Отменить running нельзя:
// управление уже у недостижимого процесса, остаётся ждать таймаута.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Command, error) {
	now := time.Now().UTC()
	return s.cmds.Transition(ctx, id, models.CommandPending, models.CommandCancelled, Patch{
		CompletedAt: &now,
	})
}

// PollNext выдаёт агенту следующую команду. Захват целиком в хранилище
// (ClaimOldest): проверка "нет running" и перевод pending → running атомарны,
// параллельные опросы одного устройства не получат по команде каждый.
func (s *Service) PollNext(ctx context.Context, deviceID string) (*models.Command, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrValidation)
	}

	// Отметка присутствия — best-effort, очередь от неё не зависит.
	if err := s.devs.Touch(ctx, deviceID, time.Now().UTC()); err != nil {
		logs.Logger.Warnf("device touch failed device=%s: %v", deviceID, err)
	}

	claimed, err := s.cmds.ClaimOldest(ctx, deviceID, time.Now().UTC())
	if errors.Is(err, ErrConflict) {
		// гонку выиграл другой опрос, для этого агента работы нет
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Report принимает результат исполнения. exit_code == 0 — completed,
// иначе failed; error_message — ошибка самого агента, независимо от кода.
func (s *Service) Report(ctx context.Context, id string, exitCode int, output, errorMessage string) (*models.Command, error) {
	if len(output) > s.opts.MaxOutputBytes {
		// не режем посреди UTF-8 руны, откатываемся к её началу
		n := s.opts.MaxOutputBytes
		for n > 0 && !utf8.RuneStart(output[n]) {
			n--
		}
		output = output[:n] + "\n... [output truncated]"
	}

	to := models.CommandCompleted
	if exitCode != 0 {
		to = models.CommandFailed
	}
	now := time.Now().UTC()
	return s.cmds.Transition(ctx, id, models.CommandRunning, to, Patch{
		CompletedAt:  &now,
		ExitCode:     &exitCode,
		Output:       &output,
		ErrorMessage: &errorMessage,
	})
}

type HistoryQuery struct {
	DeviceID string
	Limit    int
	Status   models.CommandStatus
	Before   time.Time // курсор по created_at, нулевое время — с начала
	BeforeID string    // добивка курсора по id при равных created_at
}

const (
	HistoryDefaultLimit = 50
	HistoryMaxLimit     = 200
)

// History — чистое чтение, UI дёргает его каждые несколько секунд.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]models.Command, error) {
	q.DeviceID = strings.TrimSpace(q.DeviceID)
	if q.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrValidation)
	}
	if q.Status != "" {
		switch q.Status {
		case models.CommandPending, models.CommandRunning, models.CommandCompleted,
			models.CommandFailed, models.CommandTimeout, models.CommandCancelled:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, q.Status)
		}
	}
	if q.Limit < 1 {
		q.Limit = HistoryDefaultLimit
	}
	if q.Limit > HistoryMaxLimit {
		q.Limit = HistoryMaxLimit
	}
	return s.cmds.ListByDevice(ctx, q.DeviceID, q.Limit, q.Status, q.Before, q.BeforeID)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Command, error) {
	return s.cmds.Get(ctx, id)
}

func (s *Service) Devices(ctx context.Context) ([]models.Device, error) {
	return s.devs.List(ctx)
}

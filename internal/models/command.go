package models

import (
	"time"

	"gorm.io/datatypes"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandTimeout   CommandStatus = "timeout"
	CommandCancelled CommandStatus = "cancelled"
)

// Command — единственная персистентная сущность очереди.
// Текст команды непрозрачен для сервера: хранится и передаётся агенту как есть.
type Command struct {
	ID        string        `gorm:"primaryKey;size:36" json:"id"`
	DeviceID  string        `gorm:"index:idx_commands_device_status;size:128;not null" json:"device_id"`
	Command   string        `gorm:"type:text;not null" json:"command"`
	Status    CommandStatus `gorm:"index:idx_commands_device_status;size:16;not null" json:"status"`

	ExitCode     *int   `json:"exit_code"`
	Output       string `gorm:"type:text" json:"output,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	SubmittedBy string `gorm:"size:255" json:"submitted_by"`
	TimeoutSecs int    `gorm:"not null" json:"timeout_secs"`

	// Metadata — контекст постановки (ip и user_agent оператора), сервер его
	// не интерпретирует.
	Metadata datatypes.JSON `json:"metadata,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Terminal — из этих статусов переходов больше нет.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimeout, CommandCancelled:
		return true
	}
	return false
}

// Легальные переходы машины состояний. Всё остальное — конфликт.
var commandTransitions = map[CommandStatus][]CommandStatus{
	CommandPending: {CommandRunning, CommandTimeout, CommandCancelled},
	CommandRunning: {CommandCompleted, CommandFailed, CommandTimeout},
}

func ValidCommandTransition(from, to CommandStatus) bool {
	for _, t := range commandTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Deadline — момент, после которого супервизор принудительно закрывает команду.
// Для pending отсчёт от постановки в очередь, для running — от захвата агентом.
func (c *Command) Deadline() time.Time {
	base := c.CreatedAt
	if c.Status == CommandRunning && c.StartedAt != nil {
		base = *c.StartedAt
	}
	return base.Add(time.Duration(c.TimeoutSecs) * time.Second)
}

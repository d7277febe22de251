package models

import (
	"time"
)

// Device — учёт присутствия шлюза: строка создаётся/обновляется при каждом
// опросе агентом. Сервер никогда не ходит к устройству сам.
type Device struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	DeviceID    string    `gorm:"uniqueIndex;size:128;not null" json:"device_id"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

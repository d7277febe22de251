package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"relay/internal/models"
)

// DeviceStore — учёт присутствия шлюзов (gorm-реализация dispatch.DeviceStore).
type DeviceStore struct{ db *gorm.DB }

func NewDeviceStore(db *gorm.DB) *DeviceStore { return &DeviceStore{db: db} }

func (s *DeviceStore) Touch(ctx context.Context, deviceID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Device{}).
		Where("device_id = ?", deviceID).
		Update("last_seen_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	d := models.Device{DeviceID: deviceID, FirstSeenAt: at, LastSeenAt: at}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		// два первых опроса наперегонки — строку уже вставили, обновим её
		return s.db.WithContext(ctx).Model(&models.Device{}).
			Where("device_id = ?", deviceID).
			Update("last_seen_at", at).Error
	}
	return nil
}

func (s *DeviceStore) List(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := s.db.WithContext(ctx).Order("device_id ASC").Find(&out).Error
	return out, err
}

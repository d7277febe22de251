package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"relay/internal/models"
)

// memStore — хранилище без БД (database.driver == ""). Реализует и
// CommandStore, и DeviceStore; тот же CAS-контракт, что и у gorm-варианта.
type memStore struct {
	mu      sync.Mutex
	cmds    map[string]*models.Command
	seq     map[string]int64 // порядок постановки для устойчивого FIFO при равных created_at
	nextSeq int64
	devices map[string]*models.Device
}

func NewMemStore() *memStore {
	return &memStore{
		cmds:    make(map[string]*models.Command),
		seq:     make(map[string]int64),
		devices: make(map[string]*models.Device),
	}
}

func (m *memStore) Create(_ context.Context, cmd *models.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cmd
	m.nextSeq++
	m.cmds[c.ID] = &c
	m.seq[c.ID] = m.nextSeq
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cmds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListByDevice(_ context.Context, deviceID string, limit int, status models.CommandStatus, before time.Time, beforeID string) ([]models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Command
	for _, c := range m.cmds {
		if c.DeviceID != deviceID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		if !before.IsZero() {
			older := c.CreatedAt.Before(before) ||
				(c.CreatedAt.Equal(before) && beforeID != "" && c.ID < beforeID)
			if !older {
				continue
			}
		}
		out = append(out, *c)
	}
	// та же сортировка, что у gorm-хранилища: created_at DESC, id DESC
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) CountByStatus(_ context.Context, deviceID string, status models.CommandStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.cmds {
		if c.DeviceID == deviceID && c.Status == status {
			n++
		}
	}
	return n, nil
}

// ClaimOldest держит мьютекс на весь захват: проверка занятости устройства
// и перевод pending → running неразделимы.
func (m *memStore) ClaimOldest(_ context.Context, deviceID string, now time.Time) (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *models.Command
	for _, c := range m.cmds {
		if c.DeviceID != deviceID {
			continue
		}
		if c.Status == models.CommandRunning {
			return nil, nil // устройство занято, пусть сперва доделает
		}
		if c.Status != models.CommandPending {
			continue
		}
		if oldest == nil ||
			c.CreatedAt.Before(oldest.CreatedAt) ||
			(c.CreatedAt.Equal(oldest.CreatedAt) && m.seq[c.ID] < m.seq[oldest.ID]) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, nil
	}
	started := now
	oldest.Status = models.CommandRunning
	oldest.StartedAt = &started
	cp := *oldest
	return &cp, nil
}

func (m *memStore) DueForTimeout(_ context.Context, now time.Time) ([]models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.Command
	for _, c := range m.cmds {
		if c.Status != models.CommandPending && c.Status != models.CommandRunning {
			continue
		}
		if c.Deadline().After(now) {
			continue
		}
		due = append(due, *c)
	}
	return due, nil
}

func (m *memStore) Transition(_ context.Context, id string, from, to models.CommandStatus, patch Patch) (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cmds[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !models.ValidCommandTransition(from, to) || c.Status != from {
		return nil, ErrConflict
	}
	c.Status = to
	if patch.StartedAt != nil {
		c.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		c.CompletedAt = patch.CompletedAt
	}
	if patch.ExitCode != nil {
		c.ExitCode = patch.ExitCode
	}
	if patch.Output != nil {
		c.Output = *patch.Output
	}
	if patch.ErrorMessage != nil {
		c.ErrorMessage = *patch.ErrorMessage
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) Touch(_ context.Context, deviceID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		m.devices[deviceID] = &models.Device{
			DeviceID:    deviceID,
			FirstSeenAt: at,
			LastSeenAt:  at,
		}
		return nil
	}
	d.LastSeenAt = at
	return nil
}

func (m *memStore) List(_ context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

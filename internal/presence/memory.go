package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryRepository keeps presence in process memory. Used for tests and for
// redis-less local runs; insertion order is preserved so snapshot order is
// deterministic.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.DriverPresence
	order   []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*models.DriverPresence)}
}

func (m *MemoryRepository) upsert(driverID string, mutate func(p *models.DriverPresence)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[driverID]
	if !ok {
		p = &models.DriverPresence{DriverID: driverID}
		m.records[driverID] = p
		m.order = append(m.order, driverID)
	}
	mutate(p)
}

func (m *MemoryRepository) UpdateLocation(_ context.Context, driverID string, loc models.Coord, bearing float64, at time.Time) error {
	m.upsert(driverID, func(p *models.DriverPresence) {
		p.Location = loc
		p.Bearing = bearing
		p.LastUpdatedAt = at
	})
	return nil
}

func (m *MemoryRepository) MarkOnline(_ context.Context, driverID string, vehicle models.VehicleType, at time.Time) error {
	m.upsert(driverID, func(p *models.DriverPresence) {
		p.VehicleType = vehicle
		p.IsAvailable = true
		p.LastUpdatedAt = at
	})
	return nil
}

func (m *MemoryRepository) SetAvailability(_ context.Context, driverID string, available bool) error {
	m.upsert(driverID, func(p *models.DriverPresence) {
		p.IsAvailable = available
	})
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, driverID string) (*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.records[driverID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) List(_ context.Context) ([]*models.DriverPresence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.DriverPresence, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.records[id]
		out = append(out, &cp)
	}
	return out, nil
}

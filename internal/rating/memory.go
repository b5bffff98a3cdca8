package rating

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rideerr"
)

// MemoryRepository keeps ratings in process memory with the same duplicate
// rejection as postgres.
type MemoryRepository struct {
	mu      sync.Mutex
	ratings map[string]*models.Rating // keyed by rideID + "/" + raterID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{ratings: make(map[string]*models.Rating)}
}

func ratingKey(rideID, raterID string) string { return rideID + "/" + raterID }

func (m *MemoryRepository) Insert(_ context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ratingKey(r.RideID, r.FromUserID)
	if _, exists := m.ratings[key]; exists {
		return rideerr.New(rideerr.KindConflict, rideerr.CodeAlreadyRated, "ride already rated")
	}
	cp := *r
	m.ratings[key] = &cp
	return nil
}

func (m *MemoryRepository) DriverAverage(_ context.Context, driverID string) (float64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, count := 0, 0
	for _, r := range m.ratings {
		if r.ToUserID == driverID {
			sum += r.Stars
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(count), count, nil
}

// MemoryStatsRepository keeps driver aggregates in process memory.
type MemoryStatsRepository struct {
	mu    sync.Mutex
	stats map[string]*models.DriverStats
}

func NewMemoryStatsRepository() *MemoryStatsRepository {
	return &MemoryStatsRepository{stats: make(map[string]*models.DriverStats)}
}

func (m *MemoryStatsRepository) get(driverID string) *models.DriverStats {
	s, ok := m.stats[driverID]
	if !ok {
		s = &models.DriverStats{DriverID: driverID}
		m.stats[driverID] = s
	}
	return s
}

func (m *MemoryStatsRepository) Get(_ context.Context, driverID string) (*models.DriverStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[driverID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStatsRepository) UpsertRating(_ context.Context, driverID string, avg float64, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(driverID)
	s.Rating = avg
	s.RatingCount = count
	return nil
}

func (m *MemoryStatsRepository) IncrementCompleted(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(driverID).CompletedRides++
	return nil
}

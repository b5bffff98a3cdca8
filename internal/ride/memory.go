package ride

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryRepository implements Repository in process memory with the same
// compare-and-set contract as postgres, so the machine and orchestrator
// can be exercised without a database.
type MemoryRepository struct {
	mu    sync.Mutex
	rides map[string]*models.Ride
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rides: make(map[string]*models.Ride)}
}

func (m *MemoryRepository) Create(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) activeBy(match func(*models.Ride) bool) *models.Ride {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Ride
	for _, r := range m.rides {
		if !r.Status.Active() || !match(r) {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

func (m *MemoryRepository) ActiveByClient(_ context.Context, clientID string) (*models.Ride, error) {
	return m.activeBy(func(r *models.Ride) bool { return r.ClientID == clientID }), nil
}

func (m *MemoryRepository) ActiveByDriver(_ context.Context, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, nil
	}
	return m.activeBy(func(r *models.Ride) bool { return r.DriverID == driverID }), nil
}

func (m *MemoryRepository) History(_ context.Context, userID string, page, limit int, status *models.RideStatus) ([]*models.Ride, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*models.Ride
	for _, r := range m.rides {
		if r.ClientID != userID && r.DriverID != userID {
			continue
		}
		if status != nil && r.Status != *status {
			continue
		}
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start := (page - 1) * limit
	if start >= len(all) {
		return nil, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

// cas applies mutate under the lock only when guard holds, mirroring a
// conditional UPDATE.
func (m *MemoryRepository) cas(id string, guard func(*models.Ride) bool, mutate func(*models.Ride)) (*models.Ride, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || !guard(r) {
		return nil, false
	}
	mutate(r)
	cp := *r
	return &cp, true
}

func (m *MemoryRepository) AssignDriver(_ context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error) {
	r, ok := m.cas(rideID,
		func(r *models.Ride) bool { return r.Status == models.StatusPending && r.DriverID == "" },
		func(r *models.Ride) {
			r.Status = models.StatusAccepted
			r.DriverID = driverID
			t := at
			r.AcceptedAt = &t
		})
	return r, ok, nil
}

func (m *MemoryRepository) MarkArrived(_ context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error) {
	r, ok := m.cas(rideID,
		func(r *models.Ride) bool { return r.Status == models.StatusAccepted && r.DriverID == driverID },
		func(r *models.Ride) {
			r.Status = models.StatusDriverArrived
			t := at
			r.DriverArrivedAt = &t
		})
	return r, ok, nil
}

func (m *MemoryRepository) StartTrip(_ context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error) {
	r, ok := m.cas(rideID,
		func(r *models.Ride) bool { return r.Status == models.StatusDriverArrived && r.DriverID == driverID },
		func(r *models.Ride) {
			r.Status = models.StatusInProgress
			t := at
			r.StartedAt = &t
		})
	return r, ok, nil
}

func (m *MemoryRepository) CompleteTrip(_ context.Context, rideID, actorID string, finalPrice float64, at time.Time) (*models.Ride, bool, error) {
	r, ok := m.cas(rideID,
		func(r *models.Ride) bool {
			return r.Status == models.StatusInProgress && (r.ClientID == actorID || r.DriverID == actorID)
		},
		func(r *models.Ride) {
			r.Status = models.StatusCompleted
			p := finalPrice
			r.FinalPrice = &p
			t := at
			r.CompletedAt = &t
		})
	return r, ok, nil
}

func (m *MemoryRepository) CancelFrom(_ context.Context, rideID, actorID string, from []models.RideStatus, reason string, at time.Time) (*models.Ride, bool, error) {
	r, ok := m.cas(rideID,
		func(r *models.Ride) bool {
			if actorID != "" && r.ClientID != actorID && r.DriverID != actorID {
				return false
			}
			for _, s := range from {
				if r.Status == s {
					return true
				}
			}
			return false
		},
		func(r *models.Ride) {
			r.Status = models.StatusCancelled
			r.CancellationReason = reason
			t := at
			r.CancelledAt = &t
		})
	return r, ok, nil
}

// Package presence tracks each driver's latest location, heading and
// availability against the durable store.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rideerr"
)

// DefaultStalenessWindow is the maximum age of a presence record before the
// driver silently drops out of matchability.
const DefaultStalenessWindow = 2 * time.Minute

// Repository is the durable store behind the tracker. Each write merges
// into the driver's single record; Get returns nil for an unknown driver.
type Repository interface {
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord, bearing float64, at time.Time) error
	MarkOnline(ctx context.Context, driverID string, vehicle models.VehicleType, at time.Time) error
	SetAvailability(ctx context.Context, driverID string, available bool) error
	Get(ctx context.Context, driverID string) (*models.DriverPresence, error)
	List(ctx context.Context) ([]*models.DriverPresence, error)
}

// Tracker implements the presence contract over a Repository.
type Tracker struct {
	repo      Repository
	staleness time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func NewTracker(repo Repository, staleness time.Duration, logger *slog.Logger) *Tracker {
	if staleness <= 0 {
		staleness = DefaultStalenessWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{repo: repo, staleness: staleness, now: time.Now, logger: logger}
}

// SetClock overrides the time source; tests only.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// UpdateLocation overwrites the driver's location and refreshes the
// freshness timestamp. No history is retained.
func (t *Tracker) UpdateLocation(ctx context.Context, driverID string, lat, lng, bearing float64) (*models.DriverPresence, error) {
	loc := models.Coord{Lat: lat, Lng: lng}
	if err := t.repo.UpdateLocation(ctx, driverID, loc, bearing, t.now()); err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "presence update failed")
	}
	return t.Get(ctx, driverID)
}

// MarkOnline records the driver's vehicle category and flips them
// available. Called when a driver connection completes its handshake.
func (t *Tracker) MarkOnline(ctx context.Context, driverID string, vehicle models.VehicleType) error {
	if err := t.repo.MarkOnline(ctx, driverID, vehicle, t.now()); err != nil {
		return rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "presence update failed")
	}
	return nil
}

// SetAvailability flips the availability flag. The connection registry
// calls this with false when a driver's channel dies so we never dispatch
// to a dead connection.
func (t *Tracker) SetAvailability(ctx context.Context, driverID string, available bool) error {
	if err := t.repo.SetAvailability(ctx, driverID, available); err != nil {
		return rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "availability update failed")
	}
	return nil
}

// Get returns the driver's presence record or a not-found error.
func (t *Tracker) Get(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	p, err := t.repo.Get(ctx, driverID)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "presence read failed")
	}
	if p == nil {
		return nil, rideerr.New(rideerr.KindNotFound, rideerr.CodeDriverNotFound, "driver has no presence record")
	}
	return p, nil
}

// Snapshot returns the drivers that are available and fresh: a driver that
// stops sending updates drops out without an explicit offline signal.
func (t *Tracker) Snapshot(ctx context.Context) ([]*models.DriverPresence, error) {
	all, err := t.repo.List(ctx)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "presence snapshot failed")
	}
	cutoff := t.now().Add(-t.staleness)
	out := make([]*models.DriverPresence, 0, len(all))
	for _, p := range all {
		if !p.IsAvailable || p.LastUpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Package ride owns the ride lifecycle: the repository contract with its
// conditional-update transitions and the state machine that drives them.
package ride

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Repository is the durable store for rides. Every transition method is a
// single atomic conditional update: it applies the new status and its
// associated fields only where the expected current status (and, where
// noted, the ownership predicate) still holds, and returns ok=false when
// the guard matched nothing. That compare-and-set is the sole mechanism
// preventing two drivers from accepting the same pending ride; in-process
// locks cannot help because the store is shared across server processes.
type Repository interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)

	// ActiveByClient / ActiveByDriver return nil when the user has no ride
	// in an active status.
	ActiveByClient(ctx context.Context, clientID string) (*models.Ride, error)
	ActiveByDriver(ctx context.Context, driverID string) (*models.Ride, error)

	// History returns the user's rides newest first, paged, optionally
	// filtered by status. page is 1-based.
	History(ctx context.Context, userID string, page, limit int, status *models.RideStatus) ([]*models.Ride, error)

	// AssignDriver: pending -> accepted, only while the ride has no driver.
	AssignDriver(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error)

	// MarkArrived: accepted -> driver_arrived, only by the assigned driver.
	MarkArrived(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error)

	// StartTrip: driver_arrived -> in_progress, only by the assigned driver.
	StartTrip(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error)

	// CompleteTrip: in_progress -> completed, only by the ride's client or
	// assigned driver, recording the final price.
	CompleteTrip(ctx context.Context, rideID, actorID string, finalPrice float64, at time.Time) (*models.Ride, bool, error)

	// CancelFrom: any of from -> cancelled with the given reason. When
	// actorID is non-empty the update additionally requires the actor to
	// be the ride's client or assigned driver; an empty actor is a system
	// cancellation (no drivers found, driver decline).
	CancelFrom(ctx context.Context, rideID, actorID string, from []models.RideStatus, reason string, at time.Time) (*models.Ride, bool, error)
}

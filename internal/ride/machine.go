package ride

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rideerr"
)

// Transition describes one successful status change, handed to the
// observer so notifications can be fanned out. The machine itself performs
// no I/O to the connection layer.
type Transition struct {
	Ride       *models.Ride
	From       models.RideStatus
	To         models.RideStatus
	ActorID    string // empty for system transitions
	OtherParty string // the participant to notify; may be empty
}

// ObserverFunc receives every successful transition.
type ObserverFunc func(ctx context.Context, tr Transition)

// Machine drives the ride lifecycle. All status changes go through the
// repository's conditional updates; a guard miss surfaces as a conflict
// and is never retried.
type Machine struct {
	repo     Repository
	now      func() time.Time
	observer ObserverFunc
}

func NewMachine(repo Repository) *Machine {
	return &Machine{repo: repo, now: time.Now, observer: func(context.Context, Transition) {}}
}

// Observe registers the transition observer; the dispatch orchestrator
// installs itself here.
func (m *Machine) Observe(fn ObserverFunc) {
	if fn != nil {
		m.observer = fn
	}
}

// SetClock overrides the time source; tests only.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Get loads a ride or reports not-found.
func (m *Machine) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := m.repo.Get(ctx, rideID)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "ride read failed")
	}
	if r == nil {
		return nil, rideerr.New(rideerr.KindNotFound, rideerr.CodeRideNotFound, "ride not found")
	}
	return r, nil
}

// Create persists a new ride in pending. Creation is the one mutation that
// needs no guard: the id is fresh.
func (m *Machine) Create(ctx context.Context, r *models.Ride) error {
	r.Status = models.StatusPending
	r.CreatedAt = m.now()
	if err := m.repo.Create(ctx, r); err != nil {
		return rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "ride create failed")
	}
	return nil
}

// Accept performs the atomic pending -> accepted transition, scoping the
// driver assignment into the same conditional update. Exactly one of N
// concurrent callers can win; the rest get RIDE_NOT_AVAILABLE.
func (m *Machine) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	updated, ok, err := m.repo.AssignDriver(ctx, rideID, driverID, m.now())
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "accept failed")
	}
	if !ok {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeRideNotAvailable, "ride already taken")
	}
	m.emit(ctx, updated, models.StatusPending, driverID)
	return updated, nil
}

// Arrive performs accepted -> driver_arrived by the assigned driver.
func (m *Machine) Arrive(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := m.authorize(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	updated, ok, err := m.repo.MarkArrived(ctx, rideID, driverID, m.now())
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "arrive failed")
	}
	if !ok {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride is not awaiting arrival")
	}
	m.emit(ctx, updated, models.StatusAccepted, driverID)
	return updated, nil
}

// Start performs driver_arrived -> in_progress by the assigned driver.
func (m *Machine) Start(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if err := m.authorize(ctx, rideID, driverID); err != nil {
		return nil, err
	}
	updated, ok, err := m.repo.StartTrip(ctx, rideID, driverID, m.now())
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "start failed")
	}
	if !ok {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride is not awaiting pickup")
	}
	m.emit(ctx, updated, models.StatusDriverArrived, driverID)
	return updated, nil
}

// Complete performs in_progress -> completed. A driver must supply the
// final price; a client completion falls back to the stored estimate.
func (m *Machine) Complete(ctx context.Context, rideID, actorID string, role models.Role, finalPrice *float64) (*models.Ride, error) {
	current, err := m.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actorID != current.ClientID && actorID != current.DriverID {
		return nil, rideerr.New(rideerr.KindAuthorization, rideerr.CodeNotRideParty, "not a participant of this ride")
	}

	var price float64
	switch role {
	case models.RoleDriver:
		if finalPrice == nil {
			return nil, rideerr.New(rideerr.KindValidation, rideerr.CodeBadInput, "final price is required")
		}
		price = *finalPrice
	default:
		price = current.EstimatedPrice
	}

	updated, ok, err := m.repo.CompleteTrip(ctx, rideID, actorID, price, m.now())
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "complete failed")
	}
	if !ok {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride is not in progress")
	}
	m.emit(ctx, updated, models.StatusInProgress, actorID)
	return updated, nil
}

// Cancel performs {pending,accepted,driver_arrived} -> cancelled by either
// party.
func (m *Machine) Cancel(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error) {
	current, err := m.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actorID != current.ClientID && actorID != current.DriverID {
		return nil, rideerr.New(rideerr.KindAuthorization, rideerr.CodeNotRideParty, "not a participant of this ride")
	}

	from := []models.RideStatus{models.StatusPending, models.StatusAccepted, models.StatusDriverArrived}
	updated, ok, err := m.repo.CancelFrom(ctx, rideID, actorID, from, reason, m.now())
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "cancel failed")
	}
	if !ok {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride can no longer be cancelled")
	}
	m.emit(ctx, updated, current.Status, actorID)
	return updated, nil
}

// CancelSystem performs pending -> cancelled on behalf of the system: no
// drivers found, or a driver declined an unassigned request.
func (m *Machine) CancelSystem(ctx context.Context, rideID, reason string) (*models.Ride, error) {
	updated, ok, err := m.repo.CancelFrom(ctx, rideID, "", []models.RideStatus{models.StatusPending}, reason, m.now())
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "cancel failed")
	}
	if !ok {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride is no longer pending")
	}
	m.emit(ctx, updated, models.StatusPending, "")
	return updated, nil
}

// authorize rejects an actor who is neither the ride's client nor its
// assigned driver, independently of (and before) the state guard.
func (m *Machine) authorize(ctx context.Context, rideID, actorID string) error {
	current, err := m.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if actorID != current.ClientID && actorID != current.DriverID {
		return rideerr.New(rideerr.KindAuthorization, rideerr.CodeNotRideParty, "not a participant of this ride")
	}
	return nil
}

func (m *Machine) emit(ctx context.Context, updated *models.Ride, from models.RideStatus, actorID string) {
	m.observer(ctx, Transition{
		Ride:       updated,
		From:       from,
		To:         updated.Status,
		ActorID:    actorID,
		OtherParty: updated.Party(actorID),
	})
}

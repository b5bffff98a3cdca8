// Package dispatch composes the presence tracker, geo-matcher, ride state
// machine and connection registry into the end-to-end
// request -> match -> complete workflow.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geomatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rating"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rideerr"
	"github.com/example/ride-dispatch/internal/ws"
)

// Registry is the slice of the connection registry the orchestrator needs.
// Delivery is best-effort; the workflow stays correct if every send drops.
type Registry interface {
	Send(id string, event string, payload any) bool
	Broadcast(ids []string, event string, payload any) int
	Connected(id string) bool
}

// Publisher feeds the location pipeline; optional.
type Publisher interface {
	PublishPresence(ctx context.Context, p *models.DriverPresence) error
}

// Payments captures the final fare after completion; optional.
type Payments interface {
	ChargeFinalFare(ctx context.Context, rideID string, amount float64, currency string) error
}

// Config tunes the orchestrator.
type Config struct {
	NearbyRadiusKm float64
	NearbyLimit    int

	// RedispatchOnDecline keeps a declined request pending and re-offers
	// it to the remaining drivers instead of cancelling it.
	RedispatchOnDecline bool

	DefaultSpeedMps float64
	Currency        string
}

// Orchestrator implements the lifecycle operations.
type Orchestrator struct {
	machine  *ride.Machine
	rides    ride.Repository
	tracker  *presence.Tracker
	registry Registry
	stats    rating.StatsRepository

	publisher Publisher     // optional
	payments  Payments      // optional
	etaClient eta.Client    // optional
	etaCache  *eta.Cache    // optional
	cfg       Config
	logger    *slog.Logger

	declinedMu sync.Mutex
	declined   map[string]map[string]bool // rideID -> driverIDs that declined
}

func NewOrchestrator(machine *ride.Machine, rides ride.Repository, tracker *presence.Tracker, registry Registry, stats rating.StatsRepository, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.NearbyRadiusKm <= 0 {
		cfg.NearbyRadiusKm = geomatch.DefaultRadiusKm
	}
	if cfg.NearbyLimit <= 0 {
		cfg.NearbyLimit = geomatch.DefaultLimit
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		machine:  machine,
		rides:    rides,
		tracker:  tracker,
		registry: registry,
		stats:    stats,
		cfg:      cfg,
		logger:   logger,
		declined: make(map[string]map[string]bool),
	}
	machine.Observe(o.rideTransitioned)
	return o
}

// WithPublisher attaches the location pipeline producer.
func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator { o.publisher = p; return o }

// WithPayments attaches the fare processor.
func (o *Orchestrator) WithPayments(p Payments) *Orchestrator { o.payments = p; return o }

// WithETA attaches the routing-based ETA estimator and its cache.
func (o *Orchestrator) WithETA(c eta.Client, cache *eta.Cache) *Orchestrator {
	o.etaClient = c
	o.etaCache = cache
	return o
}

// rideTransitioned is the state machine observer: it maps each transition
// to the counterparty notification. Operation-specific fan-out (losing
// drivers, availability, counters) stays in the operation methods.
func (o *Orchestrator) rideTransitioned(ctx context.Context, tr ride.Transition) {
	if tr.OtherParty == "" {
		return
	}
	switch tr.To {
	case models.StatusAccepted:
		o.registry.Send(tr.OtherParty, ws.EventRideAccepted, tr.Ride)
	case models.StatusDriverArrived:
		o.registry.Send(tr.OtherParty, ws.EventRideDriverArrived, tr.Ride)
	case models.StatusInProgress:
		o.registry.Send(tr.OtherParty, ws.EventRideInProgress, tr.Ride)
	case models.StatusCompleted:
		o.registry.Send(tr.OtherParty, ws.EventRideCompleted, map[string]any{
			"ride":        tr.Ride,
			"final_price": tr.Ride.FinalPrice,
		})
	case models.StatusCancelled:
		switch tr.Ride.CancellationReason {
		case models.ReasonNoDrivers:
			// the requester gets a synchronous failure; no push needed
		case models.ReasonDeclined:
			o.registry.Send(tr.OtherParty, ws.EventRideDeclined, map[string]any{
				"ride_id": tr.Ride.ID,
				"message": "driver declined, please request again",
			})
		default:
			o.registry.Send(tr.OtherParty, ws.EventRideCancelled, map[string]any{
				"ride_id": tr.Ride.ID,
				"message": tr.Ride.CancellationReason,
			})
		}
	}
}

// RequestRide creates a pending ride and broadcasts it to every compatible
// driver. The broadcast applies the category filter only; reach beats
// proximity here.
func (o *Orchestrator) RequestRide(ctx context.Context, clientID string, spec models.RideSpec) (*models.Ride, error) {
	if len(geomatch.VehiclesFor(spec.RideType)) == 0 {
		return nil, rideerr.Newf(rideerr.KindValidation, rideerr.CodeBadInput, "unknown ride type %q", spec.RideType)
	}

	active, err := o.rides.ActiveByClient(ctx, clientID)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "active ride lookup failed")
	}
	if active != nil {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeActiveRideExists, "client already has an active ride")
	}

	r := &models.Ride{
		ID:                 uuid.NewString(),
		ClientID:           clientID,
		RideType:           spec.RideType,
		ServiceType:        spec.ServiceType,
		Pickup:             spec.Pickup,
		PickupAddress:      spec.PickupAddress,
		Destination:        spec.Destination,
		DestinationAddress: spec.DestinationAddress,
		EstimatedPrice:     spec.EstimatedPrice,
	}
	if err := o.machine.Create(ctx, r); err != nil {
		return nil, err
	}
	observability.RidesRequested.Inc()

	candidates, err := o.dispatchCandidates(ctx, r.RideType, nil)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		if _, cerr := o.machine.CancelSystem(ctx, r.ID, models.ReasonNoDrivers); cerr != nil {
			o.logger.Error("failed to cancel unmatchable ride", "ride_id", r.ID, "error", cerr)
		}
		return nil, rideerr.New(rideerr.KindNotFound, rideerr.CodeNoDriversAvailable, "no drivers available")
	}

	delivered := o.registry.Broadcast(candidates, ws.EventNewRideRequest, r)
	o.logger.Info("ride broadcast",
		"ride_id", r.ID, "ride_type", string(r.RideType),
		"candidates", len(candidates), "delivered", delivered)
	return r, nil
}

// AcceptRide races the driver against every other accepting driver; the
// store's conditional update picks exactly one winner.
func (o *Orchestrator) AcceptRide(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	r, err := o.machine.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}

	p, err := o.tracker.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !geomatch.Serves(p.VehicleType, r.RideType) {
		return nil, rideerr.Newf(rideerr.KindConflict, rideerr.CodeIncompatibleVehicle,
			"vehicle %q cannot serve %q", p.VehicleType, r.RideType)
	}

	active, err := o.rides.ActiveByDriver(ctx, driverID)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "active ride lookup failed")
	}
	if active != nil {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeActiveRideExists, "driver already has an active ride")
	}

	updated, err := o.machine.Accept(ctx, rideID, driverID)
	if err != nil {
		if rideerr.CodeOf(err) == rideerr.CodeRideNotAvailable {
			observability.AcceptConflicts.Inc()
			// expected for all but one of N racing drivers
			o.logger.Info("accept lost the race", "ride_id", rideID, "driver_id", driverID)
		}
		return nil, err
	}
	observability.RidesAccepted.Inc()

	if err := o.tracker.SetAvailability(ctx, driverID, false); err != nil {
		o.logger.Error("failed to mark winner unavailable", "driver_id", driverID, "error", err)
	}
	o.forgetDeclines(rideID)

	// tell every other compatible connected driver the ride is gone
	losers, err := o.dispatchCandidates(ctx, updated.RideType, map[string]bool{driverID: true})
	if err == nil && len(losers) > 0 {
		o.registry.Broadcast(losers, ws.EventRideUnavailable, map[string]any{"ride_id": rideID})
	}
	return updated, nil
}

// DeclineRide handles a driver turning a pending request down. By default
// the ride is cancelled and the client asked to resubmit; with
// RedispatchOnDecline the request stays pending and is re-offered to the
// remaining drivers.
func (o *Orchestrator) DeclineRide(ctx context.Context, driverID, rideID string) error {
	r, err := o.machine.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Status != models.StatusPending {
		return rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride is no longer pending")
	}

	if !o.cfg.RedispatchOnDecline {
		_, err := o.machine.CancelSystem(ctx, rideID, models.ReasonDeclined)
		return err
	}

	o.recordDecline(rideID, driverID)
	remaining, err := o.dispatchCandidates(ctx, r.RideType, o.declinedSet(rideID))
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		if _, cerr := o.machine.CancelSystem(ctx, rideID, models.ReasonNoDrivers); cerr != nil {
			return cerr
		}
		o.registry.Send(r.ClientID, ws.EventRideDeclined, map[string]any{
			"ride_id": rideID,
			"message": "no drivers available",
		})
		return nil
	}
	o.registry.Broadcast(remaining, ws.EventNewRideRequest, r)
	o.registry.Send(r.ClientID, ws.EventRideDeclined, map[string]any{
		"ride_id": rideID,
		"message": "searching for another driver",
	})
	return nil
}

// Event names the arrive/start/complete lifecycle advances.
type Event string

const (
	EventArrive   Event = "arrive"
	EventStart    Event = "start"
	EventComplete Event = "complete"
)

// AdvanceStatus is a thin wrapper over the state machine; the observer
// notifies the counterparty with the new status and ride snapshot.
func (o *Orchestrator) AdvanceStatus(ctx context.Context, actorID string, role models.Role, rideID string, event Event, finalPrice *float64) (*models.Ride, error) {
	switch event {
	case EventArrive:
		if role != models.RoleDriver {
			return nil, rideerr.New(rideerr.KindAuthorization, rideerr.CodeRoleMismatch, "only the driver reports arrival")
		}
		return o.machine.Arrive(ctx, rideID, actorID)
	case EventStart:
		if role != models.RoleDriver {
			return nil, rideerr.New(rideerr.KindAuthorization, rideerr.CodeRoleMismatch, "only the driver starts the trip")
		}
		return o.machine.Start(ctx, rideID, actorID)
	case EventComplete:
		return o.completeRide(ctx, actorID, role, rideID, finalPrice)
	default:
		return nil, rideerr.Newf(rideerr.KindValidation, rideerr.CodeBadInput, "unknown event %q", event)
	}
}

func (o *Orchestrator) completeRide(ctx context.Context, actorID string, role models.Role, rideID string, finalPrice *float64) (*models.Ride, error) {
	updated, err := o.machine.Complete(ctx, rideID, actorID, role, finalPrice)
	if err != nil {
		return nil, err
	}
	observability.RidesCompleted.Inc()

	if role == models.RoleDriver {
		if err := o.stats.IncrementCompleted(ctx, updated.DriverID); err != nil {
			o.logger.Error("failed to bump completed-ride counter", "driver_id", updated.DriverID, "error", err)
		}
		if err := o.tracker.SetAvailability(ctx, updated.DriverID, true); err != nil {
			o.logger.Error("failed to restore driver availability", "driver_id", updated.DriverID, "error", err)
		}
	}

	if o.payments != nil && updated.FinalPrice != nil {
		// fare capture is best-effort: the ride state is already
		// authoritative and mutating work is never retried here
		if err := o.payments.ChargeFinalFare(ctx, updated.ID, *updated.FinalPrice, o.cfg.Currency); err != nil {
			o.logger.Warn("fare capture failed", "ride_id", updated.ID, "error", err)
		}
	}
	return updated, nil
}

// CancelRide cancels from any cancellable status and frees the assigned
// driver.
func (o *Orchestrator) CancelRide(ctx context.Context, actorID string, role models.Role, rideID, reason string) (*models.Ride, error) {
	msg := "cancelled by " + string(role)
	if reason != "" {
		msg += ": " + reason
	}
	updated, err := o.machine.Cancel(ctx, rideID, actorID, msg)
	if err != nil {
		return nil, err
	}
	observability.RidesCancelled.Inc()
	o.forgetDeclines(rideID)

	if updated.DriverID != "" {
		if err := o.tracker.SetAvailability(ctx, updated.DriverID, true); err != nil {
			o.logger.Error("failed to free driver", "driver_id", updated.DriverID, "error", err)
		}
	}
	return updated, nil
}

func (o *Orchestrator) recordDecline(rideID, driverID string) {
	o.declinedMu.Lock()
	defer o.declinedMu.Unlock()
	set, ok := o.declined[rideID]
	if !ok {
		set = make(map[string]bool)
		o.declined[rideID] = set
	}
	set[driverID] = true
}

func (o *Orchestrator) declinedSet(rideID string) map[string]bool {
	o.declinedMu.Lock()
	defer o.declinedMu.Unlock()
	out := make(map[string]bool, len(o.declined[rideID]))
	for id := range o.declined[rideID] {
		out[id] = true
	}
	return out
}

func (o *Orchestrator) forgetDeclines(rideID string) {
	o.declinedMu.Lock()
	defer o.declinedMu.Unlock()
	delete(o.declined, rideID)
}

// dispatchCandidates returns the connected, compatible driver ids from the
// current presence snapshot, minus any exclusions.
func (o *Orchestrator) dispatchCandidates(ctx context.Context, class models.ServiceClass, exclude map[string]bool) ([]string, error) {
	snapshot, err := o.tracker.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	compatible := geomatch.DispatchCandidates(class, snapshot)
	ids := make([]string, 0, len(compatible))
	for _, d := range compatible {
		if exclude[d.DriverID] {
			continue
		}
		ids = append(ids, d.DriverID)
	}
	return ids, nil
}

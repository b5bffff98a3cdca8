package dispatch

import (
	"context"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geomatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rideerr"
	"github.com/example/ride-dispatch/internal/ws"
)

// NearbyDriver is one discovery result: a ranked presence record with the
// distance that ranked it and a pickup ETA estimate.
type NearbyDriver struct {
	DriverID    string             `json:"driver_id"`
	Location    models.Coord       `json:"location"`
	Bearing     float64            `json:"bearing"`
	VehicleType models.VehicleType `json:"vehicle_type"`
	DistanceKm  float64            `json:"distance_km"`
	ETASeconds  float64            `json:"eta_seconds"`
}

// QueryNearbyDrivers runs the discovery pipeline: radius cut, ascending
// rank, top N. Unlike the dispatch broadcast it has no category filter and
// does enforce the radius; the asymmetry is deliberate.
func (o *Orchestrator) QueryNearbyDrivers(ctx context.Context, lat, lng float64) ([]NearbyDriver, error) {
	snapshot, err := o.tracker.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	origin := models.Coord{Lat: lat, Lng: lng}
	ranked := geomatch.RankNearby(origin, snapshot, o.cfg.NearbyRadiusKm, o.cfg.NearbyLimit)

	out := make([]NearbyDriver, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, NearbyDriver{
			DriverID:    c.Driver.DriverID,
			Location:    c.Driver.Location,
			Bearing:     c.Driver.Bearing,
			VehicleType: c.Driver.VehicleType,
			DistanceKm:  c.DistanceKm,
			ETASeconds:  o.estimateETA(c.Driver.Location, origin),
		})
	}
	return out, nil
}

// estimateETA prefers the routing collaborator, falling back to the naive
// straight-line estimate when it is absent or fails.
func (o *Orchestrator) estimateETA(from, to models.Coord) float64 {
	if o.etaCache != nil {
		if v, ok := o.etaCache.Get(from, to); ok {
			return v
		}
	}
	if o.etaClient != nil {
		if v, err := o.etaClient.EstimateSeconds(from, to); err == nil {
			if o.etaCache != nil {
				o.etaCache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, o.cfg.DefaultSpeedMps)
}

// QueryCurrentRide returns the caller's active ride, if any.
func (o *Orchestrator) QueryCurrentRide(ctx context.Context, userID string, role models.Role) (*models.Ride, error) {
	var (
		r   *models.Ride
		err error
	)
	if role == models.RoleDriver {
		r, err = o.rides.ActiveByDriver(ctx, userID)
	} else {
		r, err = o.rides.ActiveByClient(ctx, userID)
	}
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "active ride lookup failed")
	}
	if r == nil {
		return nil, rideerr.New(rideerr.KindNotFound, rideerr.CodeRideNotFound, "no active ride")
	}
	return r, nil
}

// QueryRideHistory returns the caller's rides, newest first.
func (o *Orchestrator) QueryRideHistory(ctx context.Context, userID string, page, limit int, status *models.RideStatus) ([]*models.Ride, error) {
	rides, err := o.rides.History(ctx, userID, page, limit, status)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "history lookup failed")
	}
	return rides, nil
}

// HandleLocationUpdate processes a driver location ping: refresh presence,
// feed the pipeline, and stream the position to the client of the driver's
// active ride.
func (o *Orchestrator) HandleLocationUpdate(ctx context.Context, driverID string, lat, lng, bearing float64) error {
	p, err := o.tracker.UpdateLocation(ctx, driverID, lat, lng, bearing)
	if err != nil {
		return err
	}

	if o.publisher != nil {
		if perr := o.publisher.PublishPresence(ctx, p); perr != nil {
			o.logger.Warn("presence publish failed", "driver_id", driverID, "error", perr)
		}
	}

	active, err := o.rides.ActiveByDriver(ctx, driverID)
	if err != nil || active == nil || active.Status == models.StatusPending {
		return nil
	}
	o.registry.Send(active.ClientID, ws.EventDriverLocationUpdate, map[string]any{
		"ride_id":   active.ID,
		"driver_id": driverID,
		"latitude":  lat,
		"longitude": lng,
		"bearing":   bearing,
	})
	return nil
}

// HandleClientOnMyWay forwards the client's heads-up to the assigned
// driver.
func (o *Orchestrator) HandleClientOnMyWay(ctx context.Context, clientID, rideID string) error {
	r, err := o.machine.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if r.ClientID != clientID {
		return rideerr.New(rideerr.KindAuthorization, rideerr.CodeNotRideParty, "not a participant of this ride")
	}
	if r.DriverID == "" {
		return rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride has no driver yet")
	}
	o.registry.Send(r.DriverID, ws.EventClientIsComing, map[string]any{"ride_id": rideID})
	return nil
}

package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/rating"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rideerr"
	"github.com/example/ride-dispatch/internal/ws"
)

type sentEvent struct {
	To      string
	Event   string
	Payload any
}

// fakeRegistry records every delivery attempt.
type fakeRegistry struct {
	mu      sync.Mutex
	sends   []sentEvent
	offline map[string]bool
}

func (f *fakeRegistry) Send(id string, event string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[id] {
		return false
	}
	f.sends = append(f.sends, sentEvent{To: id, Event: event, Payload: payload})
	return true
}

func (f *fakeRegistry) Broadcast(ids []string, event string, payload any) int {
	n := 0
	for _, id := range ids {
		if f.Send(id, event, payload) {
			n++
		}
	}
	return n
}

func (f *fakeRegistry) Connected(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[id]
}

func (f *fakeRegistry) eventsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sends {
		if s.To == id {
			out = append(out, s.Event)
		}
	}
	return out
}

func (f *fakeRegistry) received(id, event string) bool {
	for _, e := range f.eventsFor(id) {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	orch    *Orchestrator
	reg     *fakeRegistry
	tracker *presence.Tracker
	machine *ride.Machine
	stats   rating.StatsRepository
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	rides := ride.NewMemoryRepository()
	machine := ride.NewMachine(rides)
	tracker := presence.NewTracker(presence.NewMemoryRepository(), 2*time.Minute, nil)
	reg := &fakeRegistry{offline: make(map[string]bool)}
	stats := rating.NewMemoryStatsRepository()
	orch := NewOrchestrator(machine, rides, tracker, reg, stats, cfg, nil)
	return &fixture{orch: orch, reg: reg, tracker: tracker, machine: machine, stats: stats}
}

func (f *fixture) addDriver(t *testing.T, id string, vehicle models.VehicleType) {
	t.Helper()
	ctx := context.Background()
	if err := f.tracker.MarkOnline(ctx, id, vehicle); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	if _, err := f.tracker.UpdateLocation(ctx, id, 41.30, 69.24, 0); err != nil {
		t.Fatalf("update location: %v", err)
	}
}

func goSpec() models.RideSpec {
	return models.RideSpec{
		RideType:       models.ServiceGo,
		Pickup:         models.Coord{Lat: 41.30, Lng: 69.24},
		Destination:    models.Coord{Lat: 41.32, Lng: 69.28},
		EstimatedPrice: 10,
	}
}

func TestRequestRideNoDriversCancels(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.orch.RequestRide(context.Background(), "c1", goSpec())
	if rideerr.CodeOf(err) != rideerr.CodeNoDriversAvailable {
		t.Fatalf("expected NO_DRIVERS_AVAILABLE, got %v", err)
	}
	if !rideerr.IsNotFound(err) {
		t.Fatalf("expected not-found kind, got %v", rideerr.KindOf(err))
	}

	// the record must survive in cancelled, not vanish
	history, err := f.orch.QueryRideHistory(context.Background(), "c1", 1, 10, nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length %d, want 1", len(history))
	}
	if history[0].Status != models.StatusCancelled || history[0].CancellationReason != models.ReasonNoDrivers {
		t.Fatalf("ride = %s %q", history[0].Status, history[0].CancellationReason)
	}
}

func TestRequestRideBroadcastsByCategoryOnly(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d-hatch", models.VehicleHatchback)
	f.addDriver(t, "d-sedan", models.VehicleSedan)
	f.addDriver(t, "d-suv", models.VehicleSUV)

	r, err := f.orch.RequestRide(context.Background(), "c1", goSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if r.Status != models.StatusPending {
		t.Fatalf("status = %s", r.Status)
	}

	if !f.reg.received("d-hatch", ws.EventNewRideRequest) || !f.reg.received("d-sedan", ws.EventNewRideRequest) {
		t.Fatalf("compatible drivers missed the offer: %v", f.reg.sends)
	}
	if f.reg.received("d-suv", ws.EventNewRideRequest) {
		t.Fatal("incompatible vehicle received the offer")
	}
}

func TestRequestRideRejectsSecondActiveRide(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)

	if _, err := f.orch.RequestRide(context.Background(), "c1", goSpec()); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := f.orch.RequestRide(context.Background(), "c1", goSpec())
	if rideerr.CodeOf(err) != rideerr.CodeActiveRideExists {
		t.Fatalf("expected ACTIVE_RIDE_EXISTS, got %v", err)
	}
}

func TestRequestRideUnknownClass(t *testing.T) {
	f := newFixture(t, Config{})
	spec := goSpec()
	spec.RideType = "Hoverboard"
	_, err := f.orch.RequestRide(context.Background(), "c1", spec)
	if rideerr.CodeOf(err) != rideerr.CodeBadInput {
		t.Fatalf("expected BAD_INPUT, got %v", err)
	}
}

func TestAcceptRideWinnerFlow(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	f.addDriver(t, "d2", models.VehicleHatchback)
	ctx := context.Background()

	r, err := f.orch.RequestRide(ctx, "c1", goSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	accepted, err := f.orch.AcceptRide(ctx, "d1", r.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.StatusAccepted || accepted.DriverID != "d1" {
		t.Fatalf("ride = %s driver=%q", accepted.Status, accepted.DriverID)
	}

	if !f.reg.received("c1", ws.EventRideAccepted) {
		t.Fatal("client never notified of the match")
	}
	if !f.reg.received("d2", ws.EventRideUnavailable) {
		t.Fatal("losing driver never told the ride is gone")
	}
	if f.reg.received("d1", ws.EventRideUnavailable) {
		t.Fatal("winner told the ride is gone")
	}

	p, err := f.tracker.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.IsAvailable {
		t.Fatal("winner still marked available")
	}
}

func TestAcceptRideSecondDriverConflicts(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	f.addDriver(t, "d2", models.VehicleSedan)
	ctx := context.Background()

	r, err := f.orch.RequestRide(ctx, "c1", goSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.orch.AcceptRide(ctx, "d1", r.ID); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	_, err = f.orch.AcceptRide(ctx, "d2", r.ID)
	if rideerr.CodeOf(err) != rideerr.CodeRideNotAvailable {
		t.Fatalf("expected RIDE_NOT_AVAILABLE, got %v", err)
	}
}

func TestAcceptRideIncompatibleVehicle(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d-sedan", models.VehicleSedan)
	f.addDriver(t, "d-suv", models.VehicleSUV)
	ctx := context.Background()

	r, err := f.orch.RequestRide(ctx, "c1", goSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_, err = f.orch.AcceptRide(ctx, "d-suv", r.ID)
	if rideerr.CodeOf(err) != rideerr.CodeIncompatibleVehicle {
		t.Fatalf("expected INCOMPATIBLE_VEHICLE, got %v", err)
	}
}

func TestDeclineCancelsByDefault(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	ctx := context.Background()

	r, err := f.orch.RequestRide(ctx, "c1", goSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.DeclineRide(ctx, "d1", r.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	got, err := f.machine.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCancelled || got.CancellationReason != models.ReasonDeclined {
		t.Fatalf("ride = %s %q", got.Status, got.CancellationReason)
	}
	if !f.reg.received("c1", ws.EventRideDeclined) {
		t.Fatal("client never told about the decline")
	}
}

func TestDeclineRedispatchesWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{RedispatchOnDecline: true})
	f.addDriver(t, "d1", models.VehicleSedan)
	f.addDriver(t, "d2", models.VehicleSedan)
	ctx := context.Background()

	r, err := f.orch.RequestRide(ctx, "c1", goSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := f.orch.DeclineRide(ctx, "d1", r.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}

	got, err := f.machine.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending after redispatch", got.Status)
	}

	// only the remaining driver gets the second offer
	if n := countEvents(f.reg.eventsFor("d2"), ws.EventNewRideRequest); n != 2 {
		t.Fatalf("d2 offers = %d, want 2", n)
	}
	if n := countEvents(f.reg.eventsFor("d1"), ws.EventNewRideRequest); n != 1 {
		t.Fatalf("d1 offers = %d, want 1", n)
	}

	// the last compatible driver declining ends the request
	if err := f.orch.DeclineRide(ctx, "d2", r.ID); err != nil {
		t.Fatalf("second decline: %v", err)
	}
	got, _ = f.machine.Get(ctx, r.ID)
	if got.Status != models.StatusCancelled || got.CancellationReason != models.ReasonNoDrivers {
		t.Fatalf("ride = %s %q", got.Status, got.CancellationReason)
	}
}

func countEvents(events []string, want string) int {
	n := 0
	for _, e := range events {
		if e == want {
			n++
		}
	}
	return n
}

func TestCompleteByDriverUpdatesStatsAndAvailability(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	ctx := context.Background()

	r := acceptedRide(t, f, "c1", "d1")
	if _, err := f.orch.AdvanceStatus(ctx, "d1", models.RoleDriver, r.ID, EventArrive, nil); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := f.orch.AdvanceStatus(ctx, "d1", models.RoleDriver, r.ID, EventStart, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	price := 14.0
	done, err := f.orch.AdvanceStatus(ctx, "d1", models.RoleDriver, r.ID, EventComplete, &price)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.FinalPrice == nil || *done.FinalPrice != 14.0 {
		t.Fatalf("ride = %+v", done)
	}

	s, err := f.stats.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s == nil || s.CompletedRides != 1 {
		t.Fatalf("stats = %+v, want 1 completed ride", s)
	}

	p, err := f.tracker.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !p.IsAvailable {
		t.Fatal("driver not restored to available after completion")
	}

	for _, event := range []string{ws.EventRideDriverArrived, ws.EventRideInProgress, ws.EventRideCompleted} {
		if !f.reg.received("c1", event) {
			t.Fatalf("client missed %s", event)
		}
	}
}

func TestArriveRequiresDriverRole(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	r := acceptedRide(t, f, "c1", "d1")

	_, err := f.orch.AdvanceStatus(context.Background(), "c1", models.RoleClient, r.ID, EventArrive, nil)
	if rideerr.CodeOf(err) != rideerr.CodeRoleMismatch {
		t.Fatalf("expected ROLE_MISMATCH, got %v", err)
	}
}

func TestCancelFreesAssignedDriver(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	ctx := context.Background()
	r := acceptedRide(t, f, "c1", "d1")

	cancelled, err := f.orch.CancelRide(ctx, "c1", models.RoleClient, r.ID, "waited too long")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if !f.reg.received("d1", ws.EventRideCancelled) {
		t.Fatal("driver never told about the cancellation")
	}

	p, err := f.tracker.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !p.IsAvailable {
		t.Fatal("cancelled driver still unavailable")
	}
}

func TestHandleLocationUpdateForwardsToClient(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	ctx := context.Background()
	acceptedRide(t, f, "c1", "d1")

	if err := f.orch.HandleLocationUpdate(ctx, "d1", 41.305, 69.245, 180); err != nil {
		t.Fatalf("location update: %v", err)
	}
	if !f.reg.received("c1", ws.EventDriverLocationUpdate) {
		t.Fatal("client never saw the driver position")
	}

	p, err := f.tracker.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.Location.Lat != 41.305 || p.Bearing != 180 {
		t.Fatalf("presence not refreshed: %+v", p)
	}
}

func TestHandleLocationUpdateNoActiveRide(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)

	if err := f.orch.HandleLocationUpdate(context.Background(), "d1", 41.3, 69.2, 0); err != nil {
		t.Fatalf("location update without ride: %v", err)
	}
	if f.reg.received("c1", ws.EventDriverLocationUpdate) {
		t.Fatal("position forwarded with no active ride")
	}
}

func TestHandleClientOnMyWay(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	ctx := context.Background()
	r := acceptedRide(t, f, "c1", "d1")

	if err := f.orch.HandleClientOnMyWay(ctx, "c1", r.ID); err != nil {
		t.Fatalf("on my way: %v", err)
	}
	if !f.reg.received("d1", ws.EventClientIsComing) {
		t.Fatal("driver never saw the heads-up")
	}

	if err := f.orch.HandleClientOnMyWay(ctx, "intruder", r.ID); rideerr.CodeOf(err) != rideerr.CodeNotRideParty {
		t.Fatalf("expected NOT_RIDE_PARTY, got %v", err)
	}
}

func TestQueryNearbyDriversRanksAndEstimates(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	near := models.Coord{Lat: 41.305, Lng: 69.24}
	farther := models.Coord{Lat: 41.35, Lng: 69.24}
	if err := f.tracker.MarkOnline(ctx, "near", models.VehicleSedan); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tracker.UpdateLocation(ctx, "near", near.Lat, near.Lng, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.tracker.MarkOnline(ctx, "farther", models.VehicleSUV); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tracker.UpdateLocation(ctx, "farther", farther.Lat, farther.Lng, 0); err != nil {
		t.Fatal(err)
	}

	got, err := f.orch.QueryNearbyDrivers(ctx, 41.30, 69.24)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d drivers, want 2", len(got))
	}
	if got[0].DriverID != "near" || got[1].DriverID != "farther" {
		t.Fatalf("order = [%s %s]", got[0].DriverID, got[1].DriverID)
	}
	if got[0].DistanceKm >= got[1].DistanceKm {
		t.Fatal("distances not ascending")
	}
	if got[0].ETASeconds <= 0 {
		t.Fatalf("eta = %v, want > 0", got[0].ETASeconds)
	}
}

func TestQueryCurrentRide(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDriver(t, "d1", models.VehicleSedan)
	ctx := context.Background()
	r := acceptedRide(t, f, "c1", "d1")

	forClient, err := f.orch.QueryCurrentRide(ctx, "c1", models.RoleClient)
	if err != nil || forClient.ID != r.ID {
		t.Fatalf("client current = %v, %v", forClient, err)
	}
	forDriver, err := f.orch.QueryCurrentRide(ctx, "d1", models.RoleDriver)
	if err != nil || forDriver.ID != r.ID {
		t.Fatalf("driver current = %v, %v", forDriver, err)
	}
	if _, err := f.orch.QueryCurrentRide(ctx, "idle-user", models.RoleClient); rideerr.CodeOf(err) != rideerr.CodeRideNotFound {
		t.Fatalf("expected RIDE_NOT_FOUND, got %v", err)
	}
}

func acceptedRide(t *testing.T, f *fixture, clientID, driverID string) *models.Ride {
	t.Helper()
	ctx := context.Background()
	r, err := f.orch.RequestRide(ctx, clientID, goSpec())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	accepted, err := f.orch.AcceptRide(ctx, driverID, r.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	return accepted
}

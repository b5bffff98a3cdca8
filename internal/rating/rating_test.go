package rating

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rideerr"
)

func newTestAggregator(t *testing.T) (*Aggregator, *ride.Machine) {
	t.Helper()
	rides := ride.NewMemoryRepository()
	m := ride.NewMachine(rides)
	return NewAggregator(rides, NewMemoryRepository(), NewMemoryStatsRepository(), nil), m
}

func completedRide(t *testing.T, m *ride.Machine, rideID, clientID, driverID string) {
	t.Helper()
	ctx := context.Background()
	r := &models.Ride{ID: rideID, ClientID: clientID, RideType: models.ServiceGo, EstimatedPrice: 10}
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Accept(ctx, rideID, driverID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.Arrive(ctx, rideID, driverID); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := m.Start(ctx, rideID, driverID); err != nil {
		t.Fatalf("start: %v", err)
	}
	price := 10.0
	if _, err := m.Complete(ctx, rideID, driverID, models.RoleDriver, &price); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func TestSubmitRatingDuplicateRejected(t *testing.T) {
	a, m := newTestAggregator(t)
	completedRide(t, m, "r1", "c1", "d1")
	ctx := context.Background()

	if _, err := a.SubmitRating(ctx, "c1", "r1", 5, "great"); err != nil {
		t.Fatalf("first rating: %v", err)
	}
	_, err := a.SubmitRating(ctx, "c1", "r1", 1, "changed my mind")
	if rideerr.CodeOf(err) != rideerr.CodeAlreadyRated {
		t.Fatalf("expected ALREADY_RATED, got %v", err)
	}

	// the duplicate must not move the aggregate
	s, err := a.DriverStats(ctx, "d1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.Rating != 5 || s.RatingCount != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDriverAverageIsArithmeticMean(t *testing.T) {
	a, m := newTestAggregator(t)
	ctx := context.Background()

	stars := []int{5, 3, 4}
	for i, s := range stars {
		rideID := []string{"r1", "r2", "r3"}[i]
		clientID := []string{"c1", "c2", "c3"}[i]
		completedRide(t, m, rideID, clientID, "d1")
		if _, err := a.SubmitRating(ctx, clientID, rideID, s, ""); err != nil {
			t.Fatalf("rating %d: %v", i, err)
		}
	}

	got, err := a.DriverStats(ctx, "d1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got.Rating != 4.0 {
		t.Fatalf("average = %v, want 4.0", got.Rating)
	}
	if got.RatingCount != 3 {
		t.Fatalf("count = %d, want 3", got.RatingCount)
	}
}

func TestSubmitRatingGuards(t *testing.T) {
	a, m := newTestAggregator(t)
	ctx := context.Background()

	if _, err := a.SubmitRating(ctx, "c1", "missing", 4, ""); rideerr.CodeOf(err) != rideerr.CodeRideNotFound {
		t.Fatalf("expected RIDE_NOT_FOUND, got %v", err)
	}

	if _, err := a.SubmitRating(ctx, "c1", "r1", 0, ""); rideerr.CodeOf(err) != rideerr.CodeBadInput {
		t.Fatalf("expected BAD_INPUT for 0 stars, got %v", err)
	}
	if _, err := a.SubmitRating(ctx, "c1", "r1", 6, ""); rideerr.CodeOf(err) != rideerr.CodeBadInput {
		t.Fatalf("expected BAD_INPUT for 6 stars, got %v", err)
	}

	// not yet completed
	r := &models.Ride{ID: "r1", ClientID: "c1", RideType: models.ServiceGo}
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.SubmitRating(ctx, "c1", "r1", 4, ""); rideerr.CodeOf(err) != rideerr.CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}

	// wrong rater
	completedRide(t, m, "r2", "c1", "d1")
	if _, err := a.SubmitRating(ctx, "someone-else", "r2", 4, ""); rideerr.CodeOf(err) != rideerr.CodeNotRideParty {
		t.Fatalf("expected NOT_RIDE_PARTY, got %v", err)
	}
}

func TestDriverStatsUnknownDriver(t *testing.T) {
	a, _ := newTestAggregator(t)
	s, err := a.DriverStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if s.DriverID != "nobody" || s.Rating != 0 || s.RatingCount != 0 || s.CompletedRides != 0 {
		t.Fatalf("zero stats expected, got %+v", s)
	}
}

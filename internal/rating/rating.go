// Package rating records post-completion feedback and maintains each
// driver's displayed rating.
package rating

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/rideerr"
)

// Repository stores individual ratings. Insert must reject a duplicate
// (ride, rater) pair with a conflict.
type Repository interface {
	Insert(ctx context.Context, r *models.Rating) error
	DriverAverage(ctx context.Context, driverID string) (avg float64, count int, err error)
}

// StatsRepository stores the per-driver aggregate.
type StatsRepository interface {
	Get(ctx context.Context, driverID string) (*models.DriverStats, error)
	UpsertRating(ctx context.Context, driverID string, avg float64, count int) error
	IncrementCompleted(ctx context.Context, driverID string) error
}

// Aggregator validates and records ratings, then recomputes the driver's
// mean. Eventual consistency is fine here; this path has no race with
// dispatch.
type Aggregator struct {
	rides   ride.Repository
	ratings Repository
	stats   StatsRepository
	now     func() time.Time
	logger  *slog.Logger
}

func NewAggregator(rides ride.Repository, ratings Repository, stats StatsRepository, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{rides: rides, ratings: ratings, stats: stats, now: time.Now, logger: logger}
}

// SubmitRating records the client's feedback for a completed ride and
// refreshes the driver's displayed rating (plain arithmetic mean, not
// recency-weighted).
func (a *Aggregator) SubmitRating(ctx context.Context, clientID, rideID string, stars int, comment string) (*models.Rating, error) {
	if stars < 1 || stars > 5 {
		return nil, rideerr.New(rideerr.KindValidation, rideerr.CodeBadInput, "rating must be between 1 and 5")
	}

	r, err := a.rides.Get(ctx, rideID)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "ride read failed")
	}
	if r == nil {
		return nil, rideerr.New(rideerr.KindNotFound, rideerr.CodeRideNotFound, "ride not found")
	}
	if r.ClientID != clientID {
		return nil, rideerr.New(rideerr.KindAuthorization, rideerr.CodeNotRideParty, "only the ride's client may rate it")
	}
	if r.Status != models.StatusCompleted {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride is not completed")
	}
	if r.DriverID == "" {
		return nil, rideerr.New(rideerr.KindConflict, rideerr.CodeInvalidTransition, "ride had no driver")
	}

	rating := &models.Rating{
		RideID:     rideID,
		FromUserID: clientID,
		ToUserID:   r.DriverID,
		Stars:      stars,
		Comment:    comment,
		CreatedAt:  a.now(),
	}
	if err := a.ratings.Insert(ctx, rating); err != nil {
		return nil, err
	}

	avg, count, err := a.ratings.DriverAverage(ctx, r.DriverID)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "rating aggregate failed")
	}
	if err := a.stats.UpsertRating(ctx, r.DriverID, avg, count); err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "driver stats update failed")
	}

	a.logger.Info("rating recorded",
		"ride_id", rideID, "driver_id", r.DriverID, "rating", stars, "driver_avg", avg)
	return rating, nil
}

// DriverStats exposes the persisted aggregate for display.
func (a *Aggregator) DriverStats(ctx context.Context, driverID string) (*models.DriverStats, error) {
	s, err := a.stats.Get(ctx, driverID)
	if err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "driver stats read failed")
	}
	if s == nil {
		return &models.DriverStats{DriverID: driverID}, nil
	}
	return s, nil
}

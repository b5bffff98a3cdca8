package rating

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rideerr"
)

// uniqueViolation is the postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

// PostgresRepository stores ratings; the (ride_id, from_user_id) primary
// key enforces the one-rating-per-rater invariant.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Insert(ctx context.Context, r *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (ride_id, from_user_id, to_user_id, rating, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		r.RideID, r.FromUserID, r.ToUserID, r.Stars, r.Comment, r.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return rideerr.New(rideerr.KindConflict, rideerr.CodeAlreadyRated, "ride already rated")
	}
	if err != nil {
		return rideerr.Wrap(err, rideerr.KindInternal, rideerr.CodeStoreFailure, "rating insert failed")
	}
	return nil
}

func (p *PostgresRepository) DriverAverage(ctx context.Context, driverID string) (float64, int, error) {
	var avg sql.NullFloat64
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT AVG(rating), COUNT(*) FROM ratings WHERE to_user_id = $1`,
		driverID).Scan(&avg, &count)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, count, nil
}

// PostgresStatsRepository stores the per-driver aggregate row.
type PostgresStatsRepository struct {
	db *sql.DB
}

func NewPostgresStatsRepository(db *sql.DB) *PostgresStatsRepository {
	return &PostgresStatsRepository{db: db}
}

func (p *PostgresStatsRepository) Get(ctx context.Context, driverID string) (*models.DriverStats, error) {
	var s models.DriverStats
	err := p.db.QueryRowContext(ctx, `
		SELECT driver_id, rating, rating_count, completed_rides
		FROM driver_stats WHERE driver_id = $1`, driverID).
		Scan(&s.DriverID, &s.Rating, &s.RatingCount, &s.CompletedRides)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStatsRepository) UpsertRating(ctx context.Context, driverID string, avg float64, count int) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_stats (driver_id, rating, rating_count, completed_rides)
		VALUES ($1,$2,$3,0)
		ON CONFLICT (driver_id) DO UPDATE SET rating = $2, rating_count = $3`,
		driverID, avg, count)
	return err
}

func (p *PostgresStatsRepository) IncrementCompleted(ctx context.Context, driverID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO driver_stats (driver_id, rating, rating_count, completed_rides)
		VALUES ($1,0,0,1)
		ON CONFLICT (driver_id) DO UPDATE SET completed_rides = driver_stats.completed_rides + 1`,
		driverID)
	return err
}

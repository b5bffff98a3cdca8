package ride

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresRepository stores rides in postgres. Transition guards are
// expressed directly in each UPDATE's WHERE clause with RETURNING, so a
// guard miss is observed as sql.ErrNoRows in the same round trip.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Close() error { return p.db.Close() }

const rideColumns = `id, client_id, COALESCE(driver_id, ''), status, ride_type, service_type,
	pickup_lat, pickup_lng, pickup_address, dest_lat, dest_lng, dest_address,
	estimated_price, final_price, created_at, accepted_at, driver_arrived_at,
	started_at, completed_at, cancelled_at, COALESCE(cancellation_reason, '')`

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	var r models.Ride
	err := row.Scan(
		&r.ID, &r.ClientID, &r.DriverID, &r.Status, &r.RideType, &r.ServiceType,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.PickupAddress,
		&r.Destination.Lat, &r.Destination.Lng, &r.DestinationAddress,
		&r.EstimatedPrice, &r.FinalPrice, &r.CreatedAt, &r.AcceptedAt,
		&r.DriverArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&r.CancellationReason,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresRepository) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (
			id, client_id, status, ride_type, service_type,
			pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address,
			estimated_price, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.ClientID, r.Status, r.RideType, r.ServiceType,
		r.Pickup.Lat, r.Pickup.Lng, r.PickupAddress,
		r.Destination.Lat, r.Destination.Lng, r.DestinationAddress,
		r.EstimatedPrice, r.CreatedAt)
	return err
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresRepository) activeBy(ctx context.Context, column, userID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+rideColumns+` FROM rides
		WHERE `+column+` = $1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`,
		userID, pq.Array(activeStatuses()))
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (p *PostgresRepository) ActiveByClient(ctx context.Context, clientID string) (*models.Ride, error) {
	return p.activeBy(ctx, "client_id", clientID)
}

func (p *PostgresRepository) ActiveByDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	return p.activeBy(ctx, "driver_id", driverID)
}

func (p *PostgresRepository) History(ctx context.Context, userID string, page, limit int, status *models.RideStatus) ([]*models.Ride, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	args := []any{userID, limit, (page - 1) * limit}
	query := `
		SELECT ` + rideColumns + ` FROM rides
		WHERE (client_id = $1 OR driver_id = $1)`
	if status != nil {
		query += ` AND status = $4`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// conditional returns the updated ride, or ok=false when the guard matched
// no row.
func (p *PostgresRepository) conditional(ctx context.Context, query string, args ...any) (*models.Ride, bool, error) {
	row := p.db.QueryRowContext(ctx, query, args...)
	r, err := scanRide(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (p *PostgresRepository) AssignDriver(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error) {
	return p.conditional(ctx, `
		UPDATE rides SET status = $3, driver_id = $2, accepted_at = $4
		WHERE id = $1 AND status = $5 AND driver_id IS NULL
		RETURNING `+rideColumns,
		rideID, driverID, models.StatusAccepted, at, models.StatusPending)
}

func (p *PostgresRepository) MarkArrived(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error) {
	return p.conditional(ctx, `
		UPDATE rides SET status = $3, driver_arrived_at = $4
		WHERE id = $1 AND status = $5 AND driver_id = $2
		RETURNING `+rideColumns,
		rideID, driverID, models.StatusDriverArrived, at, models.StatusAccepted)
}

func (p *PostgresRepository) StartTrip(ctx context.Context, rideID, driverID string, at time.Time) (*models.Ride, bool, error) {
	return p.conditional(ctx, `
		UPDATE rides SET status = $3, started_at = $4
		WHERE id = $1 AND status = $5 AND driver_id = $2
		RETURNING `+rideColumns,
		rideID, driverID, models.StatusInProgress, at, models.StatusDriverArrived)
}

func (p *PostgresRepository) CompleteTrip(ctx context.Context, rideID, actorID string, finalPrice float64, at time.Time) (*models.Ride, bool, error) {
	return p.conditional(ctx, `
		UPDATE rides SET status = $3, final_price = $4, completed_at = $5
		WHERE id = $1 AND status = $6 AND (client_id = $2 OR driver_id = $2)
		RETURNING `+rideColumns,
		rideID, actorID, models.StatusCompleted, finalPrice, at, models.StatusInProgress)
}

func (p *PostgresRepository) CancelFrom(ctx context.Context, rideID, actorID string, from []models.RideStatus, reason string, at time.Time) (*models.Ride, bool, error) {
	if actorID == "" {
		return p.conditional(ctx, `
			UPDATE rides SET status = $2, cancellation_reason = $3, cancelled_at = $4
			WHERE id = $1 AND status = ANY($5)
			RETURNING `+rideColumns,
			rideID, models.StatusCancelled, reason, at, pq.Array(statusStrings(from)))
	}
	return p.conditional(ctx, `
		UPDATE rides SET status = $3, cancellation_reason = $4, cancelled_at = $5
		WHERE id = $1 AND status = ANY($6) AND (client_id = $2 OR driver_id = $2)
		RETURNING `+rideColumns,
		rideID, actorID, models.StatusCancelled, reason, at, pq.Array(statusStrings(from)))
}

func activeStatuses() []string {
	return []string{
		string(models.StatusPending), string(models.StatusAccepted),
		string(models.StatusDriverArrived), string(models.StatusInProgress),
	}
}

func statusStrings(in []models.RideStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

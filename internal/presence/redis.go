package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisRepository persists presence in redis: a GEO set for coordinates, a
// metadata hash per driver, and a plain set of known driver ids so the
// snapshot can enumerate without scanning keys.
type RedisRepository struct {
	client *redis.Client
	geoKey string
}

func NewRedisRepository(addr, password, geoKey string) *RedisRepository {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	return &RedisRepository{client: c, geoKey: geoKey}
}

// NewRedisRepositoryFromClient reuses an existing client; used by the
// location consumer.
func NewRedisRepositoryFromClient(c *redis.Client, geoKey string) *RedisRepository {
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	return &RedisRepository{client: c, geoKey: geoKey}
}

func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRepository) Close() error { return r.client.Close() }

func metaKey(id string) string { return "driver:presence:" + id }

const driversSetKey = "drivers"

func (r *RedisRepository) UpdateLocation(ctx context.Context, driverID string, loc models.Coord, bearing float64, at time.Time) error {
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
		Name:      driverID,
		Longitude: loc.Lng,
		Latitude:  loc.Lat,
	}).Result(); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"lat":     strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lng":     strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		"bearing": strconv.FormatFloat(bearing, 'f', -1, 64),
		"updated": at.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, driversSetKey, driverID).Err()
}

func (r *RedisRepository) MarkOnline(ctx context.Context, driverID string, vehicle models.VehicleType, at time.Time) error {
	if err := r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"vehicle":   string(vehicle),
		"available": "true",
		"updated":   at.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return err
	}
	return r.client.SAdd(ctx, driversSetKey, driverID).Err()
}

func (r *RedisRepository) SetAvailability(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, metaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisRepository) Get(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return presenceFromHash(driverID, m), nil
}

func (r *RedisRepository) List(ctx context.Context) ([]*models.DriverPresence, error) {
	ids, err := r.client.SMembers(ctx, driversSetKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.DriverPresence, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func presenceFromHash(driverID string, m map[string]string) *models.DriverPresence {
	p := &models.DriverPresence{DriverID: driverID}
	if v, ok := m["lat"]; ok {
		p.Location.Lat, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lng"]; ok {
		p.Location.Lng, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["bearing"]; ok {
		p.Bearing, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["vehicle"]; ok {
		p.VehicleType = models.VehicleType(v)
	}
	if v, ok := m["available"]; ok {
		p.IsAvailable = v == "true"
	}
	if v, ok := m["updated"]; ok {
		p.LastUpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return p
}

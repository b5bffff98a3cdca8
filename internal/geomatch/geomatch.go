// Package geomatch is the pure matching pipeline: great-circle distance,
// vehicle/service compatibility, radius filtering and ranking. It holds no
// mutable state.
package geomatch

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	// EarthRadiusKm per the haversine convention used throughout.
	EarthRadiusKm = 6371.0

	// DefaultRadiusKm bounds the discovery query; the dispatch broadcast
	// deliberately applies no radius cut.
	DefaultRadiusKm = 10.0

	// DefaultLimit caps ranked discovery results.
	DefaultLimit = 10
)

// compatibility maps a vehicle category to the service classes it may serve.
var compatibility = map[models.VehicleType][]models.ServiceClass{
	models.VehicleSedan:     {models.ServiceGo, models.ServiceComfort},
	models.VehicleSUV:       {models.ServiceComfort, models.ServiceComfortX, models.ServicePremium},
	models.VehicleHatchback: {models.ServiceGo},
	models.VehicleMinivan:   {models.ServiceComfortX},
	models.VehicleTukTuk:    {models.ServiceTukTuk},
	models.VehicleMotorbike: {models.ServiceMotorbike},
}

// Serves reports whether a vehicle category may serve the given class.
func Serves(v models.VehicleType, s models.ServiceClass) bool {
	for _, c := range compatibility[v] {
		if c == s {
			return true
		}
	}
	return false
}

// VehiclesFor returns every vehicle category compatible with the class.
func VehiclesFor(s models.ServiceClass) []models.VehicleType {
	out := make([]models.VehicleType, 0, 2)
	for _, v := range []models.VehicleType{
		models.VehicleSedan, models.VehicleSUV, models.VehicleHatchback,
		models.VehicleMinivan, models.VehicleTukTuk, models.VehicleMotorbike,
	} {
		if Serves(v, s) {
			out = append(out, v)
		}
	}
	return out
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b models.Coord) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Candidate pairs a presence record with its distance from the requester.
type Candidate struct {
	Driver     *models.DriverPresence
	DistanceKm float64
}

// RankNearby runs the full discovery pipeline over a presence snapshot:
// distance, radius cut, ascending stable sort (ties keep snapshot order),
// first limit results. Pass radiusKm/limit <= 0 for the defaults.
func RankNearby(origin models.Coord, snapshot []*models.DriverPresence, radiusKm float64, limit int) []Candidate {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ranked := make([]Candidate, 0, len(snapshot))
	for _, d := range snapshot {
		dist := Haversine(origin, d.Location)
		if dist > radiusKm {
			continue
		}
		ranked = append(ranked, Candidate{Driver: d, DistanceKm: dist})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].DistanceKm < ranked[j].DistanceKm })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// DispatchCandidates filters a snapshot down to the drivers whose vehicle
// may serve the requested class. No radius cut: dispatch favors reach,
// discovery favors proximity.
func DispatchCandidates(s models.ServiceClass, snapshot []*models.DriverPresence) []*models.DriverPresence {
	out := make([]*models.DriverPresence, 0, len(snapshot))
	for _, d := range snapshot {
		if Serves(d.VehicleType, s) {
			out = append(out, d)
		}
	}
	return out
}

package models

import "time"

type Role string

const (
	RoleClient Role = "client"
	RoleDriver Role = "driver"
)

// Coord is a WGS84 point.
type Coord struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// ServiceClass is the ride product a client can request.
type ServiceClass string

const (
	ServiceGo        ServiceClass = "Go"
	ServiceComfort   ServiceClass = "Comfort"
	ServiceComfortX  ServiceClass = "Comfort X"
	ServicePremium   ServiceClass = "Premium"
	ServiceTukTuk    ServiceClass = "Tuk-tuk"
	ServiceMotorbike ServiceClass = "Motorbike"
)

// VehicleType is the category a driver registers their vehicle under.
type VehicleType string

const (
	VehicleSedan     VehicleType = "sedan"
	VehicleSUV       VehicleType = "suv"
	VehicleHatchback VehicleType = "hatchback"
	VehicleMinivan   VehicleType = "minivan"
	VehicleTukTuk    VehicleType = "tuk-tuk"
	VehicleMotorbike VehicleType = "motorbike"
)

type RideStatus string

const (
	StatusPending       RideStatus = "pending"
	StatusAccepted      RideStatus = "accepted"
	StatusDriverArrived RideStatus = "driver_arrived"
	StatusInProgress    RideStatus = "in_progress"
	StatusCompleted     RideStatus = "completed"
	StatusCancelled     RideStatus = "cancelled"
)

// Active reports whether a ride in this status still occupies the client
// and, once assigned, the driver.
func (s RideStatus) Active() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDriverArrived, StatusInProgress:
		return true
	}
	return false
}

// Terminal statuses admit no further transitions.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Cancellable is the set of statuses either party may cancel from.
func (s RideStatus) Cancellable() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDriverArrived:
		return true
	}
	return false
}

// Stock cancellation reasons written by the system rather than a user.
const (
	ReasonNoDrivers = "no drivers available"
	ReasonDeclined  = "declined by driver"
)

// DriverPresence is a driver's latest known location and availability.
// Overwritten on every location message; no history is kept.
type DriverPresence struct {
	DriverID      string      `json:"driver_id"`
	Location      Coord       `json:"location"`
	Bearing       float64     `json:"bearing"`
	VehicleType   VehicleType `json:"vehicle_type"`
	IsAvailable   bool        `json:"is_available"`
	LastUpdatedAt time.Time   `json:"last_updated_at"`
}

// RideSpec is the client-supplied portion of a new ride request. Price and
// address fields are opaque payloads produced by the mobile client against
// the maps collaborator; the core passes them through unchanged.
type RideSpec struct {
	RideType           ServiceClass `json:"ride_type"`
	ServiceType        string       `json:"service_type"`
	Pickup             Coord        `json:"pickup"`
	PickupAddress      string       `json:"pickup_address"`
	Destination        Coord        `json:"destination"`
	DestinationAddress string       `json:"destination_address"`
	EstimatedPrice     float64      `json:"estimated_price"`
}

// Ride is the central lifecycle entity. Exactly one client, at most one
// driver at any time. Never deleted.
type Ride struct {
	ID                 string       `json:"id"`
	ClientID           string       `json:"client_id"`
	DriverID           string       `json:"driver_id,omitempty"`
	Status             RideStatus   `json:"status"`
	RideType           ServiceClass `json:"ride_type"`
	ServiceType        string       `json:"service_type"`
	Pickup             Coord        `json:"pickup"`
	PickupAddress      string       `json:"pickup_address"`
	Destination        Coord        `json:"destination"`
	DestinationAddress string       `json:"destination_address"`
	EstimatedPrice     float64      `json:"estimated_price"`
	FinalPrice         *float64     `json:"final_price,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	AcceptedAt         *time.Time   `json:"accepted_at,omitempty"`
	DriverArrivedAt    *time.Time   `json:"driver_arrived_at,omitempty"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
	CancelledAt        *time.Time   `json:"cancelled_at,omitempty"`
	CancellationReason string       `json:"cancellation_reason,omitempty"`
}

// Party returns the ride participant that is not the given actor: the
// driver when the client acts, otherwise the client (including for
// system-initiated transitions, where the actor is empty).
func (r *Ride) Party(actorID string) string {
	if actorID == r.ClientID {
		return r.DriverID
	}
	return r.ClientID
}

// Rating is post-completion feedback, immutable once created. At most one
// per (RideID, FromUserID).
type Rating struct {
	RideID     string    `json:"ride_id"`
	FromUserID string    `json:"from_user_id"`
	ToUserID   string    `json:"to_user_id"`
	Stars      int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DriverStats is the persisted per-driver aggregate: the displayed rating
// (arithmetic mean of everything the driver ever received) and the
// completed-ride counter.
type DriverStats struct {
	DriverID       string  `json:"driver_id"`
	Rating         float64 `json:"rating"`
	RatingCount    int     `json:"rating_count"`
	CompletedRides int     `json:"completed_rides"`
}

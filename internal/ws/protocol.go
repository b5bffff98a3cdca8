package ws

import (
	"encoding/json"
	"errors"

	"github.com/example/ride-dispatch/internal/rideerr"
)

// Server-to-peer event names.
const (
	EventAuthSuccess          = "auth_success"
	EventError                = "error"
	EventNewRideRequest       = "new_ride_request"
	EventRideUnavailable      = "ride_unavailable"
	EventRideAccepted         = "ride_accepted"
	EventRideDeclined         = "ride_declined"
	EventRideDriverArrived    = "ride_driver_arrived"
	EventRideInProgress       = "ride_in_progress"
	EventRideCompleted        = "ride_completed"
	EventRideCancelled        = "ride_cancelled"
	EventDriverLocationUpdate = "driver_location_update"
	EventClientIsComing       = "client_is_coming"
)

// Envelope is the outbound frame: an event name and its payload.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound is the tagged command decoded from a peer frame. Handlers switch
// on the concrete type rather than on raw strings.
type Inbound interface{ inbound() }

// Auth is the handshake command; the only frame accepted before the
// connection is verified.
type Auth struct {
	Token string `json:"token"`
}

// LocationUpdate is a driver location ping.
type LocationUpdate struct {
	Lat     float64  `json:"latitude"`
	Lng     float64  `json:"longitude"`
	Bearing *float64 `json:"bearing,omitempty"`
}

// ClientOnMyWay tells the assigned driver the client is heading to pickup.
type ClientOnMyWay struct {
	RideID string `json:"ride_id"`
}

func (Auth) inbound()           {}
func (LocationUpdate) inbound() {}
func (ClientOnMyWay) inbound()  {}

type inboundFrame struct {
	Type string `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// location_update
	Lat     *float64 `json:"latitude,omitempty"`
	Lng     *float64 `json:"longitude,omitempty"`
	Bearing *float64 `json:"bearing,omitempty"`

	// client_on_my_way
	RideID string `json:"ride_id,omitempty"`
}

// ParseInbound decodes a raw frame into its command.
func ParseInbound(data []byte) (Inbound, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, rideerr.Wrap(err, rideerr.KindValidation, rideerr.CodeBadInput, "malformed frame")
	}
	switch f.Type {
	case "auth":
		return Auth{Token: f.Token}, nil
	case "location_update":
		if f.Lat == nil || f.Lng == nil {
			return nil, rideerr.New(rideerr.KindValidation, rideerr.CodeBadInput, "location_update requires latitude and longitude")
		}
		return LocationUpdate{Lat: *f.Lat, Lng: *f.Lng, Bearing: f.Bearing}, nil
	case "client_on_my_way":
		if f.RideID == "" {
			return nil, rideerr.New(rideerr.KindValidation, rideerr.CodeBadInput, "client_on_my_way requires ride_id")
		}
		return ClientOnMyWay{RideID: f.RideID}, nil
	default:
		return nil, rideerr.Newf(rideerr.KindValidation, rideerr.CodeBadInput, "unknown message type %q", f.Type)
	}
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ErrorEnvelope(err error) Envelope {
	code := rideerr.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	msg := "operation failed"
	var e *rideerr.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return Envelope{Type: EventError, Data: ErrorPayload{Code: code, Message: msg}}
}

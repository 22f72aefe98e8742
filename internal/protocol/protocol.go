// Package protocol defines the wire surface: one tagged variant per event
// name, validated at the boundary before anything reaches the core logic.
//
// Frames are JSON text messages of the form
//
//	{"event": "<name>", "data": {...}, "ackId": 7}
//
// ackId is present only on events the client wants acknowledged; the server
// answers those with an "ack" frame echoing the ackId. Clients must use
// ackIds >= 1: zero is the wire representation of "no ack wanted", so an
// explicit ackId of 0 is treated as absent.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-session/internal/models"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Inbound event names.
const (
	EventRideRequest    = "rideRequest"
	EventAcceptRide     = "acceptRide"
	EventVerifyOTP      = "verifyOtp"
	EventDriverLocation = "driverLocation"
	EventRiderPresent   = "riderPresent"
	EventRiderConfirmed = "riderConfirmed"
	EventEndRide        = "endRide"
	EventJoinRide       = "joinRide"
	EventRejectRide     = "rejectRide"
	EventSubmitRating   = "submitRating"
)

// Outbound event names.
const (
	EventNewRide          = "newRide"
	EventRideAccepted     = "rideAccepted"
	EventRideStarted      = "rideStarted"
	EventRideEnded        = "rideEnded"
	EventRideCancelled    = "rideCancelled"
	EventJoinedRide       = "joinedRide"
	EventRideRated        = "rideRated"
	EventPeerDisconnected = "peerDisconnected"
	EventAck              = "ack"
)

// Envelope is the raw frame as read off the wire. Data stays undecoded until
// the event name selects a variant.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID uint64          `json:"ackId,omitempty"`
}

// Acknowledged reports whether the frame asked for an acknowledgment.
// Invalid payloads on acknowledged events get an {ok:false} ack;
// fire-and-forget events are dropped silently. AckID 0 is reserved as
// "no ack"; valid ackIds start at 1.
func (e *Envelope) Acknowledged() bool {
	return e.AckID != 0
}

type RideRequest struct {
	Pickup       string       `json:"pickup"`
	Drop         string       `json:"drop"`
	Price        float64      `json:"price"`
	PickupCoords models.Coord `json:"pickupCoords"`
	DropCoords   models.Coord `json:"dropCoords"`
	Name         string       `json:"name"`
	RideType     string       `json:"rideType"`
}

func (p *RideRequest) Validate() error {
	if p.Pickup == "" {
		return fmt.Errorf("%w: pickup required", ErrInvalidPayload)
	}
	if p.Drop == "" {
		return fmt.Errorf("%w: drop required", ErrInvalidPayload)
	}
	if p.Price <= 0 {
		return fmt.Errorf("%w: price required", ErrInvalidPayload)
	}
	if !p.PickupCoords.Valid() || !p.DropCoords.Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
	}
	return nil
}

type AcceptRide struct {
	RideID      string `json:"rideId"`
	DriverName  string `json:"driverName"`
	DriverPhone string `json:"driverPhone"`
	RideType    string `json:"rideType"`
	CarNumber   string `json:"carNumber"`
	// Coords is the driver's current position, used only to ask the
	// routing service for a pickup time estimate.
	Coords *models.Coord `json:"coords,omitempty"`
}

func (p *AcceptRide) Validate() error {
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId required", ErrInvalidPayload)
	}
	if p.Coords != nil && !p.Coords.Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
	}
	return nil
}

type VerifyOTP struct {
	RideID string `json:"rideId"`
	OTP    string `json:"otp"`
}

func (p *VerifyOTP) Validate() error {
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId required", ErrInvalidPayload)
	}
	if p.OTP == "" {
		return fmt.Errorf("%w: otp required", ErrInvalidPayload)
	}
	return nil
}

type DriverLocation struct {
	RideID string       `json:"rideId"`
	Coords models.Coord `json:"coords"`
}

func (p *DriverLocation) Validate() error {
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId required", ErrInvalidPayload)
	}
	if !p.Coords.Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidPayload)
	}
	return nil
}

// RideRef is the payload for events that only name a ride: riderPresent,
// riderConfirmed, endRide, joinRide.
type RideRef struct {
	RideID string `json:"rideId"`
}

func (p *RideRef) Validate() error {
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId required", ErrInvalidPayload)
	}
	return nil
}

type RejectRide struct {
	RideID     string `json:"rideId"`
	DriverName string `json:"driverName"`
}

func (p *RejectRide) Validate() error {
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId required", ErrInvalidPayload)
	}
	return nil
}

type SubmitRating struct {
	RideID string `json:"rideId"`
	Role   string `json:"role"`
	Rating int    `json:"rating"`
}

func (p *SubmitRating) Validate() error {
	if p.RideID == "" {
		return fmt.Errorf("%w: rideId required", ErrInvalidPayload)
	}
	if p.Role != "rider" && p.Role != "driver" {
		return fmt.Errorf("%w: role must be rider or driver", ErrInvalidPayload)
	}
	if p.Rating < 1 || p.Rating > 5 {
		return fmt.Errorf("%w: rating must be 1..5", ErrInvalidPayload)
	}
	return nil
}

// Decode unmarshals an envelope's data into the variant for its event name
// and validates it. Unknown event names are rejected here so nothing
// unrecognized reaches a handler.
func Decode(env *Envelope) (interface{}, error) {
	var payload interface {
		Validate() error
	}
	switch env.Event {
	case EventRideRequest:
		payload = &RideRequest{}
	case EventAcceptRide:
		payload = &AcceptRide{}
	case EventVerifyOTP:
		payload = &VerifyOTP{}
	case EventDriverLocation:
		payload = &DriverLocation{}
	case EventRiderPresent, EventRiderConfirmed, EventEndRide, EventJoinRide:
		payload = &RideRef{}
	case EventRejectRide:
		payload = &RejectRide{}
	case EventSubmitRating:
		payload = &SubmitRating{}
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidPayload, env.Event)
	}
	if err := json.Unmarshal(env.Data, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// Frame is an outbound message.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	AckID uint64      `json:"ackId,omitempty"`
}

// Ack is the data carried by an "ack" frame. Result holds any
// event-specific payload, e.g. the ride id for a requested ride.
type Ack struct {
	OK     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

func AckFrame(ackID uint64, err error) Frame {
	a := Ack{OK: err == nil}
	if err != nil {
		a.Error = err.Error()
	}
	return Frame{Event: EventAck, Data: a, AckID: ackID}
}

// NewRide is broadcast to drivers when a ride is requested. It deliberately
// has no OTP field.
type NewRide struct {
	RideID       string       `json:"rideId"`
	Pickup       string       `json:"pickup"`
	Drop         string       `json:"drop"`
	Price        float64      `json:"price"`
	PickupCoords models.Coord `json:"pickupCoords"`
	DropCoords   models.Coord `json:"dropCoords"`
	RiderConnID  string       `json:"riderConnId"`
	Name         string       `json:"name"`
	RideType     string       `json:"rideType"`
}

func NewRideFrom(r *models.Ride) NewRide {
	return NewRide{
		RideID:       r.ID,
		Pickup:       r.Pickup,
		Drop:         r.Drop,
		Price:        r.Price,
		PickupCoords: r.PickupCoord,
		DropCoords:   r.DropCoord,
		RiderConnID:  r.RiderConnID,
		Name:         r.RiderName,
		RideType:     r.RideType,
	}
}

// RideAccepted goes to the rider only: it is the one place the OTP leaves
// the server besides the rider's own request ack.
type RideAccepted struct {
	DriverConnID string       `json:"driverConnId"`
	RideID       string       `json:"rideId"`
	DriverName   string       `json:"driverName"`
	DriverPhone  string       `json:"driverPhone"`
	RideType     string       `json:"rideType"`
	CarNumber    string       `json:"carNumber"`
	Pickup       string       `json:"pickup"`
	Drop         string       `json:"drop"`
	PickupTime   string       `json:"pickupTime"`
	PickupCoords models.Coord `json:"pickupCoords"`
	DropCoords   models.Coord `json:"dropCoords"`
	RiderName    string       `json:"riderName"`
	OTP          string       `json:"otp"`
}

type RideStatus struct {
	RideID string `json:"rideId"`
}

type RideCancelled struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason"`
}

type RideRated struct {
	RideID string `json:"rideId"`
	Role   string `json:"role"`
	Rating int    `json:"rating"`
}

type PeerDisconnected struct {
	RideID string `json:"rideId"`
	Role   string `json:"role"`
}

// Package router is the protocol entry point. It decodes inbound frames,
// applies registry transitions, and computes the notification set for each
// event. A handler failure is caught here and at worst fails its own
// acknowledgment; it can never take down another connection.
package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/directory"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/eta"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/otp"
	"github.com/example/ride-session/internal/protocol"
	"github.com/example/ride-session/internal/registry"
	"github.com/example/ride-session/internal/relay"
	"github.com/example/ride-session/internal/storage"
)

const defaultCarNumber = "PB10XX1234"

type Router struct {
	Registry  *registry.Registry
	Directory *directory.Directory
	Sessions  *dispatch.WSRegistry
	Relay     *relay.Relay
	Verifier  *otp.Verifier
	ETAClient eta.Client // optional routing service
	ETACache  *eta.Cache // optional
	Store     storage.RideStore
	Logger    *slog.Logger

	now func() time.Time
}

func New(reg *registry.Registry, dir *directory.Directory, sessions *dispatch.WSRegistry, rel *relay.Relay, verifier *otp.Verifier, store storage.RideStore, logger *slog.Logger) *Router {
	return &Router{
		Registry:  reg,
		Directory: dir,
		Sessions:  sessions,
		Relay:     rel,
		Verifier:  verifier,
		Store:     store,
		Logger:    logger,
		now:       time.Now,
	}
}

// Connect registers a new connection. Drivers are replayed the rides still
// waiting for a match so late joiners discover them without polling.
func (rt *Router) Connect(connID string, role directory.Role, conn dispatch.Conn) {
	rt.Sessions.Add(connID, conn)
	rt.Directory.Add(connID, role)
	observability.ConnectionsLive.Inc()
	rt.Logger.Info("connected", "conn_id", connID, "role", role)

	if role == directory.RoleDriver {
		for _, ride := range rt.Registry.Requested() {
			if rt.Directory.Rejected(connID, ride.ID) {
				continue
			}
			_ = rt.Sessions.Send(connID, protocol.Frame{Event: protocol.EventNewRide, Data: protocol.NewRideFrom(&ride)})
		}
	}
}

// Disconnect removes the connection's directory entry and sessions. The ride
// itself is never mutated; if the connection was on a ride, the counterpart
// is told the peer dropped so the client can decide what to show.
func (rt *Router) Disconnect(connID string) {
	role, _ := rt.Directory.Role(connID)
	if rideID, ok := rt.Directory.Ride(connID); ok {
		frame := protocol.Frame{
			Event: protocol.EventPeerDisconnected,
			Data:  protocol.PeerDisconnected{RideID: rideID, Role: string(role)},
		}
		for _, member := range rt.Sessions.Members(rideID) {
			if member != connID {
				_ = rt.Sessions.Send(member, frame)
			}
		}
	}
	rt.Sessions.Remove(connID)
	rt.Directory.Remove(connID)
	observability.ConnectionsLive.Dec()
	rt.Logger.Info("disconnected", "conn_id", connID)
}

// Dispatch processes one raw frame from a connection. Malformed frames on
// acknowledged events fail their own ack; fire-and-forget ones are dropped
// with a warning. Panics in a handler are contained to this frame.
func (rt *Router) Dispatch(connID string, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.Logger.Error("event handler panic", "conn_id", connID, "error", rec)
		}
	}()

	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		rt.Logger.Warn("unparseable frame dropped", "conn_id", connID, "error", err)
		return
	}

	payload, err := protocol.Decode(&env)
	if err != nil {
		rt.fail(connID, &env, err)
		return
	}

	switch p := payload.(type) {
	case *protocol.RideRequest:
		rt.handleRideRequest(connID, &env, p)
	case *protocol.AcceptRide:
		rt.handleAcceptRide(connID, &env, p)
	case *protocol.VerifyOTP:
		rt.handleVerifyOTP(connID, &env, p)
	case *protocol.DriverLocation:
		_ = rt.Relay.Forward(connID, p.RideID, p.Coords)
	case *protocol.RideRef:
		rt.handleRideRef(connID, &env, p)
	case *protocol.RejectRide:
		rt.handleRejectRide(connID, p)
	case *protocol.SubmitRating:
		rt.handleSubmitRating(connID, &env, p)
	}
}

// fail reports an event error back on the ack channel when one exists and
// logs it otherwise. Nothing propagates past this point.
func (rt *Router) fail(connID string, env *protocol.Envelope, err error) {
	if env.Acknowledged() {
		_ = rt.Sessions.Send(connID, protocol.AckFrame(env.AckID, err))
		return
	}
	rt.Logger.Warn("event dropped", "conn_id", connID, "event", env.Event, "error", err)
}

func (rt *Router) ack(connID string, env *protocol.Envelope, result interface{}) {
	if !env.Acknowledged() {
		return
	}
	frame := protocol.AckFrame(env.AckID, nil)
	if result != nil {
		a := frame.Data.(protocol.Ack)
		a.Result = result
		frame.Data = a
	}
	_ = rt.Sessions.Send(connID, frame)
}

func (rt *Router) handleRideRequest(connID string, env *protocol.Envelope, p *protocol.RideRequest) {
	if role, ok := rt.Directory.Role(connID); !ok || role != directory.RoleRider {
		rt.fail(connID, env, errors.New("only riders may request rides"))
		return
	}

	ride, err := rt.Registry.Create(registry.Request{
		Pickup:      p.Pickup,
		Drop:        p.Drop,
		Price:       p.Price,
		PickupCoord: p.PickupCoords,
		DropCoord:   p.DropCoords,
		RiderConnID: connID,
		RiderName:   p.Name,
		RideType:    p.RideType,
	})
	if err != nil {
		rt.fail(connID, env, err)
		return
	}

	rt.Directory.SetRide(connID, ride.ID)
	rt.Sessions.Join(ride.ID, connID)
	observability.RidesRequested.Inc()
	rt.archive(true, &ride)
	rt.Logger.Info("ride requested", "ride_id", ride.ID, "rider", connID, "pickup", ride.Pickup, "drop", ride.Drop)

	// drivers must discover unmatched rides, so this one event fans out to
	// every driver; the OTP never rides along
	frame := protocol.Frame{Event: protocol.EventNewRide, Data: protocol.NewRideFrom(&ride)}
	rt.Sessions.SendAll(rt.Directory.Connections(directory.RoleDriver), frame)

	rt.ack(connID, env, map[string]string{"rideId": ride.ID, "otp": ride.OTP})
}

func (rt *Router) handleAcceptRide(connID string, env *protocol.Envelope, p *protocol.AcceptRide) {
	if role, ok := rt.Directory.Role(connID); !ok || role != directory.RoleDriver {
		rt.fail(connID, env, errors.New("only drivers may accept rides"))
		return
	}

	carNumber := p.CarNumber
	if carNumber == "" {
		carNumber = defaultCarNumber
	}

	ride, err := rt.Registry.Transition(p.RideID, models.StatusRequested, models.StatusAccepted, func(r *models.Ride) {
		r.DriverConnID = connID
		r.DriverName = p.DriverName
		r.DriverPhone = p.DriverPhone
		r.CarNumber = carNumber
		if p.RideType != "" {
			r.RideType = p.RideType
		}
	})
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			observability.AcceptConflicts.Inc()
		}
		rt.fail(connID, env, err)
		return
	}

	rt.Directory.SetRide(connID, ride.ID)
	rt.Directory.ForgetRide(ride.ID)
	rt.Sessions.Join(ride.ID, connID)
	observability.RidesAccepted.Inc()
	rt.archive(false, &ride)
	rt.Logger.Info("ride accepted", "ride_id", ride.ID, "driver", connID)

	accepted := protocol.RideAccepted{
		DriverConnID: connID,
		RideID:       ride.ID,
		DriverName:   ride.DriverName,
		DriverPhone:  ride.DriverPhone,
		RideType:     ride.RideType,
		CarNumber:    ride.CarNumber,
		Pickup:       ride.Pickup,
		Drop:         ride.Drop,
		PickupTime:   rt.pickupTime(p.Coords, ride.PickupCoord),
		PickupCoords: ride.PickupCoord,
		DropCoords:   ride.DropCoord,
		RiderName:    ride.RiderName,
		OTP:          ride.OTP,
	}
	// rider only: this payload carries the OTP
	_ = rt.Sessions.Send(ride.RiderConnID, protocol.Frame{Event: protocol.EventRideAccepted, Data: accepted})

	rt.ack(connID, env, map[string]string{"rideId": ride.ID})
}

// pickupTime estimates when the driver reaches the pickup point by asking
// the routing service, falling back to the current clock time when there is
// no service, no driver position, or no route.
func (rt *Router) pickupTime(from *models.Coord, pickup models.Coord) string {
	at := rt.now()
	if rt.ETAClient != nil && from != nil {
		if secs, ok := rt.estimate(*from, pickup); ok {
			at = at.Add(time.Duration(secs) * time.Second)
		}
	}
	return at.Format("03:04 PM")
}

func (rt *Router) estimate(from, to models.Coord) (float64, bool) {
	if rt.ETACache != nil {
		if v, ok := rt.ETACache.Get(from, to); ok {
			return v, true
		}
	}
	secs, err := rt.ETAClient.EstimateSeconds(from, to)
	if err != nil {
		rt.Logger.Warn("eta lookup failed", "error", err)
		return 0, false
	}
	if rt.ETACache != nil {
		rt.ETACache.Set(from, to, secs)
	}
	return secs, true
}

func (rt *Router) handleVerifyOTP(connID string, env *protocol.Envelope, p *protocol.VerifyOTP) {
	ride, err := rt.Registry.Find(p.RideID)
	if err != nil {
		rt.fail(connID, env, err)
		return
	}
	if ride.Status != models.StatusAccepted {
		observability.OTPFailures.Inc()
		rt.fail(connID, env, registry.ErrConflict)
		return
	}
	if err := rt.Verifier.Check(p.RideID, ride.OTP, p.OTP); err != nil {
		observability.OTPFailures.Inc()
		rt.Logger.Info("otp rejected", "ride_id", p.RideID, "attempts", rt.Verifier.Attempts(p.RideID), "error", err)
		rt.fail(connID, env, err)
		return
	}

	started, err := rt.Registry.Transition(p.RideID, models.StatusAccepted, models.StatusStarted, nil)
	if err != nil {
		// lost a race with another verification of the same ride; the ride
		// started exactly once either way
		rt.fail(connID, env, err)
		return
	}

	observability.OTPSuccesses.Inc()
	observability.RidesStarted.Inc()
	rt.archive(false, &started)
	rt.Logger.Info("ride started", "ride_id", started.ID)

	rt.Sessions.SendRoom(started.ID, protocol.Frame{Event: protocol.EventRideStarted, Data: protocol.RideStatus{RideID: started.ID}})
	rt.ack(connID, env, nil)
}

func (rt *Router) handleRideRef(connID string, env *protocol.Envelope, p *protocol.RideRef) {
	switch env.Event {
	case protocol.EventJoinRide:
		if _, err := rt.Registry.Find(p.RideID); err != nil {
			rt.fail(connID, env, err)
			return
		}
		rt.Sessions.Join(p.RideID, connID)
		rt.Directory.SetRide(connID, p.RideID)
		_ = rt.Sessions.Send(connID, protocol.Frame{Event: protocol.EventJoinedRide, Data: protocol.RideStatus{RideID: p.RideID}})
		rt.ack(connID, env, nil)

	case protocol.EventRiderPresent, protocol.EventRiderConfirmed:
		if _, err := rt.Registry.Find(p.RideID); err != nil {
			rt.fail(connID, env, err)
			return
		}
		// scoped to the ride's room: unrelated connections never see
		// another ride's presence signals
		rt.Sessions.SendRoom(p.RideID, protocol.Frame{Event: env.Event, Data: protocol.RideStatus{RideID: p.RideID}})
		rt.ack(connID, env, nil)

	case protocol.EventEndRide:
		ended, err := rt.Registry.Transition(p.RideID, models.StatusStarted, models.StatusEnded, nil)
		if err != nil {
			rt.fail(connID, env, err)
			return
		}
		observability.RidesEnded.Inc()
		rt.archive(false, &ended)
		rt.Logger.Info("ride ended", "ride_id", ended.ID)
		rt.Sessions.SendRoom(ended.ID, protocol.Frame{Event: protocol.EventRideEnded, Data: protocol.RideStatus{RideID: ended.ID}})
		rt.ack(connID, env, nil)
	}
}

func (rt *Router) handleRejectRide(connID string, p *protocol.RejectRide) {
	// narrows this driver's view only; the ride stays visible to everyone else
	rt.Directory.Reject(connID, p.RideID)
	rt.Logger.Info("ride rejected", "ride_id", p.RideID, "driver", connID, "driver_name", p.DriverName)
}

func (rt *Router) handleSubmitRating(connID string, env *protocol.Envelope, p *protocol.SubmitRating) {
	ride, err := rt.Registry.Rate(p.RideID, p.Role, p.Rating)
	if err != nil {
		rt.fail(connID, env, err)
		return
	}
	frame := protocol.Frame{Event: protocol.EventRideRated, Data: protocol.RideRated{RideID: ride.ID, Role: p.Role, Rating: p.Rating}}
	for _, member := range rt.Sessions.Members(ride.ID) {
		if member != connID {
			_ = rt.Sessions.Send(member, frame)
		}
	}
	rt.ack(connID, env, nil)
}

// archive writes the ride snapshot to the store, best-effort. The registry
// remains authoritative whatever happens here.
func (rt *Router) archive(create bool, ride *models.Ride) {
	if rt.Store == nil {
		return
	}
	var err error
	if create {
		err = rt.Store.SaveRide(ride.Snapshot())
	} else {
		err = rt.Store.UpdateRide(ride.Snapshot())
	}
	if err != nil {
		rt.Logger.Warn("ride archive write failed", "ride_id", ride.ID, "error", err)
	}
}

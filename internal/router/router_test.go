package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-session/internal/directory"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/otp"
	"github.com/example/ride-session/internal/protocol"
	"github.com/example/ride-session/internal/registry"
	"github.com/example/ride-session/internal/relay"
	"github.com/example/ride-session/internal/storage"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.Frame
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v.(protocol.Frame))
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) frames(event string) []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Frame
	for _, fr := range f.sent {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeConn) lastAck(t *testing.T) protocol.Ack {
	t.Helper()
	acks := f.frames(protocol.EventAck)
	if len(acks) == 0 {
		t.Fatal("expected an ack frame")
	}
	return acks[len(acks)-1].Data.(protocol.Ack)
}

type harness struct {
	rt    *Router
	reg   *registry.Registry
	ackID uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.Default()
	reg := registry.New()
	dir := directory.New()
	sessions := dispatch.NewWSRegistry(logger)
	rel := &relay.Relay{Registry: reg, Sessions: sessions, Logger: logger}
	rt := New(reg, dir, sessions, rel, otp.NewVerifier(5), storage.NewMemoryStore(), logger)
	return &harness{rt: rt, reg: reg}
}

func (h *harness) connect(id string, role directory.Role) *fakeConn {
	c := &fakeConn{}
	h.rt.Connect(id, role, c)
	return c
}

func (h *harness) send(t *testing.T, connID, event string, data interface{}) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(protocol.Envelope{Event: event, Data: b})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	h.rt.Dispatch(connID, raw)
}

func (h *harness) sendAcked(t *testing.T, connID, event string, data interface{}) {
	t.Helper()
	h.ackID++
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(protocol.Envelope{Event: event, Data: b, AckID: h.ackID})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	h.rt.Dispatch(connID, raw)
}

func validRequest() map[string]interface{} {
	return map[string]interface{}{
		"pickup": "A", "drop": "B", "price": 200,
		"pickupCoords": map[string]float64{"latitude": 30.7, "longitude": 76.7},
		"dropCoords":   map[string]float64{"latitude": 30.8, "longitude": 76.8},
		"name":         "Asha", "rideType": "Standard",
	}
}

// requestRide runs the rider's request and returns the ride id the driver
// learned from the newRide broadcast.
func requestRide(t *testing.T, h *harness, rider string, driver *fakeConn) string {
	t.Helper()
	h.send(t, rider, protocol.EventRideRequest, validRequest())
	offers := driver.frames(protocol.EventNewRide)
	if len(offers) == 0 {
		t.Fatal("driver saw no newRide broadcast")
	}
	return offers[len(offers)-1].Data.(protocol.NewRide).RideID
}

func TestFullRideScenario(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", driver)

	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{
		"rideId": rideID, "driverName": "Dev", "driverPhone": "9876543210", "rideType": "Standard",
	})

	accepted := rider.frames(protocol.EventRideAccepted)
	if len(accepted) != 1 {
		t.Fatalf("expected 1 rideAccepted to rider, got %d", len(accepted))
	}
	acc := accepted[0].Data.(protocol.RideAccepted)
	if len(acc.OTP) != 4 {
		t.Fatalf("expected 4-digit otp, got %q", acc.OTP)
	}
	if acc.CarNumber == "" {
		t.Fatal("expected a carNumber")
	}
	if acc.PickupTime == "" {
		t.Fatal("expected a pickupTime")
	}

	// wrong code first; pick one that cannot collide with the real otp
	wrong := "0000"
	if acc.OTP == wrong {
		wrong = "1111"
	}
	h.sendAcked(t, "driver-1", protocol.EventVerifyOTP, map[string]string{"rideId": rideID, "otp": wrong})
	if ack := driver.lastAck(t); ack.OK {
		t.Fatal("wrong otp must be acked false")
	}
	if ride, _ := h.reg.Find(rideID); ride.Status != models.StatusAccepted {
		t.Fatalf("status must stay accepted after a miss, got %s", ride.Status)
	}

	h.sendAcked(t, "driver-1", protocol.EventVerifyOTP, map[string]string{"rideId": rideID, "otp": acc.OTP})
	if ack := driver.lastAck(t); !ack.OK {
		t.Fatalf("correct otp must be acked true, got %+v", ack)
	}
	if len(rider.frames(protocol.EventRideStarted)) != 1 || len(driver.frames(protocol.EventRideStarted)) != 1 {
		t.Fatal("both parties must see rideStarted exactly once")
	}
	if ride, _ := h.reg.Find(rideID); ride.Status != models.StatusStarted {
		t.Fatalf("expected started, got %s", ride.Status)
	}

	// a repeat of the correct code must not re-fire rideStarted
	h.sendAcked(t, "driver-1", protocol.EventVerifyOTP, map[string]string{"rideId": rideID, "otp": acc.OTP})
	if ack := driver.lastAck(t); ack.OK {
		t.Fatal("verify after start must fail")
	}
	if len(rider.frames(protocol.EventRideStarted)) != 1 {
		t.Fatal("rideStarted re-fired")
	}

	h.send(t, "driver-1", protocol.EventEndRide, map[string]string{"rideId": rideID})
	if len(rider.frames(protocol.EventRideEnded)) != 1 || len(driver.frames(protocol.EventRideEnded)) != 1 {
		t.Fatal("both parties must see rideEnded")
	}
	if ride, _ := h.reg.Find(rideID); ride.Status != models.StatusEnded {
		t.Fatalf("expected ended, got %s", ride.Status)
	}
}

func TestSecondAcceptLoses(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	d1 := h.connect("driver-1", directory.RoleDriver)
	h.connect("driver-2", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", d1)

	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{"rideId": rideID, "driverName": "First"})
	h.sendAcked(t, "driver-2", protocol.EventAcceptRide, map[string]string{"rideId": rideID, "driverName": "Second"})

	if len(rider.frames(protocol.EventRideAccepted)) != 1 {
		t.Fatal("rider must see exactly one rideAccepted")
	}
	ride, _ := h.reg.Find(rideID)
	if ride.DriverConnID != "driver-1" {
		t.Fatalf("winner overwritten: %q", ride.DriverConnID)
	}
	if ride.DriverName != "First" {
		t.Fatalf("loser mutated the ride: %q", ride.DriverName)
	}
}

func TestPresenceScopedToRide(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)
	bystander := h.connect("rider-2", directory.RoleRider)

	rideID := requestRide(t, h, "rider-1", driver)
	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{"rideId": rideID})

	h.send(t, "driver-1", protocol.EventRiderPresent, map[string]string{"rideId": rideID})
	h.send(t, "rider-1", protocol.EventRiderConfirmed, map[string]string{"rideId": rideID})

	if len(rider.frames(protocol.EventRiderPresent)) != 1 || len(driver.frames(protocol.EventRiderPresent)) != 1 {
		t.Fatal("ride pair must see riderPresent")
	}
	if len(rider.frames(protocol.EventRiderConfirmed)) != 1 || len(driver.frames(protocol.EventRiderConfirmed)) != 1 {
		t.Fatal("ride pair must see riderConfirmed")
	}
	if n := len(bystander.frames(protocol.EventRiderPresent)) + len(bystander.frames(protocol.EventRiderConfirmed)); n != 0 {
		t.Fatalf("presence leaked to unrelated connection: %d frames", n)
	}
}

func TestLocationReachesRiderOnly(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)
	bystander := h.connect("rider-2", directory.RoleRider)

	rideID := requestRide(t, h, "rider-1", driver)
	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{"rideId": rideID})

	h.send(t, "driver-1", protocol.EventDriverLocation, map[string]interface{}{
		"rideId": rideID, "coords": map[string]float64{"latitude": 30.71, "longitude": 76.71},
	})
	if len(rider.frames(protocol.EventDriverLocation)) != 1 {
		t.Fatal("rider must receive the location")
	}
	if len(bystander.frames(protocol.EventDriverLocation)) != 0 {
		t.Fatal("location leaked")
	}

	// out of range: dropped before any delivery
	h.send(t, "driver-1", protocol.EventDriverLocation, map[string]interface{}{
		"rideId": rideID, "coords": map[string]float64{"latitude": 200, "longitude": 76.71},
	})
	if len(rider.frames(protocol.EventDriverLocation)) != 1 {
		t.Fatal("invalid location must not be relayed")
	}
}

func TestEndRideRequiresStarted(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", driver)
	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{"rideId": rideID})

	h.send(t, "driver-1", protocol.EventEndRide, map[string]string{"rideId": rideID})
	if len(rider.frames(protocol.EventRideEnded)) != 0 {
		t.Fatal("endRide before start must not emit rideEnded")
	}
	if ride, _ := h.reg.Find(rideID); ride.Status != models.StatusAccepted {
		t.Fatalf("status mutated out of order: %s", ride.Status)
	}
}

func TestOTPLockout(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", driver)
	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{"rideId": rideID})
	acc := rider.frames(protocol.EventRideAccepted)[0].Data.(protocol.RideAccepted)

	wrong := "0000"
	if acc.OTP == wrong {
		wrong = "1111"
	}
	for i := 0; i < 5; i++ {
		h.sendAcked(t, "driver-1", protocol.EventVerifyOTP, map[string]string{"rideId": rideID, "otp": wrong})
	}
	// correct code is now useless
	h.sendAcked(t, "driver-1", protocol.EventVerifyOTP, map[string]string{"rideId": rideID, "otp": acc.OTP})
	if ack := driver.lastAck(t); ack.OK {
		t.Fatal("locked-out ride must reject even the right code")
	}
	if ride, _ := h.reg.Find(rideID); ride.Status != models.StatusAccepted {
		t.Fatalf("locked-out ride must not start, got %s", ride.Status)
	}
}

func TestDriverReplayOnConnect(t *testing.T) {
	h := newHarness(t)
	h.connect("rider-1", directory.RoleRider)
	h.send(t, "rider-1", protocol.EventRideRequest, validRequest())

	late := h.connect("driver-late", directory.RoleDriver)
	offers := late.frames(protocol.EventNewRide)
	if len(offers) != 1 {
		t.Fatalf("late driver must be replayed open rides, got %d", len(offers))
	}
}

func TestRejectNarrowsOneDriverOnly(t *testing.T) {
	h := newHarness(t)
	h.connect("rider-1", directory.RoleRider)
	d1 := h.connect("driver-1", directory.RoleDriver)
	h.connect("driver-2", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", d1)
	h.send(t, "driver-1", protocol.EventRejectRide, map[string]string{"rideId": rideID, "driverName": "Dev"})

	if !h.rt.Directory.Rejected("driver-1", rideID) {
		t.Fatal("rejection not recorded")
	}
	if h.rt.Directory.Rejected("driver-2", rideID) {
		t.Fatal("rejection leaked to another driver")
	}
	if ride, _ := h.reg.Find(rideID); ride.Status != models.StatusRequested {
		t.Fatalf("reject must not mutate the ride, got %s", ride.Status)
	}
}

func TestRejectedRideNotReplayedOnReconnect(t *testing.T) {
	h := newHarness(t)
	h.connect("rider-1", directory.RoleRider)
	d1 := h.connect("driver-1", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", d1)
	h.send(t, "driver-1", protocol.EventRejectRide, map[string]string{"rideId": rideID, "driverName": "Dev"})

	h.rt.Disconnect("driver-1")
	back := h.connect("driver-1", directory.RoleDriver)
	if n := len(back.frames(protocol.EventNewRide)); n != 0 {
		t.Fatalf("rejected ride re-offered on reconnect: %d offers", n)
	}

	// a driver with no rejection on record still gets the replay
	fresh := h.connect("driver-2", directory.RoleDriver)
	if n := len(fresh.frames(protocol.EventNewRide)); n != 1 {
		t.Fatalf("open ride must be replayed to other drivers, got %d offers", n)
	}
}

func TestRatingRelayedToCounterpart(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", driver)
	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{"rideId": rideID})

	h.send(t, "rider-1", protocol.EventSubmitRating, map[string]interface{}{"rideId": rideID, "role": "rider", "rating": 5})

	if len(driver.frames(protocol.EventRideRated)) != 1 {
		t.Fatal("counterpart must see the rating")
	}
	if len(rider.frames(protocol.EventRideRated)) != 0 {
		t.Fatal("rating must not echo to the sender")
	}
	ride, _ := h.reg.Find(rideID)
	if ride.Ratings["rider"] != 5 {
		t.Fatalf("rating not recorded: %v", ride.Ratings)
	}
}

func TestJoinRide(t *testing.T) {
	h := newHarness(t)
	h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)
	observer := h.connect("rider-2", directory.RoleRider)

	rideID := requestRide(t, h, "rider-1", driver)

	h.sendAcked(t, "rider-2", protocol.EventJoinRide, map[string]string{"rideId": rideID})
	if !observer.lastAck(t).OK {
		t.Fatal("join of existing ride must succeed")
	}
	if len(observer.frames(protocol.EventJoinedRide)) != 1 {
		t.Fatal("expected joinedRide confirmation")
	}

	h.sendAcked(t, "rider-2", protocol.EventJoinRide, map[string]string{"rideId": "no-such"})
	if observer.lastAck(t).OK {
		t.Fatal("join of unknown ride must fail")
	}
}

func TestPeerDisconnectNotifiesCounterpart(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)

	rideID := requestRide(t, h, "rider-1", driver)
	h.send(t, "driver-1", protocol.EventAcceptRide, map[string]string{"rideId": rideID})

	h.rt.Disconnect("driver-1")

	notices := rider.frames(protocol.EventPeerDisconnected)
	if len(notices) != 1 {
		t.Fatalf("expected peerDisconnected, got %d", len(notices))
	}
	if data := notices[0].Data.(protocol.PeerDisconnected); data.RideID != rideID || data.Role != "driver" {
		t.Fatalf("unexpected notice %+v", data)
	}
	// the ride itself is untouched
	if ride, _ := h.reg.Find(rideID); ride.Status != models.StatusAccepted {
		t.Fatalf("disconnect must not mutate the ride, got %s", ride.Status)
	}
}

func TestMalformedFramesAreIsolated(t *testing.T) {
	h := newHarness(t)
	rider := h.connect("rider-1", directory.RoleRider)
	driver := h.connect("driver-1", directory.RoleDriver)

	h.rt.Dispatch("rider-1", []byte(`{nonsense`))
	h.rt.Dispatch("rider-1", []byte(`{"event":"warp","data":{}}`))
	h.rt.Dispatch("rider-1", []byte(`{"event":"rideRequest","data":{"pickup":"A"}}`))

	if len(h.reg.Requested()) != 0 {
		t.Fatal("invalid requests must not create rides")
	}
	if len(rider.sent) != 0 {
		t.Fatal("fire-and-forget junk must produce no reply")
	}

	// the connection still works afterwards
	rideID := requestRide(t, h, "rider-1", driver)
	if rideID == "" {
		t.Fatal("expected a working request after junk frames")
	}
}

func TestDriverCannotRequestRide(t *testing.T) {
	h := newHarness(t)
	h.connect("driver-1", directory.RoleDriver)
	h.send(t, "driver-1", protocol.EventRideRequest, validRequest())
	if len(h.reg.Requested()) != 0 {
		t.Fatal("driver-originated request must be dropped")
	}
}

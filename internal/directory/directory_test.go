package directory

import "testing"

func TestRolesAndRides(t *testing.T) {
	d := New()
	d.Add("c1", RoleRider)
	d.Add("c2", RoleDriver)

	if role, ok := d.Role("c1"); !ok || role != RoleRider {
		t.Fatalf("expected rider, got %v %v", role, ok)
	}
	if _, ok := d.Ride("c1"); ok {
		t.Fatal("expected no ride yet")
	}
	d.SetRide("c1", "ride-1")
	if rideID, ok := d.Ride("c1"); !ok || rideID != "ride-1" {
		t.Fatalf("expected ride-1, got %q %v", rideID, ok)
	}

	d.Remove("c1")
	if _, ok := d.Role("c1"); ok {
		t.Fatal("expected entry removed")
	}
}

func TestRejectIsPerConnection(t *testing.T) {
	d := New()
	d.Add("d1", RoleDriver)
	d.Add("d2", RoleDriver)

	d.Reject("d1", "ride-1")
	if !d.Rejected("d1", "ride-1") {
		t.Fatal("expected d1 rejection recorded")
	}
	if d.Rejected("d2", "ride-1") {
		t.Fatal("rejection must not leak to other drivers")
	}
}

func TestRejectSurvivesReconnect(t *testing.T) {
	d := New()
	d.Add("d1", RoleDriver)
	d.Reject("d1", "ride-1")

	d.Remove("d1")
	d.Add("d1", RoleDriver)
	if !d.Rejected("d1", "ride-1") {
		t.Fatal("rejection must survive a disconnect and reconnect")
	}
}

func TestForgetRideClearsRejections(t *testing.T) {
	d := New()
	d.Add("d1", RoleDriver)
	d.Add("d2", RoleDriver)
	d.Reject("d1", "ride-1")
	d.Reject("d2", "ride-1")
	d.Reject("d2", "ride-2")

	d.ForgetRide("ride-1")
	if d.Rejected("d1", "ride-1") || d.Rejected("d2", "ride-1") {
		t.Fatal("expected ride-1 rejections cleared")
	}
	if !d.Rejected("d2", "ride-2") {
		t.Fatal("unrelated rejection must survive")
	}
}

func TestConnectionsByRole(t *testing.T) {
	d := New()
	d.Add("r1", RoleRider)
	d.Add("d1", RoleDriver)
	d.Add("d2", RoleDriver)

	drivers := d.Connections(RoleDriver)
	if len(drivers) != 2 {
		t.Fatalf("expected 2 drivers, got %v", drivers)
	}
	riders := d.Connections(RoleRider)
	if len(riders) != 1 || riders[0] != "r1" {
		t.Fatalf("expected [r1], got %v", riders)
	}
}

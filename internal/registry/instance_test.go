package registry

import (
	"errors"
	"testing"
	"time"

	"svcregistry/internal/clock"
)

func TestNewServiceInstanceDefaultsVersionToWallClock(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	inst := NewServiceInstance(NewServiceInstanceParams{
		ServiceType: "web",
		ServiceID:   "w1",
		Host:        "10.0.0.1",
		Port:        8080,
		OriginPeer:  "p1",
		Now:         now,
	})
	if inst.Version != now.UnixMilli() {
		t.Fatalf("expected version to default to wall-clock, got %d", inst.Version)
	}
	if !inst.Healthy {
		t.Fatal("a freshly created instance must default to healthy")
	}
	if inst.Clock.Get("p1") != 1 {
		t.Fatalf("expected origin peer's clock to be incremented to 1, got %d", inst.Clock.Get("p1"))
	}
}

func TestNewServiceInstanceIncrementsPriorClock(t *testing.T) {
	prior := clock.FromMap(map[string]uint64{"p1": 4})
	inst := NewServiceInstance(NewServiceInstanceParams{
		ServiceType:    "web",
		ServiceID:      "w1",
		Host:           "10.0.0.1",
		Port:           8080,
		OriginPeer:     "p1",
		PriorPeerClock: prior,
		Now:            time.Now(),
	})
	if inst.Clock.Get("p1") != 5 {
		t.Fatalf("expected prior clock incremented to 5, got %d", inst.Clock.Get("p1"))
	}
}

func TestValidateRejectsEmptyFields(t *testing.T) {
	cases := []ServiceInstance{
		{ServiceType: "", ServiceID: "w1", Host: "h", Port: 80},
		{ServiceType: "web", ServiceID: "", Host: "h", Port: 80},
		{ServiceType: "web", ServiceID: "w1", Host: "", Port: 80},
		{ServiceType: "web", ServiceID: "w1", Host: "h", Port: -1},
		{ServiceType: "web", ServiceID: "w1", Host: "h", Port: 70000},
	}
	for i, c := range cases {
		if err := c.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestValidateAcceptsBoundaryPorts(t *testing.T) {
	for _, port := range []int{0, 65535} {
		inst := ServiceInstance{ServiceType: "web", ServiceID: "w1", Host: "h", Port: port}
		if err := inst.Validate(); err != nil {
			t.Fatalf("port %d should be valid, got %v", port, err)
		}
	}
}

func TestWithHealthyLeavesMetadataAndVersionUntouched(t *testing.T) {
	inst := NewServiceInstance(NewServiceInstanceParams{
		ServiceType: "web", ServiceID: "w1", Host: "10.0.0.1", Port: 8080,
		Metadata: map[string]string{"v": "1.0"}, OriginPeer: "p1", Now: time.Now(),
	})
	updated := inst.WithHealthy(false, time.Now())
	if updated.Version != inst.Version {
		t.Fatal("WithHealthy must not change version")
	}
	if updated.Metadata["v"] != "1.0" {
		t.Fatal("WithHealthy must not change metadata")
	}
	if updated.Healthy {
		t.Fatal("expected healthy flag flipped to false")
	}
}

func TestCloneIsIndependentOfMetadataMutation(t *testing.T) {
	inst := NewServiceInstance(NewServiceInstanceParams{
		ServiceType: "web", ServiceID: "w1", Host: "10.0.0.1", Port: 8080,
		Metadata: map[string]string{"v": "1.0"}, OriginPeer: "p1", Now: time.Now(),
	})
	clone := inst.Clone()
	clone.Metadata["v"] = "2.0"
	if inst.Metadata["v"] != "1.0" {
		t.Fatal("mutating a clone's metadata must not affect the original")
	}
}

func TestKeyString(t *testing.T) {
	k := Key{ServiceType: "web", ServiceID: "w1"}
	if k.String() != "web/w1" {
		t.Fatalf("unexpected key string: %s", k.String())
	}
}

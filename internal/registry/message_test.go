package registry

import (
	"testing"
	"time"

	"svcregistry/internal/clock"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	inst := NewServiceInstance(NewServiceInstanceParams{
		ServiceType: "web",
		ServiceID:   "w1",
		Host:        "10.0.0.1",
		Port:        8080,
		Metadata:    map[string]string{"v": "1.0"},
		OriginPeer:  "p1",
		Now:         time.UnixMilli(1000),
	})
	msg := NewMessage(MessageServiceRegister, "p1", time.UnixMilli(1000))
	msg.Instance = &inst
	msg.Snapshot = Snapshot{"web": {"w1": inst}}

	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Type != msg.Type || got.SenderID != msg.SenderID || got.MessageID != msg.MessageID {
		t.Fatalf("envelope mismatch: got %+v", got)
	}
	if got.Instance == nil || got.Instance.Host != "10.0.0.1" || got.Instance.Port != 8080 {
		t.Fatalf("instance payload mismatch: %+v", got.Instance)
	}
	if got.Instance.Metadata["v"] != "1.0" {
		t.Fatalf("metadata lost in round trip: %+v", got.Instance.Metadata)
	}
	if !got.Instance.Clock.Equal(inst.Clock) {
		t.Fatalf("vector clock lost in round trip: %+v vs %+v", got.Instance.Clock.Map(), inst.Clock.Map())
	}
	if got.Snapshot["web"]["w1"].ServiceID != "w1" {
		t.Fatalf("snapshot payload lost in round trip: %+v", got.Snapshot)
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	a := NewMessage(MessageHeartbeat, "p1", time.Now())
	b := NewMessage(MessageHeartbeat, "p1", time.Now())
	if a.MessageID == b.MessageID {
		t.Fatal("expected distinct message ids")
	}
}

func TestCanPropagateRespectsMaxHops(t *testing.T) {
	m := NewMessage(MessageSyncRequest, "p1", time.Now())
	m.MaxHops = 2
	if !m.CanPropagate() {
		t.Fatal("fresh message should be propagatable")
	}
	m.HopCount = 2
	if m.CanPropagate() {
		t.Fatal("message at maxHops must not propagate")
	}
}

func TestIncrementHopAddsVisitedAndDoesNotMutateOriginal(t *testing.T) {
	m := NewMessage(MessageSyncRequest, "p1", time.Now())
	next := m.IncrementHop("p2")

	if m.HopCount != 0 {
		t.Fatal("IncrementHop mutated the original's hop count")
	}
	if m.HasVisited("p2") {
		t.Fatal("IncrementHop mutated the original's visited set")
	}
	if next.HopCount != 1 {
		t.Fatalf("expected hop count 1, got %d", next.HopCount)
	}
	if !next.HasVisited("p2") || !next.HasVisited("p1") {
		t.Fatal("expected both p1 (sender) and p2 (forwarder) in visited set")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.UnixMilli(100_000)
	m := NewMessage(MessageHeartbeat, "p1", now)

	if m.IsExpired(now.Add(10*time.Second), 30*time.Second) {
		t.Fatal("message within TTL should not be expired")
	}
	if !m.IsExpired(now.Add(31*time.Second), 30*time.Second) {
		t.Fatal("message past TTL should be expired")
	}
}

func TestIncrementHopClonesInstance(t *testing.T) {
	inst := NewServiceInstance(NewServiceInstanceParams{
		ServiceType: "web", ServiceID: "w1", Host: "h", Port: 1,
		OriginPeer: "p1", Now: time.Now(), PriorPeerClock: clock.New(),
	})
	m := NewMessage(MessageServiceRegister, "p1", time.Now())
	m.Instance = &inst

	next := m.IncrementHop("p2")
	next.Instance.Host = "mutated"

	if m.Instance.Host == "mutated" {
		t.Fatal("IncrementHop must deep-copy the instance payload")
	}
}

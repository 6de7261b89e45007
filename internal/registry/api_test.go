package registry

import (
	"context"
	"errors"
	"testing"
)

func newTestNode(t *testing.T, net *fakeWireNetwork, peerID, addr string) (*Node, func()) {
	t.Helper()
	cfg := Config{
		Peer:   PeerConfig{PeerID: peerID},
		Gossip: testGossipConfig(),
	}
	node := NewNode(cfg, net.newSender(addr))
	ctx, cancel := context.WithCancel(context.Background())
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start node %s: %v", peerID, err)
	}
	return node, func() {
		node.Stop()
		cancel()
	}
}

func TestNodeStartStopIsIdempotent(t *testing.T) {
	net := newFakeWireNetwork()
	node, stop := newTestNode(t, net, "p1", "p1:1")
	defer stop()

	ctx := context.Background()
	if err := node.Start(ctx); err != nil {
		t.Fatalf("second start must be a no-op, got %v", err)
	}
	if err := node.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := node.Stop(); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
}

func TestNodeRestartDropsStateAndAcceptsOperations(t *testing.T) {
	net := newFakeWireNetwork()
	node, stop := newTestNode(t, net, "p1", "p1:1")
	defer stop()

	node.Register("web", "w1", "10.0.0.1", 8080, nil)
	node.Stop()

	if _, err := node.Register("web", "w2", "10.0.0.2", 8080, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}

	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if _, found, _ := node.Get("web", "w1"); found {
		t.Fatal("expected the table dropped across stop/start; state is rebuilt from gossip")
	}
	ok, err := node.Register("web", "w2", "10.0.0.2", 8080, nil)
	if err != nil || !ok {
		t.Fatalf("expected registration to succeed after restart, ok=%v err=%v", ok, err)
	}
}

func TestNodeRegisterDiscoverGetRoundTrip(t *testing.T) {
	net := newFakeWireNetwork()
	node, stop := newTestNode(t, net, "p1", "p1:1")
	defer stop()

	ok, err := node.Register("web", "w1", "10.0.0.1", 8080, map[string]string{"v": "1.0"})
	if err != nil || !ok {
		t.Fatalf("register: ok=%v err=%v", ok, err)
	}

	inst, found, err := node.Get("web", "w1")
	if err != nil || !found || inst.Host != "10.0.0.1" {
		t.Fatalf("get: inst=%+v found=%v err=%v", inst, found, err)
	}

	instances, err := node.Discover("web")
	if err != nil || len(instances) != 1 {
		t.Fatalf("discover: %v %v", instances, err)
	}
}

func TestNodeUpdateHealthAndDeregister(t *testing.T) {
	net := newFakeWireNetwork()
	node, stop := newTestNode(t, net, "p1", "p1:1")
	defer stop()

	node.Register("web", "w1", "10.0.0.1", 8080, nil)
	if ok, err := node.UpdateHealth("web", "w1", false); err != nil || !ok {
		t.Fatalf("update health: ok=%v err=%v", ok, err)
	}
	instances, _ := node.Discover("web")
	if len(instances) != 0 {
		t.Fatalf("expected unhealthy instance excluded from discover, got %v", instances)
	}

	if ok, err := node.Deregister("web", "w1"); err != nil || !ok {
		t.Fatalf("deregister: ok=%v err=%v", ok, err)
	}
	if _, found, _ := node.Get("web", "w1"); found {
		t.Fatal("expected entry gone after deregister")
	}
}

func TestNodeSnapshotAndPeerManagement(t *testing.T) {
	net := newFakeWireNetwork()
	node, stop := newTestNode(t, net, "p1", "p1:1")
	defer stop()

	node.Register("web", "w1", "10.0.0.1", 8080, nil)
	snap, err := node.Snapshot()
	if err != nil || len(snap["web"]) != 1 {
		t.Fatalf("snapshot: %v %v", snap, err)
	}

	node.AddPeer("p2:2")
	if peers := node.KnownPeers(); len(peers) != 1 || peers[0] != "p2:2" {
		t.Fatalf("expected known peer p2:2, got %v", peers)
	}
	node.RemovePeer("p2:2")
	if len(node.KnownPeers()) != 0 {
		t.Fatal("expected peer removed")
	}
}

func TestNodeLocateDelegatesToLocator(t *testing.T) {
	net := newFakeWireNetwork()
	node, stop := newTestNode(t, net, "p1", "p1:1")
	defer stop()

	node.Register("web", "w1", "10.0.0.1", 8080, nil)
	inst, found, err := node.Locate("web")
	if err != nil || !found || inst.ServiceID != "w1" {
		t.Fatalf("locate: inst=%+v found=%v err=%v", inst, found, err)
	}
}

func TestNodeStatisticsReportsExpectedKeys(t *testing.T) {
	net := newFakeWireNetwork()
	node, stop := newTestNode(t, net, "p1", "p1:1")
	defer stop()

	node.Register("web", "w1", "10.0.0.1", 8080, nil)
	node.TriggerReconciliation()

	stats := node.Statistics()
	for _, key := range []string{
		"registryVersion", "conflictsDetected", "knownPeerCount", "peerReliabilityAvg",
		"antiEntropy.attempted", "antiEntropy.succeeded", "antiEntropy.failed",
		"antiEntropy.servicesReconciled", "antiEntropy.conflictsDetected",
	} {
		if _, ok := stats[key]; !ok {
			t.Fatalf("expected statistics to contain key %q, got %v", key, stats)
		}
	}
	if stats["registryVersion"].(int64) == 0 {
		t.Fatal("expected registryVersion to reflect the register above")
	}
}

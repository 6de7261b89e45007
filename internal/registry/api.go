package registry

import (
	"context"
	"sync"

	"svcregistry/internal/logging"
)

// Node is the public wiring type: it owns GossipTransport, Registry,
// AntiEntropyService and ServiceLocator, and exposes the in-process API.
// Construction order matters: the transport is built first, then Registry
// is handed a reference to it and registers its handlers in NewRegistry,
// which keeps the two from depending on each other cyclically.
type Node struct {
	cfg Config
	log *logging.Logger

	transport   *GossipTransport
	registry    *Registry
	antiEntropy *AntiEntropyService
	locator     *ServiceLocator

	mu      sync.Mutex
	running bool
}

// NewNode wires a full registry node. wire is the WireSender the transport
// should use for network I/O (GRPCWireSender in production, an in-memory
// fake in tests).
func NewNode(cfg Config, wire WireSender) *Node {
	cfg = cfg.WithDefaults()

	transport := NewGossipTransport(cfg.Peer.PeerID, cfg.Gossip, wire)
	registry := NewRegistry(cfg, transport)
	antiEntropy := NewAntiEntropyService(cfg.Peer.PeerID, cfg.AntiEntropy, transport, registry)
	locator := NewServiceLocator(cfg.Locator, registry)

	return &Node{
		cfg:         cfg,
		log:         logging.New("node").WithPeer(cfg.Peer.PeerID),
		transport:   transport,
		registry:    registry,
		antiEntropy: antiEntropy,
		locator:     locator,
	}
}

// Start brings up the transport, the registry (which adds bootstrap peers
// and requests a sync), and the anti-entropy scheduler.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}
	if err := n.registry.Start(ctx); err != nil {
		return err
	}
	if err := n.antiEntropy.Start(ctx); err != nil {
		n.log.Warn("anti-entropy failed to start, continuing without it: %v", err)
	}
	n.running = true
	return nil
}

// Stop tears down anti-entropy, then the registry (which stops the
// transport in turn). Table state is dropped; nothing is persisted.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.running = false
	if err := n.antiEntropy.Stop(); err != nil {
		n.log.Warn("anti-entropy stop error: %v", err)
	}
	return n.registry.Stop()
}

func (n *Node) Register(serviceType, serviceID, host string, port int, metadata map[string]string) (bool, error) {
	return n.registry.RegisterService(serviceType, serviceID, host, port, metadata)
}

func (n *Node) Deregister(serviceType, serviceID string) (bool, error) {
	return n.registry.DeregisterService(serviceType, serviceID)
}

func (n *Node) Discover(serviceType string) ([]ServiceInstance, error) {
	return n.registry.DiscoverServices(serviceType)
}

func (n *Node) Get(serviceType, serviceID string) (ServiceInstance, bool, error) {
	return n.registry.GetService(serviceType, serviceID)
}

func (n *Node) UpdateHealth(serviceType, serviceID string, healthy bool) (bool, error) {
	return n.registry.UpdateServiceHealth(serviceType, serviceID, healthy)
}

func (n *Node) Snapshot() (Snapshot, error) {
	return n.registry.RegistrySnapshot()
}

func (n *Node) AddPeer(addr string) {
	n.transport.AddPeer(addr)
}

func (n *Node) RemovePeer(addr string) {
	n.transport.RemovePeer(addr)
}

func (n *Node) KnownPeers() []string {
	return n.transport.KnownPeers()
}

// Locate returns one healthy instance of serviceType via the configured
// load-balancing policy.
func (n *Node) Locate(serviceType string) (ServiceInstance, bool, error) {
	return n.locator.Locate(serviceType)
}

// TriggerReconciliation requests an out-of-band anti-entropy round.
func (n *Node) TriggerReconciliation() {
	n.antiEntropy.TriggerReconciliation()
}

// Statistics returns a flat map of scalar counters for introspection.
// Keys are stable; values are int64 or float64.
func (n *Node) Statistics() map[string]any {
	aeStats := n.antiEntropy.Statistics()
	peerSnaps := n.transport.PeerMetricsSnapshots()

	var avgReliability float64
	if len(peerSnaps) > 0 {
		for _, s := range peerSnaps {
			avgReliability += s.ReliabilityScore
		}
		avgReliability /= float64(len(peerSnaps))
	}

	return map[string]any{
		"registryVersion":                n.registry.Version(),
		"conflictsDetected":              n.registry.ConflictsDetected(),
		"knownPeerCount":                 int64(len(peerSnaps)),
		"peerReliabilityAvg":             avgReliability,
		"antiEntropy.attempted":          aeStats.Attempted,
		"antiEntropy.succeeded":          aeStats.Succeeded,
		"antiEntropy.failed":             aeStats.Failed,
		"antiEntropy.servicesReconciled": aeStats.ServicesReconciled,
		"antiEntropy.conflictsDetected":  aeStats.ConflictsDetected,
	}
}

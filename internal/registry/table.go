package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"svcregistry/internal/clock"
	"svcregistry/internal/logging"
)

// Registry is the authoritative local view of the network's service table:
// it serializes local mutations, applies remote mutations through
// ConflictResolver, and drives GossipTransport for propagation.
type Registry struct {
	localPeerID string
	transport   *GossipTransport
	resolver    *ConflictResolver
	cfg         Config
	log         *logging.Logger

	mu         sync.RWMutex
	table      map[string]map[string]ServiceInstance
	localClock clock.VectorClock

	keyLocksMu sync.Mutex
	keyLocks   map[Key]*sync.Mutex

	registryVersion   int64 // atomic; local change counter, not a vector clock
	conflictsDetected int64 // atomic

	runningMu sync.RWMutex
	running   bool
	stopCh    chan struct{}

	wg sync.WaitGroup

	now func() time.Time
}

// NewRegistry builds a Registry bound to transport and registers its
// handlers for every gossip message type. The transport must already exist;
// handing it to the constructor breaks the Registry/GossipTransport cycle.
func NewRegistry(cfg Config, transport *GossipTransport) *Registry {
	r := &Registry{
		localPeerID: cfg.Peer.PeerID,
		transport:   transport,
		resolver:    NewConflictResolver(cfg.Resolver.Policy, cfg.Resolver.PeerPriorities),
		cfg:         cfg,
		log:         logging.New("registry").WithPeer(cfg.Peer.PeerID),
		table:       make(map[string]map[string]ServiceInstance),
		localClock:  clock.New(),
		keyLocks:    make(map[Key]*sync.Mutex),
		now:         time.Now,
	}
	transport.RegisterMessageHandler(MessageServiceRegister, r.handleRemoteUpsert)
	transport.RegisterMessageHandler(MessageServiceUpdate, r.handleRemoteUpsert)
	transport.RegisterMessageHandler(MessageServiceDeregister, r.handleRemoteDeregister)
	transport.RegisterMessageHandler(MessageSyncRequest, r.handleSyncRequest)
	transport.RegisterMessageHandler(MessageSyncResponse, r.handleRemoteSnapshot)
	transport.RegisterMessageHandler(MessageAntiEntropy, r.handleRemoteSnapshot)
	transport.RegisterMessageHandler(MessageHeartbeat, r.handleHeartbeat)
	return r
}

func (r *Registry) lockKey(key Key) func() {
	r.keyLocksMu.Lock()
	mu, ok := r.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.keyLocks[key] = mu
	}
	r.keyLocksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (r *Registry) isRunning() bool {
	r.runningMu.RLock()
	defer r.runningMu.RUnlock()
	return r.running
}

// Start starts the transport, adds bootstrap peers, and broadcasts one
// SyncRequest to pull in existing state.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.transport.Start(ctx); err != nil {
		return err
	}

	r.runningMu.Lock()
	r.running = true
	stopCh := make(chan struct{})
	r.stopCh = stopCh
	r.runningMu.Unlock()

	for _, addr := range r.cfg.Peer.BootstrapPeers {
		r.transport.AddPeer(addr)
	}

	syncReq := NewMessage(MessageSyncRequest, r.localPeerID, r.now())
	syncReq.KnownPeers = r.transport.KnownPeers()
	if err := r.transport.Broadcast(syncReq, PriorityNormal); err != nil {
		r.log.Warn("could not broadcast startup sync request: %v", err)
	}

	r.wg.Add(1)
	go r.runTopologySync(ctx, stopCh)
	return nil
}

// runTopologySync periodically compares the known-peer count against the
// configured fan-out and, if thin, asks existing peers for their peer
// lists by piggybacking KnownPeers on an ordinary SyncRequest. There is
// no dedicated peer-exchange message type; SyncRequest/SyncResponse
// already carry everything a topology refresh needs.
func (r *Registry) runTopologySync(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()
	interval := r.cfg.Gossip.interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !r.isRunning() {
				return
			}
			if len(r.transport.KnownPeers()) >= r.cfg.Gossip.Fanout {
				continue
			}
			req := NewMessage(MessageSyncRequest, r.localPeerID, r.now())
			req.KnownPeers = r.transport.KnownPeers()
			if err := r.transport.Broadcast(req, PriorityLow); err != nil {
				r.log.Debug("topology sync broadcast failed: %v", err)
			}
		}
	}
}

// Stop marks the registry not-running, stops the transport, and drops the
// table. Nothing is persisted; the next Start rebuilds state from gossip.
func (r *Registry) Stop() error {
	r.runningMu.Lock()
	wasRunning := r.running
	r.running = false
	if wasRunning && r.stopCh != nil {
		close(r.stopCh)
		r.stopCh = nil
	}
	r.runningMu.Unlock()

	err := r.transport.Stop()

	r.mu.Lock()
	r.table = make(map[string]map[string]ServiceInstance)
	r.mu.Unlock()
	return err
}

func (r *Registry) getLocked(key Key) (ServiceInstance, bool) {
	byID, ok := r.table[key.ServiceType]
	if !ok {
		return ServiceInstance{}, false
	}
	inst, ok := byID[key.ServiceID]
	return inst, ok
}

func (r *Registry) putLocked(inst ServiceInstance) {
	key := inst.Key()
	byID, ok := r.table[key.ServiceType]
	if !ok {
		byID = make(map[string]ServiceInstance)
		r.table[key.ServiceType] = byID
	}
	byID[key.ServiceID] = inst
}

func (r *Registry) deleteLocked(key Key) {
	byID, ok := r.table[key.ServiceType]
	if !ok {
		return
	}
	delete(byID, key.ServiceID)
	if len(byID) == 0 {
		delete(r.table, key.ServiceType)
	}
}

// sameRecord reports whether a and b are the same adopted record, used to
// tell which side of a two-candidate Resolve() call actually won.
func sameRecord(a, b ServiceInstance) bool {
	return a.Version == b.Version && a.Host == b.Host && a.Port == b.Port &&
		a.OriginPeer == b.OriginPeer && a.Healthy == b.Healthy
}

// RegisterService validates and adopts a new local record, broadcasting a
// ServiceRegister on success.
func (r *Registry) RegisterService(serviceType, serviceID, host string, port int, metadata map[string]string) (bool, error) {
	if !r.isRunning() {
		return false, ErrNotRunning
	}

	probe := ServiceInstance{ServiceType: serviceType, ServiceID: serviceID, Host: host, Port: port}
	if err := probe.Validate(); err != nil {
		return false, err
	}

	key := Key{ServiceType: serviceType, ServiceID: serviceID}
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	prior := r.localClock
	existing, hasExisting := r.getLocked(key)
	r.mu.Unlock()

	inst := NewServiceInstance(NewServiceInstanceParams{
		ServiceType:    serviceType,
		ServiceID:      serviceID,
		Host:           host,
		Port:           port,
		Metadata:       metadata,
		OriginPeer:     r.localPeerID,
		PriorPeerClock: prior,
		Now:            r.now(),
	})

	if hasExisting {
		winner := r.resolver.Resolve([]ServiceInstance{existing, inst})
		if sameRecord(winner, existing) {
			return false, nil
		}
	}

	r.mu.Lock()
	r.localClock = inst.Clock
	r.putLocked(inst)
	r.mu.Unlock()
	atomic.AddInt64(&r.registryVersion, 1)

	msg := NewMessage(MessageServiceRegister, r.localPeerID, r.now())
	msg.Instance = &inst
	msg.ServiceType = serviceType
	msg.ServiceID = serviceID
	if err := r.transport.Broadcast(msg, PriorityNormal); err != nil {
		r.log.Warn("could not broadcast register for %s: %v", key, err)
	}
	return true, nil
}

// DeregisterService removes a local record and broadcasts ServiceDeregister.
func (r *Registry) DeregisterService(serviceType, serviceID string) (bool, error) {
	if !r.isRunning() {
		return false, ErrNotRunning
	}

	key := Key{ServiceType: serviceType, ServiceID: serviceID}
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	existing, ok := r.getLocked(key)
	var deregClock clock.VectorClock
	if ok {
		r.deleteLocked(key)
		// The deregister is an authoritative event: advance the local clock
		// past the removed record's, so remote copies of that record are
		// strictly dominated and actually deleted. A register the removal
		// races against still carries a concurrent clock and survives.
		r.localClock = r.localClock.Merge(existing.Clock).Increment(r.localPeerID)
		deregClock = r.localClock
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	atomic.AddInt64(&r.registryVersion, 1)

	msg := NewMessage(MessageServiceDeregister, r.localPeerID, r.now())
	msg.ServiceType = serviceType
	msg.ServiceID = serviceID
	msg.DeregisterClock = deregClock
	if err := r.transport.Broadcast(msg, PriorityNormal); err != nil {
		r.log.Warn("could not broadcast deregister for %s: %v", key, err)
	}
	return true, nil
}

// DiscoverServices returns a defensive copy of every healthy instance of
// serviceType.
func (r *Registry) DiscoverServices(serviceType string) ([]ServiceInstance, error) {
	if !r.isRunning() {
		return nil, ErrNotRunning
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.table[serviceType]
	out := make([]ServiceInstance, 0, len(byID))
	for _, inst := range byID {
		if inst.Healthy {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

// GetService returns the record regardless of health.
func (r *Registry) GetService(serviceType, serviceID string) (ServiceInstance, bool, error) {
	if !r.isRunning() {
		return ServiceInstance{}, false, ErrNotRunning
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.getLocked(Key{ServiceType: serviceType, ServiceID: serviceID})
	if !ok {
		return ServiceInstance{}, false, nil
	}
	return inst.Clone(), true, nil
}

// IsServiceHealthy reports whether the entry exists and is healthy.
func (r *Registry) IsServiceHealthy(serviceType, serviceID string) (bool, error) {
	inst, ok, err := r.GetService(serviceType, serviceID)
	if err != nil {
		return false, err
	}
	return ok && inst.Healthy, nil
}

// UpdateServiceHealth flips the health flag without touching metadata or
// version, and broadcasts a high-priority Heartbeat.
func (r *Registry) UpdateServiceHealth(serviceType, serviceID string, healthy bool) (bool, error) {
	if !r.isRunning() {
		return false, ErrNotRunning
	}

	key := Key{ServiceType: serviceType, ServiceID: serviceID}
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	existing, ok := r.getLocked(key)
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	updated := existing.WithHealthy(healthy, r.now())
	r.putLocked(updated)
	r.mu.Unlock()
	atomic.AddInt64(&r.registryVersion, 1)

	msg := NewMessage(MessageHeartbeat, r.localPeerID, r.now())
	msg.Instance = &updated
	msg.ServiceType = serviceType
	msg.ServiceID = serviceID
	if err := r.transport.Broadcast(msg, PriorityHigh); err != nil {
		r.log.Warn("could not broadcast heartbeat for %s: %v", key, err)
	}
	return true, nil
}

// RegistrySnapshot returns a deep copy of the entire table.
func (r *Registry) RegistrySnapshot() (Snapshot, error) {
	if !r.isRunning() {
		return nil, ErrNotRunning
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(nil), nil
}

// snapshotLocked builds a deep-copied Snapshot restricted to serviceTypes
// (nil or empty means "all"). Caller must hold at least r.mu.RLock().
func (r *Registry) snapshotLocked(serviceTypes []string) Snapshot {
	wantAll := len(serviceTypes) == 0
	wanted := make(map[string]bool, len(serviceTypes))
	for _, t := range serviceTypes {
		wanted[t] = true
	}

	snap := make(Snapshot, len(r.table))
	for svcType, byID := range r.table {
		if !wantAll && !wanted[svcType] {
			continue
		}
		inner := make(map[string]ServiceInstance, len(byID))
		for id, inst := range byID {
			inner[id] = inst.Clone()
		}
		snap[svcType] = inner
	}
	return snap
}

// Version returns the current local change counter.
func (r *Registry) Version() int64 {
	return atomic.LoadInt64(&r.registryVersion)
}

// ConflictsDetected returns the running total of ConflictResolver
// invocations that found a genuine conflict (as opposed to a plain insert).
func (r *Registry) ConflictsDetected() int64 {
	return atomic.LoadInt64(&r.conflictsDetected)
}

// handleRemoteUpsert services both ServiceRegister and ServiceUpdate: insert
// if absent, else resolve the conflict and replace on loss.
func (r *Registry) handleRemoteUpsert(msg Message) error {
	if msg.Instance == nil {
		return fmt.Errorf("%s message missing instance payload", msg.Type)
	}
	incoming := *msg.Instance
	if err := incoming.Validate(); err != nil {
		return err
	}
	key := incoming.Key()
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.getLocked(key)
	if !ok {
		r.putLocked(incoming)
		atomic.AddInt64(&r.registryVersion, 1)
		return nil
	}
	if IsConflict(existing, incoming) {
		atomic.AddInt64(&r.conflictsDetected, 1)
	}
	winner := r.resolver.Resolve([]ServiceInstance{existing, incoming})
	if !sameRecord(winner, existing) {
		r.putLocked(winner)
		atomic.AddInt64(&r.registryVersion, 1)
	}
	return nil
}

// handleRemoteDeregister applies the register-vs-deregister tie-break: the
// deregister wins only if its clock strictly dominates the local entry's;
// on a tie or concurrent clocks the register wins.
func (r *Registry) handleRemoteDeregister(msg Message) error {
	key := Key{ServiceType: msg.ServiceType, ServiceID: msg.ServiceID}
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.getLocked(key)
	if !ok {
		return nil
	}
	if msg.DeregisterClock.IsAfter(existing.Clock) {
		r.deleteLocked(key)
		atomic.AddInt64(&r.registryVersion, 1)
	}
	return nil
}

// handleSyncRequest replies with the requested (or full) snapshot. The
// frame does not carry the requester's gossip address, so the response is
// broadcast; any peer may consume it.
func (r *Registry) handleSyncRequest(msg Message) error {
	for _, addr := range msg.KnownPeers {
		r.transport.AddPeer(addr)
	}

	r.mu.RLock()
	snap := r.snapshotLocked(msg.RequestedTypes)
	version := atomic.LoadInt64(&r.registryVersion)
	r.mu.RUnlock()

	resp := NewMessage(MessageSyncResponse, r.localPeerID, r.now())
	resp.Snapshot = snap
	resp.SyncVersion = version
	resp.KnownPeers = r.transport.KnownPeers()
	return r.transport.Broadcast(resp, PriorityNormal)
}

// handleRemoteSnapshot services both SyncResponse and AntiEntropy: for every
// incoming entry, insert if absent, else resolve on conflict.
func (r *Registry) handleRemoteSnapshot(msg Message) error {
	for _, addr := range msg.KnownPeers {
		r.transport.AddPeer(addr)
	}
	for svcType, byID := range msg.Snapshot {
		for id, incoming := range byID {
			r.applyRemoteSnapshotEntry(Key{ServiceType: svcType, ServiceID: id}, incoming)
		}
	}
	return nil
}

func (r *Registry) applyRemoteSnapshotEntry(key Key, incoming ServiceInstance) {
	if incoming.Validate() != nil {
		return
	}
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.getLocked(key)
	if !ok {
		r.putLocked(incoming)
		atomic.AddInt64(&r.registryVersion, 1)
		return
	}
	if !IsConflict(existing, incoming) {
		return
	}
	atomic.AddInt64(&r.conflictsDetected, 1)
	winner := r.resolver.Resolve([]ServiceInstance{existing, incoming})
	if !sameRecord(winner, existing) {
		r.putLocked(winner)
		atomic.AddInt64(&r.registryVersion, 1)
	}
}

// handleHeartbeat updates only the health flag of a matching local entry;
// metadata and version are left untouched.
func (r *Registry) handleHeartbeat(msg Message) error {
	if msg.Instance == nil {
		return fmt.Errorf("heartbeat message missing instance payload")
	}
	key := msg.Instance.Key()
	unlock := r.lockKey(key)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.getLocked(key)
	if !ok {
		return nil
	}
	updated := existing.WithHealthy(msg.Instance.Healthy, r.now())
	r.putLocked(updated)
	atomic.AddInt64(&r.registryVersion, 1)
	return nil
}

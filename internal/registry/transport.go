package registry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"svcregistry/internal/logging"
)

// Priority orders outbound messages within GossipTransport's send queue.
// High drains before Normal before Low; within a level, FIFO by enqueue
// time.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// WireSender is the network-I/O boundary GossipTransport delegates actual
// bytes-on-the-wire to. transport_grpc.go provides the production
// implementation; tests substitute an in-memory fake.
type WireSender interface {
	Start(ctx context.Context, onFrame func(from string, frame []byte)) error
	Stop() error
	Send(ctx context.Context, addr string, frame []byte) error
}

// Handler processes a dispatched message. The return value's error is
// logged but never surfaced to the sender; propagation proceeds regardless.
type Handler func(msg Message) error

type peerState struct {
	address  string
	lastSeen time.Time
	metrics  *PeerMetrics
}

type outboundItem struct {
	msg      Message
	priority Priority
	enqueued time.Time
}

// GossipTransport propagates RegistryMessages to a subset of known peers
// each gossip round, deduplicates inbound traffic, and tracks per-peer
// reliability for adaptive fan-out.
type GossipTransport struct {
	localPeerID string
	cfg         GossipConfig
	wire        WireSender
	log         *logging.Logger

	mu      sync.RWMutex
	peers   map[string]*peerState
	running bool

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler

	seenMu sync.Mutex
	seen   map[string]time.Time

	queueMu sync.Mutex
	queue   []outboundItem
	queueCh chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	clock func() time.Time
}

// NewGossipTransport constructs a transport bound to wire for network I/O.
func NewGossipTransport(localPeerID string, cfg GossipConfig, wire WireSender) *GossipTransport {
	return &GossipTransport{
		localPeerID: localPeerID,
		cfg:         cfg,
		wire:        wire,
		log:         logging.New("gossip").WithPeer(localPeerID),
		peers:       make(map[string]*peerState),
		handlers:    make(map[MessageType]Handler),
		seen:        make(map[string]time.Time),
		queueCh:     make(chan struct{}, 1),
		clock:       time.Now,
	}
}

// Start binds the wire transport and spawns the scheduler and maintenance
// loops. Returns ErrStartupFailed if the wire layer cannot start.
func (t *GossipTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.stopCh = make(chan struct{})
	t.mu.Unlock()

	if err := t.wire.Start(ctx, t.handleInboundFrame); err != nil {
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	t.wg.Add(3)
	go t.runSendScheduler(ctx)
	go t.runSeenSweeper()
	go t.runPeerExpiry()

	t.log.Info("transport started")
	return nil
}

// Stop sets running false, stops the wire layer, and waits (bounded) for
// the background loops to drain.
func (t *GossipTransport) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.stopCh)
	t.mu.Unlock()

	err := t.wire.Stop()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.log.Warn("shutdown timed out waiting for workers")
	}
	return err
}

func (t *GossipTransport) isRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// RegisterMessageHandler installs handler for msgType, replacing any prior
// registration.
func (t *GossipTransport) RegisterMessageHandler(msgType MessageType, handler Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[msgType] = handler
}

// AddPeer adds addr to the known-peer set, or refreshes its lastSeen if
// already known.
func (t *GossipTransport) AddPeer(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		p.lastSeen = t.now()
		return
	}
	t.peers[addr] = &peerState{address: addr, lastSeen: t.now(), metrics: NewPeerMetrics()}
}

// RemovePeer drops addr from the known-peer set.
func (t *GossipTransport) RemovePeer(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, addr)
}

// PeerMetricsSnapshots returns a point-in-time copy of every known peer's
// metrics, keyed by address.
func (t *GossipTransport) PeerMetricsSnapshots() map[string]PeerMetricsSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]PeerMetricsSnapshot, len(t.peers))
	for addr, p := range t.peers {
		out[addr] = p.metrics.Snapshot()
	}
	return out
}

// KnownPeers returns the currently tracked peer addresses.
func (t *GossipTransport) KnownPeers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		out = append(out, addr)
	}
	return out
}

func (t *GossipTransport) now() time.Time {
	if t.clock != nil {
		return t.clock()
	}
	return time.Now()
}

// maxOutboundQueue bounds the send queue; enqueues past it are dropped with
// a warning rather than blocking the caller.
const maxOutboundQueue = 1000

// Broadcast enqueues msg for outbound gossip. Returns ErrNotRunning if the
// transport is stopped.
func (t *GossipTransport) Broadcast(msg Message, priority Priority) error {
	if !t.isRunning() {
		return ErrNotRunning
	}
	if !t.cfg.PriorityPropagation {
		priority = PriorityNormal
	}
	t.queueMu.Lock()
	if len(t.queue) >= maxOutboundQueue {
		t.queueMu.Unlock()
		t.log.Warn("outbound queue full, dropping message %s", msg.MessageID)
		return nil
	}
	t.queue = append(t.queue, outboundItem{msg: msg, priority: priority, enqueued: t.now()})
	t.queueMu.Unlock()
	select {
	case t.queueCh <- struct{}{}:
	default:
	}
	return nil
}

// runSendScheduler drains the outbound queue every gossip interval,
// selecting a fan-out subset of peers for each queued message.
func (t *GossipTransport) runSendScheduler(ctx context.Context) {
	defer t.wg.Done()
	interval := t.cfg.interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.drainQueue(ctx)
		}
	}
}

func (t *GossipTransport) drainQueue(ctx context.Context) {
	batch := t.dequeueBatch()
	for _, item := range batch {
		t.gossipOne(ctx, item.msg)
	}
}

func (t *GossipTransport) dequeueBatch() []outboundItem {
	t.queueMu.Lock()
	defer t.queueMu.Unlock()

	if len(t.queue) == 0 {
		return nil
	}
	sort.SliceStable(t.queue, func(i, j int) bool {
		if t.queue[i].priority != t.queue[j].priority {
			return t.queue[i].priority < t.queue[j].priority
		}
		return t.queue[i].enqueued.Before(t.queue[j].enqueued)
	})

	n := t.cfg.BatchSize
	if n <= 0 || n > len(t.queue) {
		n = len(t.queue)
	}
	batch := make([]outboundItem, n)
	copy(batch, t.queue[:n])
	t.queue = t.queue[n:]
	return batch
}

func (t *GossipTransport) gossipOne(ctx context.Context, msg Message) {
	targets := t.selectFanout(msg)
	frame, err := MarshalMessage(msg)
	if err != nil {
		t.log.Error("failed to marshal outbound message %s: %v", msg.MessageID, err)
		return
	}
	if t.cfg.CompressionEnabled {
		frame = CompressFrame(frame)
	}
	for _, addr := range targets {
		t.sendFrame(ctx, addr, frame)
	}
}

func (t *GossipTransport) sendFrame(ctx context.Context, addr string, frame []byte) error {
	start := t.now()
	err := t.wire.Send(ctx, addr, frame)

	t.mu.RLock()
	peer := t.peers[addr]
	t.mu.RUnlock()
	if peer == nil {
		return err
	}

	if err != nil {
		peer.metrics.RecordFailure(t.now())
		t.log.Warn("send to %s failed: %v", addr, err)
		if peer.metrics.ShouldEvict() {
			t.RemovePeer(addr)
			t.log.Info("evicted unreliable peer %s", addr)
		}
		return err
	}
	peer.metrics.RecordSuccess(t.now().Sub(start), t.now())
	return nil
}

// SendDirect serializes msg and delivers it straight to addr, bypassing the
// fan-out queue. Anti-entropy uses this to reach the specific peers it
// selected for a round. The target's metrics are updated exactly as for
// ordinary gossip sends, so an unreachable reconciliation target loses
// reliability and is eventually evicted like any other peer.
func (t *GossipTransport) SendDirect(ctx context.Context, addr string, msg Message) error {
	if !t.isRunning() {
		return ErrNotRunning
	}
	frame, err := MarshalMessage(msg)
	if err != nil {
		return err
	}
	if t.cfg.CompressionEnabled {
		frame = CompressFrame(frame)
	}
	return t.sendFrame(ctx, addr, frame)
}

// selectFanout picks the peers to gossip msg to this round, excluding any
// already in msg's visited set.
func (t *GossipTransport) selectFanout(msg Message) []string {
	t.mu.RLock()
	candidates := make([]*peerState, 0, len(t.peers))
	for addr, p := range t.peers {
		if msg.HasVisited(addr) {
			continue
		}
		candidates = append(candidates, p)
	}
	t.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	if !t.cfg.AdaptiveFanout {
		n := t.cfg.Fanout
		if n > len(candidates) {
			n = len(candidates)
		}
		shuffled := make([]*peerState, len(candidates))
		copy(shuffled, candidates)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return addresses(shuffled[:n])
	}

	t.queueMu.Lock()
	pending := len(t.queue)
	t.queueMu.Unlock()

	loadFactor := math.Min(1, float64(pending)/100)
	sizeFactor := math.Log10(float64(len(candidates)))
	if sizeFactor < 0 {
		sizeFactor = 0
	}
	base := float64(t.cfg.Fanout)
	scaled := base * (1 + loadFactor) * (1 + sizeFactor)
	maxFanout := math.Max(float64(len(candidates))/2, base)
	n := int(clampF(scaled, base, maxFanout))
	if n > len(candidates) {
		n = len(candidates)
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].metrics.ReliabilityScore(), candidates[j].metrics.ReliabilityScore()
		if si != sj {
			return si > sj
		}
		return candidates[i].metrics.AvgResponseTimeMS() < candidates[j].metrics.AvgResponseTimeMS()
	})
	return addresses(candidates[:n])
}

func addresses(peers []*peerState) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.address
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// handleInboundFrame is the WireSender's callback on receipt of a frame.
// It deserializes, deduplicates, dispatches, and (if still propagatable)
// re-enqueues the message hop-incremented.
func (t *GossipTransport) handleInboundFrame(fromAddr string, frame []byte) {
	t.AddPeer(fromAddr)

	t.mu.RLock()
	peer := t.peers[fromAddr]
	t.mu.RUnlock()
	if peer != nil {
		peer.metrics.RecordSuccess(0, t.now())
	}

	frame, err := DecompressFrame(frame)
	if err != nil {
		t.log.Warn("dropping undecodable frame from %s: %v", fromAddr, err)
		return
	}
	msg, err := UnmarshalMessage(frame)
	if err != nil {
		t.log.Warn("dropping malformed frame from %s: %v", fromAddr, err)
		return
	}

	if msg.IsExpired(t.now(), t.cfg.messageTTL()) {
		t.log.Debug("dropping expired %s message %s", msg.Type, msg.MessageID)
		return
	}

	if t.markSeen(msg.MessageID) {
		t.log.Debug("dropping duplicate %s message %s", msg.Type, msg.MessageID)
		return
	}

	t.dispatch(msg)

	if msg.CanPropagate() && !msg.HasVisited(t.localPeerID) {
		next := msg.IncrementHop(t.localPeerID)
		// The visited set carries peer ids; fan-out selection compares
		// addresses. Recording the inbound address too keeps the forwarded
		// copy from being gossiped straight back to its sender.
		next.Visited[fromAddr] = true
		if err := t.Broadcast(next, PriorityNormal); err != nil {
			t.log.Debug("could not re-propagate %s message %s: %v", msg.Type, msg.MessageID, err)
		}
	}
}

// markSeen records messageId in the dedup cache and reports whether it was
// already present.
func (t *GossipTransport) markSeen(messageID string) bool {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	if _, ok := t.seen[messageID]; ok {
		return true
	}
	t.seen[messageID] = t.now()
	return false
}

func (t *GossipTransport) dispatch(msg Message) {
	t.handlersMu.RLock()
	handler, ok := t.handlers[msg.Type]
	t.handlersMu.RUnlock()
	if !ok {
		return
	}
	if err := handler(msg); err != nil {
		t.log.Warn("handler for %s returned error: %v", msg.Type, err)
	}
}

func (t *GossipTransport) runSeenSweeper() {
	defer t.wg.Done()
	ttl := t.cfg.messageTTL()
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweepSeen(ttl)
		}
	}
}

func (t *GossipTransport) sweepSeen(ttl time.Duration) {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	now := t.now()
	for id, ts := range t.seen {
		if now.Sub(ts) > ttl {
			delete(t.seen, id)
		}
	}
}

func (t *GossipTransport) runPeerExpiry() {
	defer t.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.expireStalePeers()
		}
	}
}

func (t *GossipTransport) expireStalePeers() {
	cutoff := t.now().Add(-5 * time.Minute)
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, p := range t.peers {
		if p.lastSeen.Before(cutoff) {
			delete(t.peers, addr)
			t.log.Info("expired stale peer %s (last seen %s)", addr, p.lastSeen)
		}
	}
}

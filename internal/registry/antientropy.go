package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"svcregistry/internal/logging"
)

// AntiEntropyStats holds the read-only reconciliation counters exposed by
// AntiEntropyService.
type AntiEntropyStats struct {
	Attempted          int64
	Succeeded          int64
	Failed             int64
	ServicesReconciled int64
	ConflictsDetected  int64
}

// AntiEntropyService periodically exchanges full snapshots with a random
// subset of known peers to repair divergence that incremental gossip missed.
type AntiEntropyService struct {
	localPeerID string
	cfg         AntiEntropyConfig
	transport   *GossipTransport
	registry    *Registry
	log         *logging.Logger

	stats AntiEntropyStats // fields accessed only via atomic ops

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	runningMu sync.RWMutex
	running   bool

	now func() time.Time
}

// NewAntiEntropyService builds the service; it does nothing until Start.
func NewAntiEntropyService(localPeerID string, cfg AntiEntropyConfig, transport *GossipTransport, registry *Registry) *AntiEntropyService {
	return &AntiEntropyService{
		localPeerID: localPeerID,
		cfg:         cfg,
		transport:   transport,
		registry:    registry,
		log:         logging.New("antientropy").WithPeer(localPeerID),
		triggerCh:   make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Start spawns the reconciliation scheduler if AntiEntropy is enabled.
func (a *AntiEntropyService) Start(ctx context.Context) error {
	if !a.cfg.IsEnabled() {
		a.log.Info("reconciliation disabled by configuration")
		return nil
	}
	a.runningMu.Lock()
	if a.running {
		a.runningMu.Unlock()
		return nil
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.runningMu.Unlock()

	a.wg.Add(1)
	go a.runScheduler(ctx)
	return nil
}

// Stop cancels the scheduler and waits (bounded) for any in-flight
// reconciliation round to finish or time out.
func (a *AntiEntropyService) Stop() error {
	a.runningMu.Lock()
	if !a.running {
		a.runningMu.Unlock()
		return nil
	}
	a.running = false
	close(a.stopCh)
	a.runningMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		a.log.Warn("shutdown grace period elapsed with a round still in flight")
	}
	return nil
}

func (a *AntiEntropyService) runScheduler(ctx context.Context) {
	defer a.wg.Done()
	interval := a.cfg.interval()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runRound(ctx)
		case <-a.triggerCh:
			a.runRound(ctx)
		}
	}
}

// TriggerReconciliation requests an out-of-band reconciliation round. It is
// non-blocking: if a trigger is already pending, this is a no-op.
func (a *AntiEntropyService) TriggerReconciliation() {
	select {
	case a.triggerCh <- struct{}{}:
	default:
	}
}

func (a *AntiEntropyService) runRound(parent context.Context) {
	peers := a.selectPeers()
	if len(peers) == 0 {
		return
	}

	deadline := a.cfg.maxReconciliationTime()
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			return a.reconcileWith(gCtx, peer)
		})
	}
	if err := g.Wait(); err != nil {
		a.log.Debug("reconciliation round completed with errors: %v", err)
	}
}

func (a *AntiEntropyService) selectPeers() []string {
	all := a.transport.KnownPeers()
	n := a.cfg.PeerSelectionCount
	if n <= 0 {
		n = 3
	}
	if n >= len(all) {
		return all
	}
	shuffled := make([]string, len(all))
	copy(shuffled, all)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// reconcileWith sends this node's full snapshot straight to peerAddr as an
// AntiEntropy message and requests that peer's full state via SyncRequest.
// Both go through GossipTransport.SendDirect, so a failed exchange counts
// against the target peer's metrics like any other failed send.
func (a *AntiEntropyService) reconcileWith(ctx context.Context, peerAddr string) error {
	atomic.AddInt64(&a.stats.Attempted, 1)

	snap, err := a.registry.RegistrySnapshot()
	if err != nil {
		atomic.AddInt64(&a.stats.Failed, 1)
		return err
	}

	aeMsg := NewMessage(MessageAntiEntropy, a.localPeerID, a.now())
	aeMsg.Snapshot = snap
	aeMsg.SyncVersion = a.registry.Version()
	aeMsg.KnownPeers = a.transport.KnownPeers()

	if err := a.transport.SendDirect(ctx, peerAddr, aeMsg); err != nil {
		atomic.AddInt64(&a.stats.Failed, 1)
		return fmt.Errorf("anti-entropy exchange with %s: %w", peerAddr, err)
	}

	syncReq := NewMessage(MessageSyncRequest, a.localPeerID, a.now())
	syncReq.KnownPeers = a.transport.KnownPeers()
	if err := a.transport.SendDirect(ctx, peerAddr, syncReq); err != nil {
		atomic.AddInt64(&a.stats.Failed, 1)
		return fmt.Errorf("sync request to %s: %w", peerAddr, err)
	}

	select {
	case <-ctx.Done():
		atomic.AddInt64(&a.stats.Failed, 1)
		return ctx.Err()
	default:
	}

	servicesReconciled := int64(0)
	for _, byID := range snap {
		servicesReconciled += int64(len(byID))
	}
	atomic.AddInt64(&a.stats.ServicesReconciled, servicesReconciled)
	atomic.AddInt64(&a.stats.Succeeded, 1)
	return nil
}

// Statistics returns a read-only snapshot of the reconciliation counters.
// ConflictsDetected is sourced from the registry, since conflicts are only
// ever actually adjudicated there, both during ordinary gossip dispatch and
// while applying a reconciliation round's snapshot exchange.
func (a *AntiEntropyService) Statistics() AntiEntropyStats {
	return AntiEntropyStats{
		Attempted:          atomic.LoadInt64(&a.stats.Attempted),
		Succeeded:          atomic.LoadInt64(&a.stats.Succeeded),
		Failed:             atomic.LoadInt64(&a.stats.Failed),
		ServicesReconciled: atomic.LoadInt64(&a.stats.ServicesReconciled),
		ConflictsDetected:  a.registry.ConflictsDetected(),
	}
}

package registry

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
)

// ServiceLocator is a thin, stateless-except-for-round-robin façade over
// Registry.
type ServiceLocator struct {
	cfg      LocatorConfig
	registry *Registry

	rrCounters rrCounterMap
}

// NewServiceLocator builds a locator over registry using cfg's load
// balancing policy.
func NewServiceLocator(cfg LocatorConfig, registry *Registry) *ServiceLocator {
	return &ServiceLocator{cfg: cfg, registry: registry, rrCounters: newRRCounterMap()}
}

// Locate returns one healthy instance of serviceType chosen per the
// configured policy, or (zero, false) if none are healthy. The candidate
// list is re-read from the registry on every call.
func (l *ServiceLocator) Locate(serviceType string) (ServiceInstance, bool, error) {
	instances, err := l.registry.DiscoverServices(serviceType)
	if err != nil {
		return ServiceInstance{}, false, err
	}
	if len(instances) == 0 {
		return ServiceInstance{}, false, nil
	}

	switch l.cfg.LoadBalancing {
	case LoadBalancingRoundRobin:
		// The registry hands instances back in map order; sort for a stable
		// rotation so consecutive calls actually cycle through all of them.
		sort.Slice(instances, func(i, j int) bool {
			return instances[i].ServiceID < instances[j].ServiceID
		})
		n := l.rrCounters.next(serviceType)
		return instances[n%uint64(len(instances))], true, nil
	default:
		return instances[rand.Intn(len(instances))], true, nil
	}
}

// LocateByID delegates to Registry.GetService.
func (l *ServiceLocator) LocateByID(serviceType, serviceID string) (ServiceInstance, bool, error) {
	return l.registry.GetService(serviceType, serviceID)
}

// All delegates to Registry.DiscoverServices.
func (l *ServiceLocator) All(serviceType string) ([]ServiceInstance, error) {
	return l.registry.DiscoverServices(serviceType)
}

// IsHealthy delegates to Registry.IsServiceHealthy.
func (l *ServiceLocator) IsHealthy(serviceType, serviceID string) (bool, error) {
	return l.registry.IsServiceHealthy(serviceType, serviceID)
}

// rrCounterMap keeps one monotonic counter per serviceType for RoundRobin.
// The map itself is guarded by mu; each counter is then advanced lock-free.
type rrCounterMap struct {
	mu       *sync.Mutex
	counters map[string]*uint64
}

func newRRCounterMap() rrCounterMap {
	return rrCounterMap{mu: &sync.Mutex{}, counters: make(map[string]*uint64)}
}

func (m rrCounterMap) next(serviceType string) uint64 {
	m.mu.Lock()
	c, ok := m.counters[serviceType]
	if !ok {
		c = new(uint64)
		m.counters[serviceType] = c
	}
	m.mu.Unlock()
	return atomic.AddUint64(c, 1) - 1
}

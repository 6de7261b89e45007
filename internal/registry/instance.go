package registry

import (
	"fmt"
	"maps"
	"time"

	"svcregistry/internal/clock"
)

// ServiceInstance is an immutable record of one registered endpoint plus the
// bookkeeping the distributed registry needs to order and converge on it.
//
// Identity for equality/hashing purposes is the tuple (ServiceType,
// ServiceID, Host, Port); two records with that tuple equal may still carry
// different Version/VectorClock, which is exactly what ConflictResolver
// exists to adjudicate.
type ServiceInstance struct {
	ServiceType string
	ServiceID   string
	Host        string
	Port        int
	Metadata    map[string]string
	Healthy     bool
	LastUpdated int64 // wall-clock ms
	Version     int64 // monotonic per origin; defaults to the wall-clock at creation
	OriginPeer  string
	Clock       clock.VectorClock
	CreatedAt   time.Time
	Priority    int
}

// Key identifies a ServiceInstance within the registry table.
type Key struct {
	ServiceType string
	ServiceID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.ServiceType, k.ServiceID)
}

// NewServiceInstanceParams bundles the caller-supplied fields for
// NewServiceInstance. now is threaded through explicitly so callers (and
// tests) control the wall clock rather than the constructor reaching for
// time.Now() internally.
type NewServiceInstanceParams struct {
	ServiceType string
	ServiceID   string
	Host        string
	Port        int
	Metadata    map[string]string
	OriginPeer  string
	PriorPeerClock clock.VectorClock
	Now         time.Time
	Priority    int
}

// NewServiceInstance builds a fresh, healthy instance originated by the
// local peer. Version defaults to the wall-clock at creation; VectorClock
// is the origin peer's prior clock incremented by one.
func NewServiceInstance(p NewServiceInstanceParams) ServiceInstance {
	nowMs := p.Now.UnixMilli()
	return ServiceInstance{
		ServiceType: p.ServiceType,
		ServiceID:   p.ServiceID,
		Host:        p.Host,
		Port:        p.Port,
		Metadata:    cloneMeta(p.Metadata),
		Healthy:     true,
		LastUpdated: nowMs,
		Version:     nowMs,
		OriginPeer:  p.OriginPeer,
		Clock:       p.PriorPeerClock.Increment(p.OriginPeer),
		CreatedAt:   p.Now,
		Priority:    p.Priority,
	}
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}

func clockFromWireMap(m map[string]uint64) clock.VectorClock {
	return clock.FromMap(m)
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// IdentityKey returns the (type, id, host, port) tuple used for equality.
func (s ServiceInstance) IdentityKey() [4]string {
	return [4]string{s.ServiceType, s.ServiceID, s.Host, fmt.Sprintf("%d", s.Port)}
}

// Key returns the table key (serviceType, serviceId).
func (s ServiceInstance) Key() Key {
	return Key{ServiceType: s.ServiceType, ServiceID: s.ServiceID}
}

// Validate checks the invariants required of every accepted record.
func (s ServiceInstance) Validate() error {
	if s.ServiceType == "" {
		return fmt.Errorf("%w: serviceType must not be empty", ErrInvalidArgument)
	}
	if s.ServiceID == "" {
		return fmt.Errorf("%w: serviceId must not be empty", ErrInvalidArgument)
	}
	if s.Host == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidArgument)
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidArgument, s.Port)
	}
	return nil
}

// WithHealthy returns a copy of s with Healthy set, leaving metadata,
// version and clock untouched; Heartbeat messages must not overwrite
// anything else.
func (s ServiceInstance) WithHealthy(healthy bool, now time.Time) ServiceInstance {
	next := s
	next.Healthy = healthy
	next.LastUpdated = now.UnixMilli()
	return next
}

// WithClock returns a copy of s carrying a different vector clock.
func (s ServiceInstance) WithClock(c clock.VectorClock) ServiceInstance {
	next := s
	next.Clock = c
	return next
}

// Clone returns a deep copy safe for a caller to hold and mutate metadata on
// without affecting the registry's own copy.
func (s ServiceInstance) Clone() ServiceInstance {
	next := s
	next.Metadata = cloneMeta(s.Metadata)
	return next
}

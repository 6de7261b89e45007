package registry

import "time"

// LoadBalancing selects ServiceLocator's selection policy.
type LoadBalancing string

const (
	LoadBalancingRandom     LoadBalancing = "RANDOM"
	LoadBalancingRoundRobin LoadBalancing = "ROUND_ROBIN"
)

// PeerConfig identifies the local peer and its bootstrap set.
type PeerConfig struct {
	PeerID         string
	GossipPort     int
	BootstrapPeers []string
}

// GossipConfig tunes GossipTransport.
type GossipConfig struct {
	IntervalMS          int
	Fanout              int
	MessageTTLMS        int
	MaxHops             int
	AdaptiveFanout      bool
	CompressionEnabled  bool
	BatchSize           int
	PriorityPropagation bool
}

// AntiEntropyConfig tunes AntiEntropyService. Enabled defaults to true;
// it is a *bool (rather than bool) specifically so that an unset Config can
// be told apart from an explicit opt-out: the default is on, which a plain
// bool's zero value cannot represent.
type AntiEntropyConfig struct {
	Enabled                 *bool
	IntervalMS              int
	PeerSelectionCount      int
	MaxReconciliationTimeMS int
}

// IsEnabled reports whether anti-entropy should run: true unless the caller
// explicitly disabled it.
func (c AntiEntropyConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ResolverConfig selects the conflict-resolution policy.
type ResolverConfig struct {
	Policy         ResolutionPolicy
	PeerPriorities map[string]int
}

// LocatorConfig tunes ServiceLocator.
type LocatorConfig struct {
	LoadBalancing LoadBalancing
}

// Config is the plain, caller-supplied configuration struct bound at
// Start(); the core never loads it from a file or watches it for changes
// (that is an external collaborator's job).
type Config struct {
	Peer        PeerConfig
	Gossip      GossipConfig
	AntiEntropy AntiEntropyConfig
	Resolver    ResolverConfig
	Locator     LocatorConfig
}

// WithDefaults returns a copy of c with zero-valued fields replaced by the
// documented defaults.
func (c Config) WithDefaults() Config {
	out := c
	if out.Peer.GossipPort == 0 {
		out.Peer.GossipPort = 6003
	}
	if out.Gossip.IntervalMS == 0 {
		out.Gossip.IntervalMS = 5000
	}
	if out.Gossip.Fanout == 0 {
		out.Gossip.Fanout = 3
	}
	if out.Gossip.MessageTTLMS == 0 {
		out.Gossip.MessageTTLMS = 30000
	}
	if out.Gossip.MaxHops == 0 {
		out.Gossip.MaxHops = DefaultMaxHops
	}
	if out.Gossip.BatchSize == 0 {
		out.Gossip.BatchSize = 10
	}
	if out.AntiEntropy.IntervalMS == 0 {
		out.AntiEntropy.IntervalMS = 60000
	}
	if out.AntiEntropy.PeerSelectionCount == 0 {
		out.AntiEntropy.PeerSelectionCount = 3
	}
	if out.AntiEntropy.MaxReconciliationTimeMS == 0 {
		out.AntiEntropy.MaxReconciliationTimeMS = 30000
	}
	if out.Resolver.Policy == "" {
		out.Resolver.Policy = PolicyLastWriteWins
	}
	if out.Locator.LoadBalancing == "" {
		out.Locator.LoadBalancing = LoadBalancingRandom
	}
	return out
}

func (c GossipConfig) interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c GossipConfig) messageTTL() time.Duration {
	return time.Duration(c.MessageTTLMS) * time.Millisecond
}

func (c AntiEntropyConfig) interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

func (c AntiEntropyConfig) maxReconciliationTime() time.Duration {
	return time.Duration(c.MaxReconciliationTimeMS) * time.Millisecond
}

package registry

import (
	"time"

	"github.com/google/uuid"

	"svcregistry/internal/clock"
)

// MessageType tags the gossip payload variants.
type MessageType string

const (
	MessageServiceRegister   MessageType = "SERVICE_REGISTER"
	MessageServiceDeregister MessageType = "SERVICE_DEREGISTER"
	MessageServiceUpdate     MessageType = "SERVICE_UPDATE"
	MessageSyncRequest       MessageType = "SYNC_REQUEST"
	MessageSyncResponse      MessageType = "SYNC_RESPONSE"
	MessageHeartbeat         MessageType = "HEARTBEAT"
	MessageAntiEntropy       MessageType = "ANTI_ENTROPY"
)

// DefaultMaxHops is the default propagation ceiling for a new message.
const DefaultMaxHops = 5

// Snapshot is the nested serviceType -> serviceId -> instance view carried
// by SyncResponse/AntiEntropy messages and returned by Registry.Snapshot.
type Snapshot map[string]map[string]ServiceInstance

// Message is a gossip frame. All variants share the envelope fields; the
// payload fields relevant to Type are populated, the rest left zero.
type Message struct {
	Type      MessageType
	SenderID  string
	Timestamp int64 // wall-clock ms
	MessageID string
	HopCount  int
	Visited   map[string]bool
	MaxHops   int

	// ServiceRegister / ServiceUpdate / Heartbeat payload.
	Instance *ServiceInstance

	// ServiceDeregister payload. DeregisterClock carries the origin's local
	// clock after merging in the removed record's clock and incrementing it,
	// so it strictly follows remote copies of that record; a receiver uses it
	// to tie-break a deregister racing a newer register for the same
	// identity, and the register wins on equal or concurrent clocks.
	ServiceType     string
	ServiceID       string
	DeregisterClock clock.VectorClock

	// SyncRequest payload; empty means "all service types".
	RequestedTypes []string

	// SyncResponse / AntiEntropy payload.
	Snapshot    Snapshot
	SyncVersion int64

	// KnownPeers piggybacks the sender's peer addresses on SyncRequest and
	// SyncResponse/AntiEntropy frames, so a thin node can grow its peer set
	// from an existing peer's view instead of needing a dedicated message
	// type for topology exchange.
	KnownPeers []string
}

// NewMessage builds the common envelope for a message originated locally.
func NewMessage(msgType MessageType, senderID string, now time.Time) Message {
	return Message{
		Type:      msgType,
		SenderID:  senderID,
		Timestamp: now.UnixMilli(),
		MessageID: uuid.NewString(),
		HopCount:  0,
		Visited:   map[string]bool{senderID: true},
		MaxHops:   DefaultMaxHops,
	}
}

// CanPropagate reports whether this message may still be forwarded: the hop
// count must be below MaxHops.
func (m Message) CanPropagate() bool {
	return m.HopCount < m.MaxHops
}

// HasVisited reports whether peerID already appears in the visited set.
func (m Message) HasVisited(peerID string) bool {
	return m.Visited[peerID]
}

// IsExpired reports whether the message's age exceeds ttl, evaluated at now.
func (m Message) IsExpired(now time.Time, ttl time.Duration) bool {
	age := now.UnixMilli() - m.Timestamp
	return age > ttl.Milliseconds()
}

// IncrementHop returns a copy of m with HopCount+1 and localPeerID added to
// the visited set. The original is left untouched.
func (m Message) IncrementHop(localPeerID string) Message {
	next := m
	next.HopCount = m.HopCount + 1
	next.Visited = make(map[string]bool, len(m.Visited)+1)
	for k, v := range m.Visited {
		next.Visited[k] = v
	}
	next.Visited[localPeerID] = true
	if m.Instance != nil {
		inst := *m.Instance
		next.Instance = &inst
	}
	return next
}


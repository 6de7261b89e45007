package registry

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

// wireHandle is shared by Marshal/Unmarshal; codec.Handle values are safe
// for concurrent use once configured, so one package-level instance is
// enough.
var wireHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.Canonical = true
	return h
}()

// wireInstance is the self-describing, exported-fields-only twin of
// ServiceInstance: codec (like encoding/json) can only reflect over exported
// fields, so VectorClock's internal counters map is surfaced here as a plain
// map[string]uint64 for the wire.
type wireInstance struct {
	ServiceType    string
	ServiceID      string
	Host           string
	Port           int
	Metadata       map[string]string
	Healthy        bool
	LastUpdated    int64
	Version        int64
	OriginPeer     string
	Clock          map[string]uint64
	CreatedAtMilli int64
	Priority       int
}

func toWireInstance(s ServiceInstance) wireInstance {
	return wireInstance{
		ServiceType:    s.ServiceType,
		ServiceID:      s.ServiceID,
		Host:           s.Host,
		Port:           s.Port,
		Metadata:       s.Metadata,
		Healthy:        s.Healthy,
		LastUpdated:    s.LastUpdated,
		Version:        s.Version,
		OriginPeer:     s.OriginPeer,
		Clock:          s.Clock.Map(),
		CreatedAtMilli: s.CreatedAt.UnixMilli(),
		Priority:       s.Priority,
	}
}

func fromWireInstance(w wireInstance) ServiceInstance {
	return ServiceInstance{
		ServiceType: w.ServiceType,
		ServiceID:   w.ServiceID,
		Host:        w.Host,
		Port:        w.Port,
		Metadata:    cloneMeta(w.Metadata),
		Healthy:     w.Healthy,
		LastUpdated: w.LastUpdated,
		Version:     w.Version,
		OriginPeer:  w.OriginPeer,
		Clock:       clockFromWireMap(w.Clock),
		CreatedAt:   millisToTime(w.CreatedAtMilli),
		Priority:    w.Priority,
	}
}

// wireMessage is the exported-fields-only twin of Message.
type wireMessage struct {
	Type      string
	SenderID  string
	Timestamp int64
	MessageID string
	HopCount  int
	Visited   map[string]bool
	MaxHops   int

	Instance *wireInstance

	ServiceType     string
	ServiceID       string
	DeregisterClock map[string]uint64

	RequestedTypes []string

	Snapshot    map[string]map[string]wireInstance
	SyncVersion int64
	KnownPeers  []string
}

func toWireMessage(m Message) wireMessage {
	w := wireMessage{
		Type:            string(m.Type),
		SenderID:        m.SenderID,
		Timestamp:       m.Timestamp,
		MessageID:       m.MessageID,
		HopCount:        m.HopCount,
		Visited:         m.Visited,
		MaxHops:         m.MaxHops,
		ServiceType:     m.ServiceType,
		ServiceID:       m.ServiceID,
		DeregisterClock: m.DeregisterClock.Map(),
		RequestedTypes:  m.RequestedTypes,
		SyncVersion:     m.SyncVersion,
		KnownPeers:      m.KnownPeers,
	}
	if m.Instance != nil {
		wi := toWireInstance(*m.Instance)
		w.Instance = &wi
	}
	if m.Snapshot != nil {
		w.Snapshot = make(map[string]map[string]wireInstance, len(m.Snapshot))
		for svcType, byID := range m.Snapshot {
			inner := make(map[string]wireInstance, len(byID))
			for id, inst := range byID {
				inner[id] = toWireInstance(inst)
			}
			w.Snapshot[svcType] = inner
		}
	}
	return w
}

func fromWireMessage(w wireMessage) Message {
	m := Message{
		Type:            MessageType(w.Type),
		SenderID:        w.SenderID,
		Timestamp:       w.Timestamp,
		MessageID:       w.MessageID,
		HopCount:        w.HopCount,
		Visited:         w.Visited,
		MaxHops:         w.MaxHops,
		ServiceType:     w.ServiceType,
		ServiceID:       w.ServiceID,
		DeregisterClock: clockFromWireMap(w.DeregisterClock),
		RequestedTypes:  w.RequestedTypes,
		SyncVersion:     w.SyncVersion,
		KnownPeers:      w.KnownPeers,
	}
	if m.Visited == nil {
		m.Visited = map[string]bool{}
	}
	if w.Instance != nil {
		inst := fromWireInstance(*w.Instance)
		m.Instance = &inst
	}
	if w.Snapshot != nil {
		m.Snapshot = make(Snapshot, len(w.Snapshot))
		for svcType, byID := range w.Snapshot {
			inner := make(map[string]ServiceInstance, len(byID))
			for id, inst := range byID {
				inner[id] = fromWireInstance(inst)
			}
			m.Snapshot[svcType] = inner
		}
	}
	return m
}

// MarshalMessage serializes m into the self-describing MessagePack wire
// format used by GossipTransport.
func MarshalMessage(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, wireHandle)
	if err := enc.Encode(toWireMessage(m)); err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalMessage deserializes a MessagePack frame produced by
// MarshalMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var w wireMessage
	dec := codec.NewDecoder(bytes.NewReader(data), wireHandle)
	if err := dec.Decode(&w); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return fromWireMessage(w), nil
}

// compressThreshold is the serialized size below which compression is never
// attempted; tiny frames only grow under gzip's header overhead.
const compressThreshold = 512

// CompressFrame gzips frame when it is worthwhile: the input exceeds the
// threshold and compression saves at least 10%. Otherwise the input is
// returned unchanged. Receivers tell the two apart by the gzip magic bytes.
func CompressFrame(frame []byte) []byte {
	if len(frame) <= compressThreshold {
		return frame
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(frame); err != nil {
		zw.Close()
		return frame
	}
	if err := zw.Close(); err != nil {
		return frame
	}
	if buf.Len()*10 > len(frame)*9 {
		return frame
	}
	return buf.Bytes()
}

// DecompressFrame undoes CompressFrame: frames opening with the gzip magic
// bytes (0x1F 0x8B) are inflated, everything else passes through untouched.
func DecompressFrame(frame []byte) ([]byte, error) {
	if len(frame) < 2 || frame[0] != 0x1F || frame[1] != 0x8B {
		return frame, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress frame: %w", err)
	}
	return out, nil
}

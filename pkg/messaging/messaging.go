package messaging

import (
	"fmt"
	"net"
	"time"
)

type MessageType uint8

const (
	TrackerConnected MessageType = iota
	TrackerConnectionFailed
	TrackerAnnounceFailed
	TrackerDisconnected
	PeersDiscovered
)

func (t MessageType) String() string {
	switch t {
	case TrackerConnected:
		return "tracker_connected"
	case TrackerConnectionFailed:
		return "tracker_connection_failed"
	case TrackerAnnounceFailed:
		return "tracker_announce_failed"
	case TrackerDisconnected:
		return "tracker_disconnected"
	case PeersDiscovered:
		return "peers_discovered"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

type Message struct {
	Id          string
	SourceId    string
	Topic       string
	PayloadType MessageType
	Payload     any
	CreatedAt   time.Time
}

// EventData is the free-form payload of lifecycle events.
type EventData map[string]any

const (
	DataMessage      = "message"
	DataConnectionId = "connection_id"
	DataEmitter      = "emitter"
	DataURL          = "url"
)

// String returns the value under key formatted as text, or "" if absent.
func (d EventData) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

type PeersDiscoveredPayload struct {
	Tracker  string
	Interval time.Duration
	Addrs    []net.Addr
}

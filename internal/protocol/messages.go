package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is one pipeline event as mirrored on the bus. Audio events
// carry only their size.
type Envelope struct {
	SessionID  string          `json:"session_id"`
	Sequence   int64           `json:"sequence"`
	Turn       int             `json:"turn"`
	Type       string          `json:"type"`
	Event      json.RawMessage `json:"event,omitempty"`
	AudioBytes int             `json:"audio_bytes,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Lifecycle announces a session starting or ending.
type Lifecycle struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	SampleRate int       `json:"sample_rate,omitempty"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSessionEvents    = "session.%s.events"
	SubjectSessionLifecycle = "session.%s.lifecycle"
	SubjectSessionWildcard  = "session.>"
)

// Subject prefixes a session subject.
func Subject(prefix, format, sessionID string) string {
	subject := fmt.Sprintf(format, sessionID)
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// EventsSubject is where a session's events are mirrored.
func EventsSubject(prefix, sessionID string) string {
	return Subject(prefix, SubjectSessionEvents, sessionID)
}

// LifecycleSubject is where a session's start and end are announced.
func LifecycleSubject(prefix, sessionID string) string {
	return Subject(prefix, SubjectSessionLifecycle, sessionID)
}

// WildcardSubject matches every session subject under prefix.
func WildcardSubject(prefix string) string {
	return prefixed(prefix, SubjectSessionWildcard)
}

// Capability is one thing a node can do, such as a speech provider or a
// tool the agent may call.
type Capability struct {
	Name       string            `json:"name"`
	Provider   string            `json:"provider,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce is published once at startup and whenever a peer asks.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat carries the node's current load.
type NodeHeartbeat struct {
	NodeID         string    `json:"node_id"`
	ActiveSessions int       `json:"active_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SubjectNodeAnnounce      = "node.announce"
	SubjectNodeHeartbeat     = "node.heartbeat.%s"
	SubjectNodeHeartbeatWild = "node.heartbeat.*"
)

func prefixed(prefix, subject string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

func AnnounceSubject(prefix string) string {
	return prefixed(prefix, SubjectNodeAnnounce)
}

func HeartbeatSubject(prefix, nodeID string) string {
	return Subject(prefix, SubjectNodeHeartbeat, nodeID)
}

func HeartbeatWildcard(prefix string) string {
	return prefixed(prefix, SubjectNodeHeartbeatWild)
}

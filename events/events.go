// Package events provides a priority queue based bus for inter-module
// notifications. Modules publish typed events; registered handlers receive
// them in priority order from a single dispatch loop.
package events

import (
	"time"

	"github.com/isnlan/crosscopy/models"
)

// Priority orders queued events. Higher priorities are dispatched first;
// events of equal priority keep publish order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is implemented by every notification that crosses the bus.
type Event interface {
	Kind() string
}

// ShowCode asks the local UI to display a pairing code to the user. It fires
// on the device that issued the challenge.
type ShowCode struct {
	PeerID      string
	Device      models.DeviceDescriptor
	ChallengeID string
	Code        string
	ExpiresIn   time.Duration
}

func (ShowCode) Kind() string { return "auth.show_code" }

// CodeRequired asks the local UI to prompt for the code shown on the peer. It
// fires on the device that requested pairing.
type CodeRequired struct {
	PeerID      string
	Device      models.DeviceDescriptor
	ChallengeID string
	ExpiresIn   time.Duration
}

func (CodeRequired) Kind() string { return "auth.code_required" }

// AuthSucceeded reports that a peer completed authentication.
type AuthSucceeded struct {
	PeerID string
	Level  models.TrustLevel
}

func (AuthSucceeded) Kind() string { return "auth.succeeded" }

// AuthFailed reports a failed authentication attempt.
type AuthFailed struct {
	PeerID string
	Reason string
}

func (AuthFailed) Kind() string { return "auth.failed" }

// PeerBlocked reports that a peer exhausted its attempts and entered the
// block cooldown.
type PeerBlocked struct {
	PeerID string
	Until  time.Time
}

func (PeerBlocked) Kind() string { return "auth.peer_blocked" }

// TrustRevoked reports that a peer's trust was removed.
type TrustRevoked struct {
	PeerID string
}

func (TrustRevoked) Kind() string { return "auth.trust_revoked" }

// PeerConnected reports a session reaching the authenticated state.
type PeerConnected struct {
	PeerID     string
	DeviceName string
}

func (PeerConnected) Kind() string { return "network.peer_connected" }

// PeerDisconnected reports a session closing.
type PeerDisconnected struct {
	PeerID string
	Reason string
}

func (PeerDisconnected) Kind() string { return "network.peer_disconnected" }

// Heartbeat reports a keepalive received from a peer.
type Heartbeat struct {
	PeerID    string
	Timestamp uint64
}

func (Heartbeat) Kind() string { return "network.heartbeat" }

// ContentReceived reports a sync payload accepted from an authenticated peer.
type ContentReceived struct {
	PeerID   string
	Size     int
	Checksum string
}

func (ContentReceived) Kind() string { return "sync.content_received" }

// ErrorEvent reports a background failure that no caller is waiting on.
type ErrorEvent struct {
	Scope string
	Err   error
}

func (ErrorEvent) Kind() string { return "error" }

// Shutdown asks every subscriber to stop.
type Shutdown struct{}

func (Shutdown) Kind() string { return "shutdown" }

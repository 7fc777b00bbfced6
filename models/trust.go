package models

import (
	"fmt"
	"time"
)

// TrustLevel orders how durable a peer's trust grant is.
type TrustLevel string

const (
	// TrustLevelTemporary lasts until explicitly revoked or swept.
	TrustLevelTemporary TrustLevel = "temporary"
	// TrustLevelSession lasts for the lifetime of the local process.
	TrustLevelSession TrustLevel = "session"
	// TrustLevelPersistent survives restarts until its expiry passes.
	TrustLevelPersistent TrustLevel = "persistent"
)

// Rank orders trust levels so refresh logic never downgrades a grant.
func (l TrustLevel) Rank() int {
	switch l {
	case TrustLevelTemporary:
		return 1
	case TrustLevelSession:
		return 2
	case TrustLevelPersistent:
		return 3
	default:
		return 0
	}
}

// ValidateTrustLevel rejects unknown trust level values.
func ValidateTrustLevel(level TrustLevel) error {
	switch level {
	case TrustLevelTemporary, TrustLevelSession, TrustLevelPersistent:
		return nil
	default:
		return fmt.Errorf("invalid trust level %q", level)
	}
}

// TrustRecord grants one peer the right to exchange payloads.
type TrustRecord struct {
	PeerID    string           `json:"peer_id"`
	Device    DeviceDescriptor `json:"device"`
	Level     TrustLevel       `json:"level"`
	CreatedAt time.Time        `json:"created_at"`
	LastSeen  time.Time        `json:"last_seen"`
	// ExpiresAt is zero for levels without expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record's expiry has passed at the given instant.
func (r TrustRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// BlockRecord denies challenge issuance to a peer until it expires.
type BlockRecord struct {
	PeerID       string    `json:"peer_id"`
	BlockedUntil time.Time `json:"blocked_until"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

// Expired reports whether the block's cool-down has passed at the given instant.
func (b BlockRecord) Expired(now time.Time) bool {
	return now.After(b.BlockedUntil)
}

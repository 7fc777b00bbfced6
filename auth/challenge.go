package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/isnlan/crosscopy/models"
)

// ChallengeKind records why a challenge was issued.
type ChallengeKind string

const (
	// KindFirstPairing covers peers never seen before.
	KindFirstPairing ChallengeKind = "first-pairing"
	// KindReauthentication covers peers that are still trusted but must
	// prove themselves again, for example after a key rotation.
	KindReauthentication ChallengeKind = "re-authentication"
	// KindTrustExpired covers peers whose trust grant has lapsed.
	KindTrustExpired ChallengeKind = "trust-expired"
)

// codeSpace is the number of distinct pairing codes.
const codeSpace = 1_000_000

// Challenge is one in-flight pairing attempt. A challenge is single use:
// exactly one successful verification consumes it.
type Challenge struct {
	ID        string
	PeerID    string
	Device    models.DeviceDescriptor
	Code      string
	Kind      ChallengeKind
	CreatedAt time.Time
	ExpiresAt time.Time
	Attempts  int
}

// Expired reports whether the challenge TTL has passed at the given instant.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ExpiresIn returns the remaining lifetime, clamped at zero.
func (c Challenge) ExpiresIn(now time.Time) time.Duration {
	if remaining := c.ExpiresAt.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// generateCode draws a pairing code uniformly over the full six digit space,
// leading zeros included.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return formatCode(n.Int64()), nil
}

func formatCode(n int64) string {
	return fmt.Sprintf("%06d", n)
}

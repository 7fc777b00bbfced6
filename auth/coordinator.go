// Package auth implements the device pairing handshake: time boxed numeric
// code challenges, attempt throttling with block cooldowns, and the trust
// table that decides which peers may exchange payloads.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/isnlan/crosscopy/events"
	"github.com/isnlan/crosscopy/models"
	"github.com/isnlan/crosscopy/storage"
)

// Defaults applied by Options.withDefaults.
const (
	DefaultChallengeTTL       = 5 * time.Minute
	DefaultMaxAttempts        = 3
	DefaultBlockDuration      = 10 * time.Minute
	DefaultPersistentTrustTTL = 30 * 24 * time.Hour
	DefaultSweepInterval      = time.Minute
)

// Options tunes the authenticator. Zero values fall back to the defaults
// above.
type Options struct {
	// ChallengeTTL bounds how long an issued code may be verified.
	ChallengeTTL time.Duration
	// MaxAttempts is the number of wrong codes tolerated before the peer
	// is blocked.
	MaxAttempts int
	// BlockDuration is the cooldown applied once attempts run out.
	BlockDuration time.Duration
	// DefaultLevel is the trust level granted on success.
	DefaultLevel models.TrustLevel
	// PersistentTrustTTL bounds persistent level grants.
	PersistentTrustTTL time.Duration
	// SweepInterval is how often Run reclaims abandoned state.
	SweepInterval time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ChallengeTTL <= 0 {
		o.ChallengeTTL = DefaultChallengeTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BlockDuration <= 0 {
		o.BlockDuration = DefaultBlockDuration
	}
	if o.DefaultLevel == "" {
		o.DefaultLevel = models.TrustLevelPersistent
	}
	if o.PersistentTrustTTL <= 0 {
		o.PersistentTrustTTL = DefaultPersistentTrustTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Authenticator drives the challenge and response exchange that promotes an
// unknown peer into the trust store. Issuance and verification run under one
// lock, so attempt counting and the code comparison form a single atomic
// unit and a consumed challenge is unreachable for further verification.
type Authenticator struct {
	opts  Options
	trust *TrustStore
	bus   *events.Bus
	db    *storage.Store
	now   func() time.Time

	// newCode is swapped out by tests that need a known code.
	newCode func() (string, error)

	mu         sync.Mutex
	challenges map[string]*Challenge
}

// NewAuthenticator wires the coordinator to its collaborators. The bus and
// db may be nil; lifecycle events and the security audit trail are then
// skipped.
func NewAuthenticator(trust *TrustStore, bus *events.Bus, db *storage.Store, opts Options) (*Authenticator, error) {
	if trust == nil {
		return nil, errors.New("auth: trust store is required")
	}
	opts = opts.withDefaults()
	if err := models.ValidateTrustLevel(opts.DefaultLevel); err != nil {
		return nil, err
	}

	return &Authenticator{
		opts:       opts,
		trust:      trust,
		bus:        bus,
		db:         db,
		now:        opts.Now,
		newCode:    generateCode,
		challenges: make(map[string]*Challenge),
	}, nil
}

// Trust returns the trust store the authenticator promotes peers into.
func (a *Authenticator) Trust() *TrustStore {
	return a.trust
}

// Issue creates a challenge for an unauthenticated peer and announces the
// code locally through a ShowCode event. A blocked peer is refused before
// any code is generated, so it can never trigger a user facing prompt.
func (a *Authenticator) Issue(peerID string, device models.DeviceDescriptor) (Challenge, error) {
	if peerID == "" {
		return Challenge{}, errors.New("auth: issue needs a peer id")
	}

	now := a.now()

	a.mu.Lock()
	if until, blocked := a.trust.BlockedUntil(peerID); blocked {
		a.mu.Unlock()
		a.logSecurityEvent("challenge_refused", peerID, storage.SecuritySeverityWarning,
			fmt.Sprintf(`{"reason":"blocked","blocked_until":%d}`, until.UnixMilli()))
		return Challenge{}, ErrDeviceBlocked
	}

	code, err := a.newCode()
	if err != nil {
		a.mu.Unlock()
		return Challenge{}, err
	}

	challenge := &Challenge{
		ID:        uuid.NewString(),
		PeerID:    peerID,
		Device:    device,
		Code:      code,
		Kind:      a.challengeKind(peerID, now),
		CreatedAt: now,
		ExpiresAt: now.Add(a.opts.ChallengeTTL),
	}
	a.challenges[challenge.ID] = challenge
	issued := *challenge
	a.mu.Unlock()

	a.publish(events.ShowCode{
		PeerID:      peerID,
		Device:      device,
		ChallengeID: issued.ID,
		Code:        code,
		ExpiresIn:   issued.ExpiresIn(now),
	}, events.PriorityHigh)
	a.logSecurityEvent("challenge_issued", peerID, storage.SecuritySeverityInfo,
		fmt.Sprintf(`{"challenge_id":%q,"kind":%q}`, issued.ID, issued.Kind))

	logrus.WithFields(logrus.Fields{
		"peer_id":      peerID,
		"challenge_id": issued.ID,
		"kind":         issued.Kind,
	}).Debug("issued pairing challenge")

	return issued, nil
}

// Verify checks a submitted code against its challenge. A match consumes
// the challenge and grants trust at the configured default level; reaching
// the attempt ceiling consumes it and blocks the peer for the cooldown.
func (a *Authenticator) Verify(challengeID, code string) (models.TrustRecord, error) {
	now := a.now()

	a.mu.Lock()

	challenge, ok := a.challenges[challengeID]
	if !ok {
		a.mu.Unlock()
		a.logSecurityEvent("auth_failed", "", storage.SecuritySeverityWarning,
			fmt.Sprintf(`{"challenge_id":%q,"reason":"unknown challenge"}`, challengeID))
		return models.TrustRecord{}, ErrInvalidChallenge
	}
	peerID := challenge.PeerID

	if challenge.Expired(now) {
		delete(a.challenges, challengeID)
		a.mu.Unlock()
		a.publish(events.AuthFailed{PeerID: peerID, Reason: "challenge expired"}, events.PriorityNormal)
		a.logSecurityEvent("auth_failed", peerID, storage.SecuritySeverityWarning,
			fmt.Sprintf(`{"challenge_id":%q,"reason":"challenge expired"}`, challengeID))
		return models.TrustRecord{}, ErrChallengeExpired
	}

	challenge.Attempts++

	if subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(code)) == 1 {
		delete(a.challenges, challengeID)

		record := models.TrustRecord{
			PeerID:    peerID,
			Device:    challenge.Device,
			Level:     a.opts.DefaultLevel,
			CreatedAt: now,
			LastSeen:  now,
		}
		if record.Level == models.TrustLevelPersistent {
			record.ExpiresAt = now.Add(a.opts.PersistentTrustTTL)
		}
		record, err := a.trust.AddOrRefresh(record)
		a.mu.Unlock()
		if err != nil {
			return models.TrustRecord{}, err
		}

		a.publish(events.AuthSucceeded{PeerID: peerID, Level: record.Level}, events.PriorityHigh)
		a.logSecurityEvent("auth_succeeded", peerID, storage.SecuritySeverityInfo,
			fmt.Sprintf(`{"challenge_id":%q,"level":%q,"attempts":%d}`, challengeID, record.Level, challenge.Attempts))

		logrus.WithFields(logrus.Fields{
			"peer_id": peerID,
			"level":   record.Level,
		}).Info("peer authenticated")

		return record, nil
	}

	if challenge.Attempts >= a.opts.MaxAttempts {
		delete(a.challenges, challengeID)
		until := now.Add(a.opts.BlockDuration)
		_, blockErr := a.trust.Block(peerID, until, "too many attempts")
		a.mu.Unlock()
		if blockErr != nil {
			logrus.WithError(blockErr).WithField("peer_id", peerID).Warn("failed to persist block record")
		}

		a.publish(events.PeerBlocked{PeerID: peerID, Until: until}, events.PriorityHigh)
		a.publish(events.AuthFailed{PeerID: peerID, Reason: "too many attempts"}, events.PriorityNormal)
		a.logSecurityEvent("peer_blocked", peerID, storage.SecuritySeverityCritical,
			fmt.Sprintf(`{"challenge_id":%q,"blocked_until":%d}`, challengeID, until.UnixMilli()))

		logrus.WithFields(logrus.Fields{
			"peer_id":       peerID,
			"blocked_until": until.Format(time.RFC3339),
		}).Warn("peer blocked after failed pairing attempts")

		return models.TrustRecord{}, ErrTooManyAttempts
	}

	attempts := challenge.Attempts
	a.mu.Unlock()

	a.publish(events.AuthFailed{PeerID: peerID, Reason: "invalid code"}, events.PriorityNormal)
	a.logSecurityEvent("auth_failed", peerID, storage.SecuritySeverityWarning,
		fmt.Sprintf(`{"challenge_id":%q,"attempts":%d,"reason":"invalid code"}`, challengeID, attempts))

	return models.TrustRecord{}, ErrInvalidCode
}

// Grant records trust for a peer whose pairing the remote device accepted.
// The device that typed the code calls this after a positive pairing result
// so both ends of the exchange converge on a trust record.
func (a *Authenticator) Grant(peerID string, device models.DeviceDescriptor) (models.TrustRecord, error) {
	if peerID == "" {
		return models.TrustRecord{}, errors.New("auth: grant needs a peer id")
	}

	now := a.now()
	record := models.TrustRecord{
		PeerID:    peerID,
		Device:    device,
		Level:     a.opts.DefaultLevel,
		CreatedAt: now,
		LastSeen:  now,
	}
	if record.Level == models.TrustLevelPersistent {
		record.ExpiresAt = now.Add(a.opts.PersistentTrustTTL)
	}

	a.mu.Lock()
	record, err := a.trust.AddOrRefresh(record)
	a.mu.Unlock()
	if err != nil {
		return models.TrustRecord{}, err
	}

	a.publish(events.AuthSucceeded{PeerID: peerID, Level: record.Level}, events.PriorityHigh)
	a.logSecurityEvent("trust_granted", peerID, storage.SecuritySeverityInfo,
		fmt.Sprintf(`{"level":%q}`, record.Level))

	logrus.WithFields(logrus.Fields{
		"peer_id": peerID,
		"level":   record.Level,
	}).Info("peer trust granted")

	return record, nil
}

// Revoke withdraws a peer's trust and cancels any of its open challenges.
// Revoking an untrusted peer is a no-op.
func (a *Authenticator) Revoke(peerID string) {
	a.CancelPeer(peerID)

	a.mu.Lock()
	a.trust.Revoke(peerID)
	a.mu.Unlock()

	a.publish(events.TrustRevoked{PeerID: peerID}, events.PriorityHigh)
	a.logSecurityEvent("trust_revoked", peerID, storage.SecuritySeverityWarning, "{}")

	logrus.WithField("peer_id", peerID).Info("peer trust revoked")
}

// Cancel withdraws a pending challenge, for example when the local user
// denies the pairing prompt. It reports whether the challenge was still
// pending.
func (a *Authenticator) Cancel(challengeID string) bool {
	a.mu.Lock()
	challenge, ok := a.challenges[challengeID]
	if ok {
		delete(a.challenges, challengeID)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}

	a.publish(events.AuthFailed{PeerID: challenge.PeerID, Reason: "cancelled"}, events.PriorityNormal)
	a.logSecurityEvent("challenge_cancelled", challenge.PeerID, storage.SecuritySeverityInfo,
		fmt.Sprintf(`{"challenge_id":%q}`, challengeID))
	return true
}

// CancelPeer withdraws every pending challenge for one peer, used when its
// session tears down mid handshake.
func (a *Authenticator) CancelPeer(peerID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cancelled := 0
	for id, challenge := range a.challenges {
		if challenge.PeerID == peerID {
			delete(a.challenges, id)
			cancelled++
		}
	}
	return cancelled
}

// Pending returns the number of in-flight challenges.
func (a *Authenticator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.challenges)
}

// Sweep reclaims expired challenges plus lapsed trust and block records.
// An abandoned challenge is only ever reclaimed here or at its next
// verification; there is no timer per challenge.
func (a *Authenticator) Sweep() (int, int, int) {
	now := a.now()

	a.mu.Lock()
	expired := 0
	for id, challenge := range a.challenges {
		if challenge.Expired(now) {
			delete(a.challenges, id)
			expired++
		}
	}
	a.mu.Unlock()

	trustRemoved, blocksRemoved := a.trust.Sweep()
	return expired, trustRemoved, blocksRemoved
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (a *Authenticator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			challenges, records, blocks := a.Sweep()
			if challenges+records+blocks > 0 {
				logrus.WithFields(logrus.Fields{
					"challenges": challenges,
					"trust":      records,
					"blocks":     blocks,
				}).Debug("swept expired authentication state")
			}
		}
	}
}

func (a *Authenticator) challengeKind(peerID string, now time.Time) ChallengeKind {
	record, ok := a.trust.Lookup(peerID)
	if !ok {
		return KindFirstPairing
	}
	if record.Expired(now) {
		return KindTrustExpired
	}
	return KindReauthentication
}

func (a *Authenticator) publish(event events.Event, priority events.Priority) {
	if a.bus == nil {
		return
	}
	a.bus.PublishWithPriority(event, priority)
}

func (a *Authenticator) logSecurityEvent(eventType, peerID, severity, details string) {
	if a.db == nil {
		return
	}

	event := storage.SecurityEvent{
		EventType: eventType,
		Severity:  severity,
		Details:   details,
		Timestamp: a.now().UnixMilli(),
	}
	if peerID != "" {
		event.PeerID = &peerID
	}
	if err := a.db.LogSecurityEvent(event); err != nil {
		logrus.WithError(err).WithField("event_type", eventType).Warn("failed to record security event")
	}
}

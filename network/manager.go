package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isnlan/crosscopy/auth"
	appcrypto "github.com/isnlan/crosscopy/crypto"
	"github.com/isnlan/crosscopy/discovery"
	"github.com/isnlan/crosscopy/events"
	"github.com/isnlan/crosscopy/models"
	"github.com/isnlan/crosscopy/storage"
)

// DefaultMaxConnections bounds concurrent peer sessions.
const DefaultMaxConnections = 16

var (
	// ErrPeerNotFound indicates no active session exists for the peer.
	ErrPeerNotFound = errors.New("network: peer not found")
	// ErrNoPendingChallenge indicates a pairing command that has nothing
	// to act on.
	ErrNoPendingChallenge = errors.New("network: no pending pairing challenge")

	errPeerRevokedTrust = errors.New("network: peer revoked trust")
)

// InboundContent is a decrypted sync payload from an authenticated peer.
type InboundContent struct {
	PeerID   string
	Data     []byte
	Checksum string
}

// PeerStatus is one row of the session table snapshot.
type PeerStatus struct {
	PeerID     string
	State      SessionState
	Device     models.DeviceDescriptor
	Trusted    bool
	RemoteAddr string
}

// Options configures the session manager.
type Options struct {
	// Identity is the static link keypair; the local device id is its
	// fingerprint.
	Identity *appcrypto.LinkIdentity
	// Device is announced to peers during the hello exchange. Its id must
	// match the identity fingerprint; an empty id is filled in.
	Device models.DeviceDescriptor
	// Auth drives pairing challenges and owns the trust table.
	Auth *auth.Authenticator
	// Keys derives the per-peer payload keys.
	Keys *appcrypto.KeyManager
	// Bus receives lifecycle events. Nil disables publishing.
	Bus *events.Bus
	// Store receives the security audit trail. Nil disables it.
	Store *storage.Store

	// ListenAddress is the TCP bind address; empty binds an ephemeral port.
	ListenAddress string

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	PairingTimeout    time.Duration
	// MaxMessageAge bounds the accepted clock skew on peer messages.
	MaxMessageAge    time.Duration
	ConnectTimeout   time.Duration
	FrameReadTimeout time.Duration
	MaxConnections   int

	// RequireApproval holds inbound pairing challenges until Allow is
	// called, instead of sending them immediately.
	RequireApproval bool

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = DefaultPairingTimeout
	}
	if o.MaxMessageAge <= 0 {
		o.MaxMessageAge = DefaultMaxMessageAge
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) validate() error {
	if o.Identity == nil {
		return errors.New("network: link identity is required")
	}
	if o.Auth == nil {
		return errors.New("network: authenticator is required")
	}
	if o.Keys == nil {
		return errors.New("network: key manager is required")
	}
	return nil
}

// Manager runs one session per peer and the pairing exchange that promotes
// new peers into the trust table. Inbound links come from the embedded
// listener, outbound ones from Connect; both converge on the same session
// loop.
type Manager struct {
	options Options
	localID string

	server *Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.RWMutex
	sessions map[string]*PeerSession

	// pendingCodes maps peer id to the challenge this side must answer;
	// issued and held track challenges this side generated.
	pendingMu    sync.Mutex
	pendingCodes map[string]string
	issued       map[string]auth.Challenge
	held         map[string]bool

	content chan InboundContent
	errs    chan error
}

// NewManager validates the options and prepares a stopped manager.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	localID := opts.Identity.Fingerprint()
	if opts.Device.DeviceID == "" {
		opts.Device.DeviceID = localID
	} else if opts.Device.DeviceID != localID {
		return nil, fmt.Errorf("network: device id %s does not match identity fingerprint %s", opts.Device.DeviceID, localID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		options:      opts,
		localID:      localID,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*PeerSession),
		pendingCodes: make(map[string]string),
		issued:       make(map[string]auth.Challenge),
		held:         make(map[string]bool),
		content:      make(chan InboundContent, 64),
		errs:         make(chan error, 64),
	}, nil
}

// LocalID returns this device's link fingerprint.
func (m *Manager) LocalID() string {
	return m.localID
}

// Start binds the listener and begins accepting peers.
func (m *Manager) Start() error {
	server, err := Listen(m.options.ListenAddress, ListenOptions{
		Link:   m.linkOptions(),
		Device: m.options.Device,
		RejectPeer: func(peerID string) bool {
			return m.options.Auth.Trust().IsBlocked(peerID)
		},
	})
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(1)
	go m.serverLoop()

	logrus.WithFields(logrus.Fields{
		"device_id": m.localID,
		"address":   server.Addr().String(),
	}).Info("session manager listening")
	return nil
}

// Stop tears down the listener and every session, then closes the output
// channels.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.mu.Lock()
		open := make([]*PeerSession, 0, len(m.sessions))
		for _, session := range m.sessions {
			open = append(open, session)
		}
		m.mu.Unlock()
		for _, session := range open {
			_ = session.Close()
		}

		m.wg.Wait()
		close(m.content)
		close(m.errs)
	})
}

// Addr returns the bound listen address, or empty before Start.
func (m *Manager) Addr() string {
	if m.server == nil {
		return ""
	}
	return m.server.Addr().String()
}

// Content delivers decrypted sync payloads. The channel closes on Stop.
func (m *Manager) Content() <-chan InboundContent {
	return m.content
}

// Errors delivers background failures no caller is waiting on.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Connect dials a peer, secures the link, and starts its session. The
// returned id is the peer's proven key fingerprint. Untrusted peers sit in
// the authenticating state until the pairing exchange settles.
func (m *Manager) Connect(address string) (string, error) {
	if err := m.ctx.Err(); err != nil {
		return "", fmt.Errorf("network: manager stopped: %w", err)
	}

	link, hello, err := Dial(address, m.options.Device, m.listenPort(), m.linkOptions())
	if err != nil {
		return "", err
	}
	peerID := link.PeerID()

	if m.options.Auth.Trust().IsBlocked(peerID) {
		_ = link.Close()
		return "", fmt.Errorf("peer %s: %w", peerID, auth.ErrDeviceBlocked)
	}
	if m.sessionCount() >= m.options.MaxConnections {
		_ = link.Close()
		return "", fmt.Errorf("network: connection limit %d reached", m.options.MaxConnections)
	}

	session := m.registerSession(link, hello.Device)
	if m.options.Auth.Trust().IsTrusted(peerID) {
		m.activateSession(session)
	} else if err := session.Advance(StateAuthenticating); err != nil {
		m.reportError(err)
	}

	m.wg.Add(1)
	go m.sessionLoop(session)

	return peerID, nil
}

// HandlePeerFound reacts to an mDNS discovery. Only already trusted peers
// are dialed automatically; unknown devices wait for an explicit Connect so
// discovery alone can never start a pairing prompt.
func (m *Manager) HandlePeerFound(peer discovery.DiscoveredPeer) {
	if peer.DeviceID == "" || peer.DeviceID == m.localID {
		return
	}
	if !m.options.Auth.Trust().IsTrusted(peer.DeviceID) {
		return
	}
	if m.session(peer.DeviceID) != nil {
		return
	}

	for _, addr := range peer.Addresses {
		address := net.JoinHostPort(addr, strconv.Itoa(peer.Port))
		peerID, err := m.Connect(address)
		if err != nil {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"peer_id": peerID,
			"address": address,
		}).Info("reconnected discovered peer")
		return
	}
	logrus.WithField("peer_id", peer.DeviceID).Debug("discovered peer unreachable")
}

// SubmitCode answers a pairing challenge with a user supplied code. The
// challenge id is the one carried by the CodeRequired event.
func (m *Manager) SubmitCode(challengeID, code string) error {
	m.pendingMu.Lock()
	var peerID string
	for peer, pending := range m.pendingCodes {
		if pending == challengeID {
			peerID = peer
			break
		}
	}
	m.pendingMu.Unlock()
	if peerID == "" {
		return fmt.Errorf("%w: %s", ErrNoPendingChallenge, challengeID)
	}

	session := m.session(peerID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	return m.sendPayload(session, TypePairingResponse, PairingResponsePayload{
		ChallengeID: challengeID,
		Code:        code,
	})
}

// Allow releases a held pairing challenge to its peer. Without the approval
// requirement the challenge was already sent and Allow is a no-op.
func (m *Manager) Allow(challengeID string) error {
	m.pendingMu.Lock()
	challenge, ok := m.issued[challengeID]
	wasHeld := m.held[challengeID]
	delete(m.held, challengeID)
	m.pendingMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingChallenge, challengeID)
	}
	if !wasHeld {
		return nil
	}

	session := m.session(challenge.PeerID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, challenge.PeerID)
	}
	return m.sendPairingChallenge(session, challenge)
}

// Deny rejects a pairing attempt: the challenge is cancelled, the peer gets
// a terminal result, and its session closes.
func (m *Manager) Deny(challengeID string) error {
	m.pendingMu.Lock()
	challenge, ok := m.issued[challengeID]
	wasHeld := m.held[challengeID]
	delete(m.issued, challengeID)
	delete(m.held, challengeID)
	m.pendingMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingChallenge, challengeID)
	}

	m.options.Auth.Cancel(challengeID)

	if session := m.session(challenge.PeerID); session != nil {
		// A held challenge never reached the peer, so there is no result
		// for it to correlate; the closing link says enough.
		if !wasHeld {
			_ = m.sendPayload(session, TypePairingResult, PairingResultPayload{
				ChallengeID: challengeID,
				Accepted:    false,
				Reason:      "denied",
			})
		}
		_ = session.Close()
	}
	return nil
}

// RevokeTrust withdraws a peer's trust, notifies it, and tears its session
// down. The peer must pair from scratch to reconnect.
func (m *Manager) RevokeTrust(peerID string) {
	m.options.Auth.Revoke(peerID)
	m.options.Keys.Forget(peerID)

	if session := m.session(peerID); session != nil {
		_ = m.sendPayload(session, TypeTrustRevoke, TrustRevokePayload{Reason: "revoked by user"})
		_ = session.Close()
	}
}

// Send encrypts payload with the shared peer key and ships it to an active
// peer. The message checksum covers the plaintext, so the receiver verifies
// integrity after decryption.
func (m *Manager) Send(peerID string, payload []byte) error {
	session := m.session(peerID)
	if session == nil || session.State() != StateActive {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}

	key, err := m.options.Keys.PeerKey(peerID)
	if err != nil {
		return err
	}
	ciphertext, err := appcrypto.Encrypt(key, payload)
	if err != nil {
		return err
	}

	msg := NewMessage(m.localID, TypeContentSync, ciphertext, m.now())
	msg.Checksum = appcrypto.Checksum(payload)
	return session.Send(msg)
}

// Broadcast sends payload to every active peer and reports the per-peer
// failures. An empty map means everyone got it.
func (m *Manager) Broadcast(payload []byte) map[string]error {
	m.mu.RLock()
	peers := make([]string, 0, len(m.sessions))
	for peerID, session := range m.sessions {
		if session.State() == StateActive {
			peers = append(peers, peerID)
		}
	}
	m.mu.RUnlock()

	failures := make(map[string]error)
	for _, peerID := range peers {
		if err := m.Send(peerID, payload); err != nil {
			failures[peerID] = err
		}
	}
	return failures
}

// AnnounceDevice pushes the current device descriptor to every active peer,
// for example after the user renames the device.
func (m *Manager) AnnounceDevice() {
	raw, err := json.Marshal(m.options.Device)
	if err != nil {
		m.reportError(fmt.Errorf("encode device info: %w", err))
		return
	}

	m.mu.RLock()
	open := make([]*PeerSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session.State() == StateActive {
			open = append(open, session)
		}
	}
	m.mu.RUnlock()

	for _, session := range open {
		msg := NewMessage(m.localID, TypeDeviceInfo, raw, m.now())
		if err := session.Send(msg); err != nil {
			logrus.WithError(err).WithField("peer_id", session.PeerID()).Debug("device announce failed")
		}
	}
}

// Snapshot returns the session table sorted by peer id.
func (m *Manager) Snapshot() []PeerStatus {
	m.mu.RLock()
	statuses := make([]PeerStatus, 0, len(m.sessions))
	for peerID, session := range m.sessions {
		statuses = append(statuses, PeerStatus{
			PeerID:     peerID,
			State:      session.State(),
			Device:     session.Device(),
			Trusted:    m.options.Auth.Trust().IsTrusted(peerID),
			RemoteAddr: session.link.RemoteAddr().String(),
		})
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].PeerID < statuses[j].PeerID })
	return statuses
}

func (m *Manager) serverLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case in, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.admitInbound(in)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		}
	}
}

func (m *Manager) admitInbound(in *InboundLink) {
	peerID := in.Link.PeerID()

	if m.sessionCount() >= m.options.MaxConnections {
		_ = in.Link.Close()
		m.reportError(fmt.Errorf("network: connection limit %d reached, dropping %s", m.options.MaxConnections, peerID))
		return
	}

	session := m.registerSession(in.Link, in.Hello.Device)
	if m.options.Auth.Trust().IsTrusted(peerID) {
		m.activateSession(session)
	} else {
		m.beginPairing(session)
	}

	m.wg.Add(1)
	go m.sessionLoop(session)
}

// beginPairing runs the issuing side of the pairing exchange for an
// untrusted inbound peer. The code stays on this device; the peer only
// learns the challenge id.
func (m *Manager) beginPairing(session *PeerSession) {
	peerID := session.PeerID()

	if err := session.Advance(StateAuthenticating); err != nil {
		m.reportError(err)
		_ = session.Close()
		return
	}

	challenge, err := m.options.Auth.Issue(peerID, session.Device())
	if errors.Is(err, auth.ErrDeviceBlocked) {
		session.Block()
		return
	}
	if err != nil {
		m.reportError(fmt.Errorf("issue challenge for %s: %w", peerID, err))
		_ = session.Close()
		return
	}

	m.pendingMu.Lock()
	m.issued[challenge.ID] = challenge
	hold := m.options.RequireApproval
	if hold {
		m.held[challenge.ID] = true
	}
	m.pendingMu.Unlock()

	if hold {
		logrus.WithFields(logrus.Fields{
			"peer_id":      peerID,
			"challenge_id": challenge.ID,
		}).Info("pairing challenge held for local approval")
		return
	}

	if err := m.sendPairingChallenge(session, challenge); err != nil {
		m.reportError(err)
	}
}

func (m *Manager) sendPairingChallenge(session *PeerSession, challenge auth.Challenge) error {
	return m.sendPayload(session, TypePairingChallenge, PairingChallengePayload{
		ChallengeID: challenge.ID,
		DeviceName:  m.options.Device.DeviceName,
		ExpiresIn:   int64(challenge.ExpiresIn(m.now()).Seconds()),
	})
}

func (m *Manager) sessionLoop(session *PeerSession) {
	defer m.wg.Done()

	for {
		msg, err := session.ReceiveMessage(m.ctx)
		if err != nil {
			break
		}
		m.dispatch(session, msg)
	}
	m.teardown(session)
}

// dispatch applies the shared gates, then routes by type. Violations count
// against the session's fault budget instead of tearing it down outright.
func (m *Manager) dispatch(session *PeerSession, msg Message) {
	peerID := session.PeerID()

	if msg.SenderID != peerID {
		session.Fault("sender does not match link identity")
		return
	}
	if msg.Stale(m.now(), m.options.MaxMessageAge) {
		session.Fault("timestamp outside freshness window")
		return
	}
	if msg.Type != TypeContentSync && !msg.ChecksumOK() {
		session.Fault("checksum mismatch")
		return
	}

	switch msg.Type {
	case TypeHandshake:
		session.Fault("handshake after hello exchange")
	case TypeHeartbeat:
		// consumed by the session read loop before dispatch
	case TypeContentSync:
		m.handleContent(session, msg)
	case TypeDeviceInfo:
		m.handleDeviceInfo(session, msg)
	case TypeAck:
		m.handleAck(session, msg)
	case TypeError:
		m.handleRemoteError(session, msg)
	case TypePairingChallenge:
		m.handlePairingChallenge(session, msg)
	case TypePairingResponse:
		m.handlePairingResponse(session, msg)
	case TypePairingResult:
		m.handlePairingResult(session, msg)
	case TypeTrustRevoke:
		m.handleTrustRevoke(session, msg)
	default:
		session.Fault(fmt.Sprintf("unknown message type 0x%04x", uint16(msg.Type)))
	}
}

func (m *Manager) handleContent(session *PeerSession, msg Message) {
	peerID := session.PeerID()

	if session.State() != StateActive {
		session.Fault("content before activation")
		return
	}

	key, err := m.options.Keys.PeerKey(peerID)
	if err != nil {
		m.reportError(fmt.Errorf("peer key for %s: %w", peerID, err))
		return
	}

	plaintext, err := appcrypto.Decrypt(key, msg.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"peer_id":    peerID,
			"message_id": msg.ID,
		}).Warn("content payload failed to decrypt, possible key mismatch")
		m.logSecurityEvent("decrypt_failed", peerID, storage.SecuritySeverityCritical,
			fmt.Sprintf(`{"message_id":%q}`, msg.ID))
		session.Fault("undecryptable content payload")
		return
	}
	if !appcrypto.VerifyChecksum(plaintext, msg.Checksum) {
		session.Fault("content checksum mismatch")
		return
	}

	m.options.Auth.Trust().Touch(peerID, m.now())
	m.publish(events.ContentReceived{
		PeerID:   peerID,
		Size:     len(plaintext),
		Checksum: msg.Checksum,
	}, events.PriorityNormal)

	select {
	case m.content <- InboundContent{PeerID: peerID, Data: plaintext, Checksum: msg.Checksum}:
	default:
		logrus.WithField("peer_id", peerID).Warn("content buffer full, dropping payload")
	}

	if err := m.sendPayload(session, TypeAck, AckPayload{RelatedID: msg.ID}); err != nil {
		logrus.WithError(err).WithField("peer_id", peerID).Debug("ack send failed")
	}
}

func (m *Manager) handleDeviceInfo(session *PeerSession, msg Message) {
	var device models.DeviceDescriptor
	if err := json.Unmarshal(msg.Payload, &device); err != nil {
		session.Fault("malformed device info")
		return
	}
	if device.DeviceID != session.PeerID() {
		session.Fault("device info claims another identity")
		return
	}
	session.SetDevice(device)
	logrus.WithFields(logrus.Fields{
		"peer_id":     device.DeviceID,
		"device_name": device.DeviceName,
	}).Debug("peer device info updated")
}

func (m *Manager) handleAck(session *PeerSession, msg Message) {
	var ack AckPayload
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		session.Fault("malformed ack")
		return
	}
	logrus.WithFields(logrus.Fields{
		"peer_id":    session.PeerID(),
		"related_id": ack.RelatedID,
	}).Debug("content delivery acknowledged")
}

func (m *Manager) handleRemoteError(session *PeerSession, msg Message) {
	var remote ErrorPayload
	if err := json.Unmarshal(msg.Payload, &remote); err != nil {
		session.Fault("malformed error report")
		return
	}
	m.reportError(fmt.Errorf("peer %s reported %s: %s", session.PeerID(), remote.Code, remote.Message))
}

// handlePairingChallenge runs on the side that must prove itself. The
// manager records which challenge to answer and asks the UI for the code. A
// session that is already active stays active; the peer wants fresh proof,
// not a new link.
func (m *Manager) handlePairingChallenge(session *PeerSession, msg Message) {
	peerID := session.PeerID()

	var challenge PairingChallengePayload
	if err := json.Unmarshal(msg.Payload, &challenge); err != nil || challenge.ChallengeID == "" {
		session.Fault("malformed pairing challenge")
		return
	}

	m.pendingMu.Lock()
	m.pendingCodes[peerID] = challenge.ChallengeID
	m.pendingMu.Unlock()

	if session.State() == StateLinkSecured {
		if err := session.Advance(StateAuthenticating); err != nil {
			m.reportError(err)
		}
	}

	device := session.Device()
	if challenge.DeviceName != "" {
		device.DeviceName = challenge.DeviceName
	}
	m.publish(events.CodeRequired{
		PeerID:      peerID,
		Device:      device,
		ChallengeID: challenge.ChallengeID,
		ExpiresIn:   time.Duration(challenge.ExpiresIn) * time.Second,
	}, events.PriorityHigh)
}

// handlePairingResponse runs on the issuing side and settles the challenge
// against the submitted code.
func (m *Manager) handlePairingResponse(session *PeerSession, msg Message) {
	peerID := session.PeerID()

	var response PairingResponsePayload
	if err := json.Unmarshal(msg.Payload, &response); err != nil {
		session.Fault("malformed pairing response")
		return
	}

	m.pendingMu.Lock()
	challenge, known := m.issued[response.ChallengeID]
	m.pendingMu.Unlock()
	if !known || challenge.PeerID != peerID {
		session.Fault("response to unknown challenge")
		return
	}

	record, err := m.options.Auth.Verify(response.ChallengeID, response.Code)
	switch {
	case err == nil:
		m.forgetChallenge(response.ChallengeID)
		if sendErr := m.sendPayload(session, TypePairingResult, PairingResultPayload{
			ChallengeID: response.ChallengeID,
			Accepted:    true,
			Level:       string(record.Level),
		}); sendErr != nil {
			return
		}
		m.activateSession(session)

	case errors.Is(err, auth.ErrInvalidCode):
		_ = m.sendPayload(session, TypePairingResult, PairingResultPayload{
			ChallengeID: response.ChallengeID,
			Reason:      "invalid code",
			Retry:       true,
		})

	case errors.Is(err, auth.ErrTooManyAttempts):
		m.forgetChallenge(response.ChallengeID)
		_ = m.sendPayload(session, TypePairingResult, PairingResultPayload{
			ChallengeID: response.ChallengeID,
			Reason:      "too many attempts",
		})
		session.Block()

	case errors.Is(err, auth.ErrChallengeExpired), errors.Is(err, auth.ErrInvalidChallenge):
		m.forgetChallenge(response.ChallengeID)
		_ = m.sendPayload(session, TypePairingResult, PairingResultPayload{
			ChallengeID: response.ChallengeID,
			Reason:      "challenge expired",
		})
		_ = session.Close()

	default:
		m.reportError(fmt.Errorf("verify challenge for %s: %w", peerID, err))
		_ = session.Close()
	}
}

// handlePairingResult runs on the side that submitted the code. Acceptance
// grants trust locally so both devices converge; a retriable rejection keeps
// the challenge pending for another attempt.
func (m *Manager) handlePairingResult(session *PeerSession, msg Message) {
	peerID := session.PeerID()

	var result PairingResultPayload
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		session.Fault("malformed pairing result")
		return
	}

	m.pendingMu.Lock()
	expected := m.pendingCodes[peerID]
	m.pendingMu.Unlock()
	if expected == "" || expected != result.ChallengeID {
		session.Fault("result for unknown challenge")
		return
	}

	if result.Accepted {
		m.pendingMu.Lock()
		delete(m.pendingCodes, peerID)
		m.pendingMu.Unlock()

		if _, err := m.options.Auth.Grant(peerID, session.Device()); err != nil {
			m.reportError(fmt.Errorf("grant trust for %s: %w", peerID, err))
			_ = session.Close()
			return
		}
		m.activateSession(session)
		return
	}

	m.publish(events.AuthFailed{PeerID: peerID, Reason: result.Reason}, events.PriorityNormal)
	if result.Retry {
		return
	}

	m.pendingMu.Lock()
	delete(m.pendingCodes, peerID)
	m.pendingMu.Unlock()
	_ = session.Close()
}

// handleTrustRevoke tears the session down on the peer's request. Trust in
// the revoking peer is kept locally; it decides for itself whether to pair
// again.
func (m *Manager) handleTrustRevoke(session *PeerSession, msg Message) {
	var revoke TrustRevokePayload
	if err := json.Unmarshal(msg.Payload, &revoke); err != nil {
		session.Fault("malformed trust revoke")
		return
	}

	logrus.WithFields(logrus.Fields{
		"peer_id": session.PeerID(),
		"reason":  revoke.Reason,
	}).Warn("peer revoked trust")
	m.logSecurityEvent("peer_revoked_trust", session.PeerID(), storage.SecuritySeverityWarning,
		fmt.Sprintf(`{"reason":%q}`, revoke.Reason))
	session.closeWithError(errPeerRevokedTrust)
}

// activateSession promotes a session to active and announces it once. A
// session that re-authenticated while active skips the state walk.
func (m *Manager) activateSession(session *PeerSession) {
	if session.State() != StateActive {
		if err := session.Advance(StateAuthenticated); err != nil {
			m.reportError(err)
			_ = session.Close()
			return
		}
		if err := session.Advance(StateActive); err != nil {
			m.reportError(err)
			_ = session.Close()
			return
		}
	}

	m.options.Auth.Trust().Touch(session.PeerID(), m.now())

	if session.markAnnounced() {
		m.publish(events.PeerConnected{
			PeerID:     session.PeerID(),
			DeviceName: session.Device().DeviceName,
		}, events.PriorityNormal)
		logrus.WithFields(logrus.Fields{
			"peer_id":     session.PeerID(),
			"device_name": session.Device().DeviceName,
		}).Info("peer session active")
	}
}

// registerSession installs a fresh session, closing any session the peer
// already had. The newer link wins because the peer evidently restarted its
// side.
func (m *Manager) registerSession(link *SecureLink, device models.DeviceDescriptor) *PeerSession {
	session := newPeerSession(link, sessionOptions{
		localID:           m.localID,
		device:            device,
		heartbeatInterval: m.options.HeartbeatInterval,
		idleTimeout:       m.options.IdleTimeout,
		pairingTimeout:    m.options.PairingTimeout,
		onHeartbeat:       m.onHeartbeat,
	})

	m.mu.Lock()
	existing := m.sessions[session.PeerID()]
	m.sessions[session.PeerID()] = session
	m.mu.Unlock()

	if existing != nil {
		logrus.WithField("peer_id", session.PeerID()).Debug("replacing existing session")
		_ = existing.Close()
	}
	return session
}

// teardown finalizes one session after its loop exits. Cleanup that touches
// shared per-peer state only runs when this session is still the registered
// one, so a replacement session keeps its challenges and keys.
func (m *Manager) teardown(session *PeerSession) {
	peerID := session.PeerID()
	_ = session.Close()

	if !m.dropSession(session) {
		logrus.WithField("peer_id", peerID).Debug("superseded session closed")
		return
	}

	m.clearChallenges(peerID)
	m.options.Auth.CancelPeer(peerID)
	m.options.Keys.Forget(peerID)

	if session.wasAnnounced() {
		reason := "closed"
		if err := session.LastError(); err != nil {
			reason = err.Error()
		}
		m.publish(events.PeerDisconnected{PeerID: peerID, Reason: reason}, events.PriorityNormal)
	}

	logrus.WithFields(logrus.Fields{
		"peer_id": peerID,
		"state":   session.State(),
	}).Info("peer session closed")
}

// dropSession removes the session from the table if it is still the
// registered one, reporting whether it was.
func (m *Manager) dropSession(session *PeerSession) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[session.PeerID()]
	if !ok || current != session {
		return false
	}
	delete(m.sessions, session.PeerID())
	return true
}

func (m *Manager) clearChallenges(peerID string) {
	m.pendingMu.Lock()
	delete(m.pendingCodes, peerID)
	for id, challenge := range m.issued {
		if challenge.PeerID == peerID {
			delete(m.issued, id)
			delete(m.held, id)
		}
	}
	m.pendingMu.Unlock()
}

func (m *Manager) forgetChallenge(challengeID string) {
	m.pendingMu.Lock()
	delete(m.issued, challengeID)
	delete(m.held, challengeID)
	m.pendingMu.Unlock()
}

func (m *Manager) onHeartbeat(peerID string, timestamp uint64) {
	m.options.Auth.Trust().Touch(peerID, m.now())
	m.publish(events.Heartbeat{PeerID: peerID, Timestamp: timestamp}, events.PriorityLow)
}

func (m *Manager) sendPayload(session *PeerSession, msgType MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return session.Send(NewMessage(m.localID, msgType, raw, m.now()))
}

func (m *Manager) session(peerID string) *PeerSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[peerID]
}

func (m *Manager) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) linkOptions() LinkOptions {
	return LinkOptions{
		Identity:         m.options.Identity,
		ConnectTimeout:   m.options.ConnectTimeout,
		FrameReadTimeout: m.options.FrameReadTimeout,
	}
}

func (m *Manager) listenPort() int {
	if m.server == nil {
		return 0
	}
	return m.server.listenerPort()
}

func (m *Manager) now() time.Time {
	return m.options.Now()
}

func (m *Manager) publish(event events.Event, priority events.Priority) {
	if m.options.Bus == nil {
		return
	}
	m.options.Bus.PublishWithPriority(event, priority)
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errs <- err:
	default:
		logrus.WithError(err).Debug("network error channel full")
	}
}

func (m *Manager) logSecurityEvent(eventType, peerID, severity, details string) {
	if m.options.Store == nil {
		return
	}

	event := storage.SecurityEvent{
		EventType: eventType,
		Severity:  severity,
		Details:   details,
		Timestamp: m.now().UnixMilli(),
	}
	if peerID != "" {
		event.PeerID = &peerID
	}
	if err := m.options.Store.LogSecurityEvent(event); err != nil {
		logrus.WithError(err).WithField("event_type", eventType).Warn("failed to record security event")
	}
}

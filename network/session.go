package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/isnlan/crosscopy/models"
)

// SessionState names one step of a peer session's lifecycle.
type SessionState string

const (
	StateDiscovered     SessionState = "discovered"
	StateConnecting     SessionState = "connecting"
	StateLinkSecured    SessionState = "link_secured"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
	StateActive         SessionState = "active"
	StateClosed         SessionState = "closed"
	StateBlocked        SessionState = "blocked"
)

// sessionTransitions is the closed set of legal lifecycle moves. Closed and
// Blocked are terminal for the session instance; a rediscovered peer gets a
// fresh session. Authenticating loops on itself while verification attempts
// remain.
var sessionTransitions = map[SessionState][]SessionState{
	StateDiscovered:     {StateConnecting, StateClosed},
	StateConnecting:     {StateLinkSecured, StateClosed},
	StateLinkSecured:    {StateAuthenticating, StateAuthenticated, StateClosed, StateBlocked},
	StateAuthenticating: {StateAuthenticating, StateAuthenticated, StateClosed, StateBlocked},
	StateAuthenticated:  {StateActive, StateClosed, StateBlocked},
	StateActive:         {StateClosed, StateBlocked},
	StateClosed:         nil,
	StateBlocked:        nil,
}

func validTransition(from, to SessionState) bool {
	for _, allowed := range sessionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// maxSessionFaults is how many protocol violations a session absorbs before
// tearing down.
const maxSessionFaults = 5

var (
	// ErrSessionClosed indicates the session reached a terminal state.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrInvalidTransition indicates a lifecycle move the state machine forbids.
	ErrInvalidTransition = errors.New("network: invalid session transition")
	// ErrIdleTimeout indicates an active session saw no inbound traffic in time.
	ErrIdleTimeout = errors.New("network: connection idle timeout")
	// ErrPairingTimeout indicates a session never made it past authentication.
	ErrPairingTimeout = errors.New("network: pairing window elapsed")
	// ErrTooManyFaults indicates the per-session fault ceiling was reached.
	ErrTooManyFaults = errors.New("network: too many protocol faults")
)

type sessionOptions struct {
	localID           string
	device            models.DeviceDescriptor
	heartbeatInterval time.Duration
	idleTimeout       time.Duration
	pairingTimeout    time.Duration
	onHeartbeat       func(peerID string, timestamp uint64)
}

func (o sessionOptions) withDefaults() sessionOptions {
	out := o
	if out.heartbeatInterval <= 0 {
		out.heartbeatInterval = DefaultHeartbeatInterval
	}
	if out.idleTimeout <= 0 {
		out.idleTimeout = DefaultIdleTimeout
	}
	if out.pairingTimeout <= 0 {
		out.pairingTimeout = DefaultPairingTimeout
	}
	return out
}

// PeerSession owns the lifecycle of one secured peer link. State is read
// through narrow accessors; mutations happen on the owning goroutines. The
// read loop handles heartbeats inline and hands everything else to the
// manager; the heartbeat loop pings active sessions and tears down idle or
// never-authenticated ones.
type PeerSession struct {
	link    *SecureLink
	peerID  string
	options sessionOptions

	stateMu sync.RWMutex
	state   SessionState

	deviceMu sync.RWMutex
	device   models.DeviceDescriptor

	createdAt    time.Time
	lastActivity atomic.Int64
	faults       atomic.Int32
	announced    atomic.Bool

	inbound chan Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.Mutex
	closeErr error
}

func newPeerSession(link *SecureLink, options sessionOptions) *PeerSession {
	opts := options.withDefaults()

	s := &PeerSession{
		link:      link,
		peerID:    link.PeerID(),
		options:   opts,
		state:     StateLinkSecured,
		device:    opts.device,
		createdAt: time.Now(),
		inbound:   make(chan Message, 64),
		closed:    make(chan struct{}),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())

	go s.readLoop()
	go s.heartbeatLoop()

	return s
}

// PeerID returns the link-layer identity of the remote device.
func (s *PeerSession) PeerID() string {
	return s.peerID
}

// State returns the current lifecycle state.
func (s *PeerSession) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Device returns the peer's last announced descriptor.
func (s *PeerSession) Device() models.DeviceDescriptor {
	s.deviceMu.RLock()
	defer s.deviceMu.RUnlock()
	return s.device
}

// SetDevice replaces the peer descriptor after a device-info update.
func (s *PeerSession) SetDevice(device models.DeviceDescriptor) {
	s.deviceMu.Lock()
	s.device = device
	s.deviceMu.Unlock()
}

// Done closes when the session reaches a terminal state.
func (s *PeerSession) Done() <-chan struct{} {
	return s.closed
}

// LastError returns the error that tore the session down, if any.
func (s *PeerSession) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closeErr
}

// Advance moves the session to next, enforcing the lifecycle table.
func (s *PeerSession) Advance(next SessionState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !validTransition(s.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
	}
	s.state = next
	return nil
}

// Send writes one message to the peer. It fails once the session is
// terminal, and a write failure makes it terminal.
func (s *PeerSession) Send(msg Message) error {
	select {
	case <-s.closed:
		if err := s.LastError(); err != nil {
			return err
		}
		return ErrSessionClosed
	default:
	}

	if err := s.link.WriteMessage(msg); err != nil {
		s.closeWithError(err)
		return err
	}
	return nil
}

// ReceiveMessage blocks until the next inbound message, session teardown, or
// context cancellation.
func (s *PeerSession) ReceiveMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.inbound:
		return msg, nil
	case <-s.closed:
		if err := s.LastError(); err != nil {
			return Message{}, err
		}
		return Message{}, ErrSessionClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Fault counts a dropped protocol violation. Past the ceiling the session
// tears down.
func (s *PeerSession) Fault(reason string) {
	count := s.faults.Add(1)
	logrus.WithFields(logrus.Fields{
		"component": "network",
		"peer_id":   s.peerID,
		"reason":    reason,
		"faults":    count,
	}).Warn("session protocol fault")

	if int(count) >= maxSessionFaults {
		s.closeWithError(fmt.Errorf("%w (%d)", ErrTooManyFaults, count))
	}
}

// Close tears the session down and releases the underlying link.
func (s *PeerSession) Close() error {
	s.closeWithError(nil)
	return nil
}

// Block marks the session terminally blocked and tears down the link.
func (s *PeerSession) Block() {
	s.stateMu.Lock()
	s.state = StateBlocked
	s.stateMu.Unlock()
	s.closeWithError(nil)
}

// markAnnounced flips the connected-announcement latch, reporting whether
// this call won it.
func (s *PeerSession) markAnnounced() bool {
	return s.announced.CompareAndSwap(false, true)
}

func (s *PeerSession) wasAnnounced() bool {
	return s.announced.Load()
}

func (s *PeerSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *PeerSession) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		s.stateMu.Lock()
		if s.state != StateBlocked {
			s.state = StateClosed
		}
		s.stateMu.Unlock()

		_ = s.link.Close()
		close(s.closed)
	})
}

func (s *PeerSession) readLoop() {
	for {
		msg, err := s.link.ReadMessage()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				select {
				case <-s.closed:
					return
				default:
					continue
				}
			case errors.Is(err, ErrMalformedMessage), errors.Is(err, ErrInvalidMessageType):
				s.Fault("undecodable message")
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				s.closeWithError(nil)
				return
			default:
				s.closeWithError(err)
				return
			}
		}

		s.touch()

		if msg.Type == TypeHeartbeat {
			if s.options.onHeartbeat != nil {
				s.options.onHeartbeat(s.peerID, msg.Timestamp)
			}
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *PeerSession) heartbeatLoop() {
	ticker := time.NewTicker(s.options.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.closed:
			return
		}

		if s.State() != StateActive {
			if time.Since(s.createdAt) > s.options.pairingTimeout {
				s.closeWithError(ErrPairingTimeout)
				return
			}
			continue
		}

		if idle := time.Since(time.Unix(0, s.lastActivity.Load())); idle > s.options.idleTimeout {
			s.closeWithError(fmt.Errorf("%w after %s", ErrIdleTimeout, idle.Round(time.Millisecond)))
			return
		}

		heartbeat := NewMessage(s.options.localID, TypeHeartbeat, nil, time.Now())
		if err := s.Send(heartbeat); err != nil {
			return
		}
	}
}

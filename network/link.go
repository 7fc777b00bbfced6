package network

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	appcrypto "github.com/isnlan/crosscopy/crypto"
)

var (
	// ErrHandshakeIncomplete indicates the pattern handshake ended without
	// transport ciphers.
	ErrHandshakeIncomplete = errors.New("network: link handshake incomplete")

	linkCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
)

// LinkOptions configures transport security for one connection.
type LinkOptions struct {
	Identity *appcrypto.LinkIdentity

	ConnectTimeout   time.Duration
	FrameReadTimeout time.Duration
}

func (o LinkOptions) withDefaults() LinkOptions {
	out := o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o LinkOptions) validate() error {
	if o.Identity == nil {
		return errors.New("network: link identity is required")
	}
	return nil
}

// SecureLink is an established transport-secured stream. Both endpoints
// proved their static keys during an XX pattern handshake; the peer identity
// is the fingerprint of the proven key and every frame afterwards is
// encrypted with the link's transport ciphers.
type SecureLink struct {
	conn net.Conn

	peerID     string
	peerStatic []byte

	sendMu sync.Mutex
	send   *noise.CipherState

	recvMu sync.Mutex
	recv   *noise.CipherState

	frameReadTimeout time.Duration
}

// SecureOutbound runs the initiator side of the link handshake over conn.
// The caller keeps ownership of conn on error.
func SecureOutbound(conn net.Conn, options LinkOptions) (*SecureLink, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	state, err := newLinkHandshake(opts.Identity, true)
	if err != nil {
		return nil, err
	}

	msg, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	if err := WriteFrame(conn, msg); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	reply, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if _, _, _, err := state.ReadMessage(nil, reply); err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}

	final, cs1, cs2, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	if err := WriteFrame(conn, final); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	return finishLink(conn, state, cs1, cs2, true, opts)
}

// SecureInbound runs the responder side of the link handshake over conn.
// The caller keeps ownership of conn on error.
func SecureInbound(conn net.Conn, options LinkOptions) (*SecureLink, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	state, err := newLinkHandshake(opts.Identity, false)
	if err != nil {
		return nil, err
	}

	opening, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if _, _, _, err := state.ReadMessage(nil, opening); err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}

	reply, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake write: %w", err)
	}
	if err := WriteFrame(conn, reply); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	final, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	_, cs1, cs2, err := state.ReadMessage(nil, final)
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}

	return finishLink(conn, state, cs1, cs2, false, opts)
}

func newLinkHandshake(identity *appcrypto.LinkIdentity, initiator bool) (*noise.HandshakeState, error) {
	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   linkCipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: identity.StaticKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("init link handshake: %w", err)
	}
	return state, nil
}

func finishLink(conn net.Conn, state *noise.HandshakeState, cs1, cs2 *noise.CipherState, initiator bool, opts LinkOptions) (*SecureLink, error) {
	if cs1 == nil || cs2 == nil {
		return nil, ErrHandshakeIncomplete
	}
	peerStatic := state.PeerStatic()
	if len(peerStatic) == 0 {
		return nil, fmt.Errorf("%w: peer static key missing", ErrHandshakeIncomplete)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	link := &SecureLink{
		conn:             conn,
		peerID:           appcrypto.LinkFingerprint(peerStatic),
		peerStatic:       append([]byte(nil), peerStatic...),
		frameReadTimeout: opts.FrameReadTimeout,
	}
	// The first cipher state keys the initiator-to-responder direction.
	if initiator {
		link.send, link.recv = cs1, cs2
	} else {
		link.send, link.recv = cs2, cs1
	}
	return link, nil
}

// PeerID returns the fingerprint identity proven by the link handshake.
func (l *SecureLink) PeerID() string {
	return l.peerID
}

// PeerStaticKey returns a copy of the peer's proven static public key.
func (l *SecureLink) PeerStaticKey() []byte {
	return append([]byte(nil), l.peerStatic...)
}

// RemoteAddr returns the transport address of the peer.
func (l *SecureLink) RemoteAddr() net.Addr {
	return l.conn.RemoteAddr()
}

// SetDeadline bounds the next reads and writes on the underlying stream.
func (l *SecureLink) SetDeadline(t time.Time) error {
	return l.conn.SetDeadline(t)
}

// WriteMessage encrypts and frames one message. Safe for concurrent use.
func (l *SecureLink) WriteMessage(msg Message) error {
	plaintext, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	ciphertext, err := l.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt frame: %w", err)
	}
	return WriteFrame(l.conn, ciphertext)
}

// ReadMessage reads and decrypts the next message. The transport ciphers
// require frames in order, so only one reader may run at a time.
func (l *SecureLink) ReadMessage() (Message, error) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()

	frame, err := ReadFrameWithTimeout(l.conn, l.frameReadTimeout)
	if err != nil {
		return Message{}, err
	}

	plaintext, err := l.recv.Decrypt(nil, nil, frame)
	if err != nil {
		return Message{}, fmt.Errorf("decrypt frame: %w", err)
	}
	return DecodeMessage(plaintext)
}

// Close tears down the stream. The link's cipher state dies with it.
func (l *SecureLink) Close() error {
	return l.conn.Close()
}

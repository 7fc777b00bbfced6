// Package network ties discovery, authentication, and transport into one
// lifecycle per peer: links are secured by a pattern handshake, sessions walk
// a closed state machine from Discovered to Active, and every frame on the
// wire is a tagged, checksummed message.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	appcrypto "github.com/isnlan/crosscopy/crypto"
	"github.com/isnlan/crosscopy/models"
)

const (
	// ProtocolVersion is carried in the hello and gates the exchange.
	ProtocolVersion = 1

	// StreamMagic identifies a crosscopy stream ("CPST").
	StreamMagic = 0x43505354

	// MaxFrameSize bounds a single length-prefixed frame.
	MaxFrameSize = 10 * 1024 * 1024

	frameHeaderSize = 4

	// DefaultConnectTimeout bounds dialing plus the link handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds a single blocking frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultHeartbeatInterval is how often active sessions ping.
	DefaultHeartbeatInterval = time.Second
	// DefaultIdleTimeout tears down an active session without inbound traffic.
	DefaultIdleTimeout = 5 * time.Second
	// DefaultPairingTimeout bounds how long a session may sit unauthenticated.
	DefaultPairingTimeout = 5 * time.Minute
	// DefaultMaxMessageAge rejects messages stamped too far from local time.
	DefaultMaxMessageAge = 5 * time.Minute
)

var (
	// ErrFrameTooLarge indicates a frame exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds maximum size")
	// ErrInvalidMessageType indicates a type tag outside the protocol.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrMalformedMessage indicates a frame that decrypted but failed to decode.
	ErrMalformedMessage = errors.New("network: malformed message")
	// ErrBadMagic indicates a hello from something that is not a crosscopy peer.
	ErrBadMagic = errors.New("network: bad stream magic")
	// ErrUnsupportedVersion indicates a protocol version mismatch in the hello.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
)

// MessageType tags every frame. Values are stable across protocol versions.
type MessageType uint16

const (
	TypeHandshake        MessageType = 0x0001
	TypeHeartbeat        MessageType = 0x0002
	TypeContentSync      MessageType = 0x0003
	TypeDeviceInfo       MessageType = 0x0004
	TypeAck              MessageType = 0x0005
	TypeError            MessageType = 0x0006
	TypePairingChallenge MessageType = 0x0007
	TypePairingResponse  MessageType = 0x0008
	TypePairingResult    MessageType = 0x0009
	TypeTrustRevoke      MessageType = 0x000A
)

func (t MessageType) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeContentSync:
		return "content_sync"
	case TypeDeviceInfo:
		return "device_info"
	case TypeAck:
		return "ack"
	case TypeError:
		return "error"
	case TypePairingChallenge:
		return "pairing_challenge"
	case TypePairingResponse:
		return "pairing_response"
	case TypePairingResult:
		return "pairing_result"
	case TypeTrustRevoke:
		return "trust_revoke"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

func (t MessageType) valid() bool {
	switch t {
	case TypeHandshake, TypeHeartbeat, TypeContentSync, TypeDeviceInfo,
		TypeAck, TypeError, TypePairingChallenge, TypePairingResponse,
		TypePairingResult, TypeTrustRevoke:
		return true
	default:
		return false
	}
}

// Message is the unit framed onto the wire. Payload carries ciphertext for
// content-bearing types and plaintext JSON for control types. Checksum is
// the SHA-256 hex digest of the plaintext payload, computed before any
// payload encryption and verified after decryption. It detects corruption,
// it is not an authentication tag.
type Message struct {
	ID        string      `json:"id"`
	Timestamp uint64      `json:"timestamp"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"message_type"`
	Payload   []byte      `json:"payload,omitempty"`
	Checksum  string      `json:"checksum"`
}

// NewMessage builds a message whose checksum covers the payload as sent.
// Content-sync senders overwrite Checksum with the plaintext digest after
// swapping the payload for ciphertext.
func NewMessage(senderID string, msgType MessageType, payload []byte, now time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Timestamp: uint64(now.Unix()),
		SenderID:  senderID,
		Type:      msgType,
		Payload:   payload,
		Checksum:  appcrypto.Checksum(payload),
	}
}

// ChecksumOK reports whether the checksum matches the payload as carried.
// Not meaningful for content-sync messages, whose checksum covers the
// plaintext rather than the ciphertext on the wire.
func (m Message) ChecksumOK() bool {
	return appcrypto.VerifyChecksum(m.Payload, m.Checksum)
}

// Stale reports whether the message timestamp falls outside the freshness
// window in either direction.
func (m Message) Stale(now time.Time, maxAge time.Duration) bool {
	if m.Timestamp == 0 {
		return true
	}
	delta := now.Sub(time.Unix(int64(m.Timestamp), 0))
	if delta < 0 {
		delta = -delta
	}
	return delta > maxAge
}

// EncodeMessage marshals a message for framing.
func EncodeMessage(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage unmarshals a framed message and validates its type tag.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !msg.Type.valid() {
		return Message{}, fmt.Errorf("%w: 0x%04x", ErrInvalidMessageType, uint16(msg.Type))
	}
	return msg, nil
}

// HelloPayload opens every link. Magic and version gate the exchange before
// anything else is trusted about the peer.
type HelloPayload struct {
	Magic      uint32                  `json:"magic"`
	Version    int                     `json:"version"`
	Device     models.DeviceDescriptor `json:"device"`
	ListenPort int                     `json:"listen_port,omitempty"`
}

// NewHello builds the hello carried in the handshake message.
func NewHello(device models.DeviceDescriptor, listenPort int) HelloPayload {
	return HelloPayload{
		Magic:      StreamMagic,
		Version:    ProtocolVersion,
		Device:     device,
		ListenPort: listenPort,
	}
}

// ValidateHello gates a peer hello on magic, version, and device identity.
func ValidateHello(hello HelloPayload) error {
	if hello.Magic != StreamMagic {
		return ErrBadMagic
	}
	if hello.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, hello.Version, ProtocolVersion)
	}
	if hello.Device.DeviceID == "" {
		return fmt.Errorf("%w: hello missing device id", ErrMalformedMessage)
	}
	return nil
}

// PairingChallengePayload announces an issued challenge to the peer that must
// prove itself. The code itself never crosses the wire; it is displayed on
// the issuing device only.
type PairingChallengePayload struct {
	ChallengeID string `json:"challenge_id"`
	DeviceName  string `json:"device_name"`
	ExpiresIn   int64  `json:"expires_in"`
}

// PairingResponsePayload submits the code the user read off the issuing
// device.
type PairingResponsePayload struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

// PairingResultPayload reports a verification outcome. Retry distinguishes a
// wrong code with attempts remaining from a terminal failure.
type PairingResultPayload struct {
	ChallengeID string `json:"challenge_id"`
	Accepted    bool   `json:"accepted"`
	Level       string `json:"level,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Retry       bool   `json:"retry,omitempty"`
}

// TrustRevokePayload tells the peer its trust was withdrawn locally.
type TrustRevokePayload struct {
	Reason string `json:"reason,omitempty"`
}

// AckPayload confirms receipt of a content-sync message.
type AckPayload struct {
	RelatedID string `json:"related_id"`
}

// ErrorPayload reports a protocol-level fault to the peer.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameWithTimeout reads one frame under a read deadline, clearing the
// deadline afterwards.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	return ReadFrame(conn)
}

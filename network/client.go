package network

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/isnlan/crosscopy/models"
)

// Dial opens a TCP connection to address, secures it with the XX handshake,
// and exchanges hello messages. The dialer speaks first. On success the
// returned link is live with all deadlines cleared; the peer's hello carries
// its device descriptor and advertised listen port.
func Dial(address string, device models.DeviceDescriptor, listenPort int, options LinkOptions) (*SecureLink, HelloPayload, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, HelloPayload{}, err
	}

	conn, err := net.DialTimeout("tcp", address, opts.ConnectTimeout)
	if err != nil {
		return nil, HelloPayload{}, fmt.Errorf("dial %s: %w", address, err)
	}

	link, err := SecureOutbound(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, HelloPayload{}, err
	}

	if err := link.SetDeadline(time.Now().Add(opts.ConnectTimeout)); err != nil {
		_ = link.Close()
		return nil, HelloPayload{}, fmt.Errorf("set hello deadline: %w", err)
	}

	localID := opts.Identity.Fingerprint()
	if err := sendHello(link, localID, device, listenPort); err != nil {
		_ = link.Close()
		return nil, HelloPayload{}, err
	}

	hello, err := readHello(link)
	if err != nil {
		_ = link.Close()
		return nil, HelloPayload{}, err
	}

	if err := link.SetDeadline(time.Time{}); err != nil {
		_ = link.Close()
		return nil, HelloPayload{}, fmt.Errorf("clear hello deadline: %w", err)
	}

	return link, hello, nil
}

// sendHello writes this device's hello over an established link.
func sendHello(link *SecureLink, senderID string, device models.DeviceDescriptor, listenPort int) error {
	payload, err := json.Marshal(NewHello(device, listenPort))
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}
	msg := NewMessage(senderID, TypeHandshake, payload, time.Now())
	if err := link.WriteMessage(msg); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	return nil
}

// readHello reads and validates the peer's hello. The announced device
// identity must match the message sender and the link's key fingerprint, so
// a peer cannot claim a device it does not hold the static key for.
func readHello(link *SecureLink) (HelloPayload, error) {
	msg, err := link.ReadMessage()
	if err != nil {
		return HelloPayload{}, fmt.Errorf("read hello: %w", err)
	}
	if msg.Type != TypeHandshake {
		return HelloPayload{}, fmt.Errorf("%w: expected handshake, got %s", ErrMalformedMessage, msg.Type)
	}
	if !msg.ChecksumOK() {
		return HelloPayload{}, fmt.Errorf("%w: hello checksum mismatch", ErrMalformedMessage)
	}

	var hello HelloPayload
	if err := json.Unmarshal(msg.Payload, &hello); err != nil {
		return HelloPayload{}, fmt.Errorf("%w: decode hello: %v", ErrMalformedMessage, err)
	}
	if err := ValidateHello(hello); err != nil {
		return HelloPayload{}, err
	}
	if msg.SenderID != link.PeerID() {
		return HelloPayload{}, fmt.Errorf("%w: hello sender %s does not match link key %s", ErrMalformedMessage, msg.SenderID, link.PeerID())
	}
	if hello.Device.DeviceID != msg.SenderID {
		return HelloPayload{}, fmt.Errorf("%w: hello device %s does not match sender %s", ErrMalformedMessage, hello.Device.DeviceID, msg.SenderID)
	}
	return hello, nil
}

package network

import (
	"bytes"
	"net"
	"testing"
	"time"

	appcrypto "github.com/isnlan/crosscopy/crypto"
)

func testLinkIdentity(t *testing.T) *appcrypto.LinkIdentity {
	t.Helper()
	identity, err := appcrypto.GenerateLinkIdentity()
	if err != nil {
		t.Fatalf("GenerateLinkIdentity failed: %v", err)
	}
	return identity
}

type inboundResult struct {
	link *SecureLink
	err  error
}

// securedPipe runs the full handshake over an in-memory pipe and returns
// both ends plus the raw conns for tests that need to inject frames.
func securedPipe(t *testing.T, clientIdentity, serverIdentity *appcrypto.LinkIdentity) (client, server *SecureLink, clientConn, serverConn net.Conn) {
	t.Helper()

	clientConn, serverConn = net.Pipe()

	serverDone := make(chan inboundResult, 1)
	go func() {
		link, err := SecureInbound(serverConn, LinkOptions{Identity: serverIdentity})
		serverDone <- inboundResult{link: link, err: err}
	}()

	clientLink, err := SecureOutbound(clientConn, LinkOptions{Identity: clientIdentity})
	if err != nil {
		t.Fatalf("SecureOutbound failed: %v", err)
	}

	result := <-serverDone
	if result.err != nil {
		t.Fatalf("SecureInbound failed: %v", result.err)
	}

	t.Cleanup(func() {
		_ = clientLink.Close()
		_ = result.link.Close()
	})
	return clientLink, result.link, clientConn, serverConn
}

func TestLinkHandshakeProvesIdentity(t *testing.T) {
	clientIdentity := testLinkIdentity(t)
	serverIdentity := testLinkIdentity(t)

	client, server, _, _ := securedPipe(t, clientIdentity, serverIdentity)

	if client.PeerID() != serverIdentity.Fingerprint() {
		t.Fatalf("client sees peer %s, want %s", client.PeerID(), serverIdentity.Fingerprint())
	}
	if server.PeerID() != clientIdentity.Fingerprint() {
		t.Fatalf("server sees peer %s, want %s", server.PeerID(), clientIdentity.Fingerprint())
	}
	if !bytes.Equal(client.PeerStaticKey(), serverIdentity.PublicKey()) {
		t.Fatalf("client holds wrong peer static key")
	}
	if !bytes.Equal(server.PeerStaticKey(), clientIdentity.PublicKey()) {
		t.Fatalf("server holds wrong peer static key")
	}
}

func TestLinkMessagesRoundTripBothDirections(t *testing.T) {
	client, server, _, _ := securedPipe(t, testLinkIdentity(t), testLinkIdentity(t))

	outbound := NewMessage("client-id", TypeAck, []byte(`{"related_id":"m1"}`), time.Now())
	writeErr := make(chan error, 1)
	go func() { writeErr <- client.WriteMessage(outbound) }()

	got, err := server.ReadMessage()
	if err != nil {
		t.Fatalf("server ReadMessage failed: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("client WriteMessage failed: %v", err)
	}
	if got.ID != outbound.ID || got.Type != TypeAck || !bytes.Equal(got.Payload, outbound.Payload) {
		t.Fatalf("server received mangled message: %+v", got)
	}

	reply := NewMessage("server-id", TypeHeartbeat, nil, time.Now())
	go func() { writeErr <- server.WriteMessage(reply) }()

	got, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("client ReadMessage failed: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("server WriteMessage failed: %v", err)
	}
	if got.ID != reply.ID || got.Type != TypeHeartbeat {
		t.Fatalf("client received mangled message: %+v", got)
	}
}

func TestLinkRejectsInjectedPlaintextFrames(t *testing.T) {
	client, _, _, serverConn := securedPipe(t, testLinkIdentity(t), testLinkIdentity(t))

	// Bypass the server's cipher state entirely; the frame never carries a
	// valid authentication tag.
	go func() {
		_ = WriteFrame(serverConn, bytes.Repeat([]byte{0x42}, 48))
	}()

	if _, err := client.ReadMessage(); err == nil {
		t.Fatalf("expected decrypt failure for injected frame")
	}
}

func TestSecureOutboundRequiresIdentity(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	}()

	if _, err := SecureOutbound(clientConn, LinkOptions{}); err == nil {
		t.Fatalf("expected error without link identity")
	}
}

package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/isnlan/crosscopy/models"
)

// ListenOptions configures the secure listener.
type ListenOptions struct {
	// Link carries the identity and timeouts used to secure inbound
	// connections.
	Link LinkOptions
	// Device is announced to every peer that completes the hello exchange.
	Device models.DeviceDescriptor
	// RejectPeer, when set, is consulted with the peer's key fingerprint
	// right after the handshake. Returning true drops the link before any
	// hello is exchanged.
	RejectPeer func(peerID string) bool
}

// InboundLink is a secured inbound connection that finished the hello
// exchange and is ready for a session.
type InboundLink struct {
	Link  *SecureLink
	Hello HelloPayload
}

// Server accepts TCP connections, secures each with the XX handshake, and
// hands completed links to the consumer over Incoming.
type Server struct {
	listener net.Listener
	options  ListenOptions

	incoming chan *InboundLink
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds address and starts accepting peers. An empty address binds an
// ephemeral port on all interfaces.
func Listen(address string, options ListenOptions) (*Server, error) {
	options.Link = options.Link.withDefaults()
	if err := options.Link.validate(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}

	s := &Server{
		listener: listener,
		options:  options,
		incoming: make(chan *InboundLink, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming delivers secured links. The channel closes when the server stops.
func (s *Server) Incoming() <-chan *InboundLink {
	return s.incoming
}

// Errors delivers non-fatal accept and handshake failures.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, drops in-flight handshakes, and closes the
// channels.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.reportError(fmt.Errorf("accept: %w", err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleInbound(conn)
		}()
	}
}

// handleInbound secures one accepted connection and runs the responder side
// of the hello exchange. The initiator speaks first.
func (s *Server) handleInbound(conn net.Conn) {
	link, err := SecureInbound(conn, s.options.Link)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("secure inbound from %s: %w", conn.RemoteAddr(), err))
		return
	}

	keep := false
	defer func() {
		if !keep {
			_ = link.Close()
		}
	}()

	if s.options.RejectPeer != nil && s.options.RejectPeer(link.PeerID()) {
		s.reportError(fmt.Errorf("rejected link from blocked peer %s", link.PeerID()))
		return
	}

	if err := link.SetDeadline(time.Now().Add(s.options.Link.ConnectTimeout)); err != nil {
		s.reportError(fmt.Errorf("set hello deadline: %w", err))
		return
	}

	hello, err := readHello(link)
	if err != nil {
		s.reportError(fmt.Errorf("hello from %s: %w", link.PeerID(), err))
		return
	}

	localID := s.options.Link.Identity.Fingerprint()
	if err := sendHello(link, localID, s.options.Device, s.listenerPort()); err != nil {
		s.reportError(fmt.Errorf("hello reply to %s: %w", link.PeerID(), err))
		return
	}

	if err := link.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear hello deadline: %w", err))
		return
	}

	select {
	case s.incoming <- &InboundLink{Link: link, Hello: hello}:
		keep = true
	case <-s.closed:
	}
}

func (s *Server) listenerPort() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *Server) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

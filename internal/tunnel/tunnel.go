// Package tunnel orchestrates the whole system: it wires the Virtual
// Datalink, the WireGuard Engine, the userspace TCP/IP Stack, and the
// Transport Bridge into one running tunnel and exposes the narrow surface
// an embedding application drives it through.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/sbromt/mitmproxy-go/internal/bridge"
	"github.com/sbromt/mitmproxy-go/internal/datalink"
	"github.com/sbromt/mitmproxy-go/internal/netstack"
	"github.com/sbromt/mitmproxy-go/internal/wireguard"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

// ErrAlreadyStopped is returned by operations attempted on a Server after
// Stop has completed.
var ErrAlreadyStopped = errors.New("tunnel: server stopped")

// PeerConfig re-exports the engine's peer configuration shape so callers
// never need to import internal/wireguard directly.
type PeerConfig = wireguard.PeerConfig

// Config describes one tunnel instance.
type Config struct {
	// Name labels the tunnel in log lines.
	Name string
	// PrivateKey is this tunnel's base64-encoded Curve25519 private key.
	PrivateKey string
	// ListenPort is the UDP port the WireGuard engine binds.
	ListenPort int
	// Peers is the static list of remote WireGuard peers this tunnel will
	// accept handshakes from and terminate sessions for.
	Peers []PeerConfig
	// MTU is the Virtual Datalink's link MTU. Zero selects the default.
	MTU int
	// QueueLen is the Virtual Datalink's per-direction queue depth. Zero
	// selects the default.
	QueueLen int
	// Logger receives structured diagnostic output. Defaults to slog's
	// package-level default logger when nil.
	Logger *slog.Logger
}

// Server is a running tunnel: UDP endpoint, WireGuard engine, virtual
// datalink, TCP/IP stack, and transport bridge, all wired together and
// processing traffic.
type Server struct {
	name   string
	logger *slog.Logger

	dl     *datalink.Datalink
	engine *wireguard.Engine
	stack  *netstack.Stack
	br     *bridge.Bridge

	stopOnce sync.Once
	stopped  chan struct{}
}

// Start brings up a tunnel per cfg. onConn is invoked once per accepted
// TCP flow; onDatagram is invoked once per inbound UDP datagram not
// associated with any TCP flow. Both are invoked on their own goroutine
// per event, never blocking the stack's forwarders.
func Start(cfg Config, onConn bridge.ConnHandler, onDatagram bridge.DatagramHandler) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "wgtun0"
	}

	s := &Server{name: name, logger: logger.With("tunnel", name), stopped: make(chan struct{})}
	s.dl = datalink.New(cfg.MTU, cfg.QueueLen)

	// bridge is constructed only once the stack exists (it dials outbound
	// datagrams through the stack), but the stack's forwarders need a
	// bridge to hand accepted connections and datagrams to. br is resolved
	// between the two closures below before any traffic can arrive, since
	// nothing observes a SYN or a datagram until the engine is brought up
	// further down.
	var br *bridge.Bridge
	onAccept := func(ep tcpip.Endpoint, wq *waiter.Queue, local, remote, original netip.AddrPort) {
		br.HandleAccept(ep, wq, local, remote, original)
	}
	onDatagramFwd := func(data []byte, src, dst netip.AddrPort) {
		br.HandleDatagram(data, src, dst)
	}

	st, err := netstack.New(s.dl.Endpoint(), onAccept, onDatagramFwd)
	if err != nil {
		s.dl.Close()
		return nil, fmt.Errorf("tunnel: start stack: %w", err)
	}
	s.stack = st

	br = bridge.New(st.Underlying(), onConn, onDatagram)
	s.br = br

	engine, err := wireguard.New(s.dl, wireguard.EngineConfig{
		PrivateKey: cfg.PrivateKey,
		ListenPort: cfg.ListenPort,
		Peers:      cfg.Peers,
	}, s.logger)
	if err != nil {
		st.Close()
		s.dl.Close()
		return nil, fmt.Errorf("tunnel: start engine: %w", err)
	}
	if err := engine.Up(); err != nil {
		engine.Close()
		st.Close()
		s.dl.Close()
		return nil, fmt.Errorf("tunnel: bring engine up: %w", err)
	}
	s.engine = engine

	s.logger.Info("tunnel started", "listen_port", cfg.ListenPort, "peers", len(cfg.Peers))
	return s, nil
}

// SendDatagram emits data as a UDP datagram from src to dst through the
// tunnel, to be encrypted and delivered to the remote WireGuard peer.
func (s *Server) SendDatagram(data []byte, src, dst netip.AddrPort) error {
	select {
	case <-s.stopped:
		return ErrAlreadyStopped
	default:
	}
	return s.br.SendDatagram(data, src, dst)
}

// Stop shuts the tunnel down: it closes every open connection, tears down
// the TCP/IP stack and WireGuard engine, and releases the virtual
// datalink. Safe to call more than once; ctx bounds how long Stop waits
// for in-flight connection closes.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)

		done := make(chan struct{})
		go func() {
			s.br.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("tunnel: stop: %w", ctx.Err())
		}

		if closeErr := s.engine.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.stack.Close()
		if closeErr := s.dl.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.logger.Info("tunnel stopped")
	})
	return err
}

// Stats returns the WireGuard engine's raw UAPI diagnostic output.
func (s *Server) Stats() (string, error) {
	return s.engine.Stats()
}

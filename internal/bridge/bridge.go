// Package bridge implements the Transport Bridge: it turns TCP/IP stack
// primitives into the narrow command/event surface an embedding
// application consumes (ConnHandler for accepted streams, DatagramHandler
// for inbound UDP, SendDatagram for outbound UDP), mirroring the
// command/event channel boundary the original implementation draws
// between its networking core and its embedder.
package bridge

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/waiter"
)

// ErrServerStopped is returned by operations attempted after Stop.
var ErrServerStopped = errors.New("bridge: server stopped")

// ConnHandler is invoked once per accepted TCP flow. Implementations that
// want to retain the Stream beyond the call must do so explicitly (e.g.
// spawn a goroutine); the handler is always invoked on its own goroutine
// so a slow or blocking handler never stalls acceptance of other
// connections.
type ConnHandler func(s *Stream)

// DatagramHandler is invoked once per inbound UDP datagram.
type DatagramHandler func(data []byte, src, dst netip.AddrPort)

// Bridge owns the connection table and dispatches accepted flows and
// datagrams to the embedder-supplied handlers.
type Bridge struct {
	stack      *stack.Stack
	onConn     ConnHandler
	onDatagram DatagramHandler

	nextID atomic.Uint64

	mu      sync.RWMutex
	conns   map[ConnectionID]*connState
	stopped bool
}

// New creates a Bridge that dials outbound datagrams through st and
// dispatches accepted connections and datagrams to the given handlers.
func New(st *stack.Stack, onConn ConnHandler, onDatagram DatagramHandler) *Bridge {
	return &Bridge{
		stack:      st,
		onConn:     onConn,
		onDatagram: onDatagram,
		conns:      make(map[ConnectionID]*connState),
	}
}

// HandleAccept is the netstack.AcceptFunc the TCP/IP stack's forwarder
// calls once per completed handshake. It registers the connection and
// dispatches to the ConnHandler on a fresh goroutine, deferred past the
// forwarder's own call stack so a handler that immediately writes cannot
// race the connection's registration.
func (b *Bridge) HandleAccept(ep tcpip.Endpoint, wq *waiter.Queue, local, remote, original netip.AddrPort) {
	id := ConnectionID(b.nextID.Add(1))
	cs := newConnState(id, ep, wq)
	cs.onClose = func() { b.remove(id) }

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		cs.queue.push(&closeRequest{id: id, how: closeBoth, reply: make(chan error, 1)})
		return
	}
	b.conns[id] = cs
	b.mu.Unlock()

	stream := newStream(cs, id, local, remote, original)
	go b.onConn(stream)
}

// HandleDatagram is the netstack.DatagramFunc the TCP/IP stack's UDP
// forwarder calls once per inbound datagram.
func (b *Bridge) HandleDatagram(data []byte, src, dst netip.AddrPort) {
	go b.onDatagram(data, src, dst)
}

// SendDatagram emits data as a UDP datagram from src to dst through the
// tunnel's TCP/IP stack, to be encrypted and sent to the remote WireGuard
// peer like any stack-originated traffic. Each call binds a fresh
// ephemeral endpoint for the duration of the send rather than keeping a
// long-lived socket per source address, since the bridge has no
// standing notion of a UDP "connection" to reuse one across calls.
func (b *Bridge) SendDatagram(data []byte, src, dst netip.AddrPort) error {
	b.mu.RLock()
	stopped := b.stopped
	b.mu.RUnlock()
	if stopped {
		return ErrServerStopped
	}

	proto := protocolNumber(dst.Addr())
	localAddr := fullAddress(src)
	remoteAddr := fullAddress(dst)
	conn, err := gonet.DialUDP(b.stack, &localAddr, &remoteAddr, proto)
	if err != nil {
		return fmt.Errorf("bridge: dial outbound datagram: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("bridge: send datagram: %w", err)
	}
	return nil
}

// Stop closes every tracked connection and refuses further accepts.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	conns := make([]*connState, 0, len(b.conns))
	for _, cs := range b.conns {
		conns = append(conns, cs)
	}
	b.conns = make(map[ConnectionID]*connState)
	b.mu.Unlock()

	for _, cs := range conns {
		reply := make(chan error, 1)
		if !cs.queue.push(&closeRequest{id: cs.id, how: closeBoth, reply: reply}) {
			continue // already closing; its actor will never read this request
		}
		<-reply
	}
}

// remove drops a connection from the table once it has been fully closed.
// Called through connState.onClose after the connection's actor has
// processed a full close, whether it came from Stream.Close or Stop.
func (b *Bridge) remove(id ConnectionID) {
	b.mu.Lock()
	delete(b.conns, id)
	b.mu.Unlock()
}

func protocolNumber(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return header.IPv4ProtocolNumber
	}
	return header.IPv6ProtocolNumber
}

func fullAddress(ap netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(ap.Addr().AsSlice()),
		Port: ap.Port(),
	}
}

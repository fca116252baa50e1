// Package netstack builds the userspace TCP/IP stack the tunnel runs on:
// a gVisor stack.Stack bound to the Virtual Datalink, configured so that
// the stack accepts TCP and UDP traffic for any destination address —
// transparent-proxy accept, since the whole point of the tunnel is that
// intercepted clients dial addresses the stack does not itself own.
package netstack

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// nicID is the single NIC every tunnel's stack owns. Nothing in this
// module multiplexes more than one interface, so a constant is sufficient
// (spec Non-goal: no routing beyond a single interface).
const nicID tcpip.NICID = 1

// acceptBacklog bounds how many TCP handshakes the forwarder will carry
// concurrently before new SYNs are dropped at the stack level. It is the
// only admission limit: the Transport Bridge dispatches every accepted
// connection on a new goroutine without a bound of its own.
const acceptBacklog = 256

// AcceptFunc is invoked once per accepted TCP flow, after the three-way
// handshake has completed. originalDst is the destination address that
// appeared in the intercepted SYN, preserved because the stack accepted on
// behalf of an address it does not itself own.
type AcceptFunc func(ep tcpip.Endpoint, wq *waiter.Queue, localAddr, remoteAddr, originalDst netip.AddrPort)

// DatagramFunc is invoked once per inbound UDP datagram, regardless of
// destination.
type DatagramFunc func(data []byte, src, dst netip.AddrPort)

// Stack wraps a gvisor stack.Stack configured for transparent-proxy accept
// over a single NIC attached to the Virtual Datalink.
type Stack struct {
	s   *stack.Stack
	ep  stack.LinkEndpoint
	tcp *tcp.Forwarder
	udp *udp.Forwarder
}

// New creates the TCP/IP stack attached to ep (the datalink's link
// endpoint) and wires onAccept/onDatagram as the transparent-proxy accept
// handlers for TCP and UDP respectively.
func New(ep stack.LinkEndpoint, onAccept AcceptFunc, onDatagram DatagramFunc) (*Stack, error) {
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	if err := s.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("netstack: create NIC: %s", err)
	}

	// Promiscuous + spoofing is what makes "accept on behalf of an address
	// we don't own" possible: without it the stack silently drops any
	// packet whose destination isn't one of its configured addresses.
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: set promiscuous mode: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("netstack: set spoofing: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	st := &Stack{s: s, ep: ep}

	st.tcp = tcp.NewForwarder(s, 0, acceptBacklog, st.handleTCP(onAccept))
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, st.tcp.HandlePacket)

	st.udp = udp.NewForwarder(s, st.handleUDP(onDatagram))
	s.SetTransportProtocolHandler(udp.ProtocolNumber, st.udp.HandlePacket)

	return st, nil
}

func (st *Stack) handleTCP(onAccept AcceptFunc) func(*tcp.ForwarderRequest) {
	return func(r *tcp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true) // send a RST; the handshake could not be completed
			return
		}
		r.Complete(false)

		local := fullAddrToAddrPort(tcpip.FullAddress{Addr: id.LocalAddress, Port: id.LocalPort})
		remote := fullAddrToAddrPort(tcpip.FullAddress{Addr: id.RemoteAddress, Port: id.RemotePort})
		onAccept(ep, &wq, local, remote, local)
	}
}

func (st *Stack) handleUDP(onDatagram DatagramFunc) func(*udp.ForwarderRequest) {
	return func(r *udp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			return
		}
		// The endpoint exists only to read the one pending datagram off the
		// forwarder's handshake; once the bytes are lifted out it is
		// discarded. Replies are synthesized separately via SendDatagram.
		defer ep.Close()

		src := fullAddrToAddrPort(tcpip.FullAddress{Addr: id.RemoteAddress, Port: id.RemotePort})
		dst := fullAddrToAddrPort(tcpip.FullAddress{Addr: id.LocalAddress, Port: id.LocalPort})

		readDatagram(ep, &wq, func(data []byte) {
			onDatagram(data, src, dst)
		})
	}
}

// fullAddrToAddrPort converts a gvisor tcpip.FullAddress into the netip
// address the Transport Bridge and embedder deal in.
func fullAddrToAddrPort(fa tcpip.FullAddress) netip.AddrPort {
	addr := fa.Addr.AsSlice()
	var ip netip.Addr
	switch len(addr) {
	case 4:
		ip = netip.AddrFrom4([4]byte(addr))
	case 16:
		ip = netip.AddrFrom16([16]byte(addr))
	}
	return netip.AddrPortFrom(ip, fa.Port)
}

// AddrPortToFullAddress converts the other way, for code that needs to
// build a tcpip.FullAddress (e.g. for a gonet dial) from an
// embedder-supplied address.
func AddrPortToFullAddress(ap netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		Addr: tcpip.AddrFromSlice(ap.Addr().AsSlice()),
		Port: ap.Port(),
	}
}

// ProtocolNumber returns the gvisor network protocol number matching addr's
// address family, for use with gonet dial/listen helpers.
func ProtocolNumber(addr netip.Addr) tcpip.NetworkProtocolNumber {
	if addr.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

// Underlying returns the gvisor stack, for components (the bridge's
// SendDatagram path) that need to dial through it directly.
func (st *Stack) Underlying() *stack.Stack { return st.s }

// Close tears down the stack. The datalink's own Close is independent and
// must be called by the owner of the Datalink.
func (st *Stack) Close() {
	st.s.Close()
}

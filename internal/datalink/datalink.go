// Package datalink implements the Virtual Datalink: the in-memory packet
// queue pair that stands between the WireGuard engine and the userspace
// TCP/IP stack. It presents itself to the WireGuard engine as a tun.Device
// and to the TCP/IP stack as a gVisor NIC, without a device file, kernel
// driver, or second copy of the queue in between.
package datalink

import (
	"context"
	"os"
	"sync"

	"golang.zx2c4.com/wireguard/tun"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// DefaultMTU is the link MTU assumed when a tunnel config leaves MTU unset:
// 1500 bytes minus WireGuard's own framing overhead.
const DefaultMTU = 1420

// DefaultQueueLen is the capacity of each direction of the packet queue.
// Not load-bearing in itself, but it must be bounded so that backpressure
// on one side (a busy stack, a choked WireGuard engine) propagates to the
// other instead of growing memory without limit.
const DefaultQueueLen = 16

// Datalink is a tun.Device backed directly by a gvisor channel.Endpoint.
// The channel.Endpoint is also handed to the TCP/IP stack as its NIC link
// endpoint, so its queue is the only queue between the two sides. Write
// copies each packet into a new packet buffer, and Read copies each
// outbound packet into the engine's buffer.
type Datalink struct {
	ep     *channel.Endpoint
	mtu    int
	events chan tun.Event

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Datalink with the given link MTU and queue depth per
// direction. Use Endpoint() to obtain the gvisor link endpoint for
// attaching a TCP/IP stack NIC.
func New(mtu, queueLen int) *Datalink {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if queueLen <= 0 {
		queueLen = DefaultQueueLen
	}
	d := &Datalink{
		ep:     channel.New(queueLen, uint32(mtu), ""),
		mtu:    mtu,
		events: make(chan tun.Event, 1),
		closed: make(chan struct{}),
	}
	return d
}

// Endpoint returns the gvisor link endpoint to attach to a stack.Stack NIC.
func (d *Datalink) Endpoint() stack.LinkEndpoint {
	return d.ep
}

// Read implements tun.Device. It is called by the WireGuard engine to
// obtain the next plaintext packet the TCP/IP stack wants transmitted
// (encrypted and sent to the remote peer). It blocks until a packet is
// queued or the datalink is closed.
func (d *Datalink) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	ctx, cancel := contextForClose(d.closed)
	defer cancel()

	pkt := d.ep.ReadContext(ctx)
	if pkt == nil {
		select {
		case <-d.closed:
			return 0, os.ErrClosed
		default:
			return 0, nil
		}
	}
	defer pkt.DecRef()

	n := copy(bufs[0][offset:], pkt.ToView().AsSlice())
	sizes[0] = n
	return 1, nil
}

// Write implements tun.Device. It is called by the WireGuard engine with
// packets it has just decrypted off the wire; each one is injected into
// the TCP/IP stack as an inbound packet on the attached NIC.
func (d *Datalink) Write(bufs [][]byte, offset int) (int, error) {
	for _, buf := range bufs {
		packet := buf[offset:]
		if len(packet) == 0 {
			continue
		}
		proto, ok := networkProtocol(packet)
		if !ok {
			continue // not IPv4 or IPv6; the stack would drop it anyway
		}
		pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(append([]byte(nil), packet...)),
		})
		d.ep.InjectInbound(proto, pb)
		pb.DecRef()
	}
	return len(bufs), nil
}

func networkProtocol(packet []byte) (tcpip.NetworkProtocolNumber, bool) {
	switch packet[0] >> 4 {
	case 4:
		return header.IPv4ProtocolNumber, true
	case 6:
		return header.IPv6ProtocolNumber, true
	default:
		return 0, false
	}
}

// MTU implements tun.Device.
func (d *Datalink) MTU() (int, error) { return d.mtu, nil }

// Name implements tun.Device.
func (d *Datalink) Name() (string, error) { return "wgtun0", nil }

// Events implements tun.Device. The datalink never reports link-state
// changes of its own; it exists for the duration of the tunnel.
func (d *Datalink) Events() <-chan tun.Event { return d.events }

// File implements tun.Device. There is no backing file descriptor for an
// in-memory datalink.
func (d *Datalink) File() *os.File { return nil }

// BatchSize implements tun.Device.
func (d *Datalink) BatchSize() int { return 1 }

// Close implements tun.Device and releases the underlying queue. Safe to
// call more than once.
func (d *Datalink) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.ep.Close()
		close(d.events)
	})
	return nil
}

func contextForClose(closed <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

var _ tun.Device = (*Datalink)(nil)

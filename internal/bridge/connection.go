package bridge

import (
	"fmt"
	"net/netip"
	"runtime"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/waiter"
)

// connState is the per-connection actor: one goroutine owns the gonet
// connection and drains a private, unbounded command queue, so a slow or
// absent reader on one Stream can never stall Read/Write/Close calls on
// any other connection. The queue exists so that Write and Drain never
// block the calling goroutine on I/O directly — a caller that writes and
// then immediately calls Drain from a second goroutine must not deadlock
// against its own pending write.
type connState struct {
	id      ConnectionID
	conn    *gonet.TCPConn
	queue   *commandQueue
	done    chan struct{}
	onClose func()
}

func newConnState(id ConnectionID, ep tcpip.Endpoint, wq *waiter.Queue) *connState {
	cs := &connState{
		id:    id,
		conn:  gonet.NewTCPConn(wq, ep),
		queue: newCommandQueue(),
		done:  make(chan struct{}),
	}
	go cs.run()
	return cs
}

// replyClosed completes a command's reply channel with a closed signal. It
// is used for any command still sitting in the queue once the connection
// has committed to closing, so that caller never blocks forever.
func replyClosed(item any) {
	switch req := item.(type) {
	case *readRequest:
		req.reply <- readResult{err: ErrConnectionClosed}
	case *writeRequest:
		req.reply <- writeResult{err: ErrConnectionClosed}
	case *drainRequest:
		req.reply <- ErrConnectionClosed
	case *closeRequest:
		req.reply <- ErrConnectionClosed
	}
}

func (cs *connState) run() {
	defer close(cs.done)
	for {
		item, ok := cs.queue.pop()
		if !ok {
			return
		}
		switch req := item.(type) {
		case *readRequest:
			n, err := cs.conn.Read(req.buf)
			req.reply <- readResult{n: n, err: err}
		case *writeRequest:
			n, err := cs.conn.Write(req.data)
			req.reply <- writeResult{n: n, err: err}
		case *drainRequest:
			// Every write queued ahead of this request has already been
			// accepted into the stack's send buffer by the time it is
			// popped, since the queue is FIFO and single-consumer: the
			// tunnel's drain low-water mark is "nothing left to submit,"
			// not "acknowledged by the remote peer."
			req.reply <- nil
		case *closeRequest:
			var err error
			switch req.how {
			case closeWrite:
				err = cs.conn.CloseWrite()
			case closeBoth:
				err = cs.conn.Close()
				cs.queue.close()
			}
			req.reply <- err
			if req.how == closeBoth {
				// A command can still be queued in the window between pop()
				// returning this request and queue.close() taking effect
				// above; drain and reply to any such straggler here so its
				// caller never blocks on a reply that would otherwise never
				// arrive.
				for {
					item, ok := cs.queue.pop()
					if !ok {
						break
					}
					replyClosed(item)
				}
				if cs.onClose != nil {
					cs.onClose()
				}
				return
			}
		}
	}
}

// Stream is the embedder-facing handle for one accepted TCP flow. It is
// deliberately narrow: Read, Write, Drain, CloseWrite, Close, and the two
// address accessors the connection-established notification carries. All
// operations are safe to call from any goroutine.
type Stream struct {
	id       ConnectionID
	local    netip.AddrPort
	remote   netip.AddrPort
	original netip.AddrPort
	cs       *connState
}

func newStream(cs *connState, id ConnectionID, local, remote, original netip.AddrPort) *Stream {
	s := &Stream{id: id, local: local, remote: remote, original: original, cs: cs}
	// Go has no deterministic destructor; a finalizer is the best-effort
	// equivalent of closing a leaked handle that the embedder forgot to
	// Close explicitly.
	runtime.SetFinalizer(s, func(s *Stream) { _ = s.Close() })
	return s
}

// ID returns the connection's identity, unique and never reused for the
// lifetime of the tunnel.
func (s *Stream) ID() ConnectionID { return s.id }

// LocalAddr returns the address the TCP/IP stack accepted the connection
// on behalf of — the original destination of the intercepted SYN, not an
// address the tunnel itself owns.
func (s *Stream) LocalAddr() netip.AddrPort { return s.original }

// RemoteAddr returns the address of the connecting peer as seen on the
// virtual datalink (i.e. the address inside the WireGuard tunnel).
func (s *Stream) RemoteAddr() netip.AddrPort { return s.remote }

// Read delivers up to len(buf) bytes from the connection, blocking until
// data arrives, the peer closes its write half, or the connection errors.
// It returns ErrConnectionClosed without blocking if the connection was
// already closed before the request could be queued.
func (s *Stream) Read(buf []byte) (int, error) {
	reply := make(chan readResult, 1)
	if !s.cs.queue.push(&readRequest{id: s.id, buf: buf, reply: reply}) {
		return 0, ErrConnectionClosed
	}
	res := <-reply
	return res.n, res.err
}

// Write sends data to the connection. It returns once the bytes have been
// accepted into the TCP/IP stack's send buffer; it does not wait for the
// remote peer to acknowledge them, and neither does Drain. It returns
// ErrConnectionClosed without blocking if the connection was already
// closed before the request could be queued.
func (s *Stream) Write(data []byte) (int, error) {
	reply := make(chan writeResult, 1)
	if !s.cs.queue.push(&writeRequest{id: s.id, data: data, reply: reply}) {
		return 0, ErrConnectionClosed
	}
	res := <-reply
	return res.n, res.err
}

// Drain blocks until every byte previously accepted by Write has been
// submitted to the connection's send buffer. It returns ErrConnectionClosed
// without blocking if the connection was already closed before the request
// could be queued.
func (s *Stream) Drain() error {
	reply := make(chan error, 1)
	if !s.cs.queue.push(&drainRequest{id: s.id, reply: reply}) {
		return ErrConnectionClosed
	}
	return <-reply
}

// CloseWrite half-closes the connection's write direction (a TCP FIN)
// while leaving the read direction open. It returns ErrConnectionClosed
// without blocking if the connection was already closed before the request
// could be queued.
func (s *Stream) CloseWrite() error {
	reply := make(chan error, 1)
	if !s.cs.queue.push(&closeRequest{id: s.id, how: closeWrite, reply: reply}) {
		return ErrConnectionClosed
	}
	return <-reply
}

// Close closes both directions of the connection and releases its
// resources. Safe to call more than once, including concurrently with
// another goroutine's Close or with the bridge closing the connection on
// its behalf (e.g. Bridge.Stop); a redundant Close returns
// ErrConnectionClosed rather than blocking.
func (s *Stream) Close() error {
	runtime.SetFinalizer(s, nil)
	reply := make(chan error, 1)
	if !s.cs.queue.push(&closeRequest{id: s.id, how: closeBoth, reply: reply}) {
		return ErrConnectionClosed
	}
	return <-reply
}

func (s *Stream) String() string {
	return fmt.Sprintf("Stream(id=%d, local=%s, remote=%s, original=%s)", s.id, s.local, s.remote, s.original)
}

package bridge

import "errors"

// ErrConnectionClosed is returned by a Stream operation issued after the
// connection's command queue has already been closed (the connection was
// closed concurrently, or the operation was issued on an already-closed
// Stream). It never blocks forever waiting on a reply that will not come.
var ErrConnectionClosed = errors.New("bridge: connection closed")

// ConnectionID identifies one accepted TCP flow for the lifetime of the
// tunnel. IDs are assigned monotonically and never reused, so a stale ID
// arriving after a connection's close is always recognizable as stale
// rather than silently aliasing a newer connection.
type ConnectionID uint64

// readRequest asks the bridge to deliver up to len(buf) bytes read from
// the connection's TCP endpoint. reply carries the result back to the
// blocked Stream.Read call.
type readRequest struct {
	id    ConnectionID
	buf   []byte
	reply chan readResult
}

type readResult struct {
	n   int
	err error
}

// writeRequest asks the bridge to write data to the connection's TCP
// endpoint. reply carries back how much was accepted and any error.
type writeRequest struct {
	id    ConnectionID
	data  []byte
	reply chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// drainRequest asks the bridge to block the reply until every write queued
// ahead of it has been submitted to the connection's send buffer (the
// low-water mark this tunnel implements is zero pending submissions; it
// does not wait for the remote peer to acknowledge the bytes).
type drainRequest struct {
	id    ConnectionID
	reply chan error
}

// closeRequest asks the bridge to close one or both halves of a
// connection.
type closeRequest struct {
	id    ConnectionID
	how   closeHow
	reply chan error
}

type closeHow int

const (
	closeBoth closeHow = iota
	closeWrite
)

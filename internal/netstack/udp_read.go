package netstack

import (
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

// readDatagram lifts the single pending datagram off ep (an endpoint the
// UDP forwarder just created in response to an inbound packet) and hands
// its payload to cb. CreateEndpoint queues the triggering packet onto the
// new endpoint before returning, so the first Read normally succeeds
// immediately; the brief retry loop only guards against the rare
// scheduling race where this goroutine runs before that delivery lands.
func readDatagram(ep tcpip.Endpoint, wq *waiter.Queue, cb func(data []byte)) {
	const maxAttempts = 50
	for i := 0; i < maxAttempts; i++ {
		res, err := ep.Read(nil, tcpip.ReadOptions{})
		if err == nil {
			cb(res.Payload.Flatten())
			return
		}
		if _, ok := err.(*tcpip.ErrWouldBlock); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

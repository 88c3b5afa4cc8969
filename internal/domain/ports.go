package domain

import "net"

// EventType is a bitmask of readiness conditions the event loop reports.
type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
	EventHup   EventType = 0x10
	EventErr   EventType = 0x8
)

// EventHandler dispatches a readiness event for fd. Implementations must
// not block: the event loop is single-threaded and runs handlers to
// completion between suspension points.
type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// EventLoop is the single-threaded cooperative executor on which the
// Acceptor and all Sessions run as callbacks.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Resolver performs the RESOLVE state's name/service lookup without
// blocking the event loop. IP literals resolve immediately (synchronous
// is true, no query is registered); domain names issue a query over the
// resolver's own fd and complete later when the loop observes that fd
// readable and calls Deliver.
type Resolver interface {
	// Resolve starts resolution of host. If host is an IP literal, addrs
	// is returned immediately with synchronous true and queryID is
	// unused. Otherwise a query is sent under the returned queryID and
	// the caller must await a matching Deliver result.
	Resolve(host string) (queryID uint16, addrs []net.IP, synchronous bool, err error)

	// FD is the resolver's registered socket; the owning event loop
	// dispatches readiness on it to Deliver.
	FD() int

	// Deliver decodes one pending response available on FD, returning
	// the query ID it completes and the resolved addresses in the order
	// CONNECT should try them.
	Deliver() (queryID uint16, addrs []net.IP, err error)

	// Close releases the resolver's socket.
	Close() error
}

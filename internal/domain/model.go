// Package domain holds the types shared between the application and
// infrastructure layers: the session state machine, its wire constants,
// and the ports the application layer depends on.
package domain

import "net"

// State is a Session's position in the SOCKS5 state machine. Every state
// transitions to Closed on error or unexpected framing; Closed is terminal.
type State int

const (
	ReadGreeting  State = iota // awaiting VER/NMETHODS/METHODS
	WriteGreeting              // writing VER/METHOD
	ReadRequest                // awaiting VER/CMD/RSV/ATYP/DST.ADDR/DST.PORT
	Resolve                    // awaiting name/service resolution
	Connect                    // awaiting outbound TCP connect completion
	WriteReply                 // writing VER/REP/RSV/ATYP/BND.ADDR/BND.PORT
	Relay                      // bidirectional byte forwarding
	Closed                     // terminal; both sockets closed
)

func (s State) String() string {
	switch s {
	case ReadGreeting:
		return "read_greeting"
	case WriteGreeting:
		return "write_greeting"
	case ReadRequest:
		return "read_request"
	case Resolve:
		return "resolve"
	case Connect:
		return "connect"
	case WriteReply:
		return "write_reply"
	case Relay:
		return "relay"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Wire constants, RFC 1928.
const (
	ProtocolVersion = 0x05

	MethodNoAuth       = 0x00
	MethodNoAcceptable = 0xff

	CmdConnect = 0x01

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	ReplySucceeded = 0x00
)

// Session is all per-client state and tasks, scoped to one accepted TCP
// connection. A Session owns exactly two file descriptors and two buffers
// for its lifetime; ownership never transfers between Sessions.
type Session struct {
	SessionID uint64

	ClientFD int // in_socket: the accepted client-facing stream
	RemoteFD int // out_socket: the resolved upstream stream, 0 until Connect

	InBuf  []byte // client->upstream during Relay; handshake/request/reply scratch before that
	OutBuf []byte // upstream->client during Relay only

	// PendingToClient/PendingToRemote hold bytes read from one side of the
	// relay that could not be fully written to the other because the
	// destination socket's send buffer was full (EAGAIN or a short
	// write). Non-empty means that destination is still armed for
	// EventWrite and its paired source is paused until it drains.
	PendingToClient []byte
	PendingToRemote []byte

	RemoteHost string // populated during ReadRequest
	RemotePort string // decimal string, populated during ReadRequest

	Phase State

	// DNSQueryID correlates an in-flight resolver query to this session
	// while Phase == Resolve. Zero when no query is outstanding.
	DNSQueryID uint16

	// PendingEndpoints holds the resolved addresses still to be tried
	// during Connect, in the order CONNECT must attempt them. Consumed
	// one at a time; emptied on success or exhaustion.
	PendingEndpoints []net.IP
}

// NewSession allocates a Session with buffers of the configured size.
// RemoteFD is left at zero (invalid) until an outbound connect attempt
// starts.
func NewSession(id uint64, clientFD int, bufferSize int) *Session {
	return &Session{
		SessionID: id,
		ClientFD:  clientFD,
		InBuf:     make([]byte, bufferSize),
		OutBuf:    make([]byte, bufferSize),
		Phase:     ReadGreeting,
	}
}

// Package application implements the Acceptor and the Session protocol
// state machine, driven entirely from domain.EventLoop callbacks.
package application

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"socks5proxy/internal/domain"
	"socks5proxy/internal/infrastructure/network"
)

// ProxyService is the Acceptor: bound to one listening address for the
// server's lifetime, it accepts clients, assigns a monotonically
// increasing session id, and drives each Session's state machine.
type ProxyService struct {
	log        zerolog.Logger
	loop       domain.EventLoop
	resolver   domain.Resolver
	listenerFD int
	bufferSize int

	nextSessionID uint64

	// sessions is keyed by fd: both ClientFD and RemoteFD map to the
	// same *Session while both are open.
	sessions map[int]*domain.Session
	// pendingDNS maps an in-flight resolver query id to the awaiting
	// session's ClientFD.
	pendingDNS map[uint16]int
}

// NewProxyService binds the IPv4 listener and prepares the Acceptor.
func NewProxyService(loop domain.EventLoop, resolver domain.Resolver, log zerolog.Logger, port, bufferSize int) (*ProxyService, error) {
	lfd, err := network.ListenTCP(port)
	if err != nil {
		return nil, fmt.Errorf("listen tcp :%d: %w", port, err)
	}

	return &ProxyService{
		log:        log,
		loop:       loop,
		resolver:   resolver,
		listenerFD: lfd,
		bufferSize: bufferSize,
		sessions:   make(map[int]*domain.Session),
		pendingDNS: make(map[uint16]int),
	}, nil
}

// Start registers the listener and resolver sockets and runs the event
// loop. It blocks until the loop stops.
func (s *ProxyService) Start() error {
	if err := s.loop.Register(s.listenerFD, domain.EventRead); err != nil {
		return fmt.Errorf("register listener: %w", err)
	}
	if err := s.loop.Register(s.resolver.FD(), domain.EventRead); err != nil {
		return fmt.Errorf("register resolver: %w", err)
	}

	s.log.Info().Int("listener_fd", s.listenerFD).Msg("proxy service running")
	return s.loop.Run(s)
}

// Stop tears down the listener and resolver sockets and stops the loop.
func (s *ProxyService) Stop() {
	s.loop.Unregister(s.listenerFD)
	unix.Close(s.listenerFD)
	s.resolver.Close()
	s.loop.Stop()
}

// HandleEvent implements domain.EventHandler, dispatching on fd identity
// first (listener, resolver) and otherwise on the owning Session's phase.
func (s *ProxyService) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenerFD {
		return s.acceptNewClient()
	}
	if fd == s.resolver.FD() {
		return s.processDNSResponse()
	}

	sess := s.sessions[fd]
	if sess == nil {
		return nil
	}

	switch sess.Phase {
	case domain.ReadGreeting:
		return s.readGreeting(sess)
	case domain.ReadRequest:
		return s.readRequest(sess)
	case domain.Connect:
		if fd == sess.RemoteFD && event&domain.EventWrite != 0 {
			return s.finalizeConnect(sess)
		}
	case domain.Relay:
		return s.relayEvent(sess, fd, event)
	}
	return nil
}

// acceptNewClient drains the listener's accept backlog (it is registered
// edge-triggered, so every queued connection must be accepted before
// returning) and starts a Session per connection.
func (s *ProxyService) acceptNewClient() error {
	for {
		nfd, _, err := unix.Accept(s.listenerFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil
			}
			// Accept failure: log and re-arm; the listener survives.
			s.log.Error().Err(err).Msg("accept failed")
			return nil
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}

		id := atomic.AddUint64(&s.nextSessionID, 1)
		sess := domain.NewSession(id, nfd, s.bufferSize)
		s.sessions[nfd] = sess

		s.log.Info().Uint64("session_id", id).Int("fd", nfd).Msg("client accepted")

		if err := s.loop.Register(nfd, domain.EventRead); err != nil {
			s.closeSession(sess, domain.Protocol(err))
		}
	}
}

// readGreeting reads the client's VER/NMETHODS/METHODS greeting and
// replies with the chosen auth method. The two-byte reply is small enough
// to write synchronously inline.
func (s *ProxyService) readGreeting(sess *domain.Session) error {
	n, err := unix.Read(sess.ClientFD, sess.InBuf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		s.closeSession(sess, domain.Protocol(err))
		return nil
	}
	if n < 3 || sess.InBuf[0] != domain.ProtocolVersion {
		s.closeSession(sess, domain.Protocol(fmt.Errorf("invalid greeting (n=%d)", n)))
		return nil
	}

	numMethods := int(sess.InBuf[1])
	// Bound the scan by the actual bytes received: a malformed client
	// could set NMETHODS larger than what it actually sent.
	if maxScan := n - 2; numMethods > maxScan {
		numMethods = maxScan
	}

	selected := byte(domain.MethodNoAcceptable)
	for i := 0; i < numMethods; i++ {
		if sess.InBuf[2+i] == domain.MethodNoAuth {
			selected = domain.MethodNoAuth
			break
		}
	}

	sess.InBuf[0] = domain.ProtocolVersion
	sess.InBuf[1] = selected
	if _, err := unix.Write(sess.ClientFD, sess.InBuf[:2]); err != nil {
		s.closeSession(sess, domain.Protocol(err))
		return nil
	}

	if selected == domain.MethodNoAcceptable {
		s.closeSession(sess, domain.Protocol(errors.New("no acceptable authentication method")))
		return nil
	}

	sess.Phase = domain.ReadRequest
	return nil
}

// readRequest reads and validates the CONNECT request line.
func (s *ProxyService) readRequest(sess *domain.Session) error {
	n, err := unix.Read(sess.ClientFD, sess.InBuf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		s.closeSession(sess, domain.Protocol(err))
		return nil
	}
	if n < 5 || sess.InBuf[0] != domain.ProtocolVersion || sess.InBuf[1] != domain.CmdConnect {
		s.closeSession(sess, domain.Protocol(fmt.Errorf("invalid request (n=%d, cmd=%d)", n, sess.InBuf[1])))
		return nil
	}

	atyp := sess.InBuf[3]
	switch atyp {
	case domain.AtypIPv4:
		if n != 10 {
			s.closeSession(sess, domain.Protocol(fmt.Errorf("ipv4 request length %d != 10", n)))
			return nil
		}
		sess.RemoteHost = net.IP(sess.InBuf[4:8]).String()
		sess.RemotePort = strconv.Itoa(int(binary.BigEndian.Uint16(sess.InBuf[8:10])))
	case domain.AtypDomain:
		hostLen := int(sess.InBuf[4])
		want := 5 + hostLen + 2
		if n != want {
			s.closeSession(sess, domain.Protocol(fmt.Errorf("domain request length %d != %d", n, want)))
			return nil
		}
		sess.RemoteHost = string(sess.InBuf[5 : 5+hostLen])
		sess.RemotePort = strconv.Itoa(int(binary.BigEndian.Uint16(sess.InBuf[5+hostLen : 7+hostLen])))
	case domain.AtypIPv6:
		if n != 22 {
			s.closeSession(sess, domain.Protocol(fmt.Errorf("ipv6 request length %d != 22", n)))
			return nil
		}
		sess.RemoteHost = net.IP(sess.InBuf[4:20]).String()
		sess.RemotePort = strconv.Itoa(int(binary.BigEndian.Uint16(sess.InBuf[20:22])))
	default:
		s.closeSession(sess, domain.Protocol(fmt.Errorf("unsupported address type 0x%02x", atyp)))
		return nil
	}

	sess.Phase = domain.Resolve
	return s.resolveHost(sess)
}

// resolveHost starts name/service resolution for sess.RemoteHost.
func (s *ProxyService) resolveHost(sess *domain.Session) error {
	id, addrs, synchronous, err := s.resolver.Resolve(sess.RemoteHost)
	if err != nil {
		s.closeSession(sess, domain.Resolution(err))
		return nil
	}
	if synchronous {
		return s.connectEndpoints(sess, addrs)
	}
	sess.DNSQueryID = id
	s.pendingDNS[id] = sess.ClientFD
	return nil
}

// processDNSResponse drains every response queued on the resolver's
// socket (edge-triggered) and advances whichever Session(s) they resolve.
func (s *ProxyService) processDNSResponse() error {
	for {
		id, addrs, err := s.resolver.Deliver()
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil
			}
			if id == 0 {
				s.log.Warn().Err(err).Msg("dns response decode failed")
				continue
			}
			s.failPendingQuery(id, domain.Resolution(err))
			continue
		}

		clientFD, ok := s.pendingDNS[id]
		if !ok {
			continue // stale or already-closed session
		}
		delete(s.pendingDNS, id)

		sess := s.sessions[clientFD]
		if sess == nil {
			continue
		}
		sess.DNSQueryID = 0
		if len(addrs) == 0 {
			s.closeSession(sess, domain.Resolution(fmt.Errorf("no records for %s", sess.RemoteHost)))
			continue
		}
		if err := s.connectEndpoints(sess, addrs); err != nil {
			return err
		}
	}
}

func (s *ProxyService) failPendingQuery(id uint16, err error) {
	clientFD, ok := s.pendingDNS[id]
	if !ok {
		return
	}
	delete(s.pendingDNS, id)
	if sess := s.sessions[clientFD]; sess != nil {
		sess.DNSQueryID = 0
		s.closeSession(sess, err)
	}
}

// connectEndpoints attempts each resolved endpoint in order, stopping on
// the first successful connect.
func (s *ProxyService) connectEndpoints(sess *domain.Session, addrs []net.IP) error {
	sess.PendingEndpoints = addrs
	return s.tryNextEndpoint(sess)
}

func (s *ProxyService) tryNextEndpoint(sess *domain.Session) error {
	if len(sess.PendingEndpoints) == 0 {
		s.closeSession(sess, domain.ConnectErr(fmt.Errorf("exhausted endpoints for %s:%s", sess.RemoteHost, sess.RemotePort)))
		return nil
	}
	ip := sess.PendingEndpoints[0]
	sess.PendingEndpoints = sess.PendingEndpoints[1:]

	port, err := strconv.Atoi(sess.RemotePort)
	if err != nil {
		s.closeSession(sess, domain.ConnectErr(err))
		return nil
	}

	fd, inProgress, err := network.DialNonblock(ip, port)
	if err != nil {
		return s.tryNextEndpoint(sess) // this endpoint refused immediately; try the next
	}

	sess.RemoteFD = fd
	sess.Phase = domain.Connect
	s.sessions[fd] = sess

	if !inProgress {
		return s.finalizeConnect(sess)
	}
	return s.loop.Register(fd, domain.EventWrite)
}

// finalizeConnect completes CONNECT once the outbound socket is writable,
// checking SO_ERROR for the deferred connect result.
func (s *ProxyService) finalizeConnect(sess *domain.Session) error {
	if err := network.FinishConnect(sess.RemoteFD); err != nil {
		s.loop.Unregister(sess.RemoteFD)
		unix.Close(sess.RemoteFD)
		delete(s.sessions, sess.RemoteFD)
		sess.RemoteFD = 0
		return s.tryNextEndpoint(sess)
	}
	sess.PendingEndpoints = nil

	s.log.Info().Uint64("session_id", sess.SessionID).Str("host", sess.RemoteHost).Str("port", sess.RemotePort).Msg("connected to target")
	return s.writeReply(sess)
}

// writeReply sends the CONNECT reply. BND.ADDR and BND.PORT report the
// upstream peer's remote address, not the server's own local bound
// address — a deliberate choice, kept for behavioral parity with the
// original implementation.
func (s *ProxyService) writeReply(sess *domain.Session) error {
	ip, port, err := network.PeerAddr(sess.RemoteFD)
	if err != nil {
		s.closeSession(sess, domain.ConnectErr(err))
		return nil
	}

	sess.InBuf[0] = domain.ProtocolVersion
	sess.InBuf[1] = domain.ReplySucceeded
	sess.InBuf[2] = 0x00

	var length int
	if v4 := ip.To4(); v4 != nil {
		sess.InBuf[3] = domain.AtypIPv4
		copy(sess.InBuf[4:8], v4)
		binary.BigEndian.PutUint16(sess.InBuf[8:10], uint16(port))
		length = 10
	} else {
		sess.InBuf[3] = domain.AtypIPv6
		copy(sess.InBuf[4:20], ip.To16())
		binary.BigEndian.PutUint16(sess.InBuf[20:22], uint16(port))
		length = 22
	}

	if _, err := unix.Write(sess.ClientFD, sess.InBuf[:length]); err != nil {
		s.closeSession(sess, domain.RelayIO(err))
		return nil
	}

	sess.Phase = domain.Relay
	if err := s.loop.Modify(sess.ClientFD, domain.EventRead); err != nil {
		s.closeSession(sess, domain.RelayIO(err))
		return nil
	}
	return s.loop.Modify(sess.RemoteFD, domain.EventRead)
}

// relayEvent dispatches one readiness notification during Relay. A
// writable dst is drained of its backlog first (flushPending), since that
// may free up its paired source to resume reading; a readable src is then
// pumped for as long as it has data and its destination stays writable.
func (s *ProxyService) relayEvent(sess *domain.Session, fd int, event domain.EventType) error {
	if event&domain.EventWrite != 0 {
		if err := s.flushPending(sess, fd); err != nil {
			return err
		}
		if sess.Phase != domain.Relay {
			return nil // closed during flush
		}
	}
	if event&domain.EventRead != 0 {
		return s.pipeData(sess, fd, event)
	}
	return nil
}

// pendingFor returns the pending-write slot a relay destination fd drains
// into, or nil if fd is neither of this Session's sockets.
func (s *ProxyService) pendingFor(sess *domain.Session, fd int) *[]byte {
	switch fd {
	case sess.ClientFD:
		return &sess.PendingToClient
	case sess.RemoteFD:
		return &sess.PendingToRemote
	default:
		return nil
	}
}

// pipeData drains src until EAGAIN (required under edge-triggered epoll:
// a single read per notification would leave an unread tail that never
// generates another EPOLLIN once the sender stops). Each chunk is handed
// to writeRelayed; once dst can't absorb a chunk immediately, the
// remainder is queued there and src is left for the next notification —
// a backed-up dst naturally throttles how much further src is drained.
func (s *ProxyService) pipeData(sess *domain.Session, fd int, event domain.EventType) error {
	var src, dst int
	var buf []byte
	if fd == sess.ClientFD {
		src, dst, buf = sess.ClientFD, sess.RemoteFD, sess.InBuf
	} else {
		src, dst, buf = sess.RemoteFD, sess.ClientFD, sess.OutBuf
	}

	pending := s.pendingFor(sess, dst)
	if len(*pending) > 0 {
		return nil // dst still backed up from an earlier write; don't read more yet
	}

	for {
		n, err := unix.Read(src, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			s.closeSession(sess, domain.RelayIO(err))
			return nil
		}
		if n == 0 {
			s.closeSession(sess, domain.RelayIO(io.EOF))
			return nil
		}

		s.log.Debug().Uint64("session_id", sess.SessionID).Int("bytes", n).Int("src_fd", src).Msg("relay")

		if err := s.writeRelayed(sess, dst, buf[:n]); err != nil {
			s.closeSession(sess, domain.RelayIO(err))
			return nil
		}
		if len(*pending) > 0 {
			return nil // dst just backed up; resume src once it drains
		}
	}
}

// writeRelayed writes data to dst. A short write or EAGAIN is ordinary
// backpressure from a slow peer, not a failure: the unwritten remainder
// is queued on dst's pending buffer and dst is re-armed for EventWrite so
// flushPending can finish the job once it's writable again.
func (s *ProxyService) writeRelayed(sess *domain.Session, dst int, data []byte) error {
	n, err := unix.Write(dst, data)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			return err
		}
		n = 0
	}
	if n == len(data) {
		return nil
	}

	pending := s.pendingFor(sess, dst)
	*pending = append([]byte(nil), data[n:]...)
	return s.loop.Modify(dst, domain.EventRead|domain.EventWrite)
}

// flushPending retries a previously-queued write on fd. Once it fully
// drains, fd drops back to EventRead-only and its paired source — which
// was left unread while fd was backed up — is given a chance to resume
// immediately, rather than waiting on a new edge-triggered notification
// that may never come if no further data arrives from it.
func (s *ProxyService) flushPending(sess *domain.Session, fd int) error {
	pending := s.pendingFor(sess, fd)
	if pending == nil || len(*pending) == 0 {
		return nil
	}

	n, err := unix.Write(fd, *pending)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil // still backed up; stay armed for EventWrite
		}
		s.closeSession(sess, domain.RelayIO(err))
		return nil
	}
	*pending = (*pending)[n:]
	if len(*pending) > 0 {
		return nil // partial write; remain armed for EventWrite
	}

	if err := s.loop.Modify(fd, domain.EventRead); err != nil {
		s.closeSession(sess, domain.RelayIO(err))
		return nil
	}

	src := sess.ClientFD
	if fd == sess.ClientFD {
		src = sess.RemoteFD
	}
	return s.pipeData(sess, src, domain.EventRead)
}

// closeSession releases both of a Session's sockets, unregistering them
// from the event loop, and logs at the level levelFor assigns to err's
// kind. err may be nil for a clean, non-error close.
func (s *ProxyService) closeSession(sess *domain.Session, err error) {
	event := s.levelFor(err)
	event = event.Uint64("session_id", sess.SessionID).Str("phase", sess.Phase.String())
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("closing session")

	sess.Phase = domain.Closed

	if sess.ClientFD > 0 {
		s.loop.Unregister(sess.ClientFD)
		unix.Close(sess.ClientFD)
		delete(s.sessions, sess.ClientFD)
	}
	if sess.RemoteFD > 0 {
		s.loop.Unregister(sess.RemoteFD)
		unix.Close(sess.RemoteFD)
		delete(s.sessions, sess.RemoteFD)
	}
	if sess.DNSQueryID != 0 {
		delete(s.pendingDNS, sess.DNSQueryID)
	}
}

func (s *ProxyService) levelFor(err error) *zerolog.Event {
	switch {
	case err == nil:
		return s.log.Info()
	case errors.Is(err, domain.ErrProtocolViolation),
		errors.Is(err, domain.ErrResolutionFailed),
		errors.Is(err, domain.ErrConnectFailed):
		return s.log.Error()
	case errors.Is(err, domain.ErrRelayIO):
		if errors.Is(err, io.EOF) {
			return s.log.Info()
		}
		return s.log.Warn()
	default:
		return s.log.Warn()
	}
}

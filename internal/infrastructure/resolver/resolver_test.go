package resolver

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestResolveIPLiteralIsSynchronous(t *testing.T) {
	r := &Resolver{fd: -1}
	id, addrs, synchronous, err := r.Resolve("203.0.113.7")
	require.NoError(t, err)
	require.True(t, synchronous)
	require.EqualValues(t, 0, id)
	require.Equal(t, []net.IP{net.ParseIP("203.0.113.7")}, addrs)
}

func TestResolveIPv6LiteralIsSynchronous(t *testing.T) {
	r := &Resolver{fd: -1}
	_, addrs, synchronous, err := r.Resolve("::1")
	require.NoError(t, err)
	require.True(t, synchronous)
	require.Len(t, addrs, 1)
	require.True(t, addrs[0].Equal(net.ParseIP("::1")))
}

func TestPickNameserverReturnsIPv4(t *testing.T) {
	// pickNameserver always reads the real /etc/resolv.conf, so this only
	// asserts it never returns nil - the fallback constant guarantees that.
	ns := pickNameserver()
	require.NotNil(t, ns)
	require.NotNil(t, ns.To4())
}

// bindLoopbackUDP opens a UDP socket bound to an ephemeral loopback port,
// mirroring what BindUDP + an implicit bind would produce, so a test peer
// can address it directly without touching port 53.
func bindLoopbackUDP(t *testing.T) (fd int, addr *unix.SockaddrInet4) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fd, true))
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	return fd, sa.(*unix.SockaddrInet4)
}

func TestDeliverDecodesARecords(t *testing.T) {
	fd, addr := bindLoopbackUDP(t)
	defer unix.Close(fd)
	r := &Resolver{fd: fd}

	peerFD, _ := bindLoopbackUDP(t)
	defer unix.Close(peerFD)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("example.test"), dns.TypeA)
	msg.Id = 42
	msg.Response = true
	rr, err := dns.NewRR("example.test. 60 IN A 192.0.2.10")
	require.NoError(t, err)
	msg.Answer = append(msg.Answer, rr)

	packed, err := msg.Pack()
	require.NoError(t, err)
	require.NoError(t, unix.Sendto(peerFD, packed, 0, addr))

	require.Eventually(t, func() bool {
		id, addrs, err := r.Deliver()
		if err != nil {
			return false
		}
		return id == 42 && len(addrs) == 1 && addrs[0].Equal(net.ParseIP("192.0.2.10"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeliverReportsEmptyAnswerAgainstQueryID(t *testing.T) {
	fd, addr := bindLoopbackUDP(t)
	defer unix.Close(fd)
	r := &Resolver{fd: fd}

	peerFD, _ := bindLoopbackUDP(t)
	defer unix.Close(peerFD)

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn("nxdomain.test"), dns.TypeA)
	msg.Id = 7
	msg.Response = true

	packed, err := msg.Pack()
	require.NoError(t, err)
	require.NoError(t, unix.Sendto(peerFD, packed, 0, addr))

	require.Eventually(t, func() bool {
		id, addrs, err := r.Deliver()
		if err == nil {
			return false
		}
		return id == 7 && len(addrs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

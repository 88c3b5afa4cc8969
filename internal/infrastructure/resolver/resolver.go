// Package resolver implements the RESOLVE state's name/service lookup as
// a non-blocking UDP socket the event loop can dispatch on, so a slow DNS
// server never stalls any other Session.
package resolver

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"socks5proxy/internal/infrastructure/network"
)

const defaultNameserver = "8.8.8.8"

// Resolver issues A-record queries over a single shared UDP socket and
// decodes responses as the event loop reports them readable. IP literals
// never touch the network.
type Resolver struct {
	fd         int
	nameserver [4]byte
	nextID     uint32
}

// New opens the resolver's UDP socket and picks the first IPv4 nameserver
// out of /etc/resolv.conf, falling back to a public resolver if the file
// is unreadable or carries only IPv6 servers.
func New() (*Resolver, error) {
	fd, err := network.BindUDP()
	if err != nil {
		return nil, err
	}

	ns := pickNameserver()
	var addr [4]byte
	copy(addr[:], ns.To4())

	return &Resolver{fd: fd, nameserver: addr}, nil
}

func pickNameserver() net.IP {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil {
		for _, s := range cfg.Servers {
			if ip := net.ParseIP(s); ip != nil && ip.To4() != nil {
				return ip
			}
		}
	}
	return net.ParseIP(defaultNameserver)
}

// FD implements domain.Resolver.
func (r *Resolver) FD() int { return r.fd }

// Resolve implements domain.Resolver.
func (r *Resolver) Resolve(host string) (queryID uint16, addrs []net.IP, synchronous bool, err error) {
	if ip := net.ParseIP(host); ip != nil {
		return 0, []net.IP{ip}, true, nil
	}

	id := uint16(atomic.AddUint32(&r.nextID, 1))

	m := new(dns.Msg)
	m.Id = id
	m.RecursionDesired = true
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	packed, err := m.Pack()
	if err != nil {
		return 0, nil, false, fmt.Errorf("pack dns query: %w", err)
	}

	dest := &unix.SockaddrInet4{Port: 53, Addr: r.nameserver}
	if err := unix.Sendto(r.fd, packed, 0, dest); err != nil {
		return 0, nil, false, fmt.Errorf("send dns query: %w", err)
	}
	return id, nil, false, nil
}

// Deliver implements domain.Resolver.
func (r *Resolver) Deliver() (queryID uint16, addrs []net.IP, err error) {
	buf := make([]byte, 512)
	n, _, err := unix.Recvfrom(r.fd, buf, 0)
	if err != nil {
		return 0, nil, err
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(buf[:n]); err != nil {
		return 0, nil, fmt.Errorf("unpack dns response: %w", err)
	}

	var ips []net.IP
	for _, rr := range msg.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return msg.Id, nil, fmt.Errorf("no A records for query")
	}
	return msg.Id, ips, nil
}

// Close releases the resolver's UDP socket.
func (r *Resolver) Close() error { return unix.Close(r.fd) }

package application

import (
	"net"

	"github.com/rs/zerolog"

	"socks5proxy/internal/domain"
)

// fakeEventLoop records Register/Modify/Unregister calls instead of
// driving real epoll, so Session state-machine methods can be called
// directly in tests without a running executor.
type fakeEventLoop struct {
	registered map[int]domain.EventType
}

func newFakeEventLoop() *fakeEventLoop {
	return &fakeEventLoop{registered: make(map[int]domain.EventType)}
}

func (f *fakeEventLoop) Register(fd int, events domain.EventType) error {
	f.registered[fd] = events
	return nil
}

func (f *fakeEventLoop) Modify(fd int, events domain.EventType) error {
	f.registered[fd] = events
	return nil
}

func (f *fakeEventLoop) Unregister(fd int) error {
	delete(f.registered, fd)
	return nil
}

func (f *fakeEventLoop) Run(handler domain.EventHandler) error { return nil }
func (f *fakeEventLoop) Stop()                                 {}

// fakeResolver resolves IP literals exactly like the real resolver, but
// lets tests stub out domain-name behavior deterministically without
// touching the network.
type fakeResolver struct {
	resolveFunc func(host string) (uint16, []net.IP, bool, error)
}

func (f *fakeResolver) FD() int { return -1 }

func (f *fakeResolver) Resolve(host string) (uint16, []net.IP, bool, error) {
	if ip := net.ParseIP(host); ip != nil {
		return 0, []net.IP{ip}, true, nil
	}
	if f.resolveFunc != nil {
		return f.resolveFunc(host)
	}
	return 0, nil, false, errNoStub
}

func (f *fakeResolver) Deliver() (uint16, []net.IP, error) { return 0, nil, errNoStub }
func (f *fakeResolver) Close() error                       { return nil }

var errNoStub = fakeErr("fakeResolver: no stub configured for domain lookups")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func newTestService(loop domain.EventLoop, res domain.Resolver) *ProxyService {
	return &ProxyService{
		log:        zerolog.Nop(),
		loop:       loop,
		resolver:   res,
		listenerFD: -1,
		bufferSize: 4096,
		sessions:   make(map[int]*domain.Session),
		pendingDNS: make(map[uint16]int),
	}
}

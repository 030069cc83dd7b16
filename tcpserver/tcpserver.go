// Package tcpserver implements the accept-loop server described in
// SPEC_FULL.md §13, grounded on the original tihi::TcpServer
// (tcp_server.h/.cc): bind one or more addresses, schedule an accept
// loop per listener onto an accept IOManager, and hand each accepted
// connection to a worker IOManager via a user-supplied handler.
package tcpserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/yrf105/tihi-server/config"
	"github.com/yrf105/tihi-server/internal/obslog"
	"github.com/yrf105/tihi-server/iomanager"
	"github.com/yrf105/tihi-server/socket"
)

// readTimeout is the default per-connection read timeout, config key
// tcp_server.read_time per the original (default 2 minutes).
var readTimeout = config.Lookup("tcp_server.read_time", int64(2*60*1000), "tcp server read timeout in ms")

// acceptRateLimit bounds how many connections a single peer IP may open per
// second before acceptLoop starts dropping them, guarding against a single
// misbehaving client monopolising the accept loop the way the original's
// TcpServer relied on OS-level backlog limits to do.
var acceptRateLimit = config.Lookup("tcp_server.accept_rate_per_ip", int64(20), "max accepted connections per peer IP per second")

// Handler processes one accepted connection. It runs as a fiber-backed
// closure scheduled onto the server's worker IOManager; it owns sock and
// must Close it when done.
type Handler func(sock *socket.Socket)

// Server is an accept-loop TCP server.
type Server struct {
	Name string

	worker       *iomanager.IOManager
	acceptWorker *iomanager.IOManager
	handler      Handler

	mu      sync.Mutex
	listens []*socket.Socket
	stopped bool

	readTimeoutMS int64
	rate          *catrate.Limiter
}

// New creates a Server that accepts on acceptWorker and dispatches
// accepted connections to handler on worker.
func New(worker, acceptWorker *iomanager.IOManager, handler Handler) *Server {
	return &Server{
		Name:          "tihi/1.0",
		worker:        worker,
		acceptWorker:  acceptWorker,
		handler:       handler,
		readTimeoutMS: readTimeout.Value(),
		rate:          catrate.NewLimiter(map[time.Duration]int{time.Second: int(acceptRateLimit.Value())}),
		stopped:       true,
	}
}

// Bind creates, binds, and listens on one address, adding it to the set
// of listeners Start will accept on.
func (s *Server) Bind(addr socket.Address) error {
	sock, err := socket.NewTCP(addr.Family)
	if err != nil {
		return fmt.Errorf("tcpserver: new socket: %w", err)
	}
	if err := sock.SetReuseAddr(true); err != nil {
		_ = sock.Close()
		return fmt.Errorf("tcpserver: setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := sock.Bind(addr); err != nil {
		_ = sock.Close()
		return fmt.Errorf("tcpserver: bind(%s): %w", addr, err)
	}
	if err := sock.Listen(128); err != nil {
		_ = sock.Close()
		return fmt.Errorf("tcpserver: listen(%s): %w", addr, err)
	}

	s.mu.Lock()
	s.listens = append(s.listens, sock)
	s.mu.Unlock()

	obslog.L().Info().Str("component", "tcpserver").Str("addr", addr.String()).Log("bind success")
	return nil
}

// ListenAddresses reports the local address of every bound listener, in
// Bind order. Useful for discovering an ephemeral port assigned via
// Bind(addr-with-port-0).
func (s *Server) ListenAddresses() ([]socket.Address, error) {
	s.mu.Lock()
	listens := append([]*socket.Socket{}, s.listens...)
	s.mu.Unlock()

	addrs := make([]socket.Address, 0, len(listens))
	for _, l := range listens {
		addr, err := l.LocalAddress()
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// Start schedules an accept loop for every bound listener onto the
// accept-worker IOManager. Idempotent.
func (s *Server) Start() {
	s.mu.Lock()
	if !s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = false
	listens := append([]*socket.Socket{}, s.listens...)
	s.mu.Unlock()

	for _, l := range listens {
		l := l
		s.acceptWorker.ScheduleFunc(func() { s.acceptLoop(l) })
	}
}

// acceptLoop runs inside a fiber on the accept worker: Accept suspends
// the fiber until a connection arrives (or the listener is closed by
// Stop), then hands the connection to the worker IOManager.
func (s *Server) acceptLoop(listener *socket.Socket) {
	for {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		client, peer, err := listener.Accept()
		if err != nil {
			obslog.L().Err().Str("component", "tcpserver").Str("peer", peer.String()).Log(fmt.Sprintf("accept: %v", err))
			continue
		}

		if _, ok := s.rate.Allow(peer.IP.String()); !ok {
			obslog.L().Warning().Str("component", "tcpserver").Str("peer", peer.String()).Log("accept rate limit exceeded, dropping connection")
			_ = client.Close()
			continue
		}

		client.SetRecvTimeout(time.Duration(s.readTimeoutMS) * time.Millisecond)
		handler := s.handler
		s.worker.ScheduleFunc(func() { handler(client) })
	}
}

// Stop marks the server stopped and, on the accept worker, cancels and
// closes every listener so the in-flight Accept calls unblock.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	listens := s.listens
	s.listens = nil
	s.mu.Unlock()

	s.acceptWorker.ScheduleFunc(func() {
		for _, l := range listens {
			l.CancelRead()
			_ = l.Close()
		}
	})
}

// IsStopped reports whether Stop has been called (or Start never was).
func (s *Server) IsStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

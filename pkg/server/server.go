// Package server implements the hub side of peerhub: it accepts stream
// connections and datagrams on one port, reconciles both transports into
// one session per peer identity, and routes messages between peers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"peerhub/pkg/config"
	"peerhub/pkg/identity"
	"peerhub/pkg/metrics"
	"peerhub/pkg/observability"
	"peerhub/pkg/peers"
	"peerhub/pkg/protocol"
	"peerhub/pkg/protocol/codec"
	"peerhub/pkg/router"
	"peerhub/pkg/transport/tcp"
	"peerhub/pkg/transport/udp"
)

var (
	// ErrBind wraps listener setup failures.
	ErrBind = errors.New("bind failed")
	// ErrNotRunning is returned by sends and Stop before Start.
	ErrNotRunning     = errors.New("server not running")
	ErrAlreadyStarted = errors.New("server already started")
)

// PeerFunc observes peers joining or leaving the directory.
type PeerFunc func(*peers.Session)

// Server owns the listening sockets, the peer directory and the dispatch
// pipeline. Each Server has its own registry, router and directory.
type Server struct {
	cfg     *config.Config
	id      identity.PeerID
	reg     *protocol.Registry
	router  *router.Router
	dir     *peers.Directory
	metrics *metrics.Metrics
	log     *zap.Logger

	onJoin, onLeave PeerFunc

	mu         sync.Mutex
	started    bool
	running    bool
	stream     *tcp.Listener
	dgram      *udp.Socket
	metricsSrv *http.Server
	cancel     context.CancelFunc
	group      *errgroup.Group
	conns      sync.WaitGroup
	live       map[*tcp.Conn]struct{}

	stopOnce sync.Once
	stopErr  error
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithIdentity overrides the configured server identity.
func WithIdentity(id identity.PeerID) Option { return func(s *Server) { s.id = id } }

// WithMetrics shares a collector set, e.g. to scrape several servers at once.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithOnPeerJoin is called after a new identity enters the directory.
func WithOnPeerJoin(fn PeerFunc) Option { return func(s *Server) { s.onJoin = fn } }

// WithOnPeerLeave is called after a peer's stream closed and it was removed.
func WithOnPeerLeave(fn PeerFunc) Option { return func(s *Server) { s.onLeave = fn } }

// New builds a server from cfg. A nil registry gets a fresh one using the
// configured codec.
func New(cfg *config.Config, reg *protocol.Registry, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{cfg: cfg, live: make(map[*tcp.Conn]struct{})}
	for _, o := range opts {
		o(s)
	}
	s.log = observability.Named(s.log, "server")

	if s.id.IsNil() {
		id, err := identity.LoadOrGenerate(cfg.Identity)
		if err != nil {
			return nil, fmt.Errorf("server identity: %w", err)
		}
		s.id = id
	}
	if reg == nil {
		c, err := codec.ByName(cfg.Registry.Codec)
		if err != nil {
			return nil, err
		}
		reg = protocol.NewRegistry(
			protocol.WithCodec(c),
			protocol.WithLogger(s.log),
			protocol.WithWarningsDisabled(cfg.Registry.DisableWarnings),
		)
	}
	s.reg = reg
	s.router = router.New(
		router.WithLogger(s.log),
		router.WithStrictTargets(cfg.Routing.StrictTargets),
		router.WithWarningsDisabled(cfg.Routing.DisableWarnings),
	)
	s.dir = peers.NewDirectory(cfg.Net.SendQueue, s.log)
	if s.metrics == nil {
		s.metrics = metrics.New(cfg.AppName)
	}
	return s, nil
}

// ID is the identity stamped on server-originated messages.
func (s *Server) ID() identity.PeerID { return s.id }

func (s *Server) Registry() *protocol.Registry { return s.reg }
func (s *Server) Router() *router.Router       { return s.router }
func (s *Server) Peers() *peers.Directory      { return s.dir }
func (s *Server) Metrics() *metrics.Metrics    { return s.metrics }

// Start binds the stream and datagram sockets on the same port and starts
// serving. Bind failures are returned wrapped in ErrBind. Cancelling ctx
// stops the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	nc := s.cfg.Net
	ln, err := tcp.Listen(ctx, s.cfg.Server.Listen, tcp.Options{MaxFrame: nc.MaxFrame, KeepAlive: nc.KeepAlive})
	if err != nil {
		return fmt.Errorf("%w: tcp %s: %w", ErrBind, s.cfg.Server.Listen, err)
	}
	// an ephemeral listen port resolves to the stream port so both
	// transports share it
	udpAddr := sharedPort(s.cfg.Server.Listen, ln.Addr())
	sock, err := udp.Listen(ctx, udpAddr, nc.MaxDatagram)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("%w: udp %s: %w", ErrBind, udpAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	s.stream, s.dgram, s.cancel, s.group = ln, sock, cancel, g
	s.started, s.running = true, true

	if addr := s.cfg.Server.MetricsAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("metrics server stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.datagramLoop() })
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	s.log.Info("server started",
		zap.String("id", s.id.String()),
		zap.Stringer("tcp", ln.Addr()),
		zap.Stringer("udp", sock.LocalAddr()),
	)
	return nil
}

func sharedPort(listen string, bound net.Addr) string {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(bound.(*net.TCPAddr).Port))
}

// Addr is the bound stream address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return s.stream.Addr()
}

// UDPAddr is the bound datagram address, nil before Start.
func (s *Server) UDPAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dgram == nil {
		return nil
	}
	return s.dgram.LocalAddr()
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop closes the sockets and every session, then waits for all loops.
// It returns the combined close errors and is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	err := g.Wait()
	s.conns.Wait()
	return err
}

// Wait blocks until the server stops.
func (s *Server) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return ErrNotRunning
	}
	err := g.Wait()
	s.conns.Wait()
	return err
}

func (s *Server) shutdown() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		ln, sock, msrv := s.stream, s.dgram, s.metricsSrv
		live := make([]*tcp.Conn, 0, len(s.live))
		for c := range s.live {
			live = append(live, c)
		}
		s.mu.Unlock()

		var err error
		err = multierr.Append(err, ignoreClosed(ln.Close()))
		err = multierr.Append(err, ignoreClosed(sock.Close()))
		// connections still waiting for their first message are not in
		// the directory yet
		for _, c := range live {
			_ = c.Close()
		}
		if msrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err = multierr.Append(err, msrv.Shutdown(ctx))
			cancel()
		}
		err = multierr.Append(err, ignoreClosed(s.dir.CloseAll()))
		s.metrics.Peers.Set(0)
		s.stopErr = err
		s.log.Info("server stopped")
	})
	return s.stopErr
}

// ignoreClosed drops errors from closing something that was already closed.
func ignoreClosed(err error) error {
	var out error
	for _, e := range multierr.Errors(err) {
		if !errors.Is(e, net.ErrClosed) {
			out = multierr.Append(out, e)
		}
	}
	return out
}

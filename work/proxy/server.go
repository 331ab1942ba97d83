package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"nvpn-proxy/work/config"
	"nvpn-proxy/work/logger"
	"nvpn-proxy/work/metrics"
	"nvpn-proxy/work/types"
)

// Server is the relay's HTTP listener. It is started at most once and
// stopped at most once; a new Server is needed for every relay run.
type Server struct {
	config *config.Config
	http   *http.Server

	ctx    context.Context // base context of every inbound request
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	started  bool

	running  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// NewServer creates a relay server that serves handler.
func NewServer(cfg *config.Config, handler http.Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.http = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.RelayIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Listen binds the configured address. A port that is already taken is a
// ResourceBusy error; the caller is expected to fall back to direct playback.
// Go listeners set SO_REUSEADDR, so a restart right after a stop can rebind.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	addr := net.JoinHostPort(s.config.RelayAddress, strconv.Itoa(s.config.RelayPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			logger.Warn("{proxy/server - Listen} relay port %d already in use", s.config.RelayPort)
			return &types.Error{Kind: types.ResourceBusy, Op: "relay.listen", Message: "address " + addr + " already in use", Err: err}
		}
		return types.Wrap(types.TransportError, "relay.listen", err)
	}

	s.listener = ln
	return nil
}

// Start binds the listener if needed and serves on its own goroutine.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return types.Errorf(types.ResourceBusy, "relay.start", "relay server already started")
	}
	select {
	case <-s.done:
		return types.Errorf(types.ResourceBusy, "relay.start", "relay server already stopped")
	default:
	}

	s.started = true
	s.running.Store(true)
	metrics.RelayRunning.Set(1)

	go s.serve(s.listener)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer close(s.done)
	defer func() {
		s.running.Store(false)
		metrics.RelayRunning.Set(0)
	}()

	logger.Info("{proxy/server - serve} relay listening on %s", ln.Addr())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("{proxy/server - serve} relay server failed: %v", err)
	}
}

// Stop shuts the server down and waits for the serving goroutine to exit.
// In-flight streams get RelayShutdownGrace to finish before their upstream
// requests are cancelled and the connections closed. Stop may be called any
// number of times, also on a server that never started.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		ln := s.listener
		s.mu.Unlock()

		if !started {
			if ln != nil {
				ln.Close()
			}
			s.cancel()
			close(s.done)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.RelayShutdownGrace)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			logger.Debug("{proxy/server - Stop} grace period over, closing remaining connections")
			s.cancel()
			s.http.Close()
		}
		s.cancel()

		<-s.done
		logger.Info("{proxy/server - Stop} relay stopped")
	})
	<-s.done
}

// Done is closed once the server has stopped serving.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Handle describes the bound listener.
func (s *Server) Handle() types.RelayServerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := types.RelayServerHandle{
		BoundAddress: s.config.RelayAddress,
		BoundPort:    s.config.RelayPort,
		Running:      s.running.Load(),
	}
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			h.BoundAddress = addr.IP.String()
			h.BoundPort = addr.Port
		}
	}
	return h
}

// BaseURL is the URL players use to reach this server.
func (s *Server) BaseURL() string {
	h := s.Handle()
	return "http://" + net.JoinHostPort(h.BoundAddress, strconv.Itoa(h.BoundPort))
}

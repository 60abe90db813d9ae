// Package supervisor owns the mock server's listener: it binds, serves,
// drains and closes it, and holds the live config and routing snapshots the
// request pipeline reads from.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koblas/mockserver/pkg/accesslog"
	"github.com/koblas/mockserver/pkg/config"
	"github.com/koblas/mockserver/pkg/handler"
	"github.com/koblas/mockserver/pkg/logging"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const (
	DefaultGracePeriod    = 5 * time.Second
	DefaultMaxConnections = 512
	DefaultHost           = "127.0.0.1"

	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// net/http reads 4096 bytes past MaxHeaderBytes before rejecting, so this
// keeps the request line plus headers within 8 KiB.
const maxHeaderBytes = 8<<10 - 4096

var (
	ErrAlreadyRunning = errors.New("server is already running")
	// ErrBusy is returned while a start or stop is in progress.
	ErrBusy = errors.New("server is changing state")
)

// BindError is returned when the listener could not be bound.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("cannot listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Cause() error  { return e.Err }
func (e *BindError) Unwrap() error { return e.Err }

// StoreError is returned when the store could not be read on start or
// reload.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Cause() error  { return e.Err }
func (e *StoreError) Unwrap() error { return e.Err }

type Phase int

const (
	Stopped Phase = iota
	Starting
	Running
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Loader is the part of the store the supervisor reads on start and reload.
type Loader interface {
	LoadConfig(ctx context.Context) (config.ServerConfig, error)
	LoadMappings(ctx context.Context) ([]config.DirectoryMapping, error)
}

type Supervisor struct {
	// mu guards the fields below it and is never held across network I/O.
	mu            sync.Mutex
	phase         Phase
	server        *http.Server
	boundPort     int
	startedAt     time.Time
	lastErr       error
	done          chan struct{}
	cancel        context.CancelFunc
	reloadPending bool

	// reloadMu orders load-then-publish of the routing table so an older
	// read never replaces a newer one.
	reloadMu sync.Mutex

	config atomic.Pointer[config.ServerConfig]
	routes atomic.Pointer[handler.RouteTable]

	loader   Loader
	handler  http.Handler
	log      logrus.FieldLogger
	host     string
	grace    time.Duration
	maxConns int
}

type Option func(*Supervisor)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithHost sets the interface to bind; "" binds every interface.
func WithHost(host string) Option {
	return func(s *Supervisor) {
		s.host = host
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithMaxConnections caps open connections; accept pauses at the cap.
func WithMaxConnections(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxConns = n
		}
	}
}

func New(loader Loader, logs *accesslog.Broadcaster, opts ...Option) *Supervisor {
	s := &Supervisor{
		loader:   loader,
		log:      logging.Nop(),
		host:     DefaultHost,
		grace:    DefaultGracePeriod,
		maxConns: DefaultMaxConnections,
	}
	for _, opt := range opts {
		opt(s)
	}

	cfg := config.DefaultServerConfig()
	s.config.Store(&cfg)
	s.routes.Store(handler.NewRouteTable(nil, nil))
	s.handler = handler.NewHandler(s, logs, s.log)

	return s
}

// Config is the live policy snapshot.
func (s *Supervisor) Config() *config.ServerConfig {
	return s.config.Load()
}

// Routes is the live routing snapshot.
func (s *Supervisor) Routes() *handler.RouteTable {
	return s.routes.Load()
}

// Handler exposes the request pipeline, mostly for tests.
func (s *Supervisor) Handler() http.Handler {
	return s.handler
}

func (s *Supervisor) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ApplyConfig publishes cfg to in-flight and future requests. A port change
// only takes effect on the next Start.
func (s *Supervisor) ApplyConfig(cfg config.ServerConfig) {
	c := cfg.Clone()
	s.config.Store(&c)
}

// ReloadMappings swaps in a new routing snapshot. Requests already routed
// keep the table they read.
func (s *Supervisor) ReloadMappings(mappings []config.DirectoryMapping) {
	s.routes.Store(handler.NewRouteTable(mappings, s.log))
}

// Reload re-reads the mappings from the store when the server is running.
// While stopped it does nothing; Start reads the store itself.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case Starting:
		s.reloadPending = true
		s.mu.Unlock()
		return nil
	case Running:
	default:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	mappings, err := s.loader.LoadMappings(ctx)
	if err != nil {
		return &StoreError{Op: "load mappings", Err: err}
	}
	s.ReloadMappings(mappings)
	s.log.WithField("mappings", s.Routes().Len()).Debug("mappings reloaded")
	return nil
}

// Start snapshots config and mappings from the store and binds the listener.
func (s *Supervisor) Start(ctx context.Context) (config.ServerState, error) {
	s.mu.Lock()
	switch s.phase {
	case Running:
		s.mu.Unlock()
		return s.State(), ErrAlreadyRunning
	case Starting, Stopping:
		s.mu.Unlock()
		return s.State(), ErrBusy
	}
	s.phase = Starting
	s.reloadPending = false
	s.mu.Unlock()

	ln, err := s.bind(ctx)
	if err != nil {
		s.mu.Lock()
		s.phase = Stopped
		s.lastErr = err
		s.mu.Unlock()
		return s.State(), err
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		ErrorLog:          s.errorLog(),
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.phase = Running
	s.server = srv
	s.boundPort = ln.Addr().(*net.TCPAddr).Port
	s.startedAt = time.Now().UTC()
	s.lastErr = nil
	s.done = done
	s.cancel = cancel
	pending := s.reloadPending
	s.reloadPending = false
	s.mu.Unlock()

	go s.serve(srv, netutil.LimitListener(ln, s.maxConns), done)

	s.log.WithField("port", s.boundPort).WithField("mappings", s.Routes().Len()).Info("mock server started")

	if pending {
		if err := s.Reload(ctx); err != nil {
			s.log.WithError(err).Warn("reload after start failed")
		}
	}

	return s.State(), nil
}

func (s *Supervisor) bind(ctx context.Context) (net.Listener, error) {
	cfg, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(int(cfg.Port)))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	return ln, nil
}

// load publishes the stored config and mappings as the live snapshots.
func (s *Supervisor) load(ctx context.Context) (config.ServerConfig, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := s.loader.LoadConfig(ctx)
	if err != nil {
		return cfg, &StoreError{Op: "load config", Err: err}
	}
	mappings, err := s.loader.LoadMappings(ctx)
	if err != nil {
		return cfg, &StoreError{Op: "load mappings", Err: err}
	}

	s.ApplyConfig(cfg)
	s.ReloadMappings(mappings)
	return cfg, nil
}

func (s *Supervisor) serve(srv *http.Server, ln net.Listener, done chan struct{}) {
	defer close(done)

	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}

	s.log.WithError(err).Error("listener failed")

	s.mu.Lock()
	if s.server == srv && s.phase == Running {
		s.phase = Stopped
		s.server = nil
		s.lastErr = err
		s.startedAt = time.Time{}
		if s.cancel != nil {
			s.cancel()
		}
	}
	s.mu.Unlock()

	_ = srv.Close()
}

// Stop stops accepting, drains in-flight requests for the grace period and
// then closes whatever is left. Stopping a stopped server succeeds.
func (s *Supervisor) Stop(ctx context.Context) (config.ServerState, error) {
	s.mu.Lock()
	switch s.phase {
	case Stopped:
		s.mu.Unlock()
		return s.State(), nil
	case Starting:
		s.mu.Unlock()
		return s.State(), ErrBusy
	case Stopping:
		done := s.done
		s.mu.Unlock()
		return s.waitStopped(ctx, done)
	}

	srv, cancel, done := s.server, s.cancel, s.done
	s.phase = Stopping
	s.mu.Unlock()

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, s.grace)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("grace period elapsed, closing remaining connections")
		cancel()
		_ = srv.Close()
	}
	cancel()
	<-done

	s.mu.Lock()
	s.phase = Stopped
	s.server = nil
	s.startedAt = time.Time{}
	s.mu.Unlock()

	s.log.Info("mock server stopped")
	return s.State(), nil
}

func (s *Supervisor) waitStopped(ctx context.Context, done chan struct{}) (config.ServerState, error) {
	for {
		if s.Phase() == Stopped {
			return s.State(), nil
		}
		select {
		case <-ctx.Done():
			return s.State(), ctx.Err()
		case <-done:
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// State reports the observable server state.
func (s *Supervisor) State() config.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := config.ServerState{
		Status:       config.StatusStopped,
		Port:         int(s.Config().Port),
		MappingCount: s.Routes().Len(),
	}

	if s.phase == Running || s.phase == Stopping {
		st.Status = config.StatusRunning
		st.Port = s.boundPort
		started := s.startedAt
		st.StartedAt = &started
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}

	return st
}

// errorLog routes net/http's own complaints (accept errors, bad requests)
// through the structured logger.
func (s *Supervisor) errorLog() *log.Logger {
	type levelWriter interface {
		WriterLevel(logrus.Level) *io.PipeWriter
	}
	lw, ok := s.log.(levelWriter)
	if !ok {
		return nil
	}
	return log.New(lw.WriterLevel(logrus.DebugLevel), "", 0)
}

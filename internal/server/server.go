package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/clock"
	"github.com/kk-code-lab/docsync/internal/store"
)

var (
	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("server: closed")
	// ErrStarted is returned when endpoints are added after Start.
	ErrStarted = errors.New("server: already started")
	// ErrDuplicatePath is returned when two endpoints claim the same path.
	ErrDuplicatePath = errors.New("server: duplicate endpoint path")
)

const (
	DefaultPort              = 8080
	DefaultShutdownGrace     = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	maxBodyBytes             = 10 << 20
)

// Options configures a Server.
type Options struct {
	Database *store.Database
	// Authenticator resolves request identities; nil admits everyone anonymously.
	Authenticator auth.Authenticator
	// Router is an existing router to mount endpoints on; nil creates one.
	Router chi.Router
	// Listener overrides Hostname and Port when set.
	Listener net.Listener
	Hostname string
	Port     int
	// Origin is the allowed CORS origin; empty allows any.
	Origin string
	Logger logrus.FieldLogger
	Clock  clock.Clock
	// Metrics receives request and stream metrics; nil disables them.
	Metrics *Metrics
	// MetricsPath mounts the Prometheus handler when set.
	MetricsPath       string
	ShutdownGrace     time.Duration
	HeartbeatInterval time.Duration
}

// Endpoint is a collection exposed over HTTP.
type Endpoint interface {
	Name() string
	Type() string
	URLPath() string
	Collection() *store.Collection
	close()
}

// Server registers endpoints on a router, serves them and tears them down
// when closed or when its database is destroyed.
type Server struct {
	db        *store.Database
	auth      auth.Authenticator
	router    chi.Router
	handler   http.Handler
	log       logrus.FieldLogger
	clock     clock.Clock
	metrics   *Metrics
	origin    string
	hostname  string
	port      int
	grace     time.Duration
	heartbeat time.Duration

	removeHook func()

	mu         sync.Mutex
	endpoints  []Endpoint
	paths      map[string]struct{}
	listener   net.Listener
	httpServer *http.Server
	serveDone  chan struct{}
	serveErr   error
	closed     bool

	closeOnce sync.Once
	closeErr  error
}

// New creates a server bound to opts.Database. It does not listen until Start.
func New(opts Options) (*Server, error) {
	if opts.Database == nil {
		return nil, errors.New("server: database required")
	}
	if opts.Database.Destroyed() {
		return nil, store.ErrClosed
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Authenticator == nil {
		opts.Authenticator = &auth.Anonymous{Clock: opts.Clock}
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Origin == "" {
		opts.Origin = "*"
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	ownRouter := opts.Router == nil
	if ownRouter {
		opts.Router = chi.NewRouter()
	}
	s := &Server{
		db:        opts.Database,
		auth:      opts.Authenticator,
		router:    opts.Router,
		log:       opts.Logger,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		origin:    opts.Origin,
		hostname:  opts.Hostname,
		port:      opts.Port,
		grace:     opts.ShutdownGrace,
		heartbeat: opts.HeartbeatInterval,
		listener:  opts.Listener,
		paths:     make(map[string]struct{}),
	}
	s.handler = s.logRequests(corsHandler(s.origin)(s.router))
	if ownRouter {
		s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]any{"status": "ok", "endpoints": len(s.Endpoints())})
		})
	}
	if opts.MetricsPath != "" && opts.Metrics != nil {
		s.router.Method(http.MethodGet, opts.MetricsPath, opts.Metrics.Handler())
	}
	s.removeHook = s.db.OnDestroy(s.Close)
	return s, nil
}

// Handler returns the server's root handler, for use with an external listener or tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Endpoints returns the registered endpoints in registration order.
func (s *Server) Endpoints() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Endpoint(nil), s.endpoints...)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return net.JoinHostPort(s.hostname, strconv.Itoa(s.port))
	}
	return s.listener.Addr().String()
}

// register claims path and mounts the endpoint's routes under
// /<path>/<version>/ behind the version and auth gates.
func (s *Server) register(ep Endpoint, version int, routes func(chi.Router)) error {
	path := strings.Trim(ep.URLPath(), "/")
	if path == "" {
		return fmt.Errorf("server: endpoint %q: empty path", ep.Name())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrServerClosed
	case s.httpServer != nil:
		return ErrStarted
	}
	if _, ok := s.paths[path]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, path)
	}
	s.paths[path] = struct{}{}
	s.router.Route("/"+path, func(r chi.Router) {
		r.Use(versionGate(path, version))
		r.Route("/"+strconv.Itoa(version), func(r chi.Router) {
			r.Use(s.instrument(ep.Name()))
			r.Use(s.authGate)
			routes(r)
		})
	})
	s.endpoints = append(s.endpoints, ep)
	s.log.WithFields(logrus.Fields{
		"endpoint": ep.Name(),
		"type":     ep.Type(),
		"path":     "/" + path + "/" + strconv.Itoa(version),
	}).Info("server: endpoint registered")
	return nil
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrServerClosed
	case s.httpServer != nil:
		return ErrStarted
	}
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", net.JoinHostPort(s.hostname, strconv.Itoa(s.port)))
		if err != nil {
			return err
		}
		s.listener = ln
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.serveDone = make(chan struct{})
	done := s.serveDone
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("server: serve failed")
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("server: listening")
	return nil
}

// Done is closed once the listener stops serving. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveDone
}

// Err returns the error that stopped the listener, or nil after a clean Close.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Close closes every endpoint and stops the listener. Open streams are
// terminated; in-flight short requests get the shutdown grace period to
// finish. Close is idempotent and also runs when the database is destroyed.
func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(ctx)
	})
	return s.closeErr
}

func (s *Server) shutdown(ctx context.Context) error {
	s.removeHook()
	s.mu.Lock()
	s.closed = true
	endpoints := append([]Endpoint(nil), s.endpoints...)
	srv := s.httpServer
	done := s.serveDone
	s.mu.Unlock()

	var g errgroup.Group
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			ep.close()
			return nil
		})
	}
	_ = g.Wait()

	if srv == nil {
		return nil
	}
	graceCtx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()
	err := srv.Shutdown(graceCtx)
	if err != nil {
		s.log.WithError(err).Warn("server: graceful shutdown incomplete, forcing close")
		_ = srv.Close()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = nil
		}
	}
	<-done
	s.log.Info("server: closed")
	return err
}

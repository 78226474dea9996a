package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/store"
)

const (
	TypeReplication = "replication"
	TypeRest        = "rest"

	// DefaultMaxRejectedPushes is the number of consecutive pushes with gate
	// rejections after which the identity's streams are closed.
	DefaultMaxRejectedPushes = 3

	// DefaultStrikeWindow is how long a subject's rejection count survives
	// without another rejected push.
	DefaultStrikeWindow = 15 * time.Minute

	maxTrackedSubjects = 10000
)

var (
	errEndpointClosed = errors.New("server: endpoint closed")
	errTooManyRejects = errors.New("server: too many rejected pushes")
)

// EndpointOptions configures an endpoint.
type EndpointOptions struct {
	Name string
	// Path defaults to "<type>/<name>".
	Path       string
	Collection *store.Collection
	// QueryModifier defaults to IdentityQuery.
	QueryModifier QueryModifier
	// ChangeValidator defaults to AllowAllChanges.
	ChangeValidator  ChangeValidator
	ServerOnlyFields []string
	// MaxRejectedPushes applies to replication endpoints. Zero means
	// DefaultMaxRejectedPushes; negative disables stream termination.
	MaxRejectedPushes int
	// StrikeWindow defaults to DefaultStrikeWindow.
	StrikeWindow time.Duration
}

// base holds what replication and REST endpoints share.
type base struct {
	server     *Server
	name       string
	typ        string
	path       string
	collection *store.Collection
	primaryKey string
	version    int
	scope      queryScope
	validator  ChangeValidator
	fields     FieldProjector
	log        logrus.FieldLogger

	mu      sync.Mutex
	streams map[*streamConn]struct{}
	closed  bool
}

type streamConn struct {
	subject string
	cancel  context.CancelCauseFunc
}

func newBase(s *Server, typ string, opts EndpointOptions) (*base, error) {
	if opts.Collection == nil {
		return nil, errors.New("server: endpoint collection required")
	}
	if opts.Name == "" {
		opts.Name = opts.Collection.Name()
	}
	if opts.Path == "" {
		opts.Path = typ + "/" + opts.Name
	}
	if opts.QueryModifier == nil {
		opts.QueryModifier = IdentityQuery
	}
	if opts.ChangeValidator == nil {
		opts.ChangeValidator = AllowAllChanges
	}
	schema := opts.Collection.Schema()
	return &base{
		server:     s,
		name:       opts.Name,
		typ:        typ,
		path:       opts.Path,
		collection: opts.Collection,
		primaryKey: schema.PrimaryKey,
		version:    schema.Version,
		scope:      queryScope{primaryKey: schema.PrimaryKey, modifier: opts.QueryModifier},
		validator:  opts.ChangeValidator,
		fields:     NewFieldProjector(opts.ServerOnlyFields),
		log:        s.log.WithFields(logrus.Fields{"endpoint": opts.Name, "type": typ}),
		streams:    make(map[*streamConn]struct{}),
	}, nil
}

func (b *base) Name() string                  { return b.name }
func (b *base) Type() string                  { return b.typ }
func (b *base) URLPath() string               { return b.path }
func (b *base) Version() int                  { return b.version }
func (b *base) Collection() *store.Collection { return b.collection }

// ServerOnlyFields returns the endpoint's deduplicated server-only fields.
func (b *base) ServerOnlyFields() []string { return b.fields.Fields() }

// OpenStreams returns the number of live change streams.
func (b *base) OpenStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *base) addStream(c *streamConn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.streams[c] = struct{}{}
	return true
}

func (b *base) removeStream(c *streamConn) {
	b.mu.Lock()
	delete(b.streams, c)
	b.mu.Unlock()
}

// closeStreams cancels streams owned by subject, or all when all is set.
func (b *base) closeStreams(subject string, all bool, cause error) int {
	b.mu.Lock()
	var victims []*streamConn
	for c := range b.streams {
		if all || c.subject == subject {
			victims = append(victims, c)
		}
	}
	b.mu.Unlock()
	for _, c := range victims {
		c.cancel(cause)
	}
	return len(victims)
}

func (b *base) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if n := b.closeStreams("", true, errEndpointClosed); n > 0 {
		b.log.WithField("streams", n).Info("server: closed endpoint streams")
	}
}

// streamLoop runs a change stream until the client leaves, the identity
// expires, the endpoint closes or the feed overflows. onEvent returns the
// payload to send, or nil to skip the event.
func (b *base) streamLoop(w http.ResponseWriter, r *http.Request, sink func() (eventSink, error),
	initial func(a auth.Data) (any, error), onEvent func(a auth.Data, ev store.ChangeEvent) (any, error)) {
	a, _ := auth.FromContext(r.Context())
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	conn := &streamConn{subject: a.Subject, cancel: cancel}
	if !b.addStream(conn) {
		writeError(w, http.StatusServiceUnavailable)
		return
	}
	defer b.removeStream(conn)

	sub := b.collection.Subscribe(0)
	defer sub.Close()
	out, err := sink()
	if err != nil {
		b.log.WithError(err).Warn("server: open stream")
		return
	}
	defer out.Close()
	b.server.metrics.streamOpened(b.name)
	defer b.server.metrics.streamClosed(b.name)

	if initial != nil {
		payload, err := initial(a)
		if err != nil {
			b.log.WithError(err).Warn("server: initial stream payload")
			return
		}
		if err := out.Send(payload); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(b.server.heartbeat)
	defer heartbeat.Stop()
	var expired <-chan time.Time
	if !a.ValidUntil.IsZero() {
		timer := time.NewTimer(a.ValidUntil.Sub(b.server.clock.Now()))
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				b.log.WithField("subject", a.Subject).WithError(cause).Info("server: stream terminated")
			}
			return
		case <-out.Done():
			return
		case <-expired:
			b.log.WithField("subject", a.Subject).Debug("server: stream identity expired")
			return
		case <-heartbeat.C:
			if err := out.Ping(); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Overflowed() {
					_ = out.Send(ResyncMessage)
				}
				return
			}
			if !a.Valid(b.server.clock.Now()) {
				return
			}
			payload, err := onEvent(a, ev)
			if err != nil {
				b.log.WithError(err).Warn("server: stream event")
				return
			}
			if payload == nil {
				continue
			}
			if err := out.Send(payload); err != nil {
				return
			}
			b.server.metrics.streamEvent(b.name)
		}
	}
}

// writeStoreError maps engine failures to responses.
func (b *base) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, store.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	b.log.WithError(err).WithField("req_id", RequestID(r.Context())).Error("server: request failed")
	writeError(w, status)
}

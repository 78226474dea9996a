package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/store"
)

const (
	aliceToken = "tok-alice"
	bobToken   = "tok-bob"
)

type fixture struct {
	db      *store.Database
	coll    *store.Collection
	srv     *Server
	metrics *Metrics
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newFixture(t *testing.T, version int, authn auth.Authenticator) *fixture {
	t.Helper()
	ctx := context.Background()
	log := quietLogger()
	db, err := store.Open(filepath.Join(t.TempDir(), "docs.db"), store.Options{Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Destroy(ctx) })
	coll, err := db.Collection(ctx, "items", store.Schema{PrimaryKey: "id", Version: version})
	require.NoError(t, err)
	if authn == nil {
		authn = &auth.StaticTokens{Tokens: map[string]string{aliceToken: "alice", bobToken: "bob"}}
	}
	m := NewMetrics(nil)
	srv, err := New(Options{
		Database:          db,
		Authenticator:     authn,
		Logger:            log,
		Metrics:           m,
		MetricsPath:       "/metrics",
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	return &fixture{db: db, coll: coll, srv: srv, metrics: m}
}

func (f *fixture) replication(t *testing.T, opts EndpointOptions) *ReplicationEndpoint {
	t.Helper()
	opts.Collection = f.coll
	ep, err := f.srv.AddReplicationEndpoint(opts)
	require.NoError(t, err)
	return ep
}

func (f *fixture) rest(t *testing.T, opts EndpointOptions) *RestEndpoint {
	t.Helper()
	opts.Collection = f.coll
	ep, err := f.srv.AddRestEndpoint(opts)
	require.NoError(t, err)
	return ep
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set(auth.DefaultTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// serve starts a real listener for streaming tests.
func (f *fixture) serve(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		ts.Close()
	})
	return ts
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// openStream issues an event-stream request and returns a reader positioned
// after the response headers.
func openStream(t *testing.T, url, token string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(auth.DefaultTokenHeader, token)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

// nextData returns the payload of the next data line, skipping heartbeats.
func nextData(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			return data
		}
	}
}

// waitClosed reads until the stream ends and returns the data lines seen.
func waitClosed(t *testing.T, r *bufio.Reader) []string {
	t.Helper()
	var data []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return data
		}
		if d, ok := strings.CutPrefix(strings.TrimRight(line, "\n"), "data: "); ok {
			data = append(data, d)
		}
	}
}

func TestVersionGateRunsBeforeAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2, nil)
	f.replication(t, EndpointOptions{})

	rec := f.do(t, http.MethodGet, "/replication/items/0/pull", "", nil)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.JSONEq(t, `{"code":426,"error":true,"message":"Outdated version 0 (newest is 2)"}`, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/replication/items/1/push", "", []ChangeRow{})
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	rec = f.do(t, http.MethodGet, "/replication/items/2/pull", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.JSONEq(t, `{"code":401,"error":true,"message":"Unauthorized"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/replication/items/2/pull", "nope", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/replication/items/2/pull", aliceToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/replication/items/3/pull", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, seg := range []string{"-1", "+1", "01", "00", "1.0"} {
		rec = f.do(t, http.MethodGet, "/replication/items/"+seg+"/pull", aliceToken, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, seg)
	}
}

func TestExpiredIdentityIsUnauthorized(t *testing.T) {
	t.Parallel()
	expired := auth.AuthenticatorFunc(func(context.Context, http.Header) (auth.Data, error) {
		return auth.Data{Subject: "alice", ValidUntil: time.Now().Add(-time.Minute)}, nil
	})
	f := newFixture(t, 0, expired)
	f.replication(t, EndpointOptions{})
	rec := f.do(t, http.MethodGet, "/replication/items/0/pull", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)
	f.replication(t, EndpointOptions{})

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","endpoints":1}`, rec.Body.String())
	assert.Len(t, rec.Header().Get(RequestIDHeader), 26)

	rec = f.do(t, http.MethodGet, "/replication/items/0/pull", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.requests.WithLabelValues("items", "pull", "2xx")))

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docsync_requests_total")
}

func TestCORSHeaders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)
	f.replication(t, EndpointOptions{})
	req := httptest.NewRequest(http.MethodGet, "/replication/items/0/pull", nil)
	req.Header.Set("Origin", "http://app.example")
	req.Header.Set(auth.DefaultTokenHeader, aliceToken)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEndpointRegistration(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)
	ep := f.replication(t, EndpointOptions{})
	assert.Equal(t, "replication/items", ep.URLPath())
	assert.Equal(t, TypeReplication, ep.Type())

	_, err := f.srv.AddReplicationEndpoint(EndpointOptions{Collection: f.coll})
	assert.ErrorIs(t, err, ErrDuplicatePath)

	rest := f.rest(t, EndpointOptions{Name: "things"})
	assert.Equal(t, "rest/things", rest.URLPath())
	require.Len(t, f.srv.Endpoints(), 2)

	_, err = f.srv.AddRestEndpoint(EndpointOptions{})
	assert.Error(t, err)
}

func TestAddEndpointAfterStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.srv.listener = ln
	require.NoError(t, f.srv.Start())
	t.Cleanup(func() { _ = f.srv.Close(context.Background()) })
	assert.ErrorIs(t, f.srv.Start(), ErrStarted)
	_, err = f.srv.AddReplicationEndpoint(EndpointOptions{Collection: f.coll})
	assert.ErrorIs(t, err, ErrStarted)
}

func TestDatabaseDestroyClosesServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0, nil)
	ep := f.replication(t, EndpointOptions{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.srv.listener = ln
	require.NoError(t, f.srv.Start())
	addr := f.srv.Addr()

	stream := openStream(t, "http://"+addr+"/replication/items/0/stream", aliceToken)
	require.Eventually(t, func() bool { return ep.OpenStreams() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, f.db.Destroy(ctx))
	waitClosed(t, stream)
	assert.Equal(t, 0, ep.OpenStreams())

	assert.NoError(t, f.srv.Close(ctx))
	_, err = f.srv.AddRestEndpoint(EndpointOptions{Collection: f.coll})
	assert.ErrorIs(t, err, ErrServerClosed)
	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestCloseBeforeStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, 0, nil)
	f.replication(t, EndpointOptions{})
	require.NoError(t, f.srv.Close(ctx))
	require.NoError(t, f.srv.Close(ctx))
	assert.ErrorIs(t, f.srv.Start(), ErrServerClosed)
	// The destroy hook was removed by Close.
	require.NoError(t, f.db.Destroy(ctx))
}

func TestStreamResponseHeaders(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 0, nil)
	f.replication(t, EndpointOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/replication/items/0/stream", nil).WithContext(ctx)
	req.Header.Set(auth.DefaultTokenHeader, aliceToken)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.srv.Handler().ServeHTTP(rec, req)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the client left")
	}

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
}

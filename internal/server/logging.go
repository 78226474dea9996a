package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the per-request identifier on every response.
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID returns the identifier assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		reqID := ulid.Make().String()
		rw := &responseWithReqID{ResponseWriter: w, reqID: reqID}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
		status := rw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
			"dur_ms": s.clock.Now().Sub(start).Milliseconds(),
			"req_id": reqID,
		}).Info("request")
	})
}

// responseWithReqID records the status and stamps the request id. It passes
// through flushing and hijacking so event streams and websockets keep working.
type responseWithReqID struct {
	http.ResponseWriter
	reqID  string
	status int
}

func (w *responseWithReqID) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		if w.reqID != "" {
			w.Header().Set(RequestIDHeader, w.reqID)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWithReqID) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *responseWithReqID) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWithReqID) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer cannot hijack")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (w *responseWithReqID) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

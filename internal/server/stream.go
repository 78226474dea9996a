package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// ResyncMessage tells a stream client it missed events and must pull again.
	ResyncMessage = "RESYNC"

	wsWriteTimeout = 10 * time.Second
)

// eventSink delivers stream payloads over one transport.
type eventSink interface {
	Send(v any) error
	Ping() error
	// Done is closed when the client goes away. It may be nil.
	Done() <-chan struct{}
	Close() error
}

// writeSSEHeaders starts a server-sent event response.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Connection", "keep-alive")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("server: streaming unsupported")
	}
	writeSSEHeaders(w)
	f.Flush()
	return &sseSink{w: w, flusher: f}, nil
}

func (s *sseSink) Send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Ping() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Done() <-chan struct{} { return nil }
func (s *sseSink) Close() error          { return nil }

type wsSink struct {
	conn *websocket.Conn
	done chan struct{}
}

func newWSSink(w http.ResponseWriter, r *http.Request, origin string) (*wsSink, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if origin == "" || origin == "*" {
				return true
			}
			return strings.EqualFold(r.Header.Get("Origin"), origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	s := &wsSink{conn: conn, done: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

// readLoop drains client frames so control messages are processed and a
// closed peer is noticed.
func (s *wsSink) readLoop() {
	defer close(s.done)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *wsSink) Send(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(v)
}

func (s *wsSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (s *wsSink) Done() <-chan struct{} { return s.done }

func (s *wsSink) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// openSink upgrades to a websocket when asked, otherwise streams SSE.
func openSink(w http.ResponseWriter, r *http.Request, origin string) (eventSink, error) {
	if websocket.IsWebSocketUpgrade(r) {
		return newWSSink(w, r, origin)
	}
	return newSSESink(w)
}

package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kk-code-lab/docsync/internal/clock"
)

// DefaultTokenHeader carries static tokens.
const DefaultTokenHeader = "X-Docsync-Token"

// StaticTokens authenticates requests carrying one of a fixed set of tokens.
// Each successful authentication is valid for TTL.
type StaticTokens struct {
	Header string
	// Tokens maps token to subject.
	Tokens map[string]string
	TTL    time.Duration
	Clock  clock.Clock
}

func (s *StaticTokens) Authenticate(_ context.Context, header http.Header) (Data, error) {
	name := s.Header
	if name == "" {
		name = DefaultTokenHeader
	}
	token := strings.TrimSpace(header.Get(name))
	if token == "" {
		return Data{}, ErrUnauthorized
	}
	subject, ok := s.Tokens[token]
	if !ok {
		return Data{}, ErrUnauthorized
	}
	return Data{
		Data:       map[string]any{"subject": subject},
		Subject:    subject,
		ValidUntil: now(s.Clock).Add(ttlOrDefault(s.TTL)),
	}, nil
}

// Anonymous admits every request with an empty subject.
type Anonymous struct {
	TTL   time.Duration
	Clock clock.Clock
}

func (a *Anonymous) Authenticate(context.Context, http.Header) (Data, error) {
	return Data{ValidUntil: now(a.Clock).Add(ttlOrDefault(a.TTL))}, nil
}

func now(clk clock.Clock) time.Time {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return clk.Now()
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Hour
	}
	return ttl
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrUnauthorized is returned when request credentials are missing or invalid.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Data is the outcome of authenticating a request.
type Data struct {
	// Data is authenticator specific (JWT claims, a token label, ...).
	Data any `json:"data"`
	// ValidUntil bounds how long the identity may be served.
	ValidUntil time.Time `json:"validUntil"`
	// Subject identifies the principal across requests. Empty for anonymous identities.
	Subject string `json:"subject,omitempty"`
}

// Valid reports whether the identity is still usable at now.
func (d Data) Valid(now time.Time) bool {
	return now.Before(d.ValidUntil)
}

// Authenticator resolves request headers into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, header http.Header) (Data, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, header http.Header) (Data, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, header http.Header) (Data, error) {
	return f(ctx, header)
}

type dataKey struct{}

// WithData attaches an identity to a request context.
func WithData(ctx context.Context, d Data) context.Context {
	return context.WithValue(ctx, dataKey{}, d)
}

// FromContext returns the identity attached by WithData.
func FromContext(ctx context.Context) (Data, bool) {
	d, ok := ctx.Value(dataKey{}).(Data)
	return d, ok
}

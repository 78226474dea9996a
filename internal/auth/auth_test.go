package auth

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kk-code-lab/docsync/internal/clock"
)

var testNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func bearer(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func TestJWTAuthenticate(t *testing.T) {
	t.Parallel()
	j, err := NewJWT(JWTConfig{Secret: []byte("s3cret"), Issuer: "docsync", CacheTTL: time.Minute, Clock: clock.Fixed{T: testNow}})
	require.NoError(t, err)
	t.Cleanup(j.Close)

	token, err := j.Issue("user-1", []string{"writer"}, 10*time.Minute)
	require.NoError(t, err)

	data, err := j.Authenticate(context.Background(), bearer(token))
	require.NoError(t, err)
	assert.Equal(t, "user-1", data.Subject)
	assert.True(t, testNow.Add(10*time.Minute).Equal(data.ValidUntil), "valid until %s", data.ValidUntil)
	claims, ok := data.Data.(Claims)
	require.True(t, ok)
	assert.Equal(t, []string{"writer"}, claims.Roles)

	// Served from cache the second time.
	again, err := j.Authenticate(context.Background(), bearer(token))
	require.NoError(t, err)
	assert.Equal(t, data.ValidUntil, again.ValidUntil)
}

func TestJWTRejects(t *testing.T) {
	t.Parallel()
	j, err := NewJWT(JWTConfig{Secret: []byte("s3cret"), Issuer: "docsync", Clock: clock.Fixed{T: testNow}})
	require.NoError(t, err)
	other, err := NewJWT(JWTConfig{Secret: []byte("other"), Issuer: "docsync", Clock: clock.Fixed{T: testNow}})
	require.NoError(t, err)
	past, err := NewJWT(JWTConfig{Secret: []byte("s3cret"), Issuer: "docsync", Clock: clock.Fixed{T: testNow.Add(-time.Hour)}})
	require.NoError(t, err)

	forged, err := other.Issue("user-1", nil, time.Minute)
	require.NoError(t, err)
	expired, err := past.Issue("user-1", nil, time.Minute)
	require.NoError(t, err)

	for name, header := range map[string]http.Header{
		"missing":      {},
		"not bearer":   {"Authorization": []string{"Basic abc"}},
		"garbage":      bearer("abc.def.ghi"),
		"wrong secret": bearer(forged),
		"expired":      bearer(expired),
	} {
		_, err := j.Authenticate(context.Background(), header)
		assert.ErrorIs(t, err, ErrUnauthorized, name)
	}
}

func TestNewJWTRequiresSecret(t *testing.T) {
	t.Parallel()
	_, err := NewJWT(JWTConfig{})
	assert.Error(t, err)
}

func TestStaticTokens(t *testing.T) {
	t.Parallel()
	s := &StaticTokens{Tokens: map[string]string{"tok-a": "alice"}, TTL: time.Minute, Clock: clock.Fixed{T: testNow}}
	h := http.Header{}
	h.Set(DefaultTokenHeader, " tok-a ")
	data, err := s.Authenticate(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "alice", data.Subject)
	assert.Equal(t, testNow.Add(time.Minute), data.ValidUntil)
	assert.True(t, data.Valid(testNow))
	assert.False(t, data.Valid(testNow.Add(time.Minute)))

	h.Set(DefaultTokenHeader, "nope")
	_, err = s.Authenticate(context.Background(), h)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	ctx := WithData(context.Background(), Data{Subject: "bob"})
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "bob", got.Subject)
}

func TestAnonymous(t *testing.T) {
	t.Parallel()
	a := &Anonymous{Clock: clock.Fixed{T: testNow}}
	data, err := a.Authenticate(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, data.Subject)
	assert.Equal(t, testNow.Add(time.Hour), data.ValidUntil)
}

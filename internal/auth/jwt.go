package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/zeebo/blake3"

	"github.com/kk-code-lab/docsync/internal/clock"
)

// Claims are the JWT claims understood by the JWT authenticator.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig configures a JWT authenticator.
type JWTConfig struct {
	Secret []byte
	Issuer string
	// CacheTTL bounds how long a verified token is cached. Zero disables caching.
	CacheTTL time.Duration
	Clock    clock.Clock
}

// JWT authenticates "Authorization: Bearer" HMAC-signed tokens. Verified
// tokens are cached by digest until the earlier of CacheTTL and expiry.
type JWT struct {
	cfg   JWTConfig
	cache *ttlcache.Cache[string, Data]
}

// NewJWT returns a JWT authenticator. Call Close to stop the cache janitor.
func NewJWT(cfg JWTConfig) (*JWT, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: jwt secret required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	j := &JWT{cfg: cfg}
	if cfg.CacheTTL > 0 {
		j.cache = ttlcache.New[string, Data](
			ttlcache.WithTTL[string, Data](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, Data](),
		)
		go j.cache.Start()
	}
	return j, nil
}

// Close stops background cache eviction.
func (j *JWT) Close() {
	if j.cache != nil {
		j.cache.Stop()
	}
}

func (j *JWT) Authenticate(_ context.Context, header http.Header) (Data, error) {
	raw := header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Data{}, ErrUnauthorized
	}
	token = strings.TrimSpace(token)
	now := j.cfg.Clock.Now()
	key := tokenDigest(token)
	if j.cache != nil {
		if item := j.cache.Get(key); item != nil && item.Value().Valid(now) {
			return item.Value(), nil
		}
	}

	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.cfg.Clock.Now),
	}
	if j.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.cfg.Issuer))
	}
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.cfg.Secret, nil
	}, opts...); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	data := Data{
		Data:       claims,
		Subject:    claims.Subject,
		ValidUntil: claims.ExpiresAt.Time,
	}
	if j.cache != nil {
		ttl := j.cfg.CacheTTL
		if left := data.ValidUntil.Sub(now); left < ttl {
			ttl = left
		}
		if ttl > 0 {
			j.cache.Set(key, data, ttl)
		}
	}
	return data, nil
}

// Issue signs a token for subject valid for ttl.
func (j *JWT) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := j.cfg.Clock.Now()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.cfg.Secret)
}

func tokenDigest(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

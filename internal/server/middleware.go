package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/cors"

	"github.com/kk-code-lab/docsync/internal/auth"
)

// versionGate rejects requests addressed to an older schema version with 426
// before any authentication runs.
func versionGate(prefix string, current int) func(http.Handler) http.Handler {
	prefix = "/" + strings.Trim(prefix, "/") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rest, ok := strings.CutPrefix(r.URL.Path, prefix)
			if ok {
				seg, _, _ := strings.Cut(rest, "/")
				if v, ok := previousVersion(seg, current); ok {
					closeConnection(w, http.StatusUpgradeRequired,
						fmt.Sprintf("Outdated version %d (newest is %d)", v, current))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// previousVersion parses seg as a canonical decimal version below current.
// Signs, leading zeros and anything else fall through to routing.
func previousVersion(seg string, current int) (int, bool) {
	v, err := strconv.Atoi(seg)
	if err != nil || v < 0 || v >= current || strconv.Itoa(v) != seg {
		return 0, false
	}
	return v, true
}

// authGate resolves the request identity and stores it in the context.
func (s *Server) authGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := s.auth.Authenticate(r.Context(), r.Header)
		if err == nil && !data.Valid(s.clock.Now()) {
			err = auth.ErrUnauthorized
		}
		if err != nil {
			s.log.WithError(err).WithField("req_id", RequestID(r.Context())).Debug("server: authentication failed")
			closeConnection(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithData(r.Context(), data)))
	})
}

func corsHandler(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{origin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

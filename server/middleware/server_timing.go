package middleware

import (
	"net/http"

	"github.com/mitchellh/go-server-timing"
)

// WithServerTiming adapts the servertiming middleware to our chain. Audit
// spans opened further in (origin fetch, cache) attach themselves to the
// metric it stores in the request context.
func WithServerTiming(w http.ResponseWriter, r *http.Request, next http.Handler) {
	servertiming.Middleware(next, nil).ServeHTTP(w, r)
}

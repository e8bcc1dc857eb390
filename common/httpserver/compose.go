package httpserver

import "net/http"

// Middleware decorates a handler.
type Middleware func(http.Handler) http.Handler

// Compose applies mws so that the first one is the outermost.
func Compose(mws ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

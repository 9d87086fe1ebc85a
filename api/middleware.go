package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/id"
)

// Header names read and written by the API.
const (
	HeaderRequestID   = "X-Request-ID"
	HeaderCallerID    = "X-Caller-ID"
	HeaderCallerRoles = "X-Caller-Roles"
)

type requestIDKey struct{}

// requestID propagates the inbound request ID or mints a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get(HeaderRequestID)
		if rid == "" {
			rid = id.NewRequestID().String()
		}
		w.Header().Set(HeaderRequestID, rid)
		ctx := context.WithValue(r.Context(), requestIDKey{}, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the request ID assigned to ctx.
func RequestIDFrom(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}

// callerIdentity attaches the gateway-supplied caller to the request context.
func (a *API) callerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callerID := strings.TrimSpace(r.Header.Get(HeaderCallerID))
		if callerID == "" {
			next.ServeHTTP(w, r)
			return
		}
		c := escrow.Caller{ID: callerID}
		for _, role := range strings.Split(r.Header.Get(HeaderCallerRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				c.Roles = append(c.Roles, role)
			}
		}
		next.ServeHTTP(w, r.WithContext(escrow.WithCaller(r.Context(), c)))
	})
}

// rateLimit rejects mutations once the caller's token bucket is empty.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil {
			var callerID string
			if c, ok := escrow.CallerFrom(r.Context()); ok {
				callerID = c.ID
			}
			if !a.limiter.Allow(callerID) {
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:     ErrorDetail{Code: CodeRateLimited, Message: "too many requests"},
					RequestID: RequestIDFrom(r.Context()),
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

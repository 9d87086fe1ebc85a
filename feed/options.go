package feed

import (
	"log/slog"
	"time"
)

// DefaultWriteTimeout bounds a single frame write to a client.
const DefaultWriteTimeout = 10 * time.Second

// Option configures a feed Server.
type Option func(*Server)

// WithCodec sets the default codec. Clients can override it with the
// format query parameter.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger for the feed server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWriteTimeout sets the per-frame write deadline. Zero disables it.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.writeTimeout = d
		}
	}
}

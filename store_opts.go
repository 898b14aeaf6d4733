package blobber

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Store.
type Option func(*Store) error

// WithLogger sets the logger passed to every component of the store.
// Logging is discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) error {
		s.logger = l
		return nil
	}
}

// WithRegisterer enables Prometheus metrics, registering the store's
// collectors with reg. Stores sharing a registerer share collectors.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Store) error {
		if reg == nil {
			return errors.New("blobber: registerer is nil")
		}
		s.registerer = reg
		return nil
	}
}

// WithMaxChildSize limits the bytes extracted when opening an archive
// child. Zero disables the limit.
func WithMaxChildSize(n uint64) Option {
	return func(s *Store) error {
		s.maxChildSize = n
		return nil
	}
}

package blob

import "go.uber.org/zap"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used to report saves, deletions and
// consistency gaps.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the collector notified after every save and delete.
func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

package session

import (
	"log/slog"
	"time"

	consign "github.com/chimerakang/consign-go"
	"github.com/chimerakang/consign-go/audit"
	"github.com/chimerakang/consign-go/metrics"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records session metrics. A nil value disables them.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithAudit emits audit events for sign-in, refresh, restore and sign-out.
func WithAudit(a *audit.Logger) Option {
	return func(m *Manager) { m.audit = a }
}

// WithVerifier checks persisted tokens during Restore.
func WithVerifier(v consign.TokenVerifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithExpiryLeeway treats credentials as expired this long before their
// stated expiry.
func WithExpiryLeeway(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.leeway = d
		}
	}
}

// WithRefreshTimeout bounds the shared refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithUnknownRoleFallback sets the role assigned when the server sends a
// role name this client does not recognise. Admin is not accepted.
func WithUnknownRoleFallback(r consign.Role) Option {
	return func(m *Manager) {
		if r != consign.RoleAdmin {
			m.fallback = r
		}
	}
}

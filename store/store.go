// Package store provides the persistent credential store.
//
// The credential is kept in independently settable string slots (token,
// expiry, profile, refresh token) on a pluggable Backend rather than in one
// blob, so that a partially written or corrupted session is detectable and
// reads back as "no session".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	consign "github.com/chimerakang/consign-go"
)

// Backend is a string-keyed slot storage. Get returns ok=false for a
// missing key.
type Backend interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Batcher is implemented by backends that can apply several slot changes
// as one unit: either every change lands or none does. Store uses it for
// Write and Clear when available.
type Batcher interface {
	Apply(ctx context.Context, set map[string]string, del []string) error
}

// Slot names, appended to the configured prefix.
const (
	SlotToken        = "token"
	SlotExpiry       = "expiry"
	SlotUser         = "user"
	SlotRefreshToken = "refresh_token"
)

// legacyUndefined is what the old web client wrote when it serialised a
// missing value.
const legacyUndefined = "undefined"

// Store implements consign.CredentialStore on top of a Backend.
type Store struct {
	backend Backend
	prefix  string
	logger  *slog.Logger
}

// compile-time check
var _ consign.CredentialStore = (*Store)(nil)

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the slot key prefix. Default: consign.DefaultStoreKeyPrefix.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// WithLogger sets the logger used to report unreadable slots.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store over backend.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		prefix:  consign.DefaultStoreKeyPrefix,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Key returns the backend key for a slot.
func (s *Store) Key(slot string) string { return s.prefix + slot }

// Write overwrites all slots with cred and user.
func (s *Store) Write(ctx context.Context, cred consign.Credential, user consign.UserProfile) error {
	if cred.Token == "" || cred.ExpiresAt.IsZero() {
		return &consign.AuthError{Op: "store write", Kind: consign.ErrValidation, Message: "credential needs a token and an expiry"}
	}
	if user.ID == "" && user.Email == "" {
		return &consign.AuthError{Op: "store write", Kind: consign.ErrValidation, Message: "profile needs an id or email"}
	}

	profile, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("consign/store: encode profile: %w", err)
	}

	set := map[string]string{
		s.Key(SlotToken):  cred.Token,
		s.Key(SlotExpiry): cred.ExpiresAt.UTC().Format(time.RFC3339Nano),
		s.Key(SlotUser):   string(profile),
	}
	var del []string
	if cred.RefreshToken == "" {
		del = append(del, s.Key(SlotRefreshToken))
	} else {
		set[s.Key(SlotRefreshToken)] = cred.RefreshToken
	}

	if b, ok := s.backend.(Batcher); ok {
		if err := b.Apply(ctx, set, del); err != nil {
			return fmt.Errorf("consign/store: write: %w: %w", consign.ErrStorage, err)
		}
		return nil
	}

	// Slot by slot, a failure part way through would pair the new token with
	// the previous profile. Empty the store instead.
	if err := s.writeSlots(ctx, set, del); err != nil {
		if cerr := s.Clear(ctx); cerr != nil {
			s.logger.Error("consign/store: clearing after failed write", "error", cerr)
		}
		return fmt.Errorf("consign/store: write: %w: %w", consign.ErrStorage, err)
	}
	return nil
}

func (s *Store) writeSlots(ctx context.Context, set map[string]string, del []string) error {
	for _, slot := range []string{SlotToken, SlotExpiry, SlotUser, SlotRefreshToken} {
		key := s.Key(slot)
		v, ok := set[key]
		if !ok {
			continue
		}
		if err := s.backend.Set(ctx, key, v); err != nil {
			return fmt.Errorf("set %s: %w", slot, err)
		}
	}
	for _, key := range del {
		if err := s.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", strings.TrimPrefix(key, s.prefix), err)
		}
	}
	return nil
}

// Read returns the stored pair, or nil, nil if any required slot is absent
// or unreadable.
func (s *Store) Read(ctx context.Context) (*consign.Credential, *consign.UserProfile) {
	token, ok := s.slot(ctx, SlotToken)
	if !ok {
		return nil, nil
	}
	rawExpiry, ok := s.slot(ctx, SlotExpiry)
	if !ok {
		return nil, nil
	}
	rawUser, ok := s.slot(ctx, SlotUser)
	if !ok {
		return nil, nil
	}

	expiresAt, err := parseExpiry(rawExpiry)
	if err != nil {
		s.logger.Warn("consign/store: unreadable expiry slot", "error", err)
		return nil, nil
	}

	var user consign.UserProfile
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		s.logger.Warn("consign/store: unreadable profile slot", "error", err)
		return nil, nil
	}
	if user.ID == "" && user.Email == "" {
		return nil, nil
	}

	refresh, _ := s.slot(ctx, SlotRefreshToken)

	return &consign.Credential{
		Token:        token,
		ExpiresAt:    expiresAt,
		RefreshToken: refresh,
	}, &user
}

// Clear deletes every slot. Without a Batcher, all deletes are attempted
// even if one fails.
func (s *Store) Clear(ctx context.Context) error {
	slots := []string{SlotToken, SlotExpiry, SlotUser, SlotRefreshToken}
	if b, ok := s.backend.(Batcher); ok {
		keys := make([]string, len(slots))
		for i, slot := range slots {
			keys[i] = s.Key(slot)
		}
		if err := b.Apply(ctx, nil, keys); err != nil {
			return fmt.Errorf("consign/store: %w: %w", consign.ErrStorage, err)
		}
		return nil
	}

	var errs []error
	for _, slot := range slots {
		if err := s.backend.Delete(ctx, s.Key(slot)); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", slot, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("consign/store: %w: %w", consign.ErrStorage, err)
	}
	return nil
}

// slot reads one slot, folding every flavour of "not really there" into ok=false.
func (s *Store) slot(ctx context.Context, slot string) (string, bool) {
	v, ok, err := s.backend.Get(ctx, s.Key(slot))
	if err != nil {
		s.logger.Warn("consign/store: backend read failed", "slot", slot, "error", err)
		return "", false
	}
	if !ok || absent(v) {
		return "", false
	}
	return v, true
}

func absent(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || v == legacyUndefined || v == "null"
}

// parseExpiry accepts RFC 3339 with or without fractional seconds, and a
// bare unix-seconds integer written by older clients.
func parseExpiry(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, fmt.Errorf("expiry %q is not an ISO-8601 instant", v)
}

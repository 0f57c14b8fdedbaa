// Package agefile provides a durable store.Backend that keeps the slots in a
// single file encrypted at rest with age.
//
// The file is decrypted once and the slots are then served from memory, so
// the Backend assumes it is the file's only writer. Every change rewrites
// the file atomically (temp file + rename), so a crash leaves either the
// previous or the new slot set on disk, never a torn file. Apply lands a
// whole credential in one rewrite. A file that cannot be decrypted or
// decoded reads as empty.
package agefile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"github.com/chimerakang/consign-go/store"
)

// Backend implements store.Backend on an age-encrypted file.
type Backend struct {
	path      string
	recipient age.Recipient
	identity  age.Identity

	mu    sync.Mutex
	slots map[string]string // nil until the file has been read
}

// compile-time checks
var (
	_ store.Backend = (*Backend)(nil)
	_ store.Batcher = (*Backend)(nil)
)

// PassphraseOption tunes passphrase encryption.
type PassphraseOption func(*age.ScryptRecipient)

// WithWorkFactor sets the scrypt work factor (log2 N). Lower values are only
// appropriate for tests.
func WithWorkFactor(logN int) PassphraseOption {
	return func(r *age.ScryptRecipient) { r.SetWorkFactor(logN) }
}

// NewWithPassphrase encrypts the file with an scrypt passphrase recipient.
func NewWithPassphrase(path, passphrase string, opts ...PassphraseOption) (*Backend, error) {
	r, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("consign/agefile: passphrase recipient: %w", err)
	}
	for _, o := range opts {
		o(r)
	}
	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("consign/agefile: passphrase identity: %w", err)
	}
	return &Backend{path: path, recipient: r, identity: id}, nil
}

// NewWithIdentity encrypts the file to an X25519 identity, given in its
// AGE-SECRET-KEY-1... form.
func NewWithIdentity(path, secretKey string) (*Backend, error) {
	id, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("consign/agefile: parsing identity: %w", err)
	}
	return &Backend{path: path, recipient: id.Recipient(), identity: id}, nil
}

// Path returns the file location.
func (b *Backend) Path() string { return b.path }

func (b *Backend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slots, err := b.cached()
	if err != nil {
		return "", false, err
	}
	v, ok := slots[key]
	return v, ok, nil
}

func (b *Backend) Set(ctx context.Context, key, value string) error {
	return b.Apply(ctx, map[string]string{key: value}, nil)
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	return b.Apply(ctx, nil, []string{key})
}

// Apply writes set and removes del with a single file rewrite. Nothing
// changes, in memory or on disk, if the rewrite fails.
func (b *Backend) Apply(_ context.Context, set map[string]string, del []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.cached()
	if err != nil {
		// Unreadable contents are replaced rather than blocking new logins.
		current = map[string]string{}
	}

	next := make(map[string]string, len(current)+len(set))
	for k, v := range current {
		next[k] = v
	}
	changed := err != nil
	for k, v := range set {
		if old, ok := next[k]; !ok || old != v {
			changed = true
		}
		next[k] = v
	}
	for _, k := range del {
		if _, ok := next[k]; ok {
			changed = true
			delete(next, k)
		}
	}
	if !changed {
		return nil
	}

	if len(next) == 0 {
		err = b.remove()
	} else {
		err = b.save(next)
	}
	if err != nil {
		return err
	}
	b.slots = next
	return nil
}

// cached returns the slot map, reading the file on first use. Read errors
// are not cached.
func (b *Backend) cached() (map[string]string, error) {
	if b.slots != nil {
		return b.slots, nil
	}
	slots, err := b.load()
	if err != nil {
		return nil, err
	}
	b.slots = slots
	return slots, nil
}

func (b *Backend) load() (map[string]string, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consign/agefile: read: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), b.identity)
	if err != nil {
		return nil, fmt.Errorf("consign/agefile: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("consign/agefile: reading decrypted plaintext: %w", err)
	}

	slots := map[string]string{}
	if err := json.Unmarshal(plaintext, &slots); err != nil {
		return nil, fmt.Errorf("consign/agefile: decode: %w", err)
	}
	return slots, nil
}

func (b *Backend) save(slots map[string]string) error {
	plaintext, err := json.Marshal(slots)
	if err != nil {
		return fmt.Errorf("consign/agefile: encode: %w", err)
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, b.recipient)
	if err != nil {
		return fmt.Errorf("consign/agefile: creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("consign/agefile: writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("consign/agefile: finalizing age encryption: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("consign/agefile: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".consign-session-*")
	if err != nil {
		return fmt.Errorf("consign/agefile: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(ciphertext.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("consign/agefile: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("consign/agefile: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("consign/agefile: close: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("consign/agefile: rename: %w", err)
	}
	return nil
}

func (b *Backend) remove() error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("consign/agefile: remove: %w", err)
	}
	return nil
}

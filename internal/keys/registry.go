// Package keys holds the device-bound signing keys that stand in for the
// platform authenticator. Private keys never leave the registry; callers hold
// key ids and ask the registry to sign.
package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/hcsguard/internal/crypto"
)

var (
	ErrKeyNotFound  = errors.New("keys: key not found")
	ErrKeyRevoked   = errors.New("keys: key revoked")
	ErrUnavailable  = errors.New("keys: authenticator unavailable")
	ErrBadSignature = errors.New("keys: signature mismatch")
)

// Authenticator is the platform authenticator surface the rest of the module uses.
type Authenticator interface {
	Available(ctx context.Context) bool
	Create(ctx context.Context, label string) (string, error)
	EnsureKey(ctx context.Context, label string) (string, error)
	Sign(ctx context.Context, id string, msg []byte) ([]byte, error)
	Verify(id string, msg, sig []byte) error
	Revoke(ctx context.Context, id string) error
	Revoked(id string) bool
	RevokeAll(ctx context.Context) (int, error)
}

// Info describes a key without exposing private material.
type Info struct {
	ID        string            `json:"id"`
	Label     string            `json:"label"`
	PublicKey ed25519.PublicKey `json:"publicKey"`
	CreatedAt time.Time         `json:"createdAt"`
	RevokedAt *time.Time        `json:"revokedAt,omitempty"`
}

type entry struct {
	Info
	private ed25519.PrivateKey
}

// Registry is an in-memory Ed25519 Authenticator. Revoked keys stay listed
// with their private half zeroed.
type Registry struct {
	mu          sync.RWMutex
	keys        map[string]*entry
	unavailable bool
	now         func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{keys: make(map[string]*entry), now: time.Now}
}

// SetAvailable toggles whether the authenticator reports itself usable.
func (r *Registry) SetAvailable(ok bool) {
	r.mu.Lock()
	r.unavailable = !ok
	r.mu.Unlock()
}

func (r *Registry) Available(ctx context.Context) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.unavailable && ctx.Err() == nil
}

// Create generates a new key under label and returns its id.
func (r *Registry) Create(ctx context.Context, label string) (string, error) {
	if !r.Available(ctx) {
		return "", ErrUnavailable
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("keys: generate: %w", err)
	}
	e := &entry{
		Info:    Info{ID: uuid.NewString(), Label: label, PublicKey: pub, CreatedAt: r.now().UTC()},
		private: priv,
	}
	r.mu.Lock()
	r.keys[e.ID] = e
	r.mu.Unlock()
	return e.ID, nil
}

// EnsureKey returns the newest unrevoked key for label, creating one if needed.
func (r *Registry) EnsureKey(ctx context.Context, label string) (string, error) {
	if id, ok := r.Lookup(label); ok {
		return id, nil
	}
	return r.Create(ctx, label)
}

// Lookup finds the newest unrevoked key for label.
func (r *Registry) Lookup(label string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *entry
	for _, e := range r.keys {
		if e.Label != label || e.RevokedAt != nil {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func (r *Registry) Sign(ctx context.Context, id string, msg []byte) ([]byte, error) {
	if !r.Available(ctx) {
		return nil, ErrUnavailable
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if e.RevokedAt != nil {
		return nil, ErrKeyRevoked
	}
	return ed25519.Sign(e.private, msg), nil
}

// Verify checks sig against the public half of id. Revoked keys never verify.
func (r *Registry) Verify(id string, msg, sig []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	if e.RevokedAt != nil {
		return ErrKeyRevoked
	}
	if !ed25519.Verify(e.PublicKey, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// Revoke marks id revoked and zeroes its private key. Revoking twice is a no-op.
func (r *Registry) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	r.revokeLocked(e)
	return nil
}

func (r *Registry) revokeLocked(e *entry) bool {
	if e.RevokedAt != nil {
		return false
	}
	now := r.now().UTC()
	e.RevokedAt = &now
	crypto.Zero(e.private)
	return true
}

// RevokeAll revokes every live key and returns how many were revoked.
func (r *Registry) RevokeAll(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.keys {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if r.revokeLocked(e) {
			n++
		}
	}
	return n, nil
}

// Revoked reports whether id can no longer be used. Keys this registry never
// issued count as revoked, so records bound to keys lost across a restart fail
// closed.
func (r *Registry) Revoked(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.keys[id]
	return !ok || e.RevokedAt != nil
}

// List returns every key ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.keys))
	for _, e := range r.keys {
		out = append(out, e.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeviceLabel is the label used for a device's payload signing key.
func DeviceLabel(deviceID string) string { return "device:" + deviceID }

// ProfileLabel is the label used for a profile's hardware credential.
func ProfileLabel(profileID string) string { return "profile:" + profileID }

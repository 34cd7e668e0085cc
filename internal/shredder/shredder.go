// Package shredder destroys keys and records. Nothing here can be undone.
package shredder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/telemetry"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// Destruction scopes accepted by VerifyDestruction.
const (
	ScopeAll      = "all"
	ScopeProfiles = "profiles"
	ScopeMissions = "missions"
	ScopeResults  = "results"
	ScopeTamper   = "tamper"
	ScopeTokens   = "tokens"
)

// TokenLedger is the volatile token state wiped alongside the store.
type TokenLedger interface {
	Wipe(ctx context.Context) (int, error)
	Pending(ctx context.Context) (int, error)
}

// SessionStore holds process-local sessions.
type SessionStore interface {
	ClearAll() int
}

// ShredResult counts what one operation destroyed.
type ShredResult struct {
	ItemsShredded int `json:"itemsShredded"`
	KeysDestroyed int `json:"keysDestroyed"`
}

func (r *ShredResult) add(o ShredResult) {
	r.ItemsShredded += o.ItemsShredded
	r.KeysDestroyed += o.KeysDestroyed
}

// WipeResult is the outcome of PanicWipe. Errors lists every step that failed;
// the counts cover only what was actually destroyed.
type WipeResult struct {
	Success       bool     `json:"success"`
	ItemsShredded int      `json:"itemsShredded"`
	KeysDestroyed int      `json:"keysDestroyed"`
	Errors        []string `json:"errors,omitempty"`
}

type Shredder struct {
	store    store.Store
	keys     keys.Authenticator
	tokens   TokenLedger
	sessions []SessionStore
	log      *slog.Logger
	metrics  *telemetry.Instruments
}

type Option func(*Shredder)

func WithTokens(l TokenLedger) Option { return func(s *Shredder) { s.tokens = l } }

func WithSessions(ss ...SessionStore) Option {
	return func(s *Shredder) { s.sessions = append(s.sessions, ss...) }
}

func WithLogger(l *slog.Logger) Option { return func(s *Shredder) { s.log = l } }

func WithMetrics(in *telemetry.Instruments) Option { return func(s *Shredder) { s.metrics = in } }

func New(st store.Store, auth keys.Authenticator, opts ...Option) *Shredder {
	s := &Shredder{store: st, keys: auth}
	for _, o := range opts {
		o(s)
	}
	s.log = utils.Component(s.log, "shredder")
	return s
}

// ShredProfile revokes the profile's hardware key, overwrites the record in
// memory, then deletes it together with its test results.
func (s *Shredder) ShredProfile(ctx context.Context, id string) (ShredResult, error) {
	var res ShredResult
	rec, err := s.store.GetProfile(ctx, id)
	if err != nil {
		return res, fmt.Errorf("shredder: %w", err)
	}
	if s.revoke(ctx, rec.HardwareKeyID) {
		res.KeysDestroyed++
	}
	overwriteProfile(rec)
	n, err := s.store.DeleteResults(ctx, id)
	res.ItemsShredded += n
	if err != nil {
		return res, fmt.Errorf("shredder: results of %s: %w", id, err)
	}
	if err := s.store.DeleteProfile(ctx, id); err != nil {
		return res, fmt.Errorf("shredder: profile %s: %w", id, err)
	}
	res.ItemsShredded++
	s.metrics.Shredded(ctx, res.ItemsShredded, res.KeysDestroyed)
	s.log.Info("profile shredded", "profile", id, "items", res.ItemsShredded, "keys", res.KeysDestroyed)
	return res, nil
}

// ShredMission revokes the mission's key if it has one, overwrites the record
// and deletes it.
func (s *Shredder) ShredMission(ctx context.Context, id string) (ShredResult, error) {
	var res ShredResult
	rec, err := s.store.GetMission(ctx, id)
	if err != nil {
		return res, fmt.Errorf("shredder: %w", err)
	}
	if s.revoke(ctx, rec.HardwareKeyID) {
		res.KeysDestroyed++
	}
	overwriteMission(rec)
	if err := s.store.DeleteMission(ctx, id); err != nil {
		return res, fmt.Errorf("shredder: mission %s: %w", id, err)
	}
	res.ItemsShredded++
	s.metrics.Shredded(ctx, res.ItemsShredded, res.KeysDestroyed)
	s.log.Info("mission shredded", "mission", id, "keys", res.KeysDestroyed)
	return res, nil
}

func (s *Shredder) revoke(ctx context.Context, keyID string) bool {
	if keyID == "" || s.keys.Revoked(keyID) {
		return false
	}
	if err := s.keys.Revoke(ctx, keyID); err != nil {
		if !errors.Is(err, keys.ErrKeyNotFound) {
			s.log.Warn("key revoke failed", "key", keyID, "err", err)
		}
		return false
	}
	return true
}

// PanicWipe shreds every profile and mission, wipes tokens and sessions,
// revokes every remaining key and purges the store. It keeps going past
// failures and reports them.
func (s *Shredder) PanicWipe(ctx context.Context) WipeResult {
	var (
		total ShredResult
		errs  []string
	)
	fail := func(step string, err error) {
		errs = append(errs, fmt.Sprintf("%s: %v", step, err))
	}

	if profiles, err := s.store.ListProfiles(ctx); err != nil {
		fail("list profiles", err)
	} else {
		for _, p := range profiles {
			r, err := s.ShredProfile(ctx, p.ID)
			total.add(r)
			if err != nil {
				fail("profile "+p.ID, err)
			}
		}
	}
	if missions, err := s.store.ListMissions(ctx); err != nil {
		fail("list missions", err)
	} else {
		for _, m := range missions {
			r, err := s.ShredMission(ctx, m.ID)
			total.add(r)
			if err != nil {
				fail("mission "+m.ID, err)
			}
		}
	}

	if s.tokens != nil {
		n, err := s.tokens.Wipe(ctx)
		total.ItemsShredded += n
		if err != nil {
			fail("tokens", err)
		}
	}
	for _, ss := range s.sessions {
		total.ItemsShredded += ss.ClearAll()
	}

	n, err := s.keys.RevokeAll(ctx)
	total.KeysDestroyed += n
	if err != nil {
		fail("revoke keys", err)
	}

	if before, err := s.store.Counts(ctx); err == nil {
		total.ItemsShredded += before.Total()
	}
	if err := s.store.Purge(ctx); err != nil {
		fail("purge", err)
	}

	res := WipeResult{
		Success:       len(errs) == 0,
		ItemsShredded: total.ItemsShredded,
		KeysDestroyed: total.KeysDestroyed,
		Errors:        errs,
	}
	s.log.Warn("panic wipe", "success", res.Success, "items", res.ItemsShredded, "keys", res.KeysDestroyed, "errors", len(errs))
	return res
}

// VerifyDestruction re-reads the store and reports whether scope is empty.
func (s *Shredder) VerifyDestruction(ctx context.Context, scope string) (bool, error) {
	scope = strings.ToLower(scope)
	c, err := s.store.Counts(ctx)
	if err != nil {
		return false, fmt.Errorf("shredder: %w", err)
	}
	tokens := 0
	if s.tokens != nil && (scope == ScopeTokens || scope == ScopeAll) {
		if tokens, err = s.tokens.Pending(ctx); err != nil {
			return false, fmt.Errorf("shredder: %w", err)
		}
	}
	switch scope {
	case ScopeAll:
		return c.Total() == 0 && tokens == 0, nil
	case ScopeProfiles:
		return c.Profiles == 0, nil
	case ScopeMissions:
		return c.Missions == 0, nil
	case ScopeResults:
		return c.Results == 0, nil
	case ScopeTamper:
		return c.Tamper == 0, nil
	case ScopeTokens:
		return tokens == 0, nil
	}
	return false, fmt.Errorf("shredder: scope %q: %w", scope, utils.ErrInvalidInput)
}

func nulls(s string) string { return strings.Repeat("\x00", len(s)) }

func overwriteProfile(r *store.ProfileRecord) {
	crypto.Zero(r.EncryptedProfile)
	r.EncryptedProfile = r.EncryptedProfile[:0]
	r.IntegrityHash = nulls(r.IntegrityHash)
	r.HardwareKeyID = nulls(r.HardwareKeyID)
	r.CredentialHash = nulls(r.CredentialHash)
	r.CreatedAt = time.Time{}
}

func overwriteMission(r *store.MissionRecord) {
	crypto.Zero(r.Payload)
	r.Payload = r.Payload[:0]
	r.ProfileID = nulls(r.ProfileID)
	r.HardwareKeyID = nulls(r.HardwareKeyID)
	r.CreatedAt = time.Time{}
}

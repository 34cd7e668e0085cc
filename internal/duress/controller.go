// Package duress recognises an alternate unlock secret and, for the rest of
// that session, serves a decoy profile and mission history in place of the
// real ones.
package duress

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// secretName is the store key of the enrollment record.
const secretName = "duress"

var datasetAAD = []byte("hcs-duress-dataset-v1")

// Secrets is the slice of store.Store the controller needs.
type Secrets interface {
	PutSecret(ctx context.Context, name string, blob []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) error
}

// Source serves the real profile and mission history.
type Source interface {
	Profile(ctx context.Context) (*models.CognitiveProfile, error)
	Missions(ctx context.Context) ([]models.Mission, error)
}

// Params tunes hashing and session lifetime.
type Params struct {
	BcryptCost      int
	Argon2Time      uint32
	Argon2MemoryKiB uint32
	Argon2Threads   uint8
	SessionTTL      time.Duration
}

// ParamsFromConfig reads Params from the crypto and session config sections.
func ParamsFromConfig(c utils.CryptoConfig, s utils.SessionConfig) Params {
	return Params{
		BcryptCost:      c.BcryptCost,
		Argon2Time:      c.Argon2Time,
		Argon2MemoryKiB: c.Argon2MemoryKiB,
		Argon2Threads:   c.Argon2Threads,
		SessionTTL:      s.TTL,
	}
}

func (p *Params) fill() {
	if p.BcryptCost < bcrypt.MinCost || p.BcryptCost > bcrypt.MaxCost {
		p.BcryptCost = bcrypt.DefaultCost
	}
	if p.Argon2Time == 0 {
		p.Argon2Time = 2
	}
	if p.Argon2MemoryKiB == 0 {
		p.Argon2MemoryKiB = 19 * 1024
	}
	if p.Argon2Threads == 0 {
		p.Argon2Threads = 1
	}
	if p.SessionTTL <= 0 {
		p.SessionTTL = 15 * time.Minute
	}
}

// record is the stored enrollment. Slot order is random, so the record alone
// does not reveal which hash belongs to the duress secret.
type record struct {
	Salt   []byte    `json:"salt"`
	Slots  [2]string `json:"slots"`
	Sealed []byte    `json:"sealed"`
}

// Session is one unlock session. It is created locked.
type Session struct {
	ID string

	mu        sync.Mutex
	expiresAt time.Time
	unlocked  bool
	duress    bool
	decoy     *dataset
}

// ExpiresAt returns when the session stops serving reads.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

type Controller struct {
	secrets Secrets
	real    Source
	params  Params
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewController(secrets Secrets, src Source, params Params, log *slog.Logger) *Controller {
	params.fill()
	return &Controller{
		secrets:  secrets,
		real:     src,
		params:   params,
		log:      utils.Component(log, "duress"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetClock overrides time.Now.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// DeriveSecret returns the duress form of a PIN: the last digit incremented modulo 10.
func DeriveSecret(pin string) (string, error) {
	if pin == "" {
		return "", fmt.Errorf("duress: empty secret: %w", utils.ErrInvalidInput)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("duress: secret must be digits: %w", utils.ErrInvalidInput)
		}
	}
	b := []byte(pin)
	last := len(b) - 1
	b[last] = '0' + (b[last]-'0'+1)%10
	return string(b), nil
}

// Enroll provisions the decoy dataset for realSecret and returns the duress secret.
// A previous enrollment is replaced.
func (c *Controller) Enroll(ctx context.Context, realSecret string, genuine models.CognitiveProfile) (string, error) {
	duressSecret, err := DeriveSecret(realSecret)
	if err != nil {
		return "", err
	}
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("duress: seed: %w", err)
	}
	r := mrand.New(mrand.NewChaCha8(seed))
	ds := dataset{Profile: decoyProfile(genuine, r), Missions: decoyMissions(c.now(), r)}

	plain, err := json.Marshal(ds)
	if err != nil {
		return "", fmt.Errorf("duress: encode decoy: %w", err)
	}
	defer crypto.Zero(plain)
	salt, err := crypto.RandomBytes(16)
	if err != nil {
		return "", fmt.Errorf("duress: salt: %w", err)
	}
	key := c.datasetKey(duressSecret, salt)
	defer crypto.Zero(key)
	sealed, err := crypto.EncryptAESGCM(key, plain, datasetAAD)
	if err != nil {
		return "", fmt.Errorf("duress: seal decoy: %w", err)
	}

	realHash, err := bcrypt.GenerateFromPassword([]byte(realSecret), c.params.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("duress: hash: %w", err)
	}
	duressHash, err := bcrypt.GenerateFromPassword([]byte(duressSecret), c.params.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("duress: hash: %w", err)
	}
	rec := record{Salt: salt, Sealed: sealed, Slots: [2]string{string(realHash), string(duressHash)}}
	if seed[0]&1 == 1 {
		rec.Slots[0], rec.Slots[1] = rec.Slots[1], rec.Slots[0]
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("duress: encode record: %w", err)
	}
	if err := c.secrets.PutSecret(ctx, secretName, blob); err != nil {
		return "", fmt.Errorf("duress: %w", err)
	}
	c.log.Info("unlock secrets enrolled")
	return duressSecret, nil
}

// Enrolled reports whether an unlock secret has been provisioned.
func (c *Controller) Enrolled(ctx context.Context) (bool, error) {
	_, err := c.secrets.GetSecret(ctx, secretName)
	if errors.Is(err, utils.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *Controller) datasetKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, c.params.Argon2Time, c.params.Argon2MemoryKiB, c.params.Argon2Threads, 32)
}

// NewSession opens a locked session.
func (c *Controller) NewSession() *Session {
	s := &Session{ID: uuid.NewString(), expiresAt: c.now().Add(c.params.SessionTTL)}
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
	return s
}

// Session looks up a live session by id.
func (c *Controller) Session(id string) (*Session, error) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("duress: session %s: %w", id, utils.ErrNotFound)
	}
	return s, nil
}

// CheckActivation unlocks sess with secret. The real secret clears duress, the
// duress secret sets it, anything else locks the session and fails.
func (c *Controller) CheckActivation(ctx context.Context, sess *Session, secret string) error {
	blob, err := c.secrets.GetSecret(ctx, secretName)
	if err != nil {
		c.lock(sess)
		if errors.Is(err, utils.ErrNotFound) {
			return utils.ErrInvalidSecret
		}
		return fmt.Errorf("duress: %w", err)
	}
	var rec record
	if err := json.Unmarshal(blob, &rec); err != nil {
		c.lock(sess)
		return fmt.Errorf("duress: decode record: %w", err)
	}

	// Both slots are always compared.
	m0 := bcrypt.CompareHashAndPassword([]byte(rec.Slots[0]), []byte(secret)) == nil
	m1 := bcrypt.CompareHashAndPassword([]byte(rec.Slots[1]), []byte(secret)) == nil
	if !m0 && !m1 {
		c.lock(sess)
		c.log.Warn("unlock rejected", "session", sess.ID)
		return utils.ErrInvalidSecret
	}

	var decoy *dataset
	key := c.datasetKey(secret, rec.Salt)
	plain, openErr := crypto.DecryptAESGCM(key, rec.Sealed, datasetAAD)
	crypto.Zero(key)
	if openErr == nil {
		decoy = &dataset{}
		err := json.Unmarshal(plain, decoy)
		crypto.Zero(plain)
		if err != nil {
			c.lock(sess)
			return fmt.Errorf("duress: decode decoy: %w", err)
		}
	}

	sess.mu.Lock()
	sess.unlocked = true
	sess.duress = decoy != nil
	sess.decoy = decoy
	sess.expiresAt = c.now().Add(c.params.SessionTTL)
	sess.mu.Unlock()
	c.log.Info("unlock ok", "session", sess.ID)
	return nil
}

func (c *Controller) lock(sess *Session) {
	sess.mu.Lock()
	sess.unlocked = false
	sess.duress = false
	sess.decoy = nil
	sess.mu.Unlock()
}

// view returns the decoy dataset when duress is active, nil for real reads,
// or ErrLocked.
func (c *Controller) view(sess *Session) (*dataset, error) {
	if sess == nil {
		return nil, utils.ErrLocked
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.unlocked || !c.now().Before(sess.expiresAt) {
		return nil, utils.ErrLocked
	}
	if sess.duress {
		return sess.decoy, nil
	}
	return nil, nil
}

// Profile returns the profile visible to sess.
func (c *Controller) Profile(ctx context.Context, sess *Session) (*models.CognitiveProfile, error) {
	decoy, err := c.view(sess)
	if err != nil {
		return nil, err
	}
	if decoy != nil {
		p := decoy.Profile
		return &p, nil
	}
	return c.real.Profile(ctx)
}

// Missions returns the mission history visible to sess.
func (c *Controller) Missions(ctx context.Context, sess *Session) ([]models.Mission, error) {
	decoy, err := c.view(sess)
	if err != nil {
		return nil, err
	}
	if decoy != nil {
		return append([]models.Mission(nil), decoy.Missions...), nil
	}
	return c.real.Missions(ctx)
}

// Clear ends sess.
func (c *Controller) Clear(sess *Session) {
	if sess == nil {
		return
	}
	c.lock(sess)
	c.mu.Lock()
	delete(c.sessions, sess.ID)
	c.mu.Unlock()
}

// ClearAll ends every session and returns how many there were.
func (c *Controller) ClearAll() int {
	c.mu.Lock()
	all := c.sessions
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()
	for _, s := range all {
		c.lock(s)
	}
	return len(all)
}

// Reset removes the enrollment record.
func (c *Controller) Reset(ctx context.Context) error {
	err := c.secrets.DeleteSecret(ctx, secretName)
	if err != nil && !errors.Is(err, utils.ErrNotFound) {
		return fmt.Errorf("duress: %w", err)
	}
	return nil
}

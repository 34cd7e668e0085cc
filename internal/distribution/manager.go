// Package distribution issues single-use mission QR payloads bound to a device.
// Waypoints are sealed under a key whose salt exists only in the ledger, so a
// consumed, expired or destroyed token can never be opened again.
package distribution

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/presence"
	"github.com/harrylevesque/hcsguard/internal/telemetry"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

const saltSize = 16

// GenerateRequest is the input to Manager.Generate.
type GenerateRequest struct {
	Mission    models.Mission
	Credential string
	DeviceID   string
	Presence   *presence.Proof
}

// Ticket is what the issuer hands out. DestructionKey lets the issuer revoke
// the token before it is scanned.
type Ticket struct {
	QR             string    `json:"qr"`
	DestructionKey string    `json:"destructionKey"`
	MissionID      string    `json:"missionId"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Manager issues and redeems ephemeral mission tokens.
type Manager struct {
	auth    keys.Authenticator
	ledger  Ledger
	cipher  *crypto.MissionCipher
	secret  []byte
	now     func() time.Time
	ttl     time.Duration
	log     *slog.Logger
	metrics *telemetry.Instruments

	destroyed sync.Map // missionID -> time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func WithLedger(l Ledger) Option { return func(m *Manager) { m.ledger = l } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(in *telemetry.Instruments) Option { return func(m *Manager) { m.metrics = in } }

func NewManager(auth keys.Authenticator, opts ...Option) *Manager {
	m := &Manager{
		auth:   auth,
		now:    time.Now,
		ttl:    crypto.DefaultExpiration,
		secret: crypto.MustRandom(32),
	}
	for _, o := range opts {
		o(m)
	}
	if m.ledger == nil {
		m.ledger = NewMemoryLedger(0)
	}
	m.log = utils.Component(m.log, "distribution")
	m.cipher = crypto.NewMissionCipher(crypto.WithClock(m.now), crypto.WithExpiration(m.ttl))
	return m
}

// Generate encrypts req.Mission for req.DeviceID and registers a single-use token.
// A live HUMAN presence proof is required.
func (m *Manager) Generate(ctx context.Context, req GenerateRequest) (*Ticket, error) {
	if !req.Presence.Valid(m.now()) {
		return nil, utils.ErrPresenceRequired
	}
	if req.DeviceID == "" {
		return nil, fmt.Errorf("distribution: device id: %w", utils.ErrInvalidInput)
	}
	mission := req.Mission
	if mission.ID == "" {
		mission.ID = uuid.NewString()
	}
	keyID, err := m.auth.EnsureKey(ctx, keys.DeviceLabel(req.DeviceID))
	if err != nil {
		return nil, fmt.Errorf("distribution: device key: %w", err)
	}

	waypoints, err := crypto.CanonicalJSON(mission.Waypoints)
	if err != nil {
		return nil, fmt.Errorf("distribution: waypoints: %w", err)
	}
	defer crypto.Zero(waypoints)
	stripped := mission
	stripped.Waypoints = nil

	p, err := m.cipher.Encrypt(stripped, req.Credential)
	if err != nil {
		return nil, err
	}
	salt, err := crypto.RandomBytes(saltSize)
	if err != nil {
		return nil, fmt.Errorf("distribution: salt: %w", err)
	}
	defer crypto.Zero(salt)
	k1, err := crypto.DeriveSingleUseKey(req.DeviceID, mission.ID, p.Timestamp, salt)
	if err != nil {
		return nil, fmt.Errorf("distribution: single-use key: %w", err)
	}
	defer crypto.Zero(k1)
	sealed, err := crypto.SealX(k1, waypoints, []byte(p.Token))
	if err != nil {
		return nil, fmt.Errorf("distribution: seal waypoints: %w", err)
	}
	p.SealedWaypoints = base64.StdEncoding.EncodeToString(sealed)
	p.DeviceID = req.DeviceID

	msg, err := signedBytes(p)
	if err != nil {
		return nil, err
	}
	sig, err := m.auth.Sign(ctx, keyID, msg)
	if err != nil {
		return nil, fmt.Errorf("distribution: sign: %w", err)
	}
	p.Signature = base64.StdEncoding.EncodeToString(sig)

	qr, err := crypto.BuildQRData(p)
	if err != nil {
		return nil, err
	}
	rec := Record{
		Token:     p.Token,
		MissionID: mission.ID,
		DeviceID:  req.DeviceID,
		KeyID:     keyID,
		Salt:      salt,
		IssuedAt:  p.CreatedAt().UTC(),
		ExpiresAt: p.ExpiresAt().UTC(),
	}
	if err := m.ledger.Register(ctx, rec); err != nil {
		return nil, err
	}
	m.destroyed.Delete(mission.ID)
	m.pruneDestroyed()
	m.metrics.MissionEncrypted(ctx)
	m.log.Info("mission distributed", "mission", mission.ID, "device", req.DeviceID, "expires", rec.ExpiresAt)

	return &Ticket{
		QR:             qr,
		DestructionKey: crypto.DestructionKey(m.secret, p.Token),
		MissionID:      mission.ID,
		Token:          p.Token,
		ExpiresAt:      rec.ExpiresAt,
	}, nil
}

// Encrypt seals m under credential and registers its token, so the payload
// can be redeemed once through Consume on any device holding the credential.
func (m *Manager) Encrypt(ctx context.Context, mission models.Mission, credential string) (*crypto.Payload, error) {
	if mission.ID == "" {
		mission.ID = uuid.NewString()
	}
	p, err := m.cipher.Encrypt(mission, credential)
	if err != nil {
		return nil, err
	}
	rec := Record{
		Token:     p.Token,
		MissionID: mission.ID,
		IssuedAt:  p.CreatedAt().UTC(),
		ExpiresAt: p.ExpiresAt().UTC(),
	}
	if err := m.ledger.Register(ctx, rec); err != nil {
		return nil, err
	}
	m.destroyed.Delete(mission.ID)
	m.pruneDestroyed()
	m.metrics.MissionEncrypted(ctx)
	return p, nil
}

// Consume redeems qr on deviceID. The token is spent before decryption is
// attempted, so a wrong credential still burns it.
func (m *Manager) Consume(ctx context.Context, qr, credential, deviceID string) (*models.Mission, error) {
	mission, err := m.consume(ctx, qr, credential, deviceID)
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, utils.ErrTokenExpired):
		outcome = "expired"
	case errors.Is(err, utils.ErrTokenAlreadyConsumed):
		outcome = "replay"
	case errors.Is(err, utils.ErrDeviceMismatch):
		outcome = "device_mismatch"
	default:
		outcome = "rejected"
	}
	m.metrics.QRConsumed(ctx, outcome)
	if err != nil {
		m.log.Warn("consume rejected", "outcome", outcome, "err", err)
		return nil, err
	}
	m.log.Info("mission consumed", "mission", mission.ID, "device", deviceID)
	return mission, nil
}

func (m *Manager) consume(ctx context.Context, qr, credential, deviceID string) (*models.Mission, error) {
	p, err := crypto.ParseQRData(qr)
	if err != nil {
		return nil, err
	}
	rec, err := m.ledger.Get(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	if rec.MissionID != p.MissionID {
		return nil, fmt.Errorf("distribution: %w", utils.ErrDecryptionFailed)
	}
	if rec.DeviceID == "" {
		return m.consumeLocal(ctx, p, credential)
	}
	if rec.DeviceID != deviceID || p.DeviceID != deviceID {
		return nil, utils.ErrDeviceMismatch
	}
	if err := m.verifySignature(p, rec.KeyID); err != nil {
		return nil, err
	}

	spent, err := m.ledger.Consume(ctx, p.Token, m.now())
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(spent.Salt)

	mission, err := m.cipher.Decrypt(p, credential)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(p.SealedWaypoints)
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", utils.ErrDecryptionFailed)
	}
	k1, err := crypto.DeriveSingleUseKey(deviceID, p.MissionID, p.Timestamp, spent.Salt)
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", utils.ErrDecryptionFailed)
	}
	defer crypto.Zero(k1)
	plain, err := crypto.OpenX(k1, sealed, []byte(p.Token))
	if err != nil {
		return nil, fmt.Errorf("distribution: %w", utils.ErrDecryptionFailed)
	}
	defer crypto.Zero(plain)
	if err := json.Unmarshal(plain, &mission.Waypoints); err != nil {
		return nil, fmt.Errorf("distribution: %w", utils.ErrDecryptionFailed)
	}
	return &mission, nil
}

// consumeLocal redeems a payload from Encrypt. Such payloads carry no device
// binding and no sealed waypoints.
func (m *Manager) consumeLocal(ctx context.Context, p *crypto.Payload, credential string) (*models.Mission, error) {
	if p.DeviceID != "" || p.SealedWaypoints != "" || p.Signature != "" {
		return nil, fmt.Errorf("distribution: %w", utils.ErrDecryptionFailed)
	}
	if _, err := m.ledger.Consume(ctx, p.Token, m.now()); err != nil {
		return nil, err
	}
	mission, err := m.cipher.Decrypt(p, credential)
	if err != nil {
		return nil, err
	}
	return &mission, nil
}

func (m *Manager) verifySignature(p *crypto.Payload, keyID string) error {
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("distribution: signature: %w", utils.ErrDecryptionFailed)
	}
	msg, err := signedBytes(p)
	if err != nil {
		return err
	}
	switch err := m.auth.Verify(keyID, msg, sig); {
	case err == nil:
		return nil
	case errors.Is(err, keys.ErrKeyRevoked), errors.Is(err, keys.ErrKeyNotFound):
		return utils.ErrDeviceMismatch
	default:
		return fmt.Errorf("distribution: signature: %w", utils.ErrDecryptionFailed)
	}
}

// signedBytes is the canonical payload with the signature field cleared.
func signedBytes(p *crypto.Payload) ([]byte, error) {
	cp := *p
	cp.Signature = ""
	b, err := crypto.CanonicalJSON(&cp)
	if err != nil {
		return nil, fmt.Errorf("distribution: canonicalize payload: %w", err)
	}
	return b, nil
}

// Destroy revokes a pending token. The salt goes with it, which leaves the
// sealed waypoints unrecoverable.
func (m *Manager) Destroy(ctx context.Context, destructionKey, missionID string) error {
	rec, err := m.ledger.ByMission(ctx, missionID)
	if err != nil {
		return err
	}
	if !crypto.EqualHex(destructionKey, crypto.DestructionKey(m.secret, rec.Token)) {
		return utils.ErrInvalidDestructionKey
	}
	if err := m.ledger.Delete(ctx, rec.Token); err != nil {
		return err
	}
	m.pruneDestroyed()
	m.destroyed.Store(missionID, m.now())
	m.log.Info("mission token destroyed", "mission", missionID)
	return nil
}

// pruneDestroyed forgets destroyed markers once their token would have been
// evicted from the ledger anyway.
func (m *Manager) pruneDestroyed() {
	cutoff := m.now().Add(-(m.ttl + DefaultGrace))
	m.destroyed.Range(func(k, v any) bool {
		if at, ok := v.(time.Time); ok && at.Before(cutoff) {
			m.destroyed.Delete(k)
		}
		return true
	})
}

// State reports the lifecycle of missionID.
func (m *Manager) State(ctx context.Context, missionID string) (State, error) {
	if _, ok := m.destroyed.Load(missionID); ok {
		return StateDestroyed, nil
	}
	rec, err := m.ledger.ByMission(ctx, missionID)
	if err != nil {
		return "", err
	}
	if rec.State == StateCreated && m.now().After(rec.ExpiresAt) {
		return StateExpired, nil
	}
	return rec.State, nil
}

// Wipe drops every token and returns how many were removed.
func (m *Manager) Wipe(ctx context.Context) (int, error) {
	n, err := m.ledger.Wipe(ctx)
	m.destroyed.Range(func(k, _ any) bool {
		m.destroyed.Delete(k)
		return true
	})
	return n, err
}

// Pending returns how many tokens can still be redeemed or destroyed.
func (m *Manager) Pending(ctx context.Context) (int, error) {
	return m.ledger.Pending(ctx)
}

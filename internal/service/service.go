// Package service wires the components into the operations the mission UI,
// dashboard and field-unit bridge call.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/hcsguard/internal/credential"
	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/distribution"
	"github.com/harrylevesque/hcsguard/internal/duress"
	"github.com/harrylevesque/hcsguard/internal/features"
	"github.com/harrylevesque/hcsguard/internal/integrity"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/presence"
	"github.com/harrylevesque/hcsguard/internal/shredder"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/telemetry"
	"github.com/harrylevesque/hcsguard/internal/utils"
	"github.com/harrylevesque/hcsguard/internal/vault"
)

// Deps are the externally owned resources a Service runs on.
type Deps struct {
	Config    utils.Config
	Store     store.Store
	Keys      keys.Authenticator
	MasterKey []byte
	Ledger    distribution.Ledger // nil selects the in-memory ledger
	Logger    *slog.Logger
	Metrics   *telemetry.Instruments
	Clock     func() time.Time
	DeviceID  string // empty selects utils.DeviceFingerprint
}

// Service holds the active profile and its unlocked credential for the session.
type Service struct {
	cfg      utils.Config
	store    store.Store
	keys     keys.Authenticator
	vault    *vault.Vault
	gen      *credential.Generator
	cipher   *crypto.MissionCipher
	dist     *distribution.Manager
	monitor  *integrity.Monitor
	duress   *duress.Controller
	presence *presence.Classifier
	shredder *shredder.Shredder
	metrics  *telemetry.Instruments
	log      *slog.Logger
	now      func() time.Time
	deviceID string

	mu            sync.RWMutex
	profileID     string
	credential    string
	hardwareKeyID string
}

func New(d Deps) (*Service, error) {
	if d.Store == nil || d.Keys == nil {
		return nil, fmt.Errorf("service: store and keys are required: %w", utils.ErrInvalidInput)
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.DeviceID == "" {
		d.DeviceID = utils.DeviceFingerprint()
	}
	log := utils.Component(d.Logger, "service")

	v, err := vault.New(d.Store, d.Keys, d.MasterKey, d.Logger)
	if err != nil {
		return nil, fmt.Errorf("service: vault: %w", err)
	}
	ttl := time.Duration(d.Config.Crypto.MissionExpirationSec) * time.Second
	s := &Service{
		cfg:      d.Config,
		store:    d.Store,
		keys:     d.Keys,
		vault:    v,
		gen:      credential.NewGenerator(d.Config.Crypto.SigningKey, d.Config.Crypto.MinTestTypes),
		cipher:   crypto.NewMissionCipher(crypto.WithClock(d.Clock), crypto.WithExpiration(ttl)),
		presence: presence.NewClassifier(d.Config.Presence.MinTests, d.Config.Sessions.TTL),
		metrics:  d.Metrics,
		log:      log,
		now:      d.Clock,
		deviceID: d.DeviceID,
	}
	s.presence.SetClock(d.Clock)
	s.dist = distribution.NewManager(d.Keys,
		distribution.WithClock(d.Clock),
		distribution.WithTTL(ttl),
		distribution.WithLedger(d.Ledger),
		distribution.WithLogger(d.Logger),
		distribution.WithMetrics(d.Metrics),
	)
	s.monitor = integrity.NewMonitor(integrity.DefaultChecks(v, d.Keys),
		integrity.WithTamperLog(d.Store, d.Config.Integrity.TamperLogCap),
		integrity.WithTimeout(d.Config.Integrity.CheckTimeout),
		integrity.WithLogger(d.Logger),
		integrity.WithMetrics(d.Metrics),
		integrity.WithClock(d.Clock),
		integrity.WithFingerprint(s.DeviceID),
	)
	s.duress = duress.NewController(d.Store, realSource{s}, duress.ParamsFromConfig(d.Config.Crypto, d.Config.Sessions), d.Logger)
	s.duress.SetClock(d.Clock)
	s.shredder = shredder.New(d.Store, d.Keys,
		shredder.WithTokens(s.dist),
		shredder.WithSessions(s.presence, s.duress),
		shredder.WithLogger(d.Logger),
		shredder.WithMetrics(d.Metrics),
	)
	return s, nil
}

// DeviceID is the fingerprint this service binds distributed missions to.
func (s *Service) DeviceID() string { return s.deviceID }

// ProfileID returns the active profile id, creating one on first use.
func (s *Service) ProfileID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profileID == "" {
		s.profileID = uuid.NewString()
	}
	return s.profileID
}

func (s *Service) session() (profileID, cred, keyID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profileID, s.credential, s.hardwareKeyID
}

// RecordResult validates and stores one test result under the active profile.
func (s *Service) RecordResult(ctx context.Context, r models.TestResult) (string, error) {
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("service: %v: %w", err, utils.ErrInvalidInput)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}
	r.ProfileID = s.ProfileID()
	if err := s.store.SaveResult(ctx, r); err != nil {
		return "", fmt.Errorf("service: %w", err)
	}
	return r.ID, nil
}

// GenerateCredential derives the HCS code from results, or from the stored
// results of the active profile when results is empty, and enrolls the
// aggregated profile in the vault under a fresh hardware key.
func (s *Service) GenerateCredential(ctx context.Context, results []models.TestResult) (string, error) {
	profileID := s.ProfileID()
	if len(results) == 0 {
		var err error
		if results, err = s.store.ListResults(ctx, profileID); err != nil {
			return "", fmt.Errorf("service: %w", err)
		}
	}
	code, err := s.gen.Generate(results)
	if err != nil {
		return "", err
	}
	profile := features.Aggregate(profileID, results)
	enr, err := s.vault.Enroll(ctx, profile, code)
	if err != nil {
		return "", fmt.Errorf("service: %w", err)
	}

	s.mu.Lock()
	old := s.hardwareKeyID
	s.credential, s.hardwareKeyID = code, enr.HardwareKeyID
	s.mu.Unlock()
	if old != "" && old != enr.HardwareKeyID {
		if err := s.keys.Revoke(ctx, old); err != nil {
			s.log.Warn("revoke superseded key", "err", err)
		}
	}
	s.metrics.CredentialGenerated(ctx)
	s.log.Info("credential generated", "profile", profileID)
	return code, nil
}

// EncryptMission encrypts m under credential, or under the session credential
// when credential is empty, and keeps the payload in the mission history.
func (s *Service) EncryptMission(ctx context.Context, m models.Mission, cred string) (*crypto.Payload, error) {
	profileID, held, _ := s.session()
	if cred == "" {
		cred = held
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	p, err := s.dist.Encrypt(ctx, m, cred)
	if err != nil {
		return nil, err
	}
	if err := s.saveMission(ctx, p, profileID, ""); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) saveMission(ctx context.Context, p *crypto.Payload, profileID, keyID string) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("service: encode payload: %w", err)
	}
	rec := store.MissionRecord{ID: p.MissionID, ProfileID: profileID, Payload: body, HardwareKeyID: keyID, CreatedAt: p.CreatedAt().UTC()}
	if err := s.store.SaveMission(ctx, rec); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	return nil
}

// BuildQRData serializes p for a 2-D barcode.
func (s *Service) BuildQRData(p *crypto.Payload) (string, error) {
	return crypto.BuildQRData(p)
}

// ConsumeQR redeems qr with the session credential on this device.
func (s *Service) ConsumeQR(ctx context.Context, qr string) (*models.Mission, error) {
	return s.ConsumeQRWith(ctx, qr, "", "")
}

// ConsumeQRWith redeems qr with an explicit credential and device. Empty
// arguments fall back to the session credential and this device. Credentials
// that are not enrolled in the vault never decrypt.
func (s *Service) ConsumeQRWith(ctx context.Context, qr, cred, deviceID string) (*models.Mission, error) {
	if cred == "" {
		_, cred, _ = s.session()
	}
	if deviceID == "" {
		deviceID = s.deviceID
	}
	ok, err := s.vault.CredentialEnrolled(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("service: %w", utils.ErrDecryptionFailed)
	}
	return s.dist.Consume(ctx, qr, cred, deviceID)
}

// DistributeRequest asks for a device-bound, presence-gated mission QR.
type DistributeRequest struct {
	Mission           models.Mission `json:"mission"`
	DeviceID          string         `json:"deviceId"`
	PresenceSessionID string         `json:"presenceSessionId"`
}

// Distribute issues a single-use QR for req.DeviceID. The presence session is
// classified and discarded.
func (s *Service) Distribute(ctx context.Context, req DistributeRequest) (*distribution.Ticket, error) {
	proof, _, err := s.presence.Proof(req.PresenceSessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, fmt.Errorf("service: %w", utils.ErrPresenceRequired)
		}
		return nil, err
	}
	profileID, cred, _ := s.session()
	if req.DeviceID == "" {
		req.DeviceID = s.deviceID
	}
	t, err := s.dist.Generate(ctx, distribution.GenerateRequest{Mission: req.Mission, Credential: cred, DeviceID: req.DeviceID, Presence: proof})
	if err != nil {
		return nil, err
	}
	p, err := crypto.ParseQRData(t.QR)
	if err != nil {
		return nil, err
	}
	keyID, _ := s.deviceKey(req.DeviceID)
	if err := s.saveMission(ctx, p, profileID, keyID); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) deviceKey(deviceID string) (string, bool) {
	if reg, ok := s.keys.(interface{ Lookup(string) (string, bool) }); ok {
		return reg.Lookup(keys.DeviceLabel(deviceID))
	}
	return "", false
}

// DestroyToken force-deletes a pending distributed token.
func (s *Service) DestroyToken(ctx context.Context, destructionKey, missionID string) error {
	return s.dist.Destroy(ctx, destructionKey, missionID)
}

// MissionState reports the distribution state of missionID.
func (s *Service) MissionState(ctx context.Context, missionID string) (distribution.State, error) {
	return s.dist.State(ctx, missionID)
}

// PerformFullScan runs the integrity battery. The report is data: callers
// gate on RecommendedAction.
func (s *Service) PerformFullScan(ctx context.Context, env *integrity.Environment, progress integrity.Progress) (*models.TamperReport, error) {
	return s.monitor.PerformFullScan(ctx, env, progress)
}

// TamperLog returns stored scan reports, oldest first.
func (s *Service) TamperLog(ctx context.Context) ([]models.TamperReport, error) {
	return s.monitor.Log(ctx)
}

// PanicWipe destroys everything and forgets the session credential.
func (s *Service) PanicWipe(ctx context.Context) shredder.WipeResult {
	res := s.shredder.PanicWipe(ctx)
	s.mu.Lock()
	s.profileID, s.credential, s.hardwareKeyID = "", "", ""
	s.mu.Unlock()
	return res
}

// ShredMission destroys one stored mission.
func (s *Service) ShredMission(ctx context.Context, id string) (shredder.ShredResult, error) {
	return s.shredder.ShredMission(ctx, id)
}

// VerifyDestruction reports whether scope is empty.
func (s *Service) VerifyDestruction(ctx context.Context, scope string) (bool, error) {
	return s.shredder.VerifyDestruction(ctx, scope)
}

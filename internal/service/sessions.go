package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/presence"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// EnrollSecret provisions the unlock PIN for the active profile and returns
// the derived duress PIN. A credential must have been generated first.
func (s *Service) EnrollSecret(ctx context.Context, pin string) (string, error) {
	p, err := realSource{s}.Profile(ctx)
	if err != nil {
		return "", err
	}
	return s.duress.Enroll(ctx, pin, *p)
}

// Unlock opens a session with pin. Real and duress PINs both succeed and are
// indistinguishable to the caller.
func (s *Service) Unlock(ctx context.Context, pin string) (string, error) {
	sess := s.duress.NewSession()
	if err := s.duress.CheckActivation(ctx, sess, pin); err != nil {
		s.duress.Clear(sess)
		return "", err
	}
	return sess.ID, nil
}

// Reauthenticate re-checks pin on an existing session.
func (s *Service) Reauthenticate(ctx context.Context, sessionID, pin string) error {
	sess, err := s.duress.Session(sessionID)
	if err != nil {
		return utils.ErrLocked
	}
	return s.duress.CheckActivation(ctx, sess, pin)
}

// Logout ends the session.
func (s *Service) Logout(sessionID string) {
	if sess, err := s.duress.Session(sessionID); err == nil {
		s.duress.Clear(sess)
	}
}

// Profile returns the profile visible to the session.
func (s *Service) Profile(ctx context.Context, sessionID string) (*models.CognitiveProfile, error) {
	sess, err := s.duress.Session(sessionID)
	if err != nil {
		return nil, utils.ErrLocked
	}
	return s.duress.Profile(ctx, sess)
}

// Missions returns the mission history visible to the session.
func (s *Service) Missions(ctx context.Context, sessionID string) ([]models.Mission, error) {
	sess, err := s.duress.Session(sessionID)
	if err != nil {
		return nil, utils.ErrLocked
	}
	return s.duress.Missions(ctx, sess)
}

// StartPresence opens a presence challenge session.
func (s *Service) StartPresence() string { return s.presence.Start() }

// RecordChallenge adds one challenge sample to a presence session.
func (s *Service) RecordChallenge(sessionID string, smp presence.Sample) (presence.Classification, error) {
	return s.presence.Record(sessionID, smp)
}

// realSource reads the unlocked profile and mission history for the duress controller.
type realSource struct{ s *Service }

func (r realSource) Profile(ctx context.Context) (*models.CognitiveProfile, error) {
	profileID, _, keyID := r.s.session()
	if profileID == "" || keyID == "" {
		return nil, fmt.Errorf("service: no enrolled profile: %w", utils.ErrNotFound)
	}
	return r.s.vault.Unlock(ctx, profileID, keyID)
}

// Missions decrypts the stored history with the session credential. Waypoints
// of distributed missions stay sealed and are omitted.
func (r realSource) Missions(ctx context.Context) ([]models.Mission, error) {
	profileID, cred, _ := r.s.session()
	recs, err := r.s.store.ListMissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	out := make([]models.Mission, 0, len(recs))
	for _, rec := range recs {
		if rec.ProfileID != profileID {
			continue
		}
		m, ok := r.s.openRecord(rec, cred)
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) openRecord(rec store.MissionRecord, cred string) (models.Mission, bool) {
	var p crypto.Payload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return models.Mission{}, false
	}
	m, err := s.cipher.Decrypt(&p, cred)
	if err != nil {
		return models.Mission{}, false
	}
	return m, true
}

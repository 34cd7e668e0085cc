// Package vault is the credential store. It owns encrypted profile bytes and
// their integrity hash; decryption requires the matching hardware credential.
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// Vault encrypts profiles under the master key before they reach the store.
type Vault struct {
	store     store.Store
	keys      keys.Authenticator
	masterKey []byte
	log       *slog.Logger
	now       func() time.Time
}

// New returns a Vault. masterKey must be 32 bytes.
func New(st store.Store, auth keys.Authenticator, masterKey []byte, log *slog.Logger) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, crypto.ErrInvalidKeyLength
	}
	return &Vault{
		store:     st,
		keys:      auth,
		masterKey: append([]byte(nil), masterKey...),
		log:       utils.Component(log, "vault"),
		now:       time.Now,
	}, nil
}

// Enrollment is the result of storing a profile.
type Enrollment struct {
	ProfileID     string `json:"profileId"`
	HardwareKeyID string `json:"hardwareKeyId"`
}

// Enroll encrypts p, binds it to a fresh hardware key and records the credential hash.
// An empty p.ID is assigned.
func (v *Vault) Enroll(ctx context.Context, p models.CognitiveProfile, credential string) (*Enrollment, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	keyID, err := v.keys.Create(ctx, keys.ProfileLabel(p.ID))
	if err != nil {
		return nil, fmt.Errorf("vault: hardware key: %w", err)
	}
	if err := v.Store(ctx, p, keyID, credential); err != nil {
		return nil, err
	}
	return &Enrollment{ProfileID: p.ID, HardwareKeyID: keyID}, nil
}

// Store writes p under an existing hardware key id.
func (v *Vault) Store(ctx context.Context, p models.CognitiveProfile, hardwareKeyID, credential string) error {
	plain, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("vault: encode profile: %w", err)
	}
	defer crypto.Zero(plain)
	blob, err := crypto.EncryptAESGCM(v.masterKey, plain, []byte(p.ID))
	if err != nil {
		return fmt.Errorf("vault: encrypt profile: %w", err)
	}
	credHash := ""
	if credential != "" {
		credHash = crypto.SHA256Hex([]byte(credential))
	}
	rec := store.ProfileRecord{
		ID:               p.ID,
		EncryptedProfile: blob,
		IntegrityHash:    crypto.SHA256Hex(blob),
		HardwareKeyID:    hardwareKeyID,
		CredentialHash:   credHash,
		CreatedAt:        v.now().UTC(),
	}
	if err := v.store.SaveProfile(ctx, rec); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	return nil
}

// Unlock returns the decrypted profile when presentedKeyID matches the stored
// hardware reference and that key is still live.
func (v *Vault) Unlock(ctx context.Context, profileID, presentedKeyID string) (*models.CognitiveProfile, error) {
	rec, err := v.store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	if !crypto.EqualHex(rec.HardwareKeyID, presentedKeyID) || v.keys.Revoked(rec.HardwareKeyID) {
		v.log.Warn("hardware credential mismatch", "profile", profileID)
		return nil, fmt.Errorf("vault: profile %s: %w", profileID, utils.ErrDeviceMismatch)
	}
	return v.open(rec)
}

func (v *Vault) open(rec *store.ProfileRecord) (*models.CognitiveProfile, error) {
	if !crypto.EqualHex(rec.IntegrityHash, crypto.SHA256Hex(rec.EncryptedProfile)) {
		return nil, fmt.Errorf("vault: profile %s: %w", rec.ID, utils.ErrIntegrityViolation)
	}
	plain, err := crypto.DecryptAESGCM(v.masterKey, rec.EncryptedProfile, []byte(rec.ID))
	if err != nil {
		return nil, fmt.Errorf("vault: profile %s: %w", rec.ID, utils.ErrDecryptionFailed)
	}
	defer crypto.Zero(plain)
	var p models.CognitiveProfile
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("vault: decode profile: %w", err)
	}
	return &p, nil
}

// Verify re-hashes every stored blob and returns the ids whose hash no longer matches.
func (v *Vault) Verify(ctx context.Context) ([]string, error) {
	recs, err := v.store.ListProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	var bad []string
	for _, rec := range recs {
		if !crypto.EqualHex(rec.IntegrityHash, crypto.SHA256Hex(rec.EncryptedProfile)) {
			bad = append(bad, rec.ID)
		}
	}
	return bad, nil
}

// CredentialEnrolled reports whether any live profile was enrolled with credential.
func (v *Vault) CredentialEnrolled(ctx context.Context, credential string) (bool, error) {
	if credential == "" {
		return false, nil
	}
	want := crypto.SHA256Hex([]byte(credential))
	recs, err := v.store.ListProfiles(ctx)
	if err != nil {
		return false, fmt.Errorf("vault: %w", err)
	}
	for _, rec := range recs {
		if crypto.EqualHex(rec.CredentialHash, want) && !v.keys.Revoked(rec.HardwareKeyID) {
			return true, nil
		}
	}
	return false, nil
}

// HardwareKeyID returns the hardware reference stored for profileID.
func (v *Vault) HardwareKeyID(ctx context.Context, profileID string) (string, error) {
	rec, err := v.store.GetProfile(ctx, profileID)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	return rec.HardwareKeyID, nil
}

// IsNotFound reports whether err means the profile does not exist.
func IsNotFound(err error) bool { return errors.Is(err, utils.ErrNotFound) }

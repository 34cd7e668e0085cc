// Package store persists profile, mission, result, tamper-log and secret records.
//
// Two backends implement Store: SQLite (default) and bbolt. Both only ever see
// encrypted profile and mission bytes.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// ProfileRecord is an enrolled profile. EncryptedProfile is opaque to the store.
type ProfileRecord struct {
	ID               string    `json:"id"`
	EncryptedProfile []byte    `json:"encryptedProfile"`
	IntegrityHash    string    `json:"integrityHash"`
	HardwareKeyID    string    `json:"hardwareKeyId"`
	CredentialHash   string    `json:"credentialHash"`
	CreatedAt        time.Time `json:"createdAt"`
}

// MissionRecord is an encrypted mission payload at rest.
type MissionRecord struct {
	ID            string    `json:"id"`
	ProfileID     string    `json:"profileId"`
	Payload       []byte    `json:"payload"`
	HardwareKeyID string    `json:"hardwareKeyId"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TamperEntry is one serialized tamper report in the capped log.
type TamperEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Data      []byte    `json:"data"`
}

// Counts is the number of records per collection.
type Counts struct {
	Profiles int `json:"profiles"`
	Missions int `json:"missions"`
	Results  int `json:"results"`
	Tamper   int `json:"tamper"`
	Secrets  int `json:"secrets"`
}

// Total sums every collection.
func (c Counts) Total() int {
	return c.Profiles + c.Missions + c.Results + c.Tamper + c.Secrets
}

// Store is the persisted layout. Get methods return utils.ErrNotFound for missing ids.
type Store interface {
	SaveProfile(ctx context.Context, rec ProfileRecord) error
	GetProfile(ctx context.Context, id string) (*ProfileRecord, error)
	ListProfiles(ctx context.Context) ([]ProfileRecord, error)
	DeleteProfile(ctx context.Context, id string) error

	SaveMission(ctx context.Context, rec MissionRecord) error
	GetMission(ctx context.Context, id string) (*MissionRecord, error)
	ListMissions(ctx context.Context) ([]MissionRecord, error)
	DeleteMission(ctx context.Context, id string) error

	SaveResult(ctx context.Context, r models.TestResult) error
	ListResults(ctx context.Context, profileID string) ([]models.TestResult, error)
	DeleteResults(ctx context.Context, profileID string) (int, error)

	// AppendTamper appends e and evicts the oldest entries beyond limit.
	AppendTamper(ctx context.Context, e TamperEntry, limit int) error
	// ListTamper returns entries oldest first.
	ListTamper(ctx context.Context) ([]TamperEntry, error)

	PutSecret(ctx context.Context, name string, blob []byte) error
	GetSecret(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) error

	Counts(ctx context.Context) (Counts, error)
	// Purge deletes every record in every collection.
	Purge(ctx context.Context) error
	Close() error
}

// Open opens the configured backend under cfg.DataDir.
func Open(cfg utils.StorageConfig) (Store, error) {
	if err := utils.EnsureDir(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("store: data dir: %w", err)
	}
	switch cfg.Backend {
	case "bolt":
		return OpenBolt(filepath.Join(cfg.DataDir, "hcs.bolt"))
	case "sqlite", "":
		return OpenSQLite(filepath.Join(cfg.DataDir, "hcs.db"))
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

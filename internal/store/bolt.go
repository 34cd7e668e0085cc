package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

var (
	bucketProfiles = []byte("profiles")
	bucketMissions = []byte("missions")
	bucketResults  = []byte("results")
	bucketTamper   = []byte("tamper_log")
	bucketSecrets  = []byte("secrets")

	allBuckets = [][]byte{bucketProfiles, bucketMissions, bucketResults, bucketTamper, bucketSecrets}
)

// BoltStore implements Store on a single bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt: %w", err)
	}
	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func createBuckets(tx *bbolt.Tx) error {
	for _, name := range allBuckets {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("store: %s %s: %w", bucket, key, utils.ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) del(bucket []byte, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("store: %s %s: %w", bucket, key, utils.ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) SaveProfile(ctx context.Context, rec ProfileRecord) error {
	if err := s.put(bucketProfiles, rec.ID, rec); err != nil {
		return fmt.Errorf("store: save profile: %w", err)
	}
	return nil
}

func (s *BoltStore) GetProfile(ctx context.Context, id string) (*ProfileRecord, error) {
	var rec ProfileRecord
	if err := s.get(bucketProfiles, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListProfiles(ctx context.Context) ([]ProfileRecord, error) {
	var out []ProfileRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).ForEach(func(_, v []byte) error {
			var rec ProfileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltStore) DeleteProfile(ctx context.Context, id string) error {
	return s.del(bucketProfiles, id)
}

func (s *BoltStore) SaveMission(ctx context.Context, rec MissionRecord) error {
	if err := s.put(bucketMissions, rec.ID, rec); err != nil {
		return fmt.Errorf("store: save mission: %w", err)
	}
	return nil
}

func (s *BoltStore) GetMission(ctx context.Context, id string) (*MissionRecord, error) {
	var rec MissionRecord
	if err := s.get(bucketMissions, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListMissions(ctx context.Context) ([]MissionRecord, error) {
	var out []MissionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMissions).ForEach(func(_, v []byte) error {
			var rec MissionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list missions: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltStore) DeleteMission(ctx context.Context, id string) error {
	return s.del(bucketMissions, id)
}

// results are keyed "<profileID>/<resultID>" so one profile is a prefix scan.
func resultKey(profileID, id string) []byte { return []byte(profileID + "/" + id) }

func (s *BoltStore) SaveResult(ctx context.Context, r models.TestResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put(resultKey(r.ProfileID, r.ID), data)
	})
}

func (s *BoltStore) ListResults(ctx context.Context, profileID string) ([]models.TestResult, error) {
	prefix := []byte(profileID + "/")
	var out []models.TestResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r models.TestResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list results: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *BoltStore) DeleteResults(ctx context.Context, profileID string) (int, error) {
	prefix := []byte(profileID + "/")
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketResults)
		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: delete results: %w", err)
	}
	return n, nil
}

func (s *BoltStore) AppendTamper(ctx context.Context, e TamperEntry, limit int) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode tamper: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTamper)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, data); err != nil {
			return err
		}
		if limit <= 0 {
			return nil
		}
		count := 0
		if err := b.ForEach(func(_, _ []byte) error { count++; return nil }); err != nil {
			return err
		}
		var evict [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && count-len(evict) > limit; k, _ = c.Next() {
			evict = append(evict, append([]byte(nil), k...))
		}
		for _, k := range evict {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListTamper(ctx context.Context) ([]TamperEntry, error) {
	var out []TamperEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTamper).ForEach(func(_, v []byte) error {
			var e TamperEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("store: list tamper: %w", err)
	}
	return out, nil
}

func (s *BoltStore) PutSecret(ctx context.Context, name string, blob []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put([]byte(name), blob)
	})
}

func (s *BoltStore) GetSecret(ctx context.Context, name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSecrets).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("store: secret %s: %w", name, utils.ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) DeleteSecret(ctx context.Context, name string) error {
	return s.del(bucketSecrets, name)
}

func (s *BoltStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.View(func(tx *bbolt.Tx) error {
		for name, dst := range map[string]*int{
			string(bucketProfiles): &c.Profiles,
			string(bucketMissions): &c.Missions,
			string(bucketResults):  &c.Results,
			string(bucketTamper):   &c.Tamper,
			string(bucketSecrets):  &c.Secrets,
		} {
			n := 0
			if err := tx.Bucket([]byte(name)).ForEach(func(_, _ []byte) error { n++; return nil }); err != nil {
				return err
			}
			*dst = n
		}
		return nil
	})
	return c, err
}

// Purge drops and recreates every bucket.
func (s *BoltStore) Purge(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bbolt.ErrBucketNotFound {
				return fmt.Errorf("store: purge %s: %w", name, err)
			}
		}
		return createBuckets(tx)
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

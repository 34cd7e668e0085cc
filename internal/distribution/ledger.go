package distribution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// State is the lifecycle of one distributed mission.
type State string

const (
	StateCreated   State = "CREATED"
	StateConsumed  State = "CONSUMED"
	StateExpired   State = "EXPIRED"
	StateDestroyed State = "DESTROYED"
)

// Record is the volatile token state. Salt is the only copy of the single-use
// key salt and is erased once the token leaves CREATED.
type Record struct {
	Token     string
	MissionID string
	DeviceID  string
	KeyID     string
	Salt      []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
	State     State
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Salt = append([]byte(nil), r.Salt...)
	return &cp
}

// Ledger owns token consumption state.
type Ledger interface {
	Register(ctx context.Context, rec Record) error
	// Consume moves token from CREATED to CONSUMED as one step and returns the
	// record including its salt. Past ExpiresAt it fails with utils.ErrTokenExpired,
	// after a prior consume with utils.ErrTokenAlreadyConsumed.
	Consume(ctx context.Context, token string, now time.Time) (*Record, error)
	// Get returns the record without its salt.
	Get(ctx context.Context, token string) (*Record, error)
	ByMission(ctx context.Context, missionID string) (*Record, error)
	Delete(ctx context.Context, token string) error
	// Wipe deletes every record and returns how many were removed.
	Wipe(ctx context.Context) (int, error)
	// Pending counts records still in CREATED.
	Pending(ctx context.Context) (int, error)
}

// DefaultGrace is how long a record outlives its expiry so late replays still
// report the right reason.
const DefaultGrace = time.Hour

// MemoryLedger is a process-local Ledger guarded by one mutex. Records are
// evicted once they are grace past ExpiresAt.
type MemoryLedger struct {
	mu        sync.Mutex
	tokens    map[string]*Record
	byMission map[string]string
	grace     time.Duration
}

// NewMemoryLedger returns an empty ledger. grace <= 0 selects DefaultGrace.
func NewMemoryLedger(grace time.Duration) *MemoryLedger {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &MemoryLedger{tokens: make(map[string]*Record), byMission: make(map[string]string), grace: grace}
}

// evictLocked drops records whose retention ended before now.
func (l *MemoryLedger) evictLocked(now time.Time) {
	for token, rec := range l.tokens {
		if now.After(rec.ExpiresAt.Add(l.grace)) {
			l.deleteLocked(token)
		}
	}
}

func (l *MemoryLedger) Register(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !rec.IssuedAt.IsZero() {
		l.evictLocked(rec.IssuedAt)
	}
	if _, exists := l.tokens[rec.Token]; exists {
		return fmt.Errorf("distribution: token already registered")
	}
	if old, ok := l.byMission[rec.MissionID]; ok {
		l.deleteLocked(old)
	}
	rec.State = StateCreated
	l.tokens[rec.Token] = rec.clone()
	l.byMission[rec.MissionID] = rec.Token
	return nil
}

func (l *MemoryLedger) Consume(ctx context.Context, token string, now time.Time) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(now)
	rec, ok := l.tokens[token]
	if !ok {
		return nil, utils.ErrTokenNotFound
	}
	if rec.State == StateExpired || now.After(rec.ExpiresAt) {
		if rec.State == StateCreated {
			rec.State = StateExpired
		}
		crypto.Zero(rec.Salt)
		rec.Salt = nil
		return nil, utils.ErrTokenExpired
	}
	if rec.State != StateCreated {
		return nil, utils.ErrTokenAlreadyConsumed
	}
	rec.State = StateConsumed
	out := rec.clone()
	crypto.Zero(rec.Salt)
	rec.Salt = nil
	return out, nil
}

func (l *MemoryLedger) Get(ctx context.Context, token string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.tokens[token]
	if !ok {
		return nil, utils.ErrTokenNotFound
	}
	out := *rec
	out.Salt = nil
	return &out, nil
}

func (l *MemoryLedger) ByMission(ctx context.Context, missionID string) (*Record, error) {
	l.mu.Lock()
	token, ok := l.byMission[missionID]
	l.mu.Unlock()
	if !ok {
		return nil, utils.ErrTokenNotFound
	}
	return l.Get(ctx, token)
}

func (l *MemoryLedger) Delete(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.tokens[token]; !ok {
		return utils.ErrTokenNotFound
	}
	l.deleteLocked(token)
	return nil
}

func (l *MemoryLedger) deleteLocked(token string) {
	rec := l.tokens[token]
	crypto.Zero(rec.Salt)
	if l.byMission[rec.MissionID] == token {
		delete(l.byMission, rec.MissionID)
	}
	delete(l.tokens, token)
}

func (l *MemoryLedger) Wipe(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.tokens)
	for token := range l.tokens {
		l.deleteLocked(token)
	}
	return n, nil
}

func (l *MemoryLedger) Pending(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range l.tokens {
		if rec.State == StateCreated {
			n++
		}
	}
	return n, nil
}

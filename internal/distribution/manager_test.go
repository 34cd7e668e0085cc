package distribution

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/presence"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

const cred = "HCS-U7|V:8.0|ALG:HS256|E:81|MOD:c89f32m7|COG:F68C75V80S100Cr84|QSIG:0123456789abcdef|B3:fedcba9876543210"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *keys.Registry, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := keys.NewRegistry()
	return NewManager(reg, WithClock(clk.Now), WithTTL(5*time.Minute)), reg, clk
}

func proof(clk *clock) *presence.Proof {
	return &presence.Proof{SessionID: "s", Verdict: presence.Human, Confidence: 0.8, IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(15 * time.Minute)}
}

func mission() models.Mission {
	return models.Mission{
		ID:       "m-1",
		Name:     "Perimeter sweep",
		Type:     "patrol",
		Priority: "high",
		Duration: 30,
		Waypoints: []models.Waypoint{
			{Lat: 40.7128, Lng: -74.006, Altitude: 120, Action: "photo"},
			{Lat: 40.713, Lng: -74.001, Altitude: 100, Action: "hover"},
		},
	}
}

func generate(t *testing.T, m *Manager, clk *clock) *Ticket {
	t.Helper()
	tk, err := m.Generate(context.Background(), GenerateRequest{Mission: mission(), Credential: cred, DeviceID: "device-a", Presence: proof(clk)})
	require.NoError(t, err)
	return tk
}

func TestGenerateConsume(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	assert.Equal(t, "m-1", tk.MissionID)
	assert.Equal(t, clk.Now().Add(5*time.Minute), tk.ExpiresAt)

	raw, err := base64.StdEncoding.DecodeString(tk.QR)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Perimeter")
	assert.NotContains(t, string(raw), "40.7128")
	assert.NotContains(t, string(raw), "HCS-U7")

	got, err := m.Consume(context.Background(), tk.QR, cred, "device-a")
	require.NoError(t, err)
	assert.Equal(t, "Perimeter sweep", got.Name)
	assert.Equal(t, mission().Waypoints, got.Waypoints)

	st, err := m.State(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, StateConsumed, st)
}

func TestConsumeIsSingleUse(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	ctx := context.Background()

	_, err := m.Consume(ctx, tk.QR, cred, "device-a")
	require.NoError(t, err)
	_, err = m.Consume(ctx, tk.QR, cred, "device-a")
	require.ErrorIs(t, err, utils.ErrTokenAlreadyConsumed)
}

func TestConsumeExpired(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	clk.Advance(5*time.Minute + time.Second)

	st, err := m.State(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, st)

	_, err = m.Consume(context.Background(), tk.QR, cred, "device-a")
	require.ErrorIs(t, err, utils.ErrTokenExpired)
}

func TestWrongCredentialBurnsToken(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	ctx := context.Background()

	_, err := m.Consume(ctx, tk.QR, cred+"x", "device-a")
	require.ErrorIs(t, err, utils.ErrDecryptionFailed)
	_, err = m.Consume(ctx, tk.QR, cred, "device-a")
	require.ErrorIs(t, err, utils.ErrTokenAlreadyConsumed)
}

func TestDeviceMismatch(t *testing.T) {
	m, reg, clk := newManager(t)
	tk := generate(t, m, clk)
	ctx := context.Background()

	_, err := m.Consume(ctx, tk.QR, cred, "device-b")
	require.ErrorIs(t, err, utils.ErrDeviceMismatch)

	keyID, ok := reg.Lookup(keys.DeviceLabel("device-a"))
	require.True(t, ok)
	require.NoError(t, reg.Revoke(ctx, keyID))
	_, err = m.Consume(ctx, tk.QR, cred, "device-a")
	require.ErrorIs(t, err, utils.ErrDeviceMismatch)
}

func TestTamperedPayloadRejected(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	ctx := context.Background()

	p, err := crypto.ParseQRData(tk.QR)
	require.NoError(t, err)
	p.Expiration = 3600
	forged, err := crypto.BuildQRData(p)
	require.NoError(t, err)

	_, err = m.Consume(ctx, forged, cred, "device-a")
	require.ErrorIs(t, err, utils.ErrDecryptionFailed)

	// the genuine token is still redeemable
	_, err = m.Consume(ctx, tk.QR, cred, "device-a")
	require.NoError(t, err)
}

func TestPresenceRequired(t *testing.T) {
	m, _, clk := newManager(t)
	ctx := context.Background()
	req := GenerateRequest{Mission: mission(), Credential: cred, DeviceID: "device-a"}

	_, err := m.Generate(ctx, req)
	require.ErrorIs(t, err, utils.ErrPresenceRequired)

	req.Presence = proof(clk)
	req.Presence.Verdict = presence.Bot
	_, err = m.Generate(ctx, req)
	require.ErrorIs(t, err, utils.ErrPresenceRequired)

	req.Presence = proof(clk)
	clk.Advance(16 * time.Minute)
	_, err = m.Generate(ctx, req)
	require.ErrorIs(t, err, utils.ErrPresenceRequired)
}

func TestDestroy(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	ctx := context.Background()

	require.ErrorIs(t, m.Destroy(ctx, "deadbeef", "m-1"), utils.ErrInvalidDestructionKey)
	require.NoError(t, m.Destroy(ctx, tk.DestructionKey, "m-1"))

	st, err := m.State(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, StateDestroyed, st)

	_, err = m.Consume(ctx, tk.QR, cred, "device-a")
	require.ErrorIs(t, err, utils.ErrTokenNotFound)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	ctx := context.Background()

	results := make(chan error, 16)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Consume(ctx, tk.QR, cred, "device-a")
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, utils.ErrTokenAlreadyConsumed)
	}
	assert.Equal(t, 1, ok)
}

func TestWipe(t *testing.T) {
	m, _, clk := newManager(t)
	generate(t, m, clk)
	n, err := m.Wipe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	left, err := m.Pending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestPendingDropsConsumedTokens(t *testing.T) {
	m, _, clk := newManager(t)
	tk := generate(t, m, clk)
	ctx := context.Background()

	n, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = m.Consume(ctx, tk.QR, cred, "device-a")
	require.NoError(t, err)
	n, err = m.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDestroyedMarkersArePruned(t *testing.T) {
	m, _, clk := newManager(t)
	ctx := context.Background()
	tk := generate(t, m, clk)
	require.NoError(t, m.Destroy(ctx, tk.DestructionKey, "m-1"))

	clk.Advance(48 * time.Hour)
	later := mission()
	later.ID = "m-2"
	_, err := m.Generate(ctx, GenerateRequest{Mission: later, Credential: cred, DeviceID: "device-a", Presence: proof(clk)})
	require.NoError(t, err)

	_, ok := m.destroyed.Load("m-1")
	assert.False(t, ok)
	_, err = m.State(ctx, "m-1")
	require.ErrorIs(t, err, utils.ErrTokenNotFound)
}

func TestLocalPayloadSingleUse(t *testing.T) {
	m, _, clk := newManager(t)
	ctx := context.Background()
	p, err := m.Encrypt(ctx, mission(), cred)
	require.NoError(t, err)
	assert.Empty(t, p.Signature)
	qr, err := crypto.BuildQRData(p)
	require.NoError(t, err)

	got, err := m.Consume(ctx, qr, cred, "")
	require.NoError(t, err)
	assert.Equal(t, mission().Waypoints, got.Waypoints)
	_, err = m.Consume(ctx, qr, cred, "")
	require.ErrorIs(t, err, utils.ErrTokenAlreadyConsumed)

	p2, err := m.Encrypt(ctx, models.Mission{Name: "late"}, cred)
	require.NoError(t, err)
	assert.NotEmpty(t, p2.MissionID)
	qr2, err := crypto.BuildQRData(p2)
	require.NoError(t, err)
	clk.Advance(6 * time.Minute)
	_, err = m.Consume(ctx, qr2, cred, "")
	require.ErrorIs(t, err, utils.ErrTokenExpired)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/keys"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/presence"
	"github.com/harrylevesque/hcsguard/internal/service"
	"github.com/harrylevesque/hcsguard/internal/store"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cfg := utils.Defaults()
	cfg.Crypto.BcryptCost = 4
	cfg.Crypto.Argon2Time = 1
	cfg.Crypto.Argon2MemoryKiB = 64
	cfg.Server.ConsumeRatePerSec = 1
	cfg.Server.ConsumeBurst = 3
	svc, err := service.New(service.Deps{
		Config:    cfg,
		Store:     st,
		Keys:      keys.NewRegistry(),
		MasterKey: crypto.MustRandom(32),
		DeviceID:  "unit-7",
	})
	require.NoError(t, err)
	srv := httptest.NewServer(NewRouter(svc, cfg.Server, nil))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func scenario(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	types := []models.TestType{models.TestReaction, models.TestMemory, models.TestTracing, models.TestPattern, models.TestColor}
	scores := []float64{80, 70, 60, 90, 75}
	for i := range types {
		status := call(t, srv, "POST", "/results", models.TestResult{TestType: types[i], Score: scores[i], Timestamp: time.Now()}, nil)
		require.Equal(t, http.StatusCreated, status)
	}
	var cred map[string]string
	require.Equal(t, http.StatusCreated, call(t, srv, "POST", "/credential", nil, &cred))
	return cred["credential"]
}

func TestHealthAndTime(t *testing.T) {
	srv := newServer(t)
	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.Equal(t, http.StatusOK, call(t, srv, "GET", "/time", nil, &out))
	_, err = time.Parse(time.RFC3339, out["time"])
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, call(t, srv, "GET", "/deviceid", nil, &out))
	assert.Equal(t, "unit-7", out["deviceId"])
}

func TestEncryptQRConsumeFlow(t *testing.T) {
	srv := newServer(t)
	code := scenario(t, srv)
	assert.True(t, strings.HasPrefix(code, "HCS-U7|V:8.0|"))

	mission := models.Mission{Name: "Dock check", Type: "patrol", Priority: "low", Waypoints: []models.Waypoint{{Lat: 1, Lng: 2}, {Lat: 3, Lng: 4}, {Lat: 5, Lng: 6}}}
	var payload crypto.Payload
	require.Equal(t, http.StatusCreated, call(t, srv, "POST", "/missions/encrypt", map[string]any{"mission": mission}, &payload))
	assert.Equal(t, crypto.PayloadVersion, payload.Version)

	var qr map[string]string
	require.Equal(t, http.StatusOK, call(t, srv, "POST", "/qr", payload, &qr))

	var got models.Mission
	require.Equal(t, http.StatusOK, call(t, srv, "POST", "/qr/consume", map[string]string{"qr": qr["qr"]}, &got))
	assert.Equal(t, mission.Waypoints, got.Waypoints)

	var errBody map[string]string
	assert.Equal(t, http.StatusConflict, call(t, srv, "POST", "/qr/consume", map[string]string{"qr": qr["qr"]}, &errBody))
	assert.Contains(t, errBody["error"], "consumed")
}

func TestConsumeUsesServerDeviceIdentity(t *testing.T) {
	srv := newServer(t)
	code := scenario(t, srv)

	var sess map[string]string
	require.Equal(t, http.StatusCreated, call(t, srv, "POST", "/presence/sessions", nil, &sess))
	human := presence.Sample{
		ReactionTimeMs: 350,
		IntervalsMs:    []float64{100, 140, 90, 160},
		Pressures:      []float64{0.3, 0.5, 0.4, 0.6},
		CongruentMs:    520,
		IncongruentMs:  640,
	}
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, call(t, srv, "POST", "/presence/sessions/"+sess["sessionId"]+"/challenges", human, nil))
	}
	mission := models.Mission{Name: "Relay", Type: "patrol", Priority: "low", Waypoints: []models.Waypoint{{Lat: 1, Lng: 2}}}
	var tk map[string]any
	require.Equal(t, http.StatusCreated, call(t, srv, "POST", "/missions/distribute",
		map[string]any{"mission": mission, "deviceId": "unit-9", "presenceSessionId": sess["sessionId"]}, &tk))
	qr, _ := tk["qr"].(string)
	require.NotEmpty(t, qr)

	// the payload names unit-9, but a caller cannot claim that identity here
	assert.Equal(t, http.StatusBadRequest, call(t, srv, "POST", "/qr/consume",
		map[string]string{"qr": qr, "credential": code, "deviceId": "unit-9"}, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, srv, "POST", "/qr/consume",
		map[string]string{"qr": qr, "credential": code}, nil))
}

func TestCredentialNeedsFiveTypes(t *testing.T) {
	srv := newServer(t)
	call(t, srv, "POST", "/results", models.TestResult{TestType: models.TestMemory, Score: 50}, nil)
	var errBody map[string]string
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, srv, "POST", "/credential", nil, &errBody))
}

func TestMalformedBody(t *testing.T) {
	srv := newServer(t)
	resp, err := srv.Client().Post(srv.URL+"/results", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsumeIsRateLimited(t *testing.T) {
	srv := newServer(t)
	statuses := map[int]int{}
	for i := 0; i < 6; i++ {
		statuses[call(t, srv, "POST", "/qr/consume", map[string]string{"qr": "garbage"}, nil)]++
	}
	assert.Equal(t, 3, statuses[http.StatusBadRequest])
	assert.GreaterOrEqual(t, statuses[http.StatusTooManyRequests], 2)
}

func TestUnlockProfileAndWipe(t *testing.T) {
	srv := newServer(t)
	scenario(t, srv)

	var enrolled map[string]string
	require.Equal(t, http.StatusCreated, call(t, srv, "POST", "/secret", map[string]string{"pin": "1357"}, &enrolled))
	assert.Equal(t, "1358", enrolled["duressPin"])

	var sess map[string]string
	require.Equal(t, http.StatusOK, call(t, srv, "POST", "/unlock", map[string]string{"pin": "1357"}, &sess))

	req, err := http.NewRequest("GET", srv.URL+"/profile", nil)
	require.NoError(t, err)
	req.Header.Set(SessionHeader, sess["sessionId"])
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, call(t, srv, "POST", "/unlock", map[string]string{"pin": "9999"}, nil))

	var wipe struct {
		Success       bool `json:"success"`
		ItemsShredded int  `json:"itemsShredded"`
		KeysDestroyed int  `json:"keysDestroyed"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, "POST", "/panic-wipe", nil, &wipe))
	assert.True(t, wipe.Success)
	assert.Positive(t, wipe.ItemsShredded)

	var verify map[string]any
	require.Equal(t, http.StatusOK, call(t, srv, "GET", "/destruction/all", nil, &verify))
	assert.Equal(t, true, verify["destroyed"])
	assert.Equal(t, http.StatusUnprocessableEntity, call(t, srv, "GET", "/destruction/everything", nil, nil))
}

func TestScanEndpoint(t *testing.T) {
	srv := newServer(t)
	var out struct {
		Report   models.TamperReport `json:"report"`
		Progress []scanProgress      `json:"progress"`
	}
	env := map[string]any{"userAgent": "Mozilla/5.0 (Windows NT 10.0)", "platform": "Win32", "globals": []string{"webdriver"}}
	require.Equal(t, http.StatusOK, call(t, srv, "POST", "/integrity/scan", env, &out))
	assert.NotEmpty(t, out.Progress)
	assert.Equal(t, len(out.Report.Checks), len(out.Progress))
	assert.NotEqual(t, models.ActionAllow, out.Report.RecommendedAction)

	var log []models.TamperReport
	require.Equal(t, http.StatusOK, call(t, srv, "GET", "/integrity/log", nil, &log))
	require.Len(t, log, 1)
}

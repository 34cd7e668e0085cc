package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/harrylevesque/hcsguard/internal/crypto"
	"github.com/harrylevesque/hcsguard/internal/integrity"
	"github.com/harrylevesque/hcsguard/internal/models"
	"github.com/harrylevesque/hcsguard/internal/presence"
	"github.com/harrylevesque/hcsguard/internal/service"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

// SessionHeader carries the unlock session id.
const SessionHeader = "X-HCS-Session"

type Handlers struct {
	svc *service.Service
	log *slog.Logger
}

func NewHandlers(svc *service.Service, log *slog.Logger) *Handlers {
	return &Handlers{svc: svc, log: utils.Component(log, "api")}
}

// GetTimeHandler returns the current server time in RFC3339 format.
func (h *Handlers) GetTimeHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]string{"time": time.Now().Format(time.RFC3339)})
}

func (h *Handlers) GetDeviceIDHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusOK, map[string]string{"deviceId": h.svc.DeviceID()})
}

// RecordResultHandler stores one test result and returns its id.
func (h *Handlers) RecordResultHandler(w http.ResponseWriter, r *http.Request) {
	var res models.TestResult
	if err := decode(w, r, &res); err != nil {
		ErrorResponse(w, err)
		return
	}
	id, err := h.svc.RecordResult(r.Context(), res)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusCreated, map[string]string{"id": id, "profileId": h.svc.ProfileID()})
}

type credentialRequest struct {
	Results []models.TestResult `json:"results,omitempty"`
}

// GenerateCredentialHandler derives the HCS code from the posted results, or
// from the stored results when none are posted.
func (h *Handlers) GenerateCredentialHandler(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			ErrorResponse(w, err)
			return
		}
	}
	code, err := h.svc.GenerateCredential(r.Context(), req.Results)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusCreated, map[string]string{"credential": code})
}

type encryptRequest struct {
	Mission    models.Mission `json:"mission"`
	Credential string         `json:"credential,omitempty"`
}

func (h *Handlers) EncryptMissionHandler(w http.ResponseWriter, r *http.Request) {
	var req encryptRequest
	if err := decode(w, r, &req); err != nil {
		ErrorResponse(w, err)
		return
	}
	p, err := h.svc.EncryptMission(r.Context(), req.Mission, req.Credential)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusCreated, p)
}

// BuildQRHandler turns a payload into barcode data.
func (h *Handlers) BuildQRHandler(w http.ResponseWriter, r *http.Request) {
	var p crypto.Payload
	if err := decode(w, r, &p); err != nil {
		ErrorResponse(w, err)
		return
	}
	qr, err := h.svc.BuildQRData(&p)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]string{"qr": qr})
}

// consumeRequest has no device field: the redeeming device is always this
// server's own identity, never one named by the caller.
type consumeRequest struct {
	QR         string `json:"qr"`
	Credential string `json:"credential,omitempty"`
}

func (h *Handlers) ConsumeQRHandler(w http.ResponseWriter, r *http.Request) {
	var req consumeRequest
	if err := decode(w, r, &req); err != nil {
		ErrorResponse(w, err)
		return
	}
	m, err := h.svc.ConsumeQRWith(r.Context(), req.QR, req.Credential, h.svc.DeviceID())
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, m)
}

func (h *Handlers) DistributeHandler(w http.ResponseWriter, r *http.Request) {
	var req service.DistributeRequest
	if err := decode(w, r, &req); err != nil {
		ErrorResponse(w, err)
		return
	}
	t, err := h.svc.Distribute(r.Context(), req)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusCreated, t)
}

type destroyRequest struct {
	DestructionKey string `json:"destructionKey"`
}

func (h *Handlers) DestroyTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req destroyRequest
	if err := decode(w, r, &req); err != nil {
		ErrorResponse(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.svc.DestroyToken(r.Context(), req.DestructionKey, id); err != nil {
		ErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) MissionStateHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := h.svc.MissionState(r.Context(), id)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]string{"missionId": id, "state": string(st)})
}

type scanProgress struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Name  string `json:"name"`
}

type scanResponse struct {
	Report   *models.TamperReport `json:"report"`
	Progress []scanProgress       `json:"progress"`
}

// ScanHandler runs the integrity battery. The body is an optional client
// environment snapshot.
func (h *Handlers) ScanHandler(w http.ResponseWriter, r *http.Request) {
	var env *integrity.Environment
	if r.ContentLength != 0 {
		env = &integrity.Environment{}
		if err := decode(w, r, env); err != nil {
			ErrorResponse(w, err)
			return
		}
	}
	var progress []scanProgress
	report, err := h.svc.PerformFullScan(r.Context(), env, func(i, total int, name string) {
		progress = append(progress, scanProgress{Index: i, Total: total, Name: name})
	})
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, scanResponse{Report: report, Progress: progress})
}

func (h *Handlers) TamperLogHandler(w http.ResponseWriter, r *http.Request) {
	log, err := h.svc.TamperLog(r.Context())
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, log)
}

type pinRequest struct {
	PIN string `json:"pin"`
}

// EnrollSecretHandler provisions the unlock PIN and returns the duress PIN once.
func (h *Handlers) EnrollSecretHandler(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decode(w, r, &req); err != nil {
		ErrorResponse(w, err)
		return
	}
	duressPIN, err := h.svc.EnrollSecret(r.Context(), req.PIN)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusCreated, map[string]string{"duressPin": duressPIN})
}

func (h *Handlers) UnlockHandler(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decode(w, r, &req); err != nil {
		ErrorResponse(w, err)
		return
	}
	id, err := h.svc.Unlock(r.Context(), req.PIN)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Header.Get(SessionHeader))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ProfileHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Profile(r.Context(), r.Header.Get(SessionHeader))
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, p)
}

func (h *Handlers) MissionsHandler(w http.ResponseWriter, r *http.Request) {
	ms, err := h.svc.Missions(r.Context(), r.Header.Get(SessionHeader))
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, ms)
}

func (h *Handlers) StartPresenceHandler(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, http.StatusCreated, map[string]string{"sessionId": h.svc.StartPresence()})
}

func (h *Handlers) ChallengeHandler(w http.ResponseWriter, r *http.Request) {
	var smp presence.Sample
	if err := decode(w, r, &smp); err != nil {
		ErrorResponse(w, err)
		return
	}
	cl, err := h.svc.RecordChallenge(mux.Vars(r)["id"], smp)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, cl)
}

// PanicWipeHandler destroys everything on a single call.
func (h *Handlers) PanicWipeHandler(w http.ResponseWriter, r *http.Request) {
	res := h.svc.PanicWipe(r.Context())
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	JSONResponse(w, status, res)
}

func (h *Handlers) VerifyDestructionHandler(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	ok, err := h.svc.VerifyDestruction(r.Context(), scope)
	if err != nil {
		ErrorResponse(w, err)
		return
	}
	JSONResponse(w, http.StatusOK, map[string]any{"scope": scope, "destroyed": ok})
}

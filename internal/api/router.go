package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/harrylevesque/hcsguard/internal/service"
	"github.com/harrylevesque/hcsguard/internal/utils"
)

func NewRouter(svc *service.Service, cfg utils.ServerConfig, log *slog.Logger) *mux.Router {
	h := NewHandlers(svc, log)
	consumeLimit := NewRateLimiter(cfg.ConsumeRatePerSec, cfg.ConsumeBurst)
	unlockLimit := NewRateLimiter(cfg.ConsumeRatePerSec, cfg.ConsumeBurst)

	r := mux.NewRouter()
	r.Use(logRequests(h.log))
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "OK")
	}).Methods("GET")
	r.HandleFunc("/time", h.GetTimeHandler).Methods("GET")
	r.HandleFunc("/deviceid", h.GetDeviceIDHandler).Methods("GET")

	r.HandleFunc("/results", h.RecordResultHandler).Methods("POST")
	r.HandleFunc("/credential", h.GenerateCredentialHandler).Methods("POST")
	r.HandleFunc("/missions/encrypt", h.EncryptMissionHandler).Methods("POST")
	r.HandleFunc("/qr", h.BuildQRHandler).Methods("POST")
	r.Handle("/qr/consume", consumeLimit.Middleware(http.HandlerFunc(h.ConsumeQRHandler))).Methods("POST")
	r.HandleFunc("/missions/distribute", h.DistributeHandler).Methods("POST")
	r.HandleFunc("/missions/{id}/state", h.MissionStateHandler).Methods("GET")
	r.HandleFunc("/missions/{id}/token", h.DestroyTokenHandler).Methods("DELETE")

	r.HandleFunc("/integrity/scan", h.ScanHandler).Methods("POST")
	r.HandleFunc("/integrity/log", h.TamperLogHandler).Methods("GET")

	r.HandleFunc("/secret", h.EnrollSecretHandler).Methods("POST")
	r.Handle("/unlock", unlockLimit.Middleware(http.HandlerFunc(h.UnlockHandler))).Methods("POST")
	r.HandleFunc("/logout", h.LogoutHandler).Methods("POST")
	r.HandleFunc("/profile", h.ProfileHandler).Methods("GET")
	r.HandleFunc("/missions", h.MissionsHandler).Methods("GET")

	r.HandleFunc("/presence/sessions", h.StartPresenceHandler).Methods("POST")
	r.HandleFunc("/presence/sessions/{id}/challenges", h.ChallengeHandler).Methods("POST")

	r.HandleFunc("/panic-wipe", h.PanicWipeHandler).Methods("POST")
	r.HandleFunc("/destruction/{scope}", h.VerifyDestructionHandler).Methods("GET")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// logRequests logs method, route, status and latency. Bodies are never logged.
func logRequests(log *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			log.Debug("request", "method", r.Method, "route", route, "status", sr.status, "duration", time.Since(start))
		})
	}
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harrylevesque/hcsguard/internal/utils"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

// JSONResponse writes payload as JSON with status.
func JSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// ErrorResponse writes {"error": ...} with the status mapped from err.
// Decryption failures always carry the same generic message.
func ErrorResponse(w http.ResponseWriter, err error) {
	status := utils.StatusOf(err)
	msg := err.Error()
	switch {
	case errors.Is(err, utils.ErrDecryptionFailed):
		msg = utils.ErrDecryptionFailed.Error()
	case status == http.StatusInternalServerError:
		msg = "internal error"
	}
	JSONResponse(w, status, map[string]string{"error": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return utils.Wrap(http.StatusBadRequest, "malformed request body", err)
	}
	return nil
}

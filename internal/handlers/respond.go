package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/clubpoints/backend/internal/services"
)

const maxBodyBytes = 1_048_576 // 1 MB

// decodeStrict decodes exactly one JSON object from the request body,
// rejecting unknown fields and trailing content.
func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBodyBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeServiceError maps the engine's error taxonomy to HTTP codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var code string
	var status int

	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		code, status = "INVALID_REQUEST", http.StatusBadRequest
	case errors.Is(err, services.ErrAccountNotFound):
		code, status = "ACCOUNT_NOT_FOUND", http.StatusNotFound
	case errors.Is(err, services.ErrInsufficientBalance):
		code, status = "INSUFFICIENT_BALANCE", http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrConcurrencyConflict):
		code, status = "CONCURRENCY_CONFLICT", http.StatusConflict
	case errors.Is(err, services.ErrVerificationFailed):
		code, status = "EXTERNAL_VERIFICATION_FAILED", http.StatusBadGateway
	default:
		code, status = "STORAGE_FAILURE", http.StatusInternalServerError
	}

	writeJSON(w, status, services.ErrorResponse{Error: err.Error(), Code: code})
}

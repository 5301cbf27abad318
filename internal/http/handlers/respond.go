package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/signalix/keyserver/internal/errs"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// respondWithJSON sends v as JSON with the given status
func respondWithJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// respondWithError sends the failure envelope {"message", "status"}
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]any{
		"message": message,
		"status":  statusCode,
	})
}

// respondWithServiceError maps a service error to its HTTP outcome.
// Anything that is not a known rejection is logged and reported as a bare 500.
func respondWithServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidPhone):
		respondWithError(w, http.StatusBadRequest, "Invalid phone number")
	case errors.Is(err, errs.ErrInvalidKeyEncoding):
		respondWithError(w, http.StatusBadRequest, "Invalid key encoding")
	case errors.Is(err, errs.ErrRateLimited):
		if wait, ok := errs.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		respondWithError(w, http.StatusTooManyRequests, "Please wait a bit for another code")
	case errors.Is(err, errs.ErrCodeNotFound),
		errors.Is(err, errs.ErrBadCode),
		errors.Is(err, errs.ErrUnauthorized):
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, errs.ErrLocked):
		respondWithError(w, http.StatusForbidden, "Your account has been blocked for security reasons, please retry later.")
	case errors.Is(err, errs.ErrAlreadyExists):
		respondWithError(w, http.StatusConflict, "Keys already uploaded")
	case errors.Is(err, errs.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Not found")
	default:
		log.Error("request failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

// decodeJSON reads a bounded JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("decode body: trailing data")
	}
	return nil
}

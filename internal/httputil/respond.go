package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/calant/stepup/pkg/domain"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON writes v as a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// DomainError maps a domain sentinel to its status code and writes the
// error response. Unknown errors become a generic 500 so internal detail
// never reaches callers.
func DomainError(w http.ResponseWriter, err error) {
	status, message := statusForError(err)
	Error(w, status, message)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated),
		errors.Is(err, domain.ErrInvalidToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, domain.ErrNoFactorToVerify):
		return http.StatusBadRequest, "no factor to verify"
	case errors.Is(err, domain.ErrChallengeExpired):
		return http.StatusBadRequest, "challenge expired"
	case errors.Is(err, domain.ErrChallengeInvalid):
		return http.StatusBadRequest, "invalid challenge"
	case errors.Is(err, domain.ErrDuplicateCredential):
		return http.StatusBadRequest, "credential already registered"
	case errors.Is(err, domain.ErrVerificationFailed):
		return http.StatusBadRequest, "verification failed"
	case errors.Is(err, domain.ErrLastFactorRequired):
		return http.StatusForbidden, "cannot remove the last factor"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "identity provider unavailable"
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict, "concurrent update, retry"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/signalix/mailer/internal/common"
	"github.com/signalix/mailer/internal/logging"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeValid reads a JSON body into B and validates its struct tags
func decodeValid[B any](w http.ResponseWriter, r *http.Request) (B, error) {
	var body B
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return body, common.Invalid("invalid request body")
	}
	if err := validate.Struct(body); err != nil {
		return body, validationError(err)
	}
	return body, nil
}

// validationError turns validator output into a single user-facing message
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return common.Invalid("invalid request")
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return common.Invalid("%s is required", field)
	case "email":
		return common.Invalid("%s must be a valid email", field)
	case "min":
		return common.Invalid("%s must be at least %s characters", field, fe.Param())
	case "max":
		return common.Invalid("%s must be at most %s characters", field, fe.Param())
	case "oneof":
		return common.Invalid("%s must be one of: %s", field, fe.Param())
	}
	return common.Invalid("%s is invalid", field)
}

// respondJSON writes v with the given status
func respondJSON(w http.ResponseWriter, statusCode int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}

// respondWithServiceError maps a core error to its status code. Unclassified
// errors are logged and reported as a bare 500.
func respondWithServiceError(w http.ResponseWriter, r *http.Request, log logging.Logger, err error) {
	var locked *common.LockedError
	var invalid *common.ValidationError
	switch {
	case errors.As(err, &invalid):
		respondWithError(w, http.StatusBadRequest, invalid.Message)
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", retryAfterSeconds(locked))
		respondWithError(w, http.StatusTooManyRequests, "account_locked")
	case errors.Is(err, common.ErrInvalidCredentials):
		respondWithError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, common.ErrUnauthenticated), errors.Is(err, common.ErrInvalidSession):
		respondWithError(w, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, common.ErrDuplicateIdentity):
		respondWithError(w, http.StatusConflict, "email_taken")
	case errors.Is(err, common.ErrRecipientNotFound):
		respondWithError(w, http.StatusNotFound, "recipient_not_found")
	case errors.Is(err, common.ErrSelfMessaging):
		respondWithError(w, http.StatusBadRequest, "self_messaging_not_allowed")
	case errors.Is(err, common.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "not_found")
	default:
		log.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal_error")
	}
}

func retryAfterSeconds(locked *common.LockedError) string {
	secs := int64(math.Ceil(locked.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// queryInt parses an optional integer query parameter
func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, common.Invalid("%s must be an integer", name)
	}
	return n, nil
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/locking"
	"bank-reconciliation/internal/models"
)

const userHeader = "X-User-ID"

type ErrorResponse struct {
	Error  string            `json:"error"`
	Field  string            `json:"field,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "Error marshaling JSON response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrEntryValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidSessionState),
		errors.Is(err, models.ErrAlreadyMatched),
		errors.Is(err, models.ErrNotMatched),
		errors.Is(err, models.ErrCrossSessionMismatch),
		errors.Is(err, locking.ErrNotObtained):
		return http.StatusConflict
	case errors.Is(err, models.ErrBulkLimitExceeded):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func respondWithServiceError(w http.ResponseWriter, logger logrus.FieldLogger, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).WithError(err).Error("request failed")
		respondWithError(w, code, "internal server error")
		return
	}

	resp := ErrorResponse{Error: err.Error()}
	var verr *models.EntryValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	respondWithJSON(w, code, resp)
}

func processValidationErrors(err error) map[string]string {
	fields := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, ve := range validationErrors {
			fields[ve.Field()] = ve.Tag()
		}
	}
	return fields
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	if err := v.Struct(dst); err != nil {
		respondWithJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "Invalid request payload",
			Fields: processValidationErrors(err),
		})
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}

// actor returns the caller identity. Mutating routes reject requests without one.
func actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		respondWithError(w, http.StatusBadRequest, userHeader+" header is required")
		return "", false
	}
	return user, true
}

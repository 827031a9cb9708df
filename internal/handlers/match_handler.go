package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/matching"
	"bank-reconciliation/internal/services"
)

type MatchHandler struct {
	matches  *services.MatchService
	validate *validator.Validate
	logger   logrus.FieldLogger
}

func NewMatchHandler(matches *services.MatchService, validate *validator.Validate, logger logrus.FieldLogger) *MatchHandler {
	return &MatchHandler{matches: matches, validate: validate, logger: logger}
}

type matchRequest struct {
	ERPEntryID  int64  `json:"erp_entry_id" validate:"required,gt=0"`
	BankEntryID int64  `json:"bank_entry_id" validate:"required,gt=0"`
	MatchType   string `json:"match_type" validate:"omitempty,oneof=exact partial manual"`
	Notes       string `json:"notes"`
}

func (h *MatchHandler) CreateMatch(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var request matchRequest
	if !decodeAndValidate(w, r, h.validate, &request) {
		return
	}

	match, err := h.matches.Match(r.Context(), sessionID, services.MatchRequest{
		ERPEntryID:  request.ERPEntryID,
		BankEntryID: request.BankEntryID,
		MatchType:   request.MatchType,
		Notes:       request.Notes,
	}, user)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, match)
}

func (h *MatchHandler) Unmatch(w http.ResponseWriter, r *http.Request) {
	entryID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.matches.Unmatch(r.Context(), entryID, user); err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkMatchRequest struct {
	Criteria          matching.Criteria `json:"criteria" validate:"required,oneof=amount_only amount_date reference description"`
	DateToleranceDays *int              `json:"date_tolerance_days" validate:"omitempty,gte=0"`
	AmountTolerance   *decimal.Decimal  `json:"amount_tolerance"`
	AutoConfirm       bool              `json:"auto_confirm"`
}

func (h *MatchHandler) BulkMatch(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var request bulkMatchRequest
	if !decodeAndValidate(w, r, h.validate, &request) {
		return
	}
	// Dry runs do not require a caller identity.
	user := r.Header.Get(userHeader)
	if request.AutoConfirm {
		if user, ok = actor(w, r); !ok {
			return
		}
	}

	result, err := h.matches.BulkMatch(r.Context(), sessionID, services.BulkMatchRequest{
		Criteria:          request.Criteria,
		DateToleranceDays: request.DateToleranceDays,
		AmountTolerance:   request.AmountTolerance,
		AutoConfirm:       request.AutoConfirm,
	}, user)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

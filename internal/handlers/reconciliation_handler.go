package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/models"
	"bank-reconciliation/internal/services"
)

type ReconciliationHandler struct {
	sessions *services.ReconciliationService
	reports  *services.ReportService
	validate *validator.Validate
	logger   logrus.FieldLogger
}

func NewReconciliationHandler(sessions *services.ReconciliationService, reports *services.ReportService, validate *validator.Validate, logger logrus.FieldLogger) *ReconciliationHandler {
	return &ReconciliationHandler{
		sessions: sessions,
		reports:  reports,
		validate: validate,
		logger:   logger,
	}
}

type createSessionRequest struct {
	BankAccountID      string          `json:"bank_account_id" validate:"required"`
	Name               string          `json:"name" validate:"max=255"`
	ReconciliationDate string          `json:"reconciliation_date" validate:"required,datetime=2006-01-02"`
	ToleranceAmount    decimal.Decimal `json:"tolerance_amount"`
	OpeningBalanceERP  decimal.Decimal `json:"opening_balance_erp"`
	OpeningBalanceBank decimal.Decimal `json:"opening_balance_bank"`
	Notes              string          `json:"notes"`
}

func (h *ReconciliationHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var request createSessionRequest
	if !decodeAndValidate(w, r, h.validate, &request) {
		return
	}
	date, _ := time.Parse(models.DateLayout, request.ReconciliationDate)

	session, err := h.sessions.Create(r.Context(), services.CreateSessionInput{
		BankAccountID:      request.BankAccountID,
		Name:               request.Name,
		ReconciliationDate: date,
		ToleranceAmount:    request.ToleranceAmount,
		OpeningBalanceERP:  request.OpeningBalanceERP,
		OpeningBalanceBank: request.OpeningBalanceBank,
		Notes:              request.Notes,
	}, user)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, session)
}

func (h *ReconciliationHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.SessionFilter{
		BankAccountID: query.Get("bank_account_id"),
		Status:        models.SessionStatus(query.Get("status")),
	}
	for param, dst := range map[string]**time.Time{"date_from": &filter.DateFrom, "date_to": &filter.DateTo} {
		raw := query.Get(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s format. Use YYYY-MM-DD", param))
			return
		}
		*dst = &t
	}

	sessions, err := h.sessions.List(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.ReconciliationSession{}
	}
	respondWithJSON(w, http.StatusOK, sessions)
}

func (h *ReconciliationHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	session, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}

func (h *ReconciliationHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Complete)
}

func (h *ReconciliationHandler) LockSession(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.sessions.Lock)
}

func (h *ReconciliationHandler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64, actor string) (*models.ReconciliationSession, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	session, err := fn(r.Context(), id, user)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, session)
}

func (h *ReconciliationHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	trail, err := h.sessions.Audit(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	if trail == nil {
		trail = []*models.ReconciliationAudit{}
	}
	respondWithJSON(w, http.StatusOK, trail)
}

func boolParam(r *http.Request, name string, fallback bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}

func (h *ReconciliationHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	opts := services.DefaultReportOptions()
	for name, dst := range map[string]*bool{
		"include_matched":   &opts.IncludeMatched,
		"include_unmatched": &opts.IncludeUnmatched,
		"include_notes":     &opts.IncludeNotes,
	} {
		v, err := boolParam(r, name, *dst)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid "+name)
			return
		}
		*dst = v
	}

	report, err := h.reports.Generate(r.Context(), id, opts)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		respondWithJSON(w, http.StatusOK, report)
	case "xlsx":
		var buf bytes.Buffer
		if err := services.ExportXLSX(report, &buf); err != nil {
			respondWithServiceError(w, h.logger, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=reconciliation-%d.xlsx", id))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	default:
		respondWithError(w, http.StatusBadRequest, "format must be json or xlsx")
	}
}

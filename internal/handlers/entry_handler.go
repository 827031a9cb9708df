package handlers

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bank-reconciliation/internal/models"
	"bank-reconciliation/internal/services"
)

const (
	maxUploadSize = 32 << 20
	// Tag for rows posted as JSON without a source.
	defaultImportSource = "api"
)

type EntryHandler struct {
	entries  *services.EntryService
	imports  *services.DataIngestionService
	validate *validator.Validate
	logger   logrus.FieldLogger
}

func NewEntryHandler(entries *services.EntryService, imports *services.DataIngestionService, validate *validator.Validate, logger logrus.FieldLogger) *EntryHandler {
	return &EntryHandler{
		entries:  entries,
		imports:  imports,
		validate: validate,
		logger:   logger,
	}
}

type addEntryRequest struct {
	Side            models.Side     `json:"side" validate:"required,oneof=erp bank"`
	TransactionDate string          `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Description     string          `json:"description" validate:"required,max=500"`
	ReferenceNumber string          `json:"reference_number" validate:"max=100"`
	Debit           decimal.Decimal `json:"debit"`
	Credit          decimal.Decimal `json:"credit"`
	LedgerAccount   string          `json:"ledger_account" validate:"max=50"`
	ImportSource    string          `json:"import_source"`
	ImportReference string          `json:"import_reference"`
	MatchNotes      string          `json:"match_notes"`
}

func (h *EntryHandler) AddEntry(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var request addEntryRequest
	if !decodeAndValidate(w, r, h.validate, &request) {
		return
	}
	date, _ := time.Parse(models.DateLayout, request.TransactionDate)

	entry, err := h.entries.Add(r.Context(), sessionID, services.EntryInput{
		Side:            request.Side,
		TransactionDate: date,
		Description:     request.Description,
		ReferenceNumber: request.ReferenceNumber,
		Debit:           request.Debit,
		Credit:          request.Credit,
		LedgerAccount:   request.LedgerAccount,
		ImportSource:    request.ImportSource,
		ImportReference: request.ImportReference,
		MatchNotes:      request.MatchNotes,
	}, user)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, entry)
}

func (h *EntryHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	side := models.Side(r.URL.Query().Get("side"))
	if side != "" && !side.Valid() {
		respondWithError(w, http.StatusBadRequest, "side must be erp or bank")
		return
	}
	unmatched := false
	if raw := r.URL.Query().Get("unmatched"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid unmatched")
			return
		}
		unmatched = v
	}

	var (
		entries []*models.LedgerEntry
		err     error
	)
	if unmatched {
		entries, err = h.entries.ListUnmatched(r.Context(), sessionID, side)
	} else {
		entries, err = h.entries.List(r.Context(), sessionID, side)
	}
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *EntryHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.entries.Get(r.Context(), id)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

type updateEntryRequest struct {
	TransactionDate *string          `json:"transaction_date" validate:"omitempty,datetime=2006-01-02"`
	Description     *string          `json:"description" validate:"omitempty,max=500"`
	ReferenceNumber *string          `json:"reference_number" validate:"omitempty,max=100"`
	Debit           *decimal.Decimal `json:"debit"`
	Credit          *decimal.Decimal `json:"credit"`
	LedgerAccount   *string          `json:"ledger_account" validate:"omitempty,max=50"`
	MatchNotes      *string          `json:"match_notes"`
}

func (h *EntryHandler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var request updateEntryRequest
	if !decodeAndValidate(w, r, h.validate, &request) {
		return
	}

	update := services.EntryUpdate{
		Description:     request.Description,
		ReferenceNumber: request.ReferenceNumber,
		Debit:           request.Debit,
		Credit:          request.Credit,
		LedgerAccount:   request.LedgerAccount,
		MatchNotes:      request.MatchNotes,
	}
	if request.TransactionDate != nil {
		date, _ := time.Parse(models.DateLayout, *request.TransactionDate)
		update.TransactionDate = &date
	}

	entry, err := h.entries.Update(r.Context(), id, update, user)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entry)
}

func (h *EntryHandler) RemoveEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	if err := h.entries.Remove(r.Context(), id, user); err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	Rows       [][]string             `json:"rows" validate:"required,min=1"`
	Mapping    services.ColumnMapping `json:"mapping"`
	DateFormat string                 `json:"date_format"`
	Source     string                 `json:"source"`
	FileID     string                 `json:"file_id"`
}

func (h *EntryHandler) ImportEntries(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	var request importRequest
	if !decodeAndValidate(w, r, h.validate, &request) {
		return
	}
	if request.Source == "" {
		request.Source = defaultImportSource
	}
	h.runImport(w, r, sessionID, services.ImportRequest{
		Rows:       request.Rows,
		Mapping:    request.Mapping,
		DateFormat: request.DateFormat,
		Source:     request.Source,
		FileID:     request.FileID,
	}, user)
}

// ImportFile accepts a multipart upload in field "file". The optional
// "mapping" field carries the column mapping as JSON.
func (h *EntryHandler) ImportFile(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	user, ok := actor(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	var mapping services.ColumnMapping
	if raw := r.FormValue("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid mapping")
			return
		}
	}

	rows, err := services.ReadStatementFile(file, header.Filename)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	source := r.FormValue("source")
	if source == "" {
		source = strings.TrimPrefix(filepath.Ext(header.Filename), ".")
	}
	fileID := r.FormValue("file_id")
	if fileID == "" {
		fileID = header.Filename
	}
	h.runImport(w, r, sessionID, services.ImportRequest{
		Rows:       rows,
		Mapping:    mapping,
		DateFormat: r.FormValue("date_format"),
		Source:     source,
		FileID:     fileID,
	}, user)
}

func (h *EntryHandler) runImport(w http.ResponseWriter, r *http.Request, sessionID int64, req services.ImportRequest, user string) {
	result, err := h.imports.ImportBankEntries(r.Context(), sessionID, req, user)
	if err != nil {
		respondWithServiceError(w, h.logger, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

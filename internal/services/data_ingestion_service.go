package services

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"bank-reconciliation/internal/locking"
	"bank-reconciliation/internal/models"
)

var ErrUnsupportedFile = errors.New("unsupported file type")

type DataIngestionService struct {
	store
}

func NewDataIngestionService(db *sql.DB, locker locking.Locker, repos Repositories, logger logrus.FieldLogger) *DataIngestionService {
	return &DataIngestionService{store: newStore(db, locker, repos, logger)}
}

// ColumnMapping names the header of each statement column. Empty names use
// date, description, reference, debit and credit.
type ColumnMapping struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
}

type ImportRequest struct {
	// Rows holds the statement with its header as the first row.
	Rows       [][]string
	Mapping    ColumnMapping
	DateFormat string
	Source     string
	FileID     string
}

type ImportResult struct {
	Imported int                      `json:"imported"`
	Failed   int                      `json:"failed"`
	Errors   []*models.ImportRowError `json:"errors"`
}

type columnIndex struct {
	date, description, reference, debit, credit int
}

func (m ColumnMapping) resolve(header []string) (columnIndex, error) {
	positions := make(map[string]int, len(header))
	for i, h := range header {
		positions[strings.ToLower(strings.TrimSpace(h))] = i
	}
	find := func(field, name, fallback string, required bool) (int, error) {
		if name == "" {
			name = fallback
		}
		i, ok := positions[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			if required {
				return -1, &models.EntryValidationError{Field: "mapping." + field, Reason: fmt.Sprintf("column %q not found in header", name)}
			}
			return -1, nil
		}
		return i, nil
	}

	var idx columnIndex
	var err error
	if idx.date, err = find("date", m.Date, "date", true); err != nil {
		return idx, err
	}
	if idx.description, err = find("description", m.Description, "description", true); err != nil {
		return idx, err
	}
	if idx.reference, err = find("reference", m.Reference, "reference", false); err != nil {
		return idx, err
	}
	if idx.debit, err = find("debit", m.Debit, "debit", true); err != nil {
		return idx, err
	}
	if idx.credit, err = find("credit", m.Credit, "credit", true); err != nil {
		return idx, err
	}
	return idx, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// parseAmount strips thousands separators. An empty cell is zero.
func parseAmount(raw string) (decimal.Decimal, error) {
	clean := strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(raw)
	if clean == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(clean)
}

func blankRow(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ImportBankEntries turns statement rows into bank entries. Bad rows are
// reported and skipped; the rest of the batch is committed in one transaction.
// Row numbers count the header as row 1.
func (s *DataIngestionService) ImportBankEntries(ctx context.Context, sessionID int64, req ImportRequest, actor string) (*ImportResult, error) {
	if len(req.Rows) == 0 {
		return nil, &models.EntryValidationError{Field: "rows", Reason: "header row is required"}
	}
	idx, err := req.Mapping.resolve(req.Rows[0])
	if err != nil {
		return nil, err
	}
	layout := req.DateFormat
	if layout == "" {
		layout = models.DateLayout
	}

	result := &ImportResult{Errors: []*models.ImportRowError{}}
	err = s.inSession(ctx, sessionID, func(tx *sql.Tx) error {
		session, err := s.mutableSession(ctx, tx, sessionID, "import entries into")
		if err != nil {
			return err
		}

		for i, row := range req.Rows[1:] {
			rowNo := i + 2
			if blankRow(row) {
				continue
			}
			entry, rowErr := buildBankEntry(sessionID, row, idx, layout, req)
			if rowErr != nil {
				result.Errors = append(result.Errors, &models.ImportRowError{Row: rowNo, Reason: rowErr.Error()})
				continue
			}
			if err := s.insertEntry(ctx, tx, session, entry); err != nil {
				return fmt.Errorf("row %d: %w", rowNo, err)
			}
			result.Imported++
		}
		result.Failed = len(result.Errors)

		if result.Imported > 0 {
			if err := s.aggregator.Recompute(ctx, tx, sessionID, models.SideBank); err != nil {
				return err
			}
		}
		return s.audit(ctx, tx, sessionID, models.AuditActionImported, actor, map[string]any{
			"source":   req.Source,
			"file_id":  req.FileID,
			"imported": result.Imported,
			"failed":   result.Failed,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import bank entries: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"imported":   result.Imported,
		"failed":     result.Failed,
		"file_id":    req.FileID,
	}).Info("bank statement imported")
	return result, nil
}

func buildBankEntry(sessionID int64, row []string, idx columnIndex, layout string, req ImportRequest) (*models.LedgerEntry, error) {
	rawDate := cell(row, idx.date)
	date, err := time.Parse(layout, rawDate)
	if err != nil {
		return nil, fmt.Errorf("unparseable date %q", rawDate)
	}
	debit, err := parseAmount(cell(row, idx.debit))
	if err != nil {
		return nil, fmt.Errorf("unparseable debit %q", cell(row, idx.debit))
	}
	credit, err := parseAmount(cell(row, idx.credit))
	if err != nil {
		return nil, fmt.Errorf("unparseable credit %q", cell(row, idx.credit))
	}

	entry := &models.LedgerEntry{
		SessionID:       sessionID,
		Side:            models.SideBank,
		TransactionDate: time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
		Description:     cell(row, idx.description),
		ReferenceNumber: cell(row, idx.reference),
		Debit:           debit,
		Credit:          credit,
		ImportSource:    req.Source,
		ImportReference: req.FileID,
	}
	if err := ValidateEntry(entry); err != nil {
		var verr *models.EntryValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%s %s", verr.Field, verr.Reason)
		}
		return nil, err
	}
	return entry, nil
}

// ReadStatementFile parses an uploaded csv or xlsx statement into rows. Only
// the first worksheet of a workbook is read.
func ReadStatementFile(r io.Reader, filename string) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		return reader.ReadAll()
	case ".xlsx":
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open workbook: %w", err)
		}
		defer f.Close()
		rows, err := f.GetRows(f.GetSheetName(0))
		if err != nil {
			return nil, fmt.Errorf("failed to read worksheet: %w", err)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, filename)
}

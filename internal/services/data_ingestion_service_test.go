package services

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"bank-reconciliation/internal/models"
)

func TestImportBankEntries(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")

	res, err := f.imports.ImportBankEntries(f.ctx, s.ID, ImportRequest{
		Rows: [][]string{
			{"Date", "Description", "Reference", "Debit", "Credit"},
			{"2024-03-01", "Card settlement", "ST-1", "", "1,250.50"},
			{"2024-03-02", "Fee", "", "12.00", ""},
			{"", "", "", "", ""},
			{"03/04/2024", "Wrong date", "", "", "5"},
			{"2024-03-05", "Both sides", "", "1", "1"},
			{"2024-03-06", "Bad amount", "", "abc", ""},
		},
		Source: "csv",
		FileID: "march.csv",
	}, actor)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 3, res.Failed)
	require.Len(t, res.Errors, 3)
	assert.Equal(t, 5, res.Errors[0].Row)
	assert.Equal(t, 6, res.Errors[1].Row)
	assert.Equal(t, 7, res.Errors[2].Row)
	assert.Contains(t, res.Errors[0].Reason, "date")

	entries, err := f.entries.List(f.ctx, s.ID, models.SideBank)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Credit.Equal(d("1250.50")))
	assert.Equal(t, "ST-1", entries[0].ReferenceNumber)
	assert.Equal(t, "csv", entries[0].ImportSource)
	assert.Equal(t, "march.csv", entries[0].ImportReference)
	assert.True(t, entries[1].Debit.Equal(d("12")))

	after := f.reload(s.ID)
	assert.True(t, after.TotalBankCredits.Equal(d("1250.50")))
	assert.True(t, after.TotalBankDebits.Equal(d("12")))
	assert.Equal(t, models.StatusInProgress, after.Status)

	trail, err := f.sessions.Audit(f.ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditActionImported, trail[len(trail)-1].Action)
}

func TestImportCustomMappingAndDateFormat(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")

	res, err := f.imports.ImportBankEntries(f.ctx, s.ID, ImportRequest{
		Rows: [][]string{
			{"Value Date", "Narrative", "Out", "In"},
			{"05/03/2024", "Transfer", "", "1 000.00"},
			{"06/03/2024", "Rent", "2 500.00", ""},
		},
		Mapping:    ColumnMapping{Date: "value date", Description: "Narrative", Debit: "Out", Credit: "In"},
		DateFormat: "02/01/2006",
	}, actor)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Empty(t, res.Errors)

	entries, err := f.entries.List(f.ctx, s.ID, models.SideBank)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, day(5), entries[0].TransactionDate.UTC())
	assert.True(t, entries[0].Credit.Equal(d("1000")))
	assert.True(t, entries[1].Debit.Equal(d("2500")))
	assert.Empty(t, entries[1].ReferenceNumber)
}

func TestImportRejectsMissingColumn(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")

	_, err := f.imports.ImportBankEntries(f.ctx, s.ID, ImportRequest{
		Rows: [][]string{{"date", "description", "debit"}, {"2024-03-01", "x", "1"}},
	}, actor)
	var verr *models.EntryValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "mapping.credit", verr.Field)

	_, err = f.imports.ImportBankEntries(f.ctx, s.ID, ImportRequest{}, actor)
	assert.ErrorIs(t, err, models.ErrEntryValidation)
}

func TestImportIntoLockedSession(t *testing.T) {
	f := newFixture(t)
	s := f.session("0", "0")
	_, err := f.sessions.Lock(f.ctx, s.ID, actor)
	require.NoError(t, err)

	_, err = f.imports.ImportBankEntries(f.ctx, s.ID, ImportRequest{
		Rows: [][]string{{"date", "description", "debit", "credit"}, {"2024-03-01", "x", "", "1"}},
	}, actor)
	assert.ErrorIs(t, err, models.ErrInvalidSessionState)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"12.5", "12.5", true},
		{"1,234,567.89", "1234567.89", true},
		{"1 234.00", "1234", true},
		{"9 999.99", "9999.99", true},
		{"12,5x", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseAmount(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}
}

func TestReadStatementFile(t *testing.T) {
	t.Run("csv", func(t *testing.T) {
		rows, err := ReadStatementFile(strings.NewReader("date,description,debit,credit\n2024-03-01, Fee,1.00,\n"), "Statement.CSV")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, []string{"2024-03-01", "Fee", "1.00", ""}, rows[1])
	})

	t.Run("xlsx", func(t *testing.T) {
		wb := excelize.NewFile()
		defer wb.Close()
		sheet := wb.GetSheetName(0)
		require.NoError(t, wb.SetSheetRow(sheet, "A1", &[]any{"date", "description", "debit", "credit"}))
		require.NoError(t, wb.SetSheetRow(sheet, "A2", &[]any{"2024-03-01", "Deposit", "", "40.00"}))
		var buf bytes.Buffer
		require.NoError(t, wb.Write(&buf))

		rows, err := ReadStatementFile(&buf, "statement.xlsx")
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Deposit", rows[1][1])
		assert.Equal(t, "40.00", rows[1][3])
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := ReadStatementFile(strings.NewReader("x"), "statement.pdf")
		assert.ErrorIs(t, err, ErrUnsupportedFile)
	})
}

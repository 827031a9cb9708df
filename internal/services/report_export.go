package services

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const (
	sheetSummary       = "Summary"
	sheetMatched       = "Matched"
	sheetUnmatchedERP  = "Unmatched ERP"
	sheetUnmatchedBank = "Unmatched Bank"
)

// ExportXLSX writes the report as a workbook with one sheet per section.
func ExportXLSX(report *Report, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return err
	}
	for _, name := range []string{sheetMatched, sheetUnmatchedERP, sheetUnmatchedBank} {
		if _, err := f.NewSheet(name); err != nil {
			return err
		}
	}

	sum := report.Summary
	summary := [][]any{
		{"Report", report.ID},
		{"Generated at", report.GeneratedAt.Format("2006-01-02 15:04:05")},
		{"Session", report.Session.Name},
		{"Account", report.Session.Account},
		{"Account name", report.Session.AccountName},
		{"Date", report.Session.Date},
		{"Status", string(report.Session.Status)},
		{"Opening ERP", sum.OpeningERP.String()},
		{"Opening bank", sum.OpeningBank.String()},
		{"Closing ERP", sum.ClosingERP.String()},
		{"Closing bank", sum.ClosingBank.String()},
		{"Difference", sum.Difference.String()},
		{"Tolerance", sum.Tolerance.String()},
		{"Balanced", sum.IsBalanced},
		{"Closing final", sum.ClosingFinal},
		{"Matched pairs", sum.MatchedPairs},
	}
	if err := writeRows(f, sheetSummary, summary); err != nil {
		return err
	}

	matched := [][]any{{"ERP date", "ERP description", "ERP reference", "ERP amount",
		"Bank date", "Bank description", "Bank reference", "Bank amount",
		"Difference", "Match type", "Confidence", "Notes"}}
	for _, p := range report.Entries.Matched {
		matched = append(matched, []any{
			p.ERP.Date, p.ERP.Description, p.ERP.Reference, p.ERP.Amount.String(),
			p.Bank.Date, p.Bank.Description, p.Bank.Reference, p.Bank.Amount.String(),
			p.Difference.String(), p.MatchType, p.Confidence.String(), p.Notes,
		})
	}
	if err := writeRows(f, sheetMatched, matched); err != nil {
		return err
	}

	if err := writeRows(f, sheetUnmatchedERP, lineRows(report.Entries.UnmatchedERP)); err != nil {
		return err
	}
	if err := writeRows(f, sheetUnmatchedBank, lineRows(report.Entries.UnmatchedBank)); err != nil {
		return err
	}

	return f.Write(w)
}

func lineRows(lines []ReportLine) [][]any {
	rows := [][]any{{"Entry", "Date", "Description", "Reference", "Amount"}}
	for _, l := range lines {
		rows = append(rows, []any{l.EntryID, l.Date, l.Description, l.Reference, l.Amount.String()})
	}
	return rows
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cellName, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cellName, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

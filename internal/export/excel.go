// Package export renders compliance reports for download.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/plnamente/blue-taurus/internal/compliance"
)

const (
	summarySheet = "Summary"
	resultsSheet = "Results"
)

var resultHeaders = []string{"Rule", "Title", "Status", "Output"}

// Excel renders r as an XLSX workbook with a summary sheet and one row per check.
func Excel(agentID string, r compliance.Report) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }() //nolint:errcheck // in-memory workbook

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	summary := [][]any{
		{"Agent", agentID},
		{"Policy", r.PolicyID},
		{"Score", r.Score},
		{"Passed", r.PassedChecks},
		{"Total", r.TotalChecks},
	}
	for i, row := range summary {
		if err := setRow(f, summarySheet, i+1, row); err != nil {
			return nil, err
		}
	}

	idx, err := f.NewSheet(resultsSheet)
	if err != nil {
		return nil, err
	}
	header := make([]any, len(resultHeaders))
	for i, h := range resultHeaders {
		header[i] = h
	}
	if err := setRow(f, resultsSheet, 1, header); err != nil {
		return nil, err
	}
	for i, c := range r.Results {
		if err := setRow(f, resultsSheet, i+2, []any{c.RuleID, c.Title, string(c.Status), c.Output}); err != nil {
			return nil, err
		}
	}
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	for c, v := range values {
		cell, err := excelize.CoordinatesToCellName(c+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return err
		}
	}
	return nil
}

package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/plnamente/blue-taurus/internal/compliance"
)

func TestExcel(t *testing.T) {
	r := compliance.NewReport("cis", []compliance.CheckResult{
		{RuleID: 1, Title: "SSH root login", Status: compliance.StatusPass, Output: "no"},
		{RuleID: 2, Title: "Firewall", Status: compliance.StatusFail, Output: "inactive"},
	})
	data, err := Excel("agent-1", r)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	v, err := f.GetCellValue(summarySheet, "B2")
	require.NoError(t, err)
	assert.Equal(t, "cis", v)
	v, err = f.GetCellValue(summarySheet, "B3")
	require.NoError(t, err)
	assert.Equal(t, "50", v)

	rows, err := f.GetRows(resultsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Rule", "Title", "Status", "Output"}, rows[0])
	assert.Equal(t, []string{"2", "Firewall", "FAIL", "inactive"}, rows[2])
}

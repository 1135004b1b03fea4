package compliance

import "math"

// Status is the outcome of a single rule.
type Status string

// Rule outcomes.
const (
	StatusPass  Status = "PASS"
	StatusFail  Status = "FAIL"
	StatusError Status = "ERROR"
)

// CheckResult is the outcome of one rule in one scan.
type CheckResult struct {
	RuleID uint32 `json:"rule_id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
	Output string `json:"output"`
}

// Report is the scored result of scanning a policy.
type Report struct {
	PolicyID     string        `json:"policy_id"`
	Score        uint32        `json:"score"`
	TotalChecks  uint32        `json:"total_checks"`
	PassedChecks uint32        `json:"passed_checks"`
	Results      []CheckResult `json:"results"`
}

// NewReport aggregates results into a report. Totals and score are derived from results.
func NewReport(policyID string, results []CheckResult) Report {
	if results == nil {
		results = []CheckResult{}
	}
	var passed uint32
	for _, r := range results {
		if r.Status == StatusPass {
			passed++
		}
	}
	total := uint32(len(results))
	return Report{
		PolicyID:     policyID,
		Score:        Score(passed, total),
		TotalChecks:  total,
		PassedChecks: passed,
		Results:      results,
	}
}

// Score returns passed/total as a rounded percentage, or 0 when total is 0.
func Score(passed, total uint32) uint32 {
	if total == 0 {
		return 0
	}
	if passed > total {
		passed = total
	}
	return uint32(math.Round(float64(passed) / float64(total) * 100))
}

// Failed returns the results that did not pass.
func (r Report) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range r.Results {
		if c.Status != StatusPass {
			out = append(out, c)
		}
	}
	return out
}

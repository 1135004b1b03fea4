// Package scan evaluates a compliance policy against the local host.
package scan

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plnamente/blue-taurus/internal/analyzer"
	"github.com/plnamente/blue-taurus/internal/compliance"
	"github.com/plnamente/blue-taurus/internal/probe"
)

// Engine runs each rule of a policy as a probe and scores the results.
type Engine struct {
	runner   probe.Runner
	matchers *analyzer.Set
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMatchers replaces the matcher set used to evaluate rule expectations.
func WithMatchers(s *analyzer.Set) Option {
	return func(e *Engine) { e.matchers = s }
}

// WithLogger sets the engine's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New returns an Engine that launches probes through runner.
func New(runner probe.Runner, opts ...Option) *Engine {
	e := &Engine{
		runner:   runner,
		matchers: analyzer.NewSet(),
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run evaluates every rule in declaration order and returns the scored report.
// A failing or unlaunchable probe never stops the scan.
func (e *Engine) Run(ctx context.Context, p *compliance.Policy) compliance.Report {
	results := make([]compliance.CheckResult, 0, len(p.Rules))
	for _, rule := range p.Rules {
		results = append(results, e.check(ctx, rule))
	}
	report := compliance.NewReport(p.ID, results)
	e.logger.Info().
		Str("policy_id", p.ID).
		Uint32("score", report.Score).
		Uint32("passed", report.PassedChecks).
		Uint32("total", report.TotalChecks).
		Msg("Compliance scan finished")
	return report
}

func (e *Engine) check(ctx context.Context, rule compliance.Rule) compliance.CheckResult {
	res := compliance.CheckResult{RuleID: rule.ID, Title: rule.Title}

	out, err := e.runner.Run(ctx, rule.Command)
	if err != nil {
		e.logger.Warn().Uint32("rule_id", rule.ID).Err(err).Msg("Probe failed to launch")
		res.Status = compliance.StatusError
		res.Output = err.Error()
		return res
	}
	res.Output = strings.TrimSpace(out.Stdout)

	m, err := e.matchers.ForName(rule.Match)
	if err != nil {
		res.Status = compliance.StatusError
		res.Output = err.Error()
		return res
	}
	ok, err := m.Match(res.Output, rule.Expect)
	switch {
	case err != nil:
		res.Status = compliance.StatusError
		res.Output = err.Error()
	case ok:
		res.Status = compliance.StatusPass
	default:
		res.Status = compliance.StatusFail
	}
	e.logger.Debug().Uint32("rule_id", rule.ID).Str("status", string(res.Status)).Msg("Rule evaluated")
	return res
}

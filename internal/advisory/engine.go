// Package advisory provides the CEL-Go based advisory rule engine.
// Advisory rules are operator-authored expressions over a snapshot and its
// classification; the ones that fire become the early-warning messages the
// bot layer renders alongside the tier.
package advisory

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine holds the compiled advisory rules.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*compiledRule
}

type compiledRule struct {
	config  domain.AdvisoryRule
	program cel.Program
}

// NewEngine creates an advisory engine with the snapshot/classification
// variable environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("dispute_ratio", cel.DoubleType),
		cel.Variable("region", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("metric", cel.StringType),
		cel.Variable("psp_id", cel.StringType),
		cel.Variable("domestic_mix", cel.BoolType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("psp_band", cel.StringType),
		cel.Variable("exemption_applied", cel.BoolType),
	)
	if err != nil {
		return nil, domain.NewConfigError("advisory_rules", "failed to create CEL environment: %v", err)
	}

	return &Engine{env: env}, nil
}

// Reload compiles the rule set and, only if every enabled rule compiles
// and type-checks to bool, swaps it in. Compilation failures surface as
// ConfigError at the load boundary, never at evaluation time.
func (e *Engine) Reload(rules []domain.AdvisoryRule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	for _, cfg := range rules {
		if !cfg.Enabled {
			continue
		}
		c, err := e.compile(cfg)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Evaluate runs every loaded rule against the snapshot and its
// classification and returns the advisories that fired, in load order.
// Rules that error at runtime are skipped; advisories are informational
// and must never fail a classification.
func (e *Engine) Evaluate(snap *domain.MerchantMetricsSnapshot, result *domain.ClassificationResult) []domain.Advisory {
	e.mu.RLock()
	rules := e.compiled
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"dispute_ratio":     snap.DisputeRatio,
		"region":            string(snap.Region),
		"country":           snap.CountryCode,
		"metric":            string(snap.Metric),
		"psp_id":            snap.PSPID,
		"domestic_mix":      snap.DomesticMix,
		"tier":              string(result.Tier),
		"psp_band":          result.PSPRiskLabel,
		"exemption_applied": result.ExemptionApplied,
	}

	var advisories []domain.Advisory
	for _, rule := range rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			continue
		}
		if fired, ok := out.(types.Bool); ok && bool(fired) {
			advisories = append(advisories, domain.Advisory{
				RuleID:   rule.config.ID,
				Severity: rule.config.Severity,
				Message:  rule.config.Message,
				Action:   rule.config.Action,
			})
		}
	}
	return advisories
}

func (e *Engine) compile(cfg domain.AdvisoryRule) (*compiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, domain.NewConfigError("advisory_rules",
			"failed to compile rule %s: %v", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, domain.NewConfigError("advisory_rules",
			"rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, domain.NewConfigError("advisory_rules",
			"failed to create program for rule %s: %v", cfg.ID, err)
	}

	return &compiledRule{config: cfg, program: program}, nil
}

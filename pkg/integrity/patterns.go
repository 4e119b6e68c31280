package integrity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// PatternRule is one configurable suspicious-activity rule. Expr is a CEL
// expression over the `window` variable; Message is a human-readable template
// with {field} placeholders filled from the window stats.
type PatternRule struct {
	Name    string `yaml:"name"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message"`
}

// DefaultPatternRules reproduce the platform's policy constants: more than 5
// delete-type actions in the trailing hour, more than 3 actions outside
// business hours.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{
			Name:    "bulk_deletions",
			Expr:    "window.deletionsLastHour > 5",
			Message: "{deletionsLastHour} delete-type admin actions in the trailing hour",
		},
		{
			Name:    "after_hours_activity",
			Expr:    "window.afterHoursActions > 3",
			Message: "{afterHoursActions} admin actions outside 08:00-18:00",
		},
	}
}

// WindowStats summarizes the scanned admin-audit window for rule evaluation.
type WindowStats struct {
	TotalActions      int
	DeletionsLastHour int
	AfterHoursActions int
}

func (w WindowStats) toInput() map[string]any {
	return map[string]any{
		"window": map[string]any{
			"totalActions":      w.TotalActions,
			"deletionsLastHour": w.DeletionsLastHour,
			"afterHoursActions": w.AfterHoursActions,
		},
	}
}

func (w WindowStats) fillMessage(tmpl string) string {
	r := strings.NewReplacer(
		"{totalActions}", strconv.Itoa(w.TotalActions),
		"{deletionsLastHour}", strconv.Itoa(w.DeletionsLastHour),
		"{afterHoursActions}", strconv.Itoa(w.AfterHoursActions),
	)
	return r.Replace(tmpl)
}

// Finding is one triggered pattern rule.
type Finding struct {
	Rule    string
	Message string
}

// PatternEvaluator evaluates pattern rules with compiled-program caching.
type PatternEvaluator struct {
	env      *cel.Env
	rules    []PatternRule
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewPatternEvaluator(rules []PatternRule) (*PatternEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("window", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("integrity: cel environment: %w", err)
	}
	if len(rules) == 0 {
		rules = DefaultPatternRules()
	}
	return &PatternEvaluator{
		env:      env,
		rules:    rules,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs every rule against the window and returns the triggered ones.
func (e *PatternEvaluator) Evaluate(stats WindowStats) ([]Finding, error) {
	input := stats.toInput()

	var findings []Finding
	for _, rule := range e.rules {
		triggered, err := e.evaluateExpr(rule.Expr, input)
		if err != nil {
			return nil, fmt.Errorf("integrity: pattern rule %s: %w", rule.Name, err)
		}
		if triggered {
			findings = append(findings, Finding{
				Rule:    rule.Name,
				Message: stats.fillMessage(rule.Message),
			})
		}
	}
	return findings, nil
}

func (e *PatternEvaluator) evaluateExpr(expr string, input map[string]any) (bool, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[expr]; !hit {
			ast, issues := e.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := e.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			e.prgCache[expr] = p
			prg = p
		}
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
)

// compiledRule is a rule with its predicate pre-compiled for evaluation.
type compiledRule struct {
	rule    Rule
	program cel.Program
}

// snapshot is the immutable compiled rule set stored in the engine.
// Readers always observe a complete snapshot, never a partial one.
type snapshot struct {
	rules []compiledRule
}

// Engine evaluates actions against the currently loaded rule set.
//
// Evaluation is pure and does no I/O: the hot path is a single atomic
// snapshot load followed by an in-memory scan, so it is safe to call from
// any goroutine at any rate. Load replaces the whole rule set at once.
type Engine struct {
	env      *cel.Env
	snapshot atomic.Pointer[snapshot]
	logger   *slog.Logger

	mu             sync.Mutex
	evaluations    uint64
	warned         uint64
	totalLatency   time.Duration
	countsByResult map[Decision]uint64
}

// NewEngine creates an engine with an empty rule set.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	env, err := newRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	e := &Engine{
		env:            env,
		logger:         logger,
		countsByResult: make(map[Decision]uint64),
	}
	e.snapshot.Store(&snapshot{})
	return e, nil
}

// Load compiles the given rules and atomically replaces the active rule set.
// Rules whose expressions fail to compile are skipped with a warning; one bad
// rule never blocks the rest of the set from loading. Rules are ordered by
// priority descending, ties keeping their load order.
func (e *Engine) Load(rules []Rule) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		prg, err := compileExpression(e.env, r.Expression)
		if err != nil {
			e.logger.Warn("skipping rule with invalid expression",
				"rule_id", r.ID, "rule_name", r.Name, "error", err)
			continue
		}
		compiled = append(compiled, compiledRule{rule: r, program: prg})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	e.snapshot.Store(&snapshot{rules: compiled})
}

// Rules returns the currently loaded rules in evaluation order.
func (e *Engine) Rules() []Rule {
	snap := e.snapshot.Load()
	out := make([]Rule, len(snap.rules))
	for i, cr := range snap.rules {
		out[i] = cr.rule
	}
	return out
}

// RuleCount returns the number of currently loaded rules.
func (e *Engine) RuleCount() int {
	return len(e.snapshot.Load().rules)
}

// Evaluate evaluates all loaded rules against the context and resolves the
// final decision with the precedence deny > require_approval > warn > allow.
//
// A predicate that fails at runtime is treated as "no match" for that rule
// only; the scan continues. If the final decision is deny with at least one
// blocking match, Evaluate returns the populated Result together with a
// *ViolationError carrying the first matched policy ID. Internal faults (for
// example a context with no action) return a *EvaluationError and are never
// treated as allow.
func (e *Engine) Evaluate(ctx context.Context, ec EvaluationContext) (Result, error) {
	start := time.Now()

	if ec.Action == "" {
		return Result{}, &EvaluationError{Err: fmt.Errorf("evaluation context has no action")}
	}

	snap := e.snapshot.Load()
	activation := buildActivation(ec, start)

	var (
		matched    []string
		violations []string
		warnings   []string
	)
	decision := DecisionAllow

	for _, cr := range snap.rules {
		if err := ctx.Err(); err != nil {
			return Result{}, &EvaluationError{Err: err}
		}

		ok, err := e.matches(ctx, cr, activation)
		if err != nil {
			// Per-rule fault isolation: a bad predicate is no match,
			// never an aborted evaluation.
			e.logger.Warn("rule predicate failed, treating as no match",
				"rule_id", cr.rule.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		matched = append(matched, cr.rule.ID)

		switch cr.rule.Decision {
		case DecisionDeny:
			if cr.rule.Enforcement.Blocking() {
				violations = append(violations, cr.rule.Name)
				decision = DecisionDeny
			} else if cr.rule.Enforcement == EnforcementSoft {
				warnings = append(warnings, cr.rule.Name)
			}
		case DecisionWarn:
			warnings = append(warnings, cr.rule.Name)
		case DecisionRequireApproval:
			if decision != DecisionDeny {
				decision = DecisionRequireApproval
			}
		}
	}

	latency := time.Since(start)
	result := Result{
		Decision:        decision,
		Allowed:         decision != DecisionDeny,
		MatchedPolicies: matched,
		Violations:      violations,
		Warnings:        warnings,
		Latency:         latency,
	}

	e.record(decision, len(warnings) > 0, latency)

	if !result.Allowed && len(violations) > 0 {
		return result, &ViolationError{
			PolicyID:   matched[0],
			Violations: violations,
			Decision:   decision,
		}
	}

	return result, nil
}

// matches runs one compiled predicate against the activation.
func (e *Engine) matches(ctx context.Context, cr compiledRule, activation map[string]any) (bool, error) {
	val, _, err := cr.program.ContextEval(ctx, activation)
	if err != nil {
		return false, err
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", val.Value())
	}
	return b, nil
}

// record updates the engine's internal evaluation counters.
func (e *Engine) record(decision Decision, warned bool, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evaluations++
	e.totalLatency += latency
	e.countsByResult[decision]++
	if warned {
		e.warned++
	}
}

// EngineMetrics is a snapshot of the engine's evaluation counters.
type EngineMetrics struct {
	// Evaluations is the total number of completed evaluations.
	Evaluations uint64
	// AverageLatency is the mean evaluation latency.
	AverageLatency time.Duration
	// Allowed, Denied, ApprovalRequired count final decisions; Warned counts
	// evaluations that produced at least one warning.
	Allowed          uint64
	Denied           uint64
	Warned           uint64
	ApprovalRequired uint64
	// LoadedRules is the size of the current rule set.
	LoadedRules int
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() EngineMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := EngineMetrics{
		Evaluations:      e.evaluations,
		Allowed:          e.countsByResult[DecisionAllow],
		Denied:           e.countsByResult[DecisionDeny],
		Warned:           e.warned,
		ApprovalRequired: e.countsByResult[DecisionRequireApproval],
		LoadedRules:      len(e.snapshot.Load().rules),
	}
	if e.evaluations > 0 {
		m.AverageLatency = e.totalLatency / time.Duration(e.evaluations)
	}
	return m
}

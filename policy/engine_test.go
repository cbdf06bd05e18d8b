package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine(t *testing.T, rules ...Rule) *Engine {
	t.Helper()
	e, err := NewEngine(testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.Load(rules)
	return e
}

// TestEvaluateHardDeny verifies that a matching hard deny rule forces a deny
// decision and signals a violation with the matched policy ID.
func TestEvaluateHardDeny(t *testing.T) {
	e := newTestEngine(t, Rule{
		ID:          "r1",
		Name:        "no-delete",
		Expression:  `action == "delete"`,
		Decision:    DecisionDeny,
		Enforcement: EnforcementHard,
		Priority:    10,
	})

	result, err := e.Evaluate(context.Background(), EvaluationContext{
		AgentID: "agent-1",
		Action:  "delete",
	})

	if result.Decision != DecisionDeny {
		t.Errorf("Decision = %q, want %q", result.Decision, DecisionDeny)
	}
	if result.Allowed {
		t.Error("Allowed = true, want false")
	}
	if len(result.MatchedPolicies) != 1 || result.MatchedPolicies[0] != "r1" {
		t.Errorf("MatchedPolicies = %v, want [r1]", result.MatchedPolicies)
	}

	var violation *ViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("err = %v, want *ViolationError", err)
	}
	if violation.PolicyID != "r1" {
		t.Errorf("PolicyID = %q, want r1", violation.PolicyID)
	}
	if !errors.Is(err, ErrPolicyViolation) {
		t.Error("errors.Is(err, ErrPolicyViolation) = false, want true")
	}
}

// TestEvaluateEmptyRuleSet verifies that with no rules loaded any context
// evaluates to allow with no matches.
func TestEvaluateEmptyRuleSet(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Evaluate(context.Background(), EvaluationContext{
		AgentID: "agent-1",
		Action:  "anything",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Decision != DecisionAllow || !result.Allowed {
		t.Errorf("got decision=%q allowed=%v, want allow/true", result.Decision, result.Allowed)
	}
	if len(result.MatchedPolicies) != 0 {
		t.Errorf("MatchedPolicies = %v, want empty", result.MatchedPolicies)
	}
}

// TestEvaluatePrecedence verifies deny > require_approval > warn > allow.
func TestEvaluatePrecedence(t *testing.T) {
	hardDeny := Rule{ID: "deny", Name: "deny-rule", Expression: "true", Decision: DecisionDeny, Enforcement: EnforcementCritical, Priority: 1}
	approval := Rule{ID: "approval", Name: "approval-rule", Expression: "true", Decision: DecisionRequireApproval, Enforcement: EnforcementSoft, Priority: 2}
	warn := Rule{ID: "warn", Name: "warn-rule", Expression: "true", Decision: DecisionWarn, Enforcement: EnforcementAdvisory, Priority: 3}
	softDeny := Rule{ID: "soft", Name: "soft-deny-rule", Expression: "true", Decision: DecisionDeny, Enforcement: EnforcementSoft, Priority: 4}

	tests := []struct {
		name         string
		rules        []Rule
		wantDecision Decision
		wantAllowed  bool
		wantErr      bool
	}{
		{"deny dominates approval and warn", []Rule{warn, approval, hardDeny}, DecisionDeny, false, true},
		{"approval dominates warn", []Rule{warn, approval}, DecisionRequireApproval, true, false},
		{"warn alone allows", []Rule{warn}, DecisionAllow, true, false},
		{"soft deny is only a warning", []Rule{softDeny}, DecisionAllow, true, false},
		{"deny after approval still wins", []Rule{approval, hardDeny}, DecisionDeny, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.rules...)
			result, err := e.Evaluate(context.Background(), EvaluationContext{AgentID: "a", Action: "x"})
			if result.Decision != tt.wantDecision {
				t.Errorf("Decision = %q, want %q", result.Decision, tt.wantDecision)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

// TestEvaluatePriorityOrder verifies that rules are scanned by priority
// descending with ties keeping load order.
func TestEvaluatePriorityOrder(t *testing.T) {
	e := newTestEngine(t,
		Rule{ID: "low", Name: "low", Expression: "true", Decision: DecisionWarn, Priority: 1},
		Rule{ID: "tie-a", Name: "tie-a", Expression: "true", Decision: DecisionWarn, Priority: 50},
		Rule{ID: "high", Name: "high", Expression: "true", Decision: DecisionWarn, Priority: 100},
		Rule{ID: "tie-b", Name: "tie-b", Expression: "true", Decision: DecisionWarn, Priority: 50},
	)

	result, err := e.Evaluate(context.Background(), EvaluationContext{AgentID: "a", Action: "x"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	want := []string{"high", "tie-a", "tie-b", "low"}
	if len(result.MatchedPolicies) != len(want) {
		t.Fatalf("MatchedPolicies = %v, want %v", result.MatchedPolicies, want)
	}
	for i, id := range want {
		if result.MatchedPolicies[i] != id {
			t.Errorf("MatchedPolicies[%d] = %q, want %q", i, result.MatchedPolicies[i], id)
		}
	}
}

// TestEvaluateBadPredicateIsNoMatch verifies per-rule fault isolation: a rule
// whose predicate fails at runtime is skipped, not fatal.
func TestEvaluateBadPredicateIsNoMatch(t *testing.T) {
	e := newTestEngine(t,
		// Division by zero fails at runtime for this activation.
		Rule{ID: "bad", Name: "bad", Expression: `1 / int(metadata["zero"]) == 1`, Decision: DecisionDeny, Enforcement: EnforcementHard, Priority: 10},
		Rule{ID: "good", Name: "good", Expression: `action == "read"`, Decision: DecisionWarn, Priority: 5},
	)

	result, err := e.Evaluate(context.Background(), EvaluationContext{
		AgentID:  "a",
		Action:   "read",
		Metadata: map[string]any{"zero": 0},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(result.MatchedPolicies) != 1 || result.MatchedPolicies[0] != "good" {
		t.Errorf("MatchedPolicies = %v, want [good]", result.MatchedPolicies)
	}
	if result.Decision != DecisionAllow {
		t.Errorf("Decision = %q, want allow", result.Decision)
	}
}

// TestEvaluateMalformedContext verifies that an internal fault surfaces as a
// distinguishable evaluation failure, never a silent allow.
func TestEvaluateMalformedContext(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Evaluate(context.Background(), EvaluationContext{AgentID: "a"})
	if !errors.Is(err, ErrEvaluationFailed) {
		t.Fatalf("err = %v, want ErrEvaluationFailed", err)
	}
	if errors.Is(err, ErrPolicyViolation) {
		t.Error("evaluation failure must not look like a policy violation")
	}
}

// TestLoadSkipsInvalidExpressions verifies that one uncompilable rule does
// not block the rest of the set from loading.
func TestLoadSkipsInvalidExpressions(t *testing.T) {
	e := newTestEngine(t,
		Rule{ID: "broken", Name: "broken", Expression: "action ==", Decision: DecisionDeny, Enforcement: EnforcementHard, Priority: 10},
		Rule{ID: "ok", Name: "ok", Expression: "true", Decision: DecisionWarn, Priority: 5},
	)

	if got := e.RuleCount(); got != 1 {
		t.Errorf("RuleCount = %d, want 1", got)
	}
}

// TestPermissionHelpers verifies the CEL permission helper functions.
func TestPermissionHelpers(t *testing.T) {
	tests := []struct {
		expr      string
		wantMatch bool
	}{
		{`has_permission(permissions, "write")`, true},
		{`has_permission(permissions, "admin")`, false},
		{`any_permission(permissions, ["admin", "read"])`, true},
		{`any_permission(permissions, ["admin", "owner"])`, false},
		{`all_permissions(permissions, ["read", "write"])`, true},
		{`all_permissions(permissions, ["read", "admin"])`, false},
		{`role in ["admin", "editor"]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e := newTestEngine(t, Rule{ID: "r", Name: "r", Expression: tt.expr, Decision: DecisionWarn, Priority: 1})
			result, err := e.Evaluate(context.Background(), EvaluationContext{
				AgentID:     "a",
				Action:      "x",
				Role:        "editor",
				Permissions: []string{"read", "write"},
			})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got := len(result.MatchedPolicies) == 1; got != tt.wantMatch {
				t.Errorf("matched = %v, want %v", got, tt.wantMatch)
			}
		})
	}
}

// TestLoadAtomicSwap verifies that concurrent evaluations never observe a
// mix of two rule sets: every observed match list corresponds to exactly one
// complete snapshot.
func TestLoadAtomicSwap(t *testing.T) {
	setA := make([]Rule, 5)
	setB := make([]Rule, 5)
	for i := range setA {
		setA[i] = Rule{ID: fmt.Sprintf("a%d", i), Name: fmt.Sprintf("a%d", i), Expression: "true", Decision: DecisionWarn, Priority: i}
		setB[i] = Rule{ID: fmt.Sprintf("b%d", i), Name: fmt.Sprintf("b%d", i), Expression: "true", Decision: DecisionWarn, Priority: i}
	}

	e := newTestEngine(t, setA...)

	const readers = 8
	const iterations = 200

	var wg sync.WaitGroup
	errCh := make(chan error, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				result, err := e.Evaluate(context.Background(), EvaluationContext{AgentID: "a", Action: "x"})
				if err != nil {
					errCh <- err
					return
				}
				ids := append([]string(nil), result.MatchedPolicies...)
				sort.Strings(ids)
				joined := strings.Join(ids, ",")
				var from string
				for _, id := range ids {
					prefix := id[:1]
					if from == "" {
						from = prefix
					} else if from != prefix {
						errCh <- fmt.Errorf("mixed snapshot observed: %s", joined)
						return
					}
				}
			}
		}()
	}

	// Swap continuously while readers scan.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if i%2 == 0 {
				e.Load(setB)
			} else {
				e.Load(setA)
			}
		}
	}()

	wg.Wait()
	<-done
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}

// TestRefreshIdempotence verifies that reloading identical rules leaves
// evaluation behavior unchanged.
func TestRefreshIdempotence(t *testing.T) {
	rules := []Rule{
		{ID: "r1", Name: "no-exec", Expression: `action == "exec"`, Decision: DecisionDeny, Enforcement: EnforcementHard, Priority: 10},
		{ID: "r2", Name: "warn-write", Expression: `action == "write"`, Decision: DecisionWarn, Priority: 5},
	}
	e := newTestEngine(t, rules...)

	before, _ := e.Evaluate(context.Background(), EvaluationContext{AgentID: "a", Action: "write"})

	e.Load(rules)

	after, err := e.Evaluate(context.Background(), EvaluationContext{AgentID: "a", Action: "write"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if before.Decision != after.Decision || len(before.MatchedPolicies) != len(after.MatchedPolicies) {
		t.Errorf("behavior changed after identical reload: before=%+v after=%+v", before, after)
	}
}

// TestEngineMetrics verifies the evaluation counters.
func TestEngineMetrics(t *testing.T) {
	e := newTestEngine(t, Rule{ID: "r1", Name: "no-delete", Expression: `action == "delete"`, Decision: DecisionDeny, Enforcement: EnforcementHard, Priority: 10})

	_, _ = e.Evaluate(context.Background(), EvaluationContext{AgentID: "a", Action: "read"})
	_, _ = e.Evaluate(context.Background(), EvaluationContext{AgentID: "a", Action: "delete"})

	m := e.Metrics()
	if m.Evaluations != 2 {
		t.Errorf("Evaluations = %d, want 2", m.Evaluations)
	}
	if m.Allowed != 1 || m.Denied != 1 {
		t.Errorf("Allowed=%d Denied=%d, want 1/1", m.Allowed, m.Denied)
	}
	if m.LoadedRules != 1 {
		t.Errorf("LoadedRules = %d, want 1", m.LoadedRules)
	}
}

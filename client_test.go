package agion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/agion-ai/agion-sdk-go/events"
	"github.com/agion-ai/agion-sdk-go/policy"
	"github.com/agion-ai/agion-sdk-go/streamrpc"
)

func someTrustEvent() events.TrustEvent {
	return events.TrustEvent{
		Type:       events.TypeTaskCompleted,
		Severity:   events.SeverityPositive,
		Impact:     0.1,
		Confidence: 0.9,
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

func TestNewRequiresAgentID(t *testing.T) {
	_, err := New(Config{})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestNewRejectsBadGatewayURL(t *testing.T) {
	_, err := New(Config{AgentID: "agent-1", GatewayURL: "not a url"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestCheckPolicyLocalOnly(t *testing.T) {
	c, err := New(Config{AgentID: "agent-1"}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Engine().Load([]policy.Rule{{
		ID:          "no-deploy",
		Name:        "no production deploys",
		Expression:  `action == "deploy"`,
		Decision:    policy.DecisionDeny,
		Priority:    100,
		Enforcement: policy.EnforcementHard,
	}})

	// Works before Start: evaluation is purely local.
	result, err := c.CheckPolicy(context.Background(), "deploy", nil)
	if err == nil {
		t.Fatal("expected violation error")
	}
	if result.Allowed {
		t.Error("Allowed = true, want deny")
	}

	result, err = c.CheckPolicy(context.Background(), "read", nil)
	if err != nil {
		t.Fatalf("CheckPolicy(read): %v", err)
	}
	if !result.Allowed {
		t.Error("Allowed = false for unmatched action")
	}
}

func TestOperationsBeforeStart(t *testing.T) {
	c, err := New(Config{AgentID: "agent-1"}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := c.CheckPermission(context.Background(), "deploy", nil)
	if err != nil {
		t.Fatalf("CheckPermission: %v, want nil with a defaulted denial", err)
	}
	if result.Allowed || !result.Defaulted {
		t.Errorf("result = %+v, want defaulted denial before Start", result)
	}

	vr, err := c.ValidateResult(context.Background(), "exec-1", nil)
	if err != nil {
		t.Fatalf("ValidateResult: %v, want nil with a defaulted verdict", err)
	}
	if vr.Status != streamrpc.ValidationFlagForReview || !vr.Defaulted {
		t.Errorf("verdict = %+v, want defaulted flag_for_review", vr)
	}

	if err := c.PublishTrustEvent(someTrustEvent()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("publish err = %v, want ErrNotStarted", err)
	}
}

func TestStartWithoutSubstrate(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, err := New(Config{AgentID: "agent-1"}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.PublishTrustEvent(someTrustEvent()); !errors.Is(err, ErrNoSubstrate) {
		t.Fatalf("publish err = %v, want ErrNoSubstrate", err)
	}
	if _, err := c.TrustScore(context.Background()); !errors.Is(err, ErrNoSubstrate) {
		t.Fatalf("trust err = %v, want ErrNoSubstrate", err)
	}

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start after Close err = %v, want ErrClosed", err)
	}
}

func TestStartSyncsPoliciesFromGateway(t *testing.T) {
	defer goleak.VerifyNone(t)

	var registered atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agents/register":
			registered.Store(true)
			w.WriteHeader(http.StatusCreated)
		case "/api/v1/policies":
			json.NewEncoder(w).Encode(map[string]any{
				"policies": []policy.Rule{{
					ID:          "pol-1",
					Name:        "deny restricted",
					Expression:  `action == "restricted"`,
					Decision:    policy.DecisionDeny,
					Priority:    10,
					Enforcement: policy.EnforcementHard,
				}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(Config{
		AgentID:      "agent-1",
		GatewayURL:   srv.URL,
		SyncInterval: time.Hour,
	}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close(context.Background())

	if got := c.Engine().RuleCount(); got != 1 {
		t.Errorf("RuleCount = %d, want 1 from initial sync", got)
	}
	if !registered.Load() {
		t.Error("agent was not registered at startup")
	}

	result, err := c.CheckPolicy(context.Background(), "restricted", nil)
	if err == nil {
		t.Fatal("expected violation for restricted action")
	}
	if result.Allowed {
		t.Error("Allowed = true for denied action")
	}

	snap := c.Metrics()
	if snap.Sync.SyncCount != 1 {
		t.Errorf("SyncCount = %d, want 1", snap.Sync.SyncCount)
	}
	if snap.Engine.Evaluations != 1 {
		t.Errorf("Evaluations = %d, want 1", snap.Engine.Evaluations)
	}
}

func TestRegistrationFailureIsSurvivable(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/agents/register" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(Config{
		AgentID:      "agent-1",
		GatewayURL:   srv.URL,
		SyncInterval: time.Hour,
	}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close(context.Background())

	// 404 on policies means an empty but valid policy set.
	if got := c.Engine().RuleCount(); got != 0 {
		t.Errorf("RuleCount = %d, want 0", got)
	}
}

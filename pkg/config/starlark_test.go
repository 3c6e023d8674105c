package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func runFacts() map[string]interface{} {
	return map[string]interface{}{
		"phase":        "workloads",
		"operation":    "shutdown",
		"target_count": 3,
		"quick":        false,
		"hosts":        true,
		"dry_run":      false,
		"single_phase": false,
	}
}

func TestSkipEvaluator_Expressions(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		facts func(map[string]interface{})
		want  bool
	}{
		{
			name: "quick run skips settle-heavy phase",
			expr: "quick and not hosts",
			facts: func(f map[string]interface{}) {
				f["quick"] = true
				f["hosts"] = false
			},
			want: true,
		},
		{
			name: "full run keeps phase",
			expr: "quick and not hosts",
			want: false,
		},
		{
			name: "empty phase skipped",
			expr: "target_count == 0",
			facts: func(f map[string]interface{}) {
				f["target_count"] = 0
			},
			want: true,
		},
		{
			name: "operation comparison",
			expr: `operation == "startup"`,
			want: false,
		},
		{
			name: "phase membership",
			expr: `phase in ["workloads", "edge"]`,
			want: true,
		},
		{
			name: "integer truthiness",
			expr: "target_count",
			want: true,
		},
		{
			name: "zero is falsy",
			expr: "target_count",
			facts: func(f map[string]interface{}) {
				f["target_count"] = 0
			},
			want: false,
		},
		{
			name: "boolean or",
			expr: "dry_run or single_phase",
			facts: func(f map[string]interface{}) {
				f["single_phase"] = true
			},
			want: true,
		},
	}

	se := NewSkipEvaluator(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts := runFacts()
			if tt.facts != nil {
				tt.facts(facts)
			}
			got, err := se.EvaluateSkip(context.Background(), tt.expr, facts)
			if err != nil {
				t.Fatalf("EvaluateSkip: %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateSkip(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestSkipEvaluator_EmptyExpressionNeverSkips(t *testing.T) {
	se := NewSkipEvaluator(0)
	for _, expr := range []string{"", "   ", "\n\t"} {
		got, err := se.EvaluateSkip(context.Background(), expr, runFacts())
		if err != nil {
			t.Fatalf("EvaluateSkip(%q): %v", expr, err)
		}
		if got {
			t.Errorf("EvaluateSkip(%q) = true", expr)
		}
	}
}

func TestSkipEvaluator_NestedInput(t *testing.T) {
	se := NewSkipEvaluator(0)
	facts := map[string]interface{}{
		"labels": map[string]interface{}{"tier": "edge"},
		"zones":  []interface{}{"a", "b"},
	}

	got, err := se.EvaluateSkip(context.Background(), `labels["tier"] == "edge" and "b" in zones`, facts)
	if err != nil {
		t.Fatalf("EvaluateSkip: %v", err)
	}
	if !got {
		t.Error("expected true")
	}
}

func TestSkipEvaluator_UndefinedIdentifier(t *testing.T) {
	se := NewSkipEvaluator(0)
	_, err := se.EvaluateSkip(context.Background(), "weekend", runFacts())
	if err == nil || !strings.Contains(err.Error(), "skip predicate failed") {
		t.Errorf("err = %v", err)
	}
}

func TestSkipEvaluator_SyntaxError(t *testing.T) {
	se := NewSkipEvaluator(0)
	_, err := se.EvaluateSkip(context.Background(), "quick and", runFacts())
	if err == nil {
		t.Fatal("expected syntax error")
	}
}

func TestSkipEvaluator_UnsupportedInput(t *testing.T) {
	se := NewSkipEvaluator(0)
	_, err := se.EvaluateSkip(context.Background(), "true", map[string]interface{}{
		"bad": struct{}{},
	})
	if err == nil || !strings.Contains(err.Error(), "failed to convert input") {
		t.Errorf("err = %v", err)
	}
}

func TestSkipEvaluator_DeadlineStopsRunawayExpression(t *testing.T) {
	se := NewSkipEvaluator(50 * time.Millisecond)

	// Iterates far longer than the deadline without allocating.
	expr := "[x for x in range(1000000000) if False]"
	start := time.Now()
	_, err := se.EvaluateSkip(context.Background(), expr, runFacts())
	if err == nil || !strings.Contains(err.Error(), "deadline") {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("evaluation ran %v past its deadline", elapsed)
	}
}

func TestSkipEvaluator_CancelledContext(t *testing.T) {
	se := NewSkipEvaluator(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	expr := "[x for x in range(1000000000) if False]"
	_, err := se.EvaluateSkip(ctx, expr, runFacts())
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("err = %v", err)
	}
}

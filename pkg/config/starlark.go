package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
)

const defaultSkipTimeout = 5 * time.Second

// SkipEvaluator evaluates phase skip predicates written as Starlark
// expressions. The run facts arrive as predeclared identifiers, so a
// predicate reads like "quick and not hosts". Evaluation is sandboxed:
// no filesystem or network access, print output discarded, and a hard
// deadline enforced through thread cancellation.
//
// SkipEvaluator implements engine.PredicateEvaluator.
type SkipEvaluator struct {
	timeout time.Duration
}

// NewSkipEvaluator creates an evaluator with the given per-expression
// deadline. A zero timeout selects the default.
func NewSkipEvaluator(timeout time.Duration) *SkipEvaluator {
	if timeout <= 0 {
		timeout = defaultSkipTimeout
	}
	return &SkipEvaluator{timeout: timeout}
}

// EvaluateSkip returns the truth of the expression against the input
// facts. Empty expressions never skip. Results follow Starlark
// truthiness, so comparisons and boolean operators behave as expected.
func (se *SkipEvaluator) EvaluateSkip(ctx context.Context, expr string, input map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "skip_when",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel("deadline exceeded")
		case <-done:
		}
	}()

	predeclared := make(starlark.StringDict, len(input))
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return false, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	val, err := starlark.Eval(thread, "skip_when.star", expr, predeclared)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("skip predicate cancelled: %w", ctx.Err())
		}
		if evalCtx.Err() != nil {
			return false, fmt.Errorf("skip predicate exceeded %v deadline", se.timeout)
		}
		return false, fmt.Errorf("skip predicate failed: %w", err)
	}

	return bool(val.Truth()), nil
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

package policy

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

const (
	defaultStarlarkSteps   = 1_000_000
	defaultStarlarkTimeout = 2 * time.Second
)

// StarlarkPredicate evaluates a Starlark program with resource, drift and
// anomalies predeclared. The program must bind a boolean global named
// violation.
type StarlarkPredicate struct {
	name     string
	program  string
	maxSteps uint64
	timeout  time.Duration
}

// NewStarlarkPredicate wraps a full Starlark program.
func NewStarlarkPredicate(name, program string) *StarlarkPredicate {
	return &StarlarkPredicate{
		name:     name,
		program:  program,
		maxSteps: defaultStarlarkSteps,
		timeout:  defaultStarlarkTimeout,
	}
}

// NewStarlarkExpr wraps a single boolean Starlark expression.
func NewStarlarkExpr(name, expr string) *StarlarkPredicate {
	return NewStarlarkPredicate(name, fmt.Sprintf("violation = bool(%s)\n", expr))
}

// WithLimits overrides the step limit and timeout.
func (p *StarlarkPredicate) WithLimits(maxSteps uint64, timeout time.Duration) *StarlarkPredicate {
	if maxSteps > 0 {
		p.maxSteps = maxSteps
	}
	if timeout > 0 {
		p.timeout = timeout
	}
	return p
}

// Check parses the program without running it.
func (p *StarlarkPredicate) Check() error {
	if _, err := syntax.Parse(p.name+".star", p.program, 0); err != nil {
		return fmt.Errorf("invalid starlark program %s: %w", p.name, err)
	}
	return nil
}

// Evaluate implements Predicate.
func (p *StarlarkPredicate) Evaluate(ctx context.Context, s Subject) (bool, error) {
	input, err := inputDocument(s)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  p.name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(p.maxSteps)
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for _, key := range []string{"resource", "drift", "anomalies"} {
		v, err := toStarlarkValue(input[key])
		if err != nil {
			return false, fmt.Errorf("failed to convert %s: %w", key, err)
		}
		predeclared[key] = v
	}

	globals, err := starlark.ExecFile(thread, p.name+".star", p.program, predeclared)
	if err != nil {
		return false, fmt.Errorf("starlark execution failed: %w", err)
	}

	v, ok := globals["violation"]
	if !ok {
		return false, fmt.Errorf("starlark program %s does not bind violation", p.name)
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("violation must be bool, got %s", v.Type())
	}
	return bool(b), nil
}

// toStarlarkValue converts a decoded JSON value to a Starlark value. Dicts
// are frozen so programs cannot mutate their input.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		l := starlark.NewList(list)
		l.Freeze()
		return l, nil
	case map[string]any:
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
		dict.Freeze()
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

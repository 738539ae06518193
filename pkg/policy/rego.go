package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// RegoPredicate evaluates an OPA module. The rule fires when
// data.<package>.violation is true; an undefined result does not fire.
type RegoPredicate struct {
	name    string
	pkg     string
	module  string
	prepped rego.PreparedEvalQuery
}

// NewRegoPredicate parses and prepares a Rego v1 module.
func NewRegoPredicate(ctx context.Context, name, module string) (*RegoPredicate, error) {
	parsed, err := ast.ParseModuleWithOpts(name, module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("failed to parse rego module %s: %w", name, err)
	}
	pkg := strings.TrimPrefix(parsed.Package.Path.String(), "data.")

	r := rego.New(
		rego.Query(fmt.Sprintf("data.%s.violation", pkg)),
		rego.Module(name, module),
	)

	prepped, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego module %s: %w", name, err)
	}

	return &RegoPredicate{
		name:    name,
		pkg:     pkg,
		module:  module,
		prepped: prepped,
	}, nil
}

// Package returns the module's package path without the data. prefix.
func (p *RegoPredicate) Package() string {
	return p.pkg
}

// Evaluate implements Predicate.
func (p *RegoPredicate) Evaluate(ctx context.Context, s Subject) (bool, error) {
	input, err := inputDocument(s)
	if err != nil {
		return false, err
	}

	results, err := p.prepped.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("rego evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	fired, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("data.%s.violation must be boolean, got %T", p.pkg, results[0].Expressions[0].Value)
	}
	return fired, nil
}

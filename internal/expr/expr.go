// Package expr evaluates the step condition language of spec §4.4: status
// functions (always/cancelled/success/failure), literals, dotted-path and
// bracket lookups into a small context, unary/binary operators, and the
// contains/startsWith/endsWith/hashFiles built-ins. Hand-rolled on the
// standard library by design — DESIGN.md records why gojq (seen in
// jordigilh-kubernaut, a non-teacher pack repo) was rejected: its grammar is
// jq-shaped and cannot express this operator set without a translation
// layer that would itself be the real parser.
package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coreactions/runner/internal/stepresult"
)

// Context supplies the status inputs and the lookup namespaces (github,
// runner, steps, env, job) a condition can reference.
type Context struct {
	// JobResult is the running merged job result, used by success()/failure().
	JobResult stepresult.Result
	// Cancelled reports whether the job cancel token has fired.
	Cancelled bool
	// Namespaces holds the top-level lookup roots: "github", "runner",
	// "steps", "env", "job". Each value is itself a map[string]any or a
	// scalar leaf.
	Namespaces map[string]any
}

// Eval evaluates a condition string and returns its truthiness. An empty
// condition means success() (spec §4.4). A `${{ ... }}` wrapper is
// unwrapped before parsing.
func Eval(condition string, ctx Context) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return successFn(ctx), nil
	}
	condition = unwrapExpression(condition)

	if !containsStatusFunction(condition) {
		if !successFn(ctx) {
			return false, nil
		}
	}

	p := &parser{input: condition, ctx: ctx}
	val, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return false, fmt.Errorf("expr: unexpected trailing input at %d: %q", p.pos, p.input[p.pos:])
	}
	return truthy(val), nil
}

func unwrapExpression(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		return strings.TrimSpace(s[3 : len(s)-2])
	}
	return s
}

var statusFunctionNames = []string{"always(", "cancelled(", "success(", "failure("}

func containsStatusFunction(s string) bool {
	for _, name := range statusFunctionNames {
		if strings.Contains(s, name) {
			return true
		}
	}
	return false
}

func successFn(ctx Context) bool {
	return !ctx.Cancelled && stepresult.IsSuccessLike(ctx.JobResult)
}

func failureFn(ctx Context) bool {
	return stepresult.IsFailureLike(ctx.JobResult)
}

// truthy implements spec §4.4's truthiness rule: empty string, "0", "false",
// "null" -> false; everything else -> true.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "", "0", "false", "null":
			return false
		default:
			return true
		}
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

// formatNumber renders a float64 without a trailing ".0" for whole values,
// matching how these literals typically appear in log output.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

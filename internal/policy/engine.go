// Package policy decides whether an agent-requested action is auto-approved,
// auto-declined, or escalated to the user.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/open-policy-agent/opa/rego"

	"github.com/cloudcodex/gateway/internal/domain"
)

// readOnlyCommands is the built-in set of commands considered safe to
// auto-approve. Two-token entries are matched before single-token ones.
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "grep": true, "find": true, "head": true,
	"tail": true, "less": true, "more": true, "pwd": true, "echo": true,
	"date": true, "whoami": true, "which": true,
	"git log": true, "git status": true, "git diff": true, "git show": true,
	"npm list": true, "yarn list": true,
}

// Request is one approval request to evaluate.
type Request struct {
	Action  domain.AuditAction
	Command string
	Cwd     string
	Changes []string
}

// Engine evaluates approval requests. Built-in rules cover read-only
// commands, configured command prefixes, and configured cwd globs. An
// optional rego policy is consulted first and can short-circuit with
// accept or decline.
type Engine struct {
	autoApproveCommands []string
	autoApprovePaths    []*regexp.Regexp
	query               *rego.PreparedEvalQuery
}

// NewEngine creates a policy engine. regoPolicy may be empty.
func NewEngine(ctx context.Context, autoApproveCommands, autoApprovePaths []string, regoPolicy string) (*Engine, error) {
	e := &Engine{autoApproveCommands: autoApproveCommands}

	for _, pattern := range autoApprovePaths {
		re, err := compileGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile path glob %q: %w", pattern, err)
		}
		e.autoApprovePaths = append(e.autoApprovePaths, re)
	}

	if regoPolicy != "" {
		r := rego.New(
			rego.Query("data.approval_policy.decision"),
			rego.Module("approval_policy.rego", regoPolicy),
		)
		query, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare rego: %w", err)
		}
		e.query = &query
	}

	return e, nil
}

// Evaluate returns accept, decline, or manual for a request.
func (e *Engine) Evaluate(ctx context.Context, req Request) domain.Decision {
	if decision, ok := e.evaluateRego(ctx, req); ok {
		return decision
	}

	// File changes always go to the user.
	if req.Action != domain.AuditActionCommandExecution {
		return domain.DecisionManual
	}

	if isReadOnly(req.Command) {
		return domain.DecisionAccept
	}

	for _, prefix := range e.autoApproveCommands {
		if strings.HasPrefix(req.Command, prefix) {
			return domain.DecisionAccept
		}
	}

	for _, re := range e.autoApprovePaths {
		if re.MatchString(req.Cwd) {
			return domain.DecisionAccept
		}
	}

	return domain.DecisionManual
}

// evaluateRego consults the optional rego policy. A result of "accept" or
// "decline" is final; anything else falls through to the built-in rules.
func (e *Engine) evaluateRego(ctx context.Context, req Request) (domain.Decision, bool) {
	if e.query == nil {
		return "", false
	}

	input := map[string]any{
		"action":  string(req.Action),
		"command": req.Command,
		"cwd":     req.Cwd,
		"changes": req.Changes,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", false
	}

	switch results[0].Expressions[0].Value {
	case "accept":
		return domain.DecisionAccept, true
	case "decline":
		return domain.DecisionDecline, true
	}
	return "", false
}

// isReadOnly reports whether the command's leading token (or two-token
// prefix for subcommands like "git log") is in the read-only set and the
// command contains no output redirection.
func isReadOnly(command string) bool {
	if strings.Contains(command, ">") {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	if len(fields) >= 2 && readOnlyCommands[fields[0]+" "+fields[1]] {
		return true
	}
	return readOnlyCommands[fields[0]]
}

// compileGlob translates a path glob (* wildcards) into an anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// DefaultPolicy is an example rego policy; decisions other than accept or
// decline defer to the built-in rules.
const DefaultPolicy = `
package approval_policy

default decision = "manual"

# Example: never allow recursive deletes, regardless of cwd.
decision = "decline" {
	startswith(input.command, "rm -rf")
}
`

package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudcodex/gateway/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(),
		[]string{"ls", "cat", "grep", "git status", "git log"},
		[]string{"/tmp/*"}, "")
	assert.NoError(t, err)
	return e
}

func commandRequest(command, cwd string) Request {
	return Request{Action: domain.AuditActionCommandExecution, Command: command, Cwd: cwd}
}

func TestReadOnlyCommandsAccepted(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for _, cmd := range []string{"ls -la", "cat main.go", "git log --oneline", "git status", "pwd", "which go"} {
		assert.Equal(t, domain.DecisionAccept, e.Evaluate(ctx, commandRequest(cmd, "/home/u")), cmd)
	}
}

func TestRedirectionBlocksReadOnly(t *testing.T) {
	// No configured prefixes: only the built-in read-only rule is under test
	// (a configured "cat" prefix would accept "cat a > b" on its own).
	e, err := NewEngine(context.Background(), nil, nil, "")
	assert.NoError(t, err)
	ctx := context.Background()

	assert.Equal(t, domain.DecisionManual, e.Evaluate(ctx, commandRequest("cat a > b", "/home/u")))
	assert.Equal(t, domain.DecisionManual, e.Evaluate(ctx, commandRequest("echo hi >> log", "/home/u")))
}

func TestAutoApprovePrefix(t *testing.T) {
	e, err := NewEngine(context.Background(), []string{"npm run lint"}, nil, "")
	assert.NoError(t, err)

	assert.Equal(t, domain.DecisionAccept, e.Evaluate(context.Background(), commandRequest("npm run lint --fix", "/repo")))
	assert.Equal(t, domain.DecisionManual, e.Evaluate(context.Background(), commandRequest("npm install", "/repo")))
}

func TestAutoApprovePathGlob(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	assert.Equal(t, domain.DecisionAccept, e.Evaluate(ctx, commandRequest("rm scratch.txt", "/tmp/scratch")))
	assert.Equal(t, domain.DecisionManual, e.Evaluate(ctx, commandRequest("rm scratch.txt", "/home/u")))
}

func TestDangerousCommandIsManual(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, domain.DecisionManual, e.Evaluate(context.Background(), commandRequest("rm -rf /", "/home/u")))
}

func TestFileChangesAlwaysManual(t *testing.T) {
	e := newTestEngine(t)
	req := Request{Action: domain.AuditActionFileChange, Changes: []string{"/tmp/x.go"}}
	assert.Equal(t, domain.DecisionManual, e.Evaluate(context.Background(), req))
}

func TestEmptyCommandIsManual(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, domain.DecisionManual, e.Evaluate(context.Background(), commandRequest("", "/home/u")))
}

func TestRegoOverrideDeclines(t *testing.T) {
	e, err := NewEngine(context.Background(), nil, []string{"/tmp/*"}, DefaultPolicy)
	assert.NoError(t, err)
	ctx := context.Background()

	// The rego rule declines recursive deletes even inside auto-approved paths.
	assert.Equal(t, domain.DecisionDecline, e.Evaluate(ctx, commandRequest("rm -rf build", "/tmp/work")))
	// Anything the policy leaves at "manual" falls through to the built-ins.
	assert.Equal(t, domain.DecisionAccept, e.Evaluate(ctx, commandRequest("ls", "/home/u")))
}

func TestInvalidRegoFails(t *testing.T) {
	_, err := NewEngine(context.Background(), nil, nil, "not rego at all {")
	assert.Error(t, err)
}

package ir

import "github.com/cloudcodex/gateway/internal/domain"

// stepKinds maps agent item types to step kinds. Unknown item types fall
// back to systemNote.
var stepKinds = map[string]domain.StepKind{
	"userMessage":      domain.StepKindUserMessage,
	"agentMessage":     domain.StepKindAssistantMessage,
	"assistantMessage": domain.StepKindAssistantMessage,
	"reasoning":        domain.StepKindReasoning,
	"commandExecution": domain.StepKindCommandExecution,
	"fileChange":       domain.StepKindFileChange,
	"mcpToolCall":      domain.StepKindMCPToolCall,
	"collabToolCall":   domain.StepKindCollabToolCall,
	"webSearch":        domain.StepKindWebSearch,
	"imageView":        domain.StepKindImageView,
	"review":           domain.StepKindReviewMode,
	"reviewMode":       domain.StepKindReviewMode,
	"compacted":        domain.StepKindCompacted,
	"systemNote":       domain.StepKindSystemNote,
}

func stepKindFor(itemType string) domain.StepKind {
	if kind, ok := stepKinds[itemType]; ok {
		return kind
	}
	return domain.StepKindSystemNote
}

// deltaKinds maps the middle segment of item/*/delta method names to the
// step kind inferred for steps first seen through a delta.
var deltaKinds = map[string]domain.StepKind{
	"agentMessage":     domain.StepKindAssistantMessage,
	"reasoning":        domain.StepKindReasoning,
	"commandExecution": domain.StepKindCommandExecution,
	"fileChange":       domain.StepKindFileChange,
}

// metaKeys are the kind-specific static attributes copied from an item into
// StepView.Meta on item/started.
var metaKeys = []string{
	"command", "cwd", "changes", "server", "tool", "arguments", "query", "text",
}

// resultKeys are the kind-specific terminal attributes copied from an item
// into StepView.Result on item/completed.
var resultKeys = []string{
	"aggregatedOutput", "output", "exitCode", "durationMs", "result", "error",
}

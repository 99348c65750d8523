package domain

// RunView is the normalized, append-only projection of an agent thread's
// events. Keyed by thread id (runId == threadId).
type RunView struct {
	RunID      string      `json:"runId"`
	CreatedAt  int64       `json:"createdAt,omitempty"`
	Status     RunStatus   `json:"status"`
	Steps      []*StepView `json:"steps"`
	Plan       *PlanView   `json:"plan,omitempty"`
	Diff       *DiffView   `json:"diff,omitempty"`
	TokenUsage *TokenUsage `json:"tokenUsage,omitempty"`
	Meta       RunMeta     `json:"meta"`
}

// RunMeta carries run-level bookkeeping.
type RunMeta struct {
	LastTurnID string `json:"lastTurnId,omitempty"`
}

// PlanView is the agent's latest plan for a run, with prior versions kept.
type PlanView struct {
	TurnID      string     `json:"turnId,omitempty"`
	UpdatedAt   int64      `json:"updatedAt"`
	Explanation string     `json:"explanation,omitempty"`
	Steps       []PlanStep `json:"steps"`
	History     []PlanView `json:"history,omitempty"`
}

// PlanStep is one entry of a plan.
type PlanStep struct {
	Step   string `json:"step"`
	Status string `json:"status"`
}

// DiffView is the latest aggregate diff reported for a run.
type DiffView struct {
	TurnID    string `json:"turnId,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
	Diff      string `json:"diff"`
}

// TokenUsage is the latest token accounting reported for a thread.
type TokenUsage struct {
	UpdatedAt    int64 `json:"updatedAt"`
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	TotalTokens  int64 `json:"totalTokens,omitempty"`
}

// StepView is one logical activity within a run. Identity is the item id,
// unique within the run.
type StepView struct {
	StepID   string     `json:"stepId"`
	Kind     StepKind   `json:"kind"`
	Status   StepStatus `json:"status"`
	ThreadID string     `json:"threadId"`
	TurnID   string     `json:"turnId,omitempty"`
	TsStart  int64      `json:"tsStart,omitempty"`
	TsEnd    int64      `json:"tsEnd,omitempty"`

	// Meta holds kind-specific static attributes (command, cwd, changes,
	// server/tool/arguments, query, user text).
	Meta map[string]any `json:"meta,omitempty"`

	// Result holds kind-specific terminal attributes (output, exitCode,
	// durationMs, tool result or error).
	Result map[string]any `json:"result,omitempty"`

	// Stream accumulates delta text.
	Stream string `json:"stream,omitempty"`

	// Approval is set only when the agent requested human approval for
	// this step.
	Approval *ApprovalView `json:"approval,omitempty"`

	RawEventIDs []string `json:"rawEventIds"`
}

// ApprovalView is the client-visible projection of an approval on a step.
type ApprovalView struct {
	ApprovalID string         `json:"approvalId"`
	Status     ApprovalStatus `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Risk       string         `json:"risk,omitempty"`
}

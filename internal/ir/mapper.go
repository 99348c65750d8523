// Package ir translates raw agent event streams into per-thread run views.
//
// The mapper is pure and deterministic: it performs no I/O, and feeding the
// same event sequence to a fresh mapper always yields identical run views.
// Callers provide serialization; a supervisor owns one mapper and feeds it
// events in arrival order.
package ir

import (
	"strings"

	"github.com/cloudcodex/gateway/internal/domain"
)

// EventApprovalResolved is the synthetic event type fed back through the
// supervisor when the broker resolves an approval, so the run view reflects
// the decision.
const EventApprovalResolved = "item/approval/resolved"

var statusRank = map[domain.StepStatus]int{
	domain.StepStatusPending:    0,
	domain.StepStatusInProgress: 1,
	domain.StepStatusCompleted:  2,
	domain.StepStatusFailed:     2,
	domain.StepStatusDeclined:   2,
}

// Mapper maintains run views for every thread observed on one supervisor's
// event stream.
type Mapper struct {
	rawLog []domain.RawEvent
	runs   map[string]*domain.RunView
	steps  map[string]map[string]*domain.StepView // threadId -> itemId -> step
}

// New creates an empty mapper.
func New() *Mapper {
	return &Mapper{
		runs:  make(map[string]*domain.RunView),
		steps: make(map[string]map[string]*domain.StepView),
	}
}

// Run returns the run view for a thread, or nil if none exists.
func (m *Mapper) Run(threadID string) *domain.RunView {
	return m.runs[threadID]
}

// Runs returns all run views keyed by thread id.
func (m *Mapper) Runs() map[string]*domain.RunView {
	return m.runs
}

// Consume ingests one event and returns the updated run view, or nil if no
// run view was touched.
func (m *Mapper) Consume(ev domain.RawEvent) *domain.RunView {
	m.rawLog = append(m.rawLog, ev)

	threadID := ev.ThreadID
	if threadID == "" {
		threadID = payloadString(ev.Payload, "threadId")
	}
	if threadID == "" {
		return nil
	}

	turnID := ev.TurnID
	if turnID == "" {
		turnID = payloadString(ev.Payload, "turnId")
	}

	switch {
	case ev.Type == "thread/started":
		run := m.run(threadID)
		if run.CreatedAt == 0 {
			run.CreatedAt = ev.Ts
		}
		return run

	case ev.Type == "turn/started":
		run := m.run(threadID)
		run.Status = domain.RunStatusInProgress
		if turnID != "" {
			run.Meta.LastTurnID = turnID
		}
		return run

	case ev.Type == "turn/completed":
		run := m.run(threadID)
		run.Status = turnStatus(ev.Payload)
		if turnID == "" {
			turnID = run.Meta.LastTurnID
		}
		m.closeReasoning(threadID, turnID, ev.Ts)
		return run

	case ev.Type == "turn/plan/updated":
		run := m.run(threadID)
		next := &domain.PlanView{
			TurnID:      turnID,
			UpdatedAt:   ev.Ts,
			Explanation: payloadString(ev.Payload, "explanation"),
			Steps:       planSteps(ev.Payload),
		}
		if run.Plan != nil {
			prior := *run.Plan
			next.History = append(prior.History, domain.PlanView{
				TurnID:      prior.TurnID,
				UpdatedAt:   prior.UpdatedAt,
				Explanation: prior.Explanation,
				Steps:       prior.Steps,
			})
		}
		run.Plan = next
		return run

	case ev.Type == "turn/diff/updated":
		run := m.run(threadID)
		run.Diff = &domain.DiffView{
			TurnID:    turnID,
			UpdatedAt: ev.Ts,
			Diff:      payloadString(ev.Payload, "diff"),
		}
		return run

	case ev.Type == "thread/tokenUsage/updated":
		run := m.run(threadID)
		run.TokenUsage = &domain.TokenUsage{
			UpdatedAt:    ev.Ts,
			InputTokens:  payloadInt(ev.Payload, "inputTokens"),
			OutputTokens: payloadInt(ev.Payload, "outputTokens"),
			TotalTokens:  payloadInt(ev.Payload, "totalTokens"),
		}
		return run

	case ev.Type == "item/started":
		return m.itemStarted(threadID, turnID, ev)

	case ev.Type == "item/completed":
		return m.itemCompleted(threadID, turnID, ev)

	case ev.Type == EventApprovalResolved:
		return m.approvalResolved(threadID, ev)

	case strings.HasSuffix(ev.Type, "/requestApproval"):
		return m.approvalRequested(threadID, turnID, ev)

	case isDelta(ev.Type):
		return m.delta(threadID, turnID, ev)
	}

	// Unknown event types stay in the raw log only.
	return nil
}

func (m *Mapper) run(threadID string) *domain.RunView {
	run, ok := m.runs[threadID]
	if !ok {
		run = &domain.RunView{
			RunID:  threadID,
			Status: domain.RunStatusPending,
			Steps:  []*domain.StepView{},
		}
		m.runs[threadID] = run
		m.steps[threadID] = make(map[string]*domain.StepView)
	}
	return run
}

func (m *Mapper) step(threadID, itemID string) *domain.StepView {
	run := m.run(threadID)
	step, ok := m.steps[threadID][itemID]
	if !ok {
		step = &domain.StepView{
			StepID:      itemID,
			Kind:        domain.StepKindSystemNote,
			Status:      domain.StepStatusPending,
			ThreadID:    threadID,
			RawEventIDs: []string{},
		}
		m.steps[threadID][itemID] = step
		run.Steps = append(run.Steps, step)
	}
	return step
}

// appendEventID records a contributing raw event once; replayed events do
// not grow the trail.
func appendEventID(step *domain.StepView, id string) {
	for _, existing := range step.RawEventIDs {
		if existing == id {
			return
		}
	}
	step.RawEventIDs = append(step.RawEventIDs, id)
}

// advance moves a step's status forward along the lattice
// pending -> inProgress -> terminal. Backward transitions are dropped.
func advance(step *domain.StepView, next domain.StepStatus) {
	if step.Status.Terminal() {
		return
	}
	if statusRank[next] >= statusRank[step.Status] {
		step.Status = next
	}
}

func (m *Mapper) itemStarted(threadID, turnID string, ev domain.RawEvent) *domain.RunView {
	item, _ := ev.Payload["item"].(map[string]any)
	itemID := payloadString(item, "id")
	if itemID == "" {
		itemID = payloadString(ev.Payload, "itemId")
	}
	if itemID == "" {
		return nil
	}

	kind := stepKindFor(payloadString(item, "type"))
	if kind != domain.StepKindReasoning {
		m.closeReasoning(threadID, turnID, ev.Ts)
	}

	step := m.step(threadID, itemID)
	step.Kind = kind
	if turnID != "" {
		step.TurnID = turnID
	}
	advance(step, domain.StepStatusInProgress)
	if step.TsStart == 0 {
		step.TsStart = ev.Ts
	}
	for _, key := range metaKeys {
		if v, ok := item[key]; ok {
			if step.Meta == nil {
				step.Meta = make(map[string]any)
			}
			step.Meta[key] = v
		}
	}
	appendEventID(step, ev.ID)
	return m.runs[threadID]
}

func (m *Mapper) itemCompleted(threadID, turnID string, ev domain.RawEvent) *domain.RunView {
	item, _ := ev.Payload["item"].(map[string]any)
	itemID := payloadString(item, "id")
	if itemID == "" {
		itemID = payloadString(ev.Payload, "itemId")
	}
	if itemID == "" {
		return nil
	}

	step := m.step(threadID, itemID)
	if kind := payloadString(item, "type"); kind != "" && !step.Status.Terminal() {
		step.Kind = stepKindFor(kind)
	}
	if turnID != "" && step.TurnID == "" {
		step.TurnID = turnID
	}

	// A completed item is authoritative for the terminal status, except
	// that reasoning always completes.
	status := itemStatus(payloadString(item, "status"))
	if step.Kind == domain.StepKindReasoning {
		status = domain.StepStatusCompleted
	}
	step.Status = status
	step.TsEnd = ev.Ts
	if step.TsStart == 0 {
		step.TsStart = ev.Ts
	}
	for _, key := range resultKeys {
		v, ok := item[key]
		if !ok {
			continue
		}
		if step.Result == nil {
			step.Result = make(map[string]any)
		}
		if key == "aggregatedOutput" {
			step.Result["output"] = v
			continue
		}
		step.Result[key] = v
	}
	appendEventID(step, ev.ID)
	return m.runs[threadID]
}

func (m *Mapper) delta(threadID, turnID string, ev domain.RawEvent) *domain.RunView {
	itemID := payloadString(ev.Payload, "itemId")
	if itemID == "" {
		return nil
	}
	step := m.step(threadID, itemID)
	if step.Kind == domain.StepKindSystemNote {
		if kind, ok := deltaKinds[deltaSegment(ev.Type)]; ok {
			step.Kind = kind
		}
	}
	if turnID != "" && step.TurnID == "" {
		step.TurnID = turnID
	}
	advance(step, domain.StepStatusInProgress)
	if step.TsStart == 0 {
		step.TsStart = ev.Ts
	}
	text := payloadString(ev.Payload, "delta")
	if text == "" {
		text = payloadString(ev.Payload, "text")
	}
	// Streams only grow. Deltas arriving after a terminal status still
	// append silently.
	step.Stream += text
	appendEventID(step, ev.ID)
	return m.runs[threadID]
}

func (m *Mapper) approvalRequested(threadID, turnID string, ev domain.RawEvent) *domain.RunView {
	itemID := payloadString(ev.Payload, "itemId")
	if itemID == "" {
		return nil
	}
	step := m.step(threadID, itemID)
	switch {
	case strings.HasPrefix(ev.Type, "item/commandExecution/"):
		step.Kind = domain.StepKindCommandExecution
	case strings.HasPrefix(ev.Type, "item/fileChange/"):
		step.Kind = domain.StepKindFileChange
	}
	if turnID != "" && step.TurnID == "" {
		step.TurnID = turnID
	}
	for _, key := range metaKeys {
		if v, ok := ev.Payload[key]; ok {
			if step.Meta == nil {
				step.Meta = make(map[string]any)
			}
			step.Meta[key] = v
		}
	}
	step.Approval = &domain.ApprovalView{
		ApprovalID: payloadString(ev.Payload, "approvalId"),
		Status:     domain.ApprovalStatusPending,
		Reason:     payloadString(ev.Payload, "reason"),
		Risk:       payloadString(ev.Payload, "risk"),
	}
	if !step.Status.Terminal() {
		step.Status = domain.StepStatusPending
	}
	appendEventID(step, ev.ID)
	return m.runs[threadID]
}

func (m *Mapper) approvalResolved(threadID string, ev domain.RawEvent) *domain.RunView {
	itemID := payloadString(ev.Payload, "itemId")
	if itemID == "" {
		return nil
	}
	steps, ok := m.steps[threadID]
	if !ok {
		return nil
	}
	step, ok := steps[itemID]
	if !ok || step.Approval == nil {
		return nil
	}
	status := domain.ApprovalStatus(payloadString(ev.Payload, "status"))
	step.Approval.Status = status
	switch status {
	case domain.ApprovalStatusAccepted:
		advance(step, domain.StepStatusInProgress)
	case domain.ApprovalStatusDeclined, domain.ApprovalStatusTimeout:
		if !step.Status.Terminal() {
			step.Status = domain.StepStatusDeclined
			step.TsEnd = ev.Ts
			if step.TsStart == 0 {
				step.TsStart = ev.Ts
			}
		}
	}
	appendEventID(step, ev.ID)
	return m.runs[threadID]
}

// closeReasoning force-completes any in-progress reasoning step of the turn.
func (m *Mapper) closeReasoning(threadID, turnID string, ts int64) {
	run, ok := m.runs[threadID]
	if !ok {
		return
	}
	for _, step := range run.Steps {
		if step.Kind != domain.StepKindReasoning {
			continue
		}
		if step.Status != domain.StepStatusInProgress {
			continue
		}
		if turnID != "" && step.TurnID != "" && step.TurnID != turnID {
			continue
		}
		step.Status = domain.StepStatusCompleted
		step.TsEnd = ts
	}
}

func isDelta(eventType string) bool {
	if !strings.HasPrefix(eventType, "item/") {
		return false
	}
	return strings.HasSuffix(eventType, "Delta") || strings.HasSuffix(eventType, "/delta") ||
		strings.HasSuffix(eventType, "PartAdded")
}

// deltaSegment extracts the item kind segment from a delta method name,
// e.g. "item/commandExecution/outputDelta" -> "commandExecution".
func deltaSegment(eventType string) string {
	parts := strings.Split(eventType, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

func turnStatus(payload map[string]any) domain.RunStatus {
	status := payloadString(payload, "status")
	if status == "" {
		if turn, ok := payload["turn"].(map[string]any); ok {
			status = payloadString(turn, "status")
		}
	}
	switch status {
	case "interrupted":
		return domain.RunStatusInterrupted
	case "failed":
		return domain.RunStatusFailed
	case "", "completed":
		return domain.RunStatusCompleted
	default:
		return domain.RunStatusCompleted
	}
}

func itemStatus(status string) domain.StepStatus {
	switch status {
	case "failed":
		return domain.StepStatusFailed
	case "declined":
		return domain.StepStatusDeclined
	default:
		return domain.StepStatusCompleted
	}
}

func planSteps(payload map[string]any) []domain.PlanStep {
	raw, ok := payload["plan"].([]any)
	if !ok {
		raw, _ = payload["steps"].([]any)
	}
	steps := make([]domain.PlanStep, 0, len(raw))
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		steps = append(steps, domain.PlanStep{
			Step:   payloadString(obj, "step"),
			Status: payloadString(obj, "status"),
		})
	}
	return steps
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]any, key string) int64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

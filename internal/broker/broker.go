// Package broker interposes on agent-initiated approval requests. Every
// request receives exactly one JSON-RPC response: synthesized by the policy
// engine, carried back from the client, or the configured default action on
// deadline lapse.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudcodex/gateway/internal/domain"
	"github.com/cloudcodex/gateway/internal/policy"
	"github.com/cloudcodex/gateway/internal/protocol"
)

// Approval request methods the broker handles.
const (
	MethodCommandApproval    = "item/commandExecution/requestApproval"
	MethodFileChangeApproval = "item/fileChange/requestApproval"
)

// Responder sends JSON-RPC responses back to an agent. The supervisor that
// received the request implements it.
type Responder interface {
	Respond(id json.RawMessage, result any) error
}

// SessionInfo identifies the session a request arrived on.
type SessionInfo struct {
	SessionID string
	UserID    string
}

// Broker owns the pending-approval table.
type Broker struct {
	engine        *policy.Engine
	auditor       *Auditor
	timeout       time.Duration
	defaultAction domain.Decision

	// OnApprovalRequest dispatches an approval/request frame toward the
	// owning client. Set before the first request arrives.
	OnApprovalRequest func(pa *domain.PendingApproval, frame map[string]any)

	// OnResolved reports a resolution (accept, decline, timeout) so the
	// run view can reflect it. Optional.
	OnResolved func(pa *domain.PendingApproval, status domain.ApprovalStatus)

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	approval  *domain.PendingApproval
	responder Responder
	timer     *time.Timer
}

// New creates a broker.
func New(engine *policy.Engine, auditor *Auditor, timeout time.Duration, defaultAction domain.Decision) *Broker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if defaultAction != domain.DecisionAccept {
		defaultAction = domain.DecisionDecline
	}
	return &Broker{
		engine:        engine,
		auditor:       auditor,
		timeout:       timeout,
		defaultAction: defaultAction,
		pending:       make(map[string]*pendingEntry),
	}
}

// HandleRequest processes one agent-initiated approval request and
// guarantees a response for msg.ID. It returns the broker-generated
// approval id, or "" when the policy decided without involving the client.
func (b *Broker) HandleRequest(sess SessionInfo, responder Responder, msg *protocol.Message, ev domain.RawEvent) string {
	action, ok := actionFor(msg.Method)
	if !ok {
		// Unknown method during approval routing: decline and audit.
		b.respond(responder, msg.ID, domain.DecisionDecline, nil)
		b.auditor.Record(domain.AuditRecord{
			UserID:    sess.UserID,
			SessionID: sess.SessionID,
			ThreadID:  ev.ThreadID,
			TurnID:    ev.TurnID,
			Action:    domain.AuditAction(msg.Method),
			Decision:  string(domain.DecisionDecline),
			Approver:  "policy_engine",
			Reason:    "unknown approval method",
		})
		return ""
	}

	req := policy.Request{
		Action:  action,
		Command: payloadString(ev.Payload, "command"),
		Cwd:     payloadString(ev.Payload, "cwd"),
		Changes: changePaths(ev.Payload),
	}

	decision := b.engine.Evaluate(context.Background(), req)
	if decision != domain.DecisionManual {
		b.respond(responder, msg.ID, decision, nil)
		b.auditor.Record(domain.AuditRecord{
			UserID:       sess.UserID,
			SessionID:    sess.SessionID,
			ThreadID:     ev.ThreadID,
			TurnID:       ev.TurnID,
			Action:       action,
			Command:      req.Command,
			Changes:      req.Changes,
			Decision:     string(decision),
			Approver:     "policy_engine",
			AutoApproved: true,
		})
		return ""
	}

	pa := &domain.PendingApproval{
		ApprovalID: "apv_" + uuid.New().String()[:8],
		RPCID:      append(json.RawMessage(nil), msg.ID...),
		SessionID:  sess.SessionID,
		UserID:     sess.UserID,
		ThreadID:   ev.ThreadID,
		TurnID:     ev.TurnID,
		ItemID:     payloadString(ev.Payload, "itemId"),
		Method:     msg.Method,
		Request:    ev.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	pa.Deadline = pa.CreatedAt.Add(b.timeout)

	entry := &pendingEntry{approval: pa, responder: responder}
	b.mu.Lock()
	b.pending[pa.ApprovalID] = entry
	entry.timer = time.AfterFunc(b.timeout, func() { b.expire(pa.ApprovalID) })
	b.mu.Unlock()

	frame := map[string]any{
		"approvalId": pa.ApprovalID,
		"method":     pa.Method,
	}
	for k, v := range ev.Payload {
		frame[k] = v
	}
	if b.OnApprovalRequest != nil {
		b.OnApprovalRequest(pa, frame)
	}
	return pa.ApprovalID
}

// Resolve delivers the client's decision for a pending approval. Unknown
// approval ids and session mismatches are dropped with an error: the agent
// must never see two responses for one rpc id.
func (b *Broker) Resolve(sessionID, approvalID string, decision domain.Decision, acceptSettings map[string]any) error {
	b.mu.Lock()
	entry, ok := b.pending[approvalID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("approval not found: %s", approvalID)
	}
	if entry.approval.SessionID != sessionID {
		// Leave the entry in place; the deadline still owns it.
		b.mu.Unlock()
		return fmt.Errorf("approval %s does not belong to session %s", approvalID, sessionID)
	}
	delete(b.pending, approvalID)
	b.mu.Unlock()
	entry.timer.Stop()

	if decision != domain.DecisionAccept {
		decision = domain.DecisionDecline
	}
	b.respond(entry.responder, entry.approval.RPCID, decision, acceptSettings)

	pa := entry.approval
	b.auditor.Record(domain.AuditRecord{
		UserID:    pa.UserID,
		SessionID: pa.SessionID,
		ThreadID:  pa.ThreadID,
		TurnID:    pa.TurnID,
		Action:    actionForMethod(pa.Method),
		Command:   payloadString(pa.Request, "command"),
		Changes:   changePaths(pa.Request),
		Decision:  string(decision),
		Approver:  "user_" + pa.UserID,
	})

	if b.OnResolved != nil {
		status := domain.ApprovalStatusDeclined
		if decision == domain.DecisionAccept {
			status = domain.ApprovalStatusAccepted
		}
		b.OnResolved(pa, status)
	}
	return nil
}

// expire sends the default action for an approval whose deadline lapsed.
func (b *Broker) expire(approvalID string) {
	entry, ok := b.take(approvalID)
	if !ok {
		return // already resolved by the client
	}

	pa := entry.approval
	b.respond(entry.responder, pa.RPCID, b.defaultAction, nil)
	b.auditor.Record(domain.AuditRecord{
		UserID:    pa.UserID,
		SessionID: pa.SessionID,
		ThreadID:  pa.ThreadID,
		TurnID:    pa.TurnID,
		Action:    actionForMethod(pa.Method),
		Command:   payloadString(pa.Request, "command"),
		Changes:   changePaths(pa.Request),
		Decision:  "timeout",
		Approver:  "timeout",
	})

	if b.OnResolved != nil {
		b.OnResolved(pa, domain.ApprovalStatusTimeout)
	}
}

// take removes and returns a pending entry. Take-and-remove keeps the
// timeout-vs-client race down to a single winner.
func (b *Broker) take(approvalID string) (*pendingEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[approvalID]
	if ok {
		delete(b.pending, approvalID)
	}
	return entry, ok
}

// PendingCount returns the number of approvals awaiting a decision.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) respond(responder Responder, id json.RawMessage, decision domain.Decision, acceptSettings map[string]any) {
	result := map[string]any{"decision": string(decision)}
	if len(acceptSettings) > 0 {
		result["acceptSettings"] = acceptSettings
	}
	if err := responder.Respond(id, result); err != nil {
		log.Printf("WARN: failed to send approval response: %v", err)
	}
}

func actionFor(method string) (domain.AuditAction, bool) {
	switch method {
	case MethodCommandApproval:
		return domain.AuditActionCommandExecution, true
	case MethodFileChangeApproval:
		return domain.AuditActionFileChange, true
	}
	return "", false
}

func actionForMethod(method string) domain.AuditAction {
	action, _ := actionFor(method)
	return action
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

// changePaths extracts file paths from a fileChange approval payload.
// Changes arrive either as a list of path strings or objects with a path.
func changePaths(payload map[string]any) []string {
	raw, ok := payload["changes"].([]any)
	if !ok {
		return nil
	}
	paths := make([]string, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case string:
			paths = append(paths, v)
		case map[string]any:
			if p, ok := v["path"].(string); ok {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

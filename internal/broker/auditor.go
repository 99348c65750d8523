package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cloudcodex/gateway/internal/domain"
)

// Sink receives audit records for persistence. Writes are best-effort: a
// failing sink must never block or fail an approval response.
type Sink interface {
	WriteAudit(ctx context.Context, rec *domain.AuditRecord) error
}

// Auditor keeps the append-only in-memory audit log and forwards each
// record to an optional sink.
type Auditor struct {
	mu      sync.RWMutex
	records []domain.AuditRecord
	sink    Sink
}

// NewAuditor creates an auditor. sink may be nil.
func NewAuditor(sink Sink) *Auditor {
	return &Auditor{sink: sink}
}

// Record appends an audit entry and forwards it to the sink.
func (a *Auditor) Record(rec domain.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	a.records = append(a.records, rec)
	a.mu.Unlock()

	if a.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.sink.WriteAudit(ctx, &rec); err != nil {
			log.Printf("WARN: failed to persist audit record: %v", err)
		}
	}
}

// ByUser returns all audit entries for a user, in append order.
func (a *Auditor) ByUser(userID string) []domain.AuditRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]domain.AuditRecord, 0)
	for _, rec := range a.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out
}

// All returns a copy of the full audit log.
func (a *Auditor) All() []domain.AuditRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]domain.AuditRecord, len(a.records))
	copy(out, a.records)
	return out
}

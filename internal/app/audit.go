package app

import (
	"context"
	"encoding/json"

	"courier/internal/orchestrator"
	"courier/internal/storage"
)

// auditSink writes terminal delivery records to the audit store.
type auditSink struct {
	store storage.Store
}

func (s auditSink) Append(ctx context.Context, rec orchestrator.Record) error {
	return s.store.Append(ctx, auditEntry(rec))
}

func auditEntry(rec orchestrator.Record) storage.AuditEntry {
	e := storage.AuditEntry{
		At:        rec.Timestamp,
		ID:        rec.ID,
		Status:    string(rec.Status),
		Success:   rec.Success,
		Provider:  rec.Provider,
		MessageID: rec.MessageID,
		Message:   rec.Message,
		Attempts:  len(rec.Attempts),
	}
	if len(rec.Attempts) > 0 {
		if b, err := json.Marshal(rec.Attempts); err == nil {
			e.Trail = string(b)
		}
	}
	return e
}

package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/teamloop/teamloop-backend/internal/models"
)

const auditWriteTimeout = 5 * time.Second

// recordAudit appends an immutable audit entry. Fire-and-forget: a
// failed write is logged and swallowed — audit logging is a side
// observation and must never fail or roll back the action it records.
//
// A fresh context is used so an already-cancelled request context
// cannot lose the entry for work that did complete.
func (s *ChatService) recordAudit(entry *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if err := s.store.InsertAuditEntry(ctx, entry); err != nil {
		log.Printf("audit write failed (action=%s room=%s): %v", entry.Action, entry.MatrixRoomID, err)
	}
}

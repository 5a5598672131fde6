package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the chat provisioning subsystem.
const (
	AuditUserProvisioned = "user_provisioned"
	AuditRoomCreated     = "room_created"
	AuditRoomDiscarded   = "room_discarded"
	AuditRoomUpdated     = "room_updated"
	AuditMemberInvited   = "member_invited"
	AuditMemberRemoved   = "member_removed"
)

// AuditEntry is an append-only record of a provisioning or membership
// action, kept for moderation and compliance review. Never updated or
// deleted.
type AuditEntry struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Action       string        `json:"action"`
	RoomType     string        `json:"room_type,omitempty"`
	MatrixRoomID string        `json:"matrix_room_id,omitempty"`
	ProjectID    uuid.NullUUID `json:"project_id,omitempty"`

	ActorUserID  uuid.UUID     `json:"actor_user_id"`
	TargetUserID uuid.NullUUID `json:"target_user_id,omitempty"`

	// Metadata is a free-form JSON document (reason, invited count, etc).
	Metadata string `json:"metadata,omitempty"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// ChatIdentity is the application's record of a user's Matrix account.
// At most one per user; the password is stored only as a vault-encrypted
// blob and is never readable outside the provisioning layer.
type ChatIdentity struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	UserID            uuid.UUID `json:"user_id"`
	MatrixUserID      string    `json:"matrix_user_id"`
	PasswordEncrypted string    `json:"-"` // Never returned in JSON
}

// Room types for conversation_rooms.
const (
	RoomTypeDirect  = "direct"
	RoomTypeProject = "project"
)

// ConversationRoom maps a direct pair or a project to a Matrix room.
// Exactly one row per pair key or project id; the Matrix room id is
// immutable once written.
type ConversationRoom struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	RoomType string `json:"room_type"`

	// PairKey is set for direct rooms: the two participant UUIDs sorted
	// lexically and joined with ":", so (A,B) and (B,A) collide.
	PairKey string `json:"pair_key,omitempty"`

	// ProjectID is set for project rooms.
	ProjectID uuid.NullUUID `json:"project_id,omitempty"`

	MatrixRoomID string `json:"matrix_room_id"`
}

// Project ownership/membership rows are owned by the project feature;
// this subsystem only reads them to compute expected room membership.
type Project struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Name    string    `json:"name"`
	OwnerID uuid.UUID `json:"owner_id"`
}

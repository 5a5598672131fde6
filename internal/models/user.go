package models

import (
	"time"

	"github.com/google/uuid"
)

// User lifecycle statuses. A user becomes "active" once onboarding
// completes; chat tokens are only issued to active users.
const (
	UserStatusPending   = "pending"
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`

	// MatrixUserID mirrors chat_identities.matrix_user_id once the user
	// has been provisioned. Empty until then.
	MatrixUserID string `json:"matrix_user_id,omitempty"`
}

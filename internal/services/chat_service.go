// Package services implements the chat provisioning subsystem: Matrix
// identity provisioning and on-demand token issuance, idempotent room
// provisioning for direct and project conversations, membership
// reconciliation, and the audit trail behind all of it.
package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/teamloop/teamloop-backend/internal/matrix"
	"github.com/teamloop/teamloop-backend/internal/models"
)

// Store is the persistence surface the chat service needs. Implemented
// by database.ChatStore over Postgres; tests use an in-memory fake.
//
// Lookup methods return (nil, nil) when no row exists. CreateChatIdentity
// and InsertRoom rely on unique constraints to arbitrate concurrent
// provisioning: the first writer wins and later writers are told so.
type Store interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error)

	GetChatIdentity(ctx context.Context, userID uuid.UUID) (*models.ChatIdentity, error)
	// CreateChatIdentity persists the identity and stamps the user's
	// matrix_user_id in one transaction. Returns ErrAlreadyExists when
	// another writer got there first.
	CreateChatIdentity(ctx context.Context, identity *models.ChatIdentity) error

	GetDirectRoom(ctx context.Context, pairKey string) (*models.ConversationRoom, error)
	GetProjectRoom(ctx context.Context, projectID uuid.UUID) (*models.ConversationRoom, error)
	// InsertRoom records the room mapping. When a row for the same key
	// already exists the insert is a no-op and the existing row is
	// returned with inserted=false — the caller lost the race and must
	// adopt the stored Matrix room id.
	InsertRoom(ctx context.Context, room *models.ConversationRoom) (inserted bool, existing *models.ConversationRoom, err error)

	GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error)
	// ListProjectMemberIDs returns the current member user ids of the
	// project, not including the owner. Read-only: membership rows are
	// owned by the project feature.
	ListProjectMemberIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)

	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// ChatService is the entry point application code calls into. All
// methods are safe for concurrent use; no in-process lock is ever held
// across both the database and the homeserver.
type ChatService struct {
	store  Store
	matrix *matrix.Client
	vault  *Vault
}

// NewChatService wires the service together.
func NewChatService(store Store, client *matrix.Client, vault *Vault) *ChatService {
	return &ChatService{store: store, matrix: client, vault: vault}
}

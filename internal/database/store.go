package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/teamloop/teamloop-backend/internal/models"
	"github.com/teamloop/teamloop-backend/internal/services"
)

// ChatStore implements services.Store over PostgreSQL. Lookups map
// sql.ErrNoRows to (nil, nil); uniqueness violations map to
// services.ErrAlreadyExists so the service layer can adopt the winner
// of a provisioning race.
type ChatStore struct {
	db *sql.DB
}

// NewChatStore wraps the given connection pool. Pass PostgresDB after
// ConnectPostgres.
func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

// uniqueViolation is the Postgres error code for a unique constraint.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func (s *ChatStore) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	var matrixUserID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, handle, display_name, status, matrix_user_id
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.CreatedAt, &user.Handle, &user.DisplayName, &user.Status, &matrixUserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.MatrixUserID = matrixUserID.String
	return &user, nil
}

func (s *ChatStore) GetChatIdentity(ctx context.Context, userID uuid.UUID) (*models.ChatIdentity, error) {
	var identity models.ChatIdentity
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, user_id, matrix_user_id, password_encrypted
		FROM chat_identities WHERE user_id = $1
	`, userID).Scan(&identity.ID, &identity.CreatedAt, &identity.UserID, &identity.MatrixUserID, &identity.PasswordEncrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &identity, nil
}

// CreateChatIdentity inserts the identity row and stamps the user's
// matrix_user_id in a single transaction, so a user is never half
// provisioned.
func (s *ChatStore) CreateChatIdentity(ctx context.Context, identity *models.ChatIdentity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_identities (id, created_at, user_id, matrix_user_id, password_encrypted)
		VALUES ($1, $2, $3, $4, $5)
	`, identity.ID, identity.CreatedAt, identity.UserID, identity.MatrixUserID, identity.PasswordEncrypted)
	if err != nil {
		if isUniqueViolation(err) {
			return services.ErrAlreadyExists
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET matrix_user_id = $1 WHERE id = $2
	`, identity.MatrixUserID, identity.UserID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *ChatStore) GetDirectRoom(ctx context.Context, pairKey string) (*models.ConversationRoom, error) {
	return s.getRoom(ctx, `
		SELECT id, created_at, room_type, pair_key, project_id, matrix_room_id
		FROM conversation_rooms WHERE pair_key = $1
	`, pairKey)
}

func (s *ChatStore) GetProjectRoom(ctx context.Context, projectID uuid.UUID) (*models.ConversationRoom, error) {
	return s.getRoom(ctx, `
		SELECT id, created_at, room_type, pair_key, project_id, matrix_room_id
		FROM conversation_rooms WHERE project_id = $1
	`, projectID)
}

func (s *ChatStore) getRoom(ctx context.Context, query string, arg any) (*models.ConversationRoom, error) {
	var room models.ConversationRoom
	var pairKey sql.NullString
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&room.ID, &room.CreatedAt, &room.RoomType, &pairKey, &room.ProjectID, &room.MatrixRoomID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.PairKey = pairKey.String
	return &room, nil
}

// InsertRoom records the room mapping. On a key conflict the insert is
// a no-op and the existing row is returned with inserted=false.
func (s *ChatStore) InsertRoom(ctx context.Context, room *models.ConversationRoom) (bool, *models.ConversationRoom, error) {
	var pairKey sql.NullString
	if room.PairKey != "" {
		pairKey = sql.NullString{String: room.PairKey, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_rooms (id, created_at, room_type, pair_key, project_id, matrix_room_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, room.ID, room.CreatedAt, room.RoomType, pairKey, room.ProjectID, room.MatrixRoomID)
	if err != nil {
		return false, nil, err
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, nil, err
	}
	if inserted > 0 {
		return true, nil, nil
	}

	// Lost the race; fetch the winner's row.
	var existing *models.ConversationRoom
	if room.PairKey != "" {
		existing, err = s.GetDirectRoom(ctx, room.PairKey)
	} else {
		existing, err = s.GetProjectRoom(ctx, room.ProjectID.UUID)
	}
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		return false, nil, errors.New("room insert conflicted but no existing row found")
	}
	return false, existing, nil
}

func (s *ChatStore) GetProject(ctx context.Context, projectID uuid.UUID) (*models.Project, error) {
	var project models.Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, name, owner_id FROM projects WHERE id = $1
	`, projectID).Scan(&project.ID, &project.CreatedAt, &project.Name, &project.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &project, nil
}

func (s *ChatStore) ListProjectMemberIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM project_members WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberIDs []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		memberIDs = append(memberIDs, userID)
	}
	return memberIDs, rows.Err()
}

func (s *ChatStore) InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	var metadata sql.NullString
	if entry.Metadata != "" {
		metadata = sql.NullString{String: entry.Metadata, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_audit_log (id, created_at, action, room_type, matrix_room_id, project_id, actor_user_id, target_user_id, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
	`, entry.ID, entry.CreatedAt, entry.Action, entry.RoomType, entry.MatrixRoomID,
		entry.ProjectID, entry.ActorUserID, entry.TargetUserID, metadata)
	return err
}

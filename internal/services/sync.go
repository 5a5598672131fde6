package services

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"

	"github.com/teamloop/teamloop-backend/internal/matrix"
	"github.com/teamloop/teamloop-backend/internal/models"
)

const kickReason = "No longer a member of this project"

// SyncResult reports what a reconciliation pass changed. Errors holds
// per-member failures; a non-empty Errors with a nil error from
// SyncProjectMembers means partial success.
type SyncResult struct {
	Invited []string `json:"invited"`
	Removed []string `json:"removed"`
	Errors  []string `json:"errors"`
}

// SyncProjectMembers converges the project room's remote membership to
// match the application's membership records.
//
// expected = owner + current members (those with a chat identity);
// current = what the homeserver reports. Missing members are invited,
// extra ones kicked — invites before kicks, and the administrative
// service account is never kicked since it retains the room for future
// management. Each member operation fails independently; failures are
// collected, never escalated, because the remote room cannot be rolled
// back together with the local database.
//
// Re-running sync is always safe: the algorithm is idempotent and a
// second pass with no membership changes produces an empty diff.
func (s *ChatService) SyncProjectMembers(ctx context.Context, projectID, actorID uuid.UUID) (*SyncResult, error) {
	result := &SyncResult{
		Invited: []string{},
		Removed: []string{},
		Errors:  []string{},
	}

	room, err := s.store.GetProjectRoom(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project room: %w", err)
	}
	if room == nil {
		// First sync for this project: creating the room seeds its
		// membership, so there is nothing left to reconcile.
		if _, err := s.EnsureProjectRoom(ctx, projectID, actorID); err != nil {
			return nil, err
		}
		return result, nil
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", projectID)
	}

	expectedIDs, err := s.projectRemoteIDs(ctx, project)
	if err != nil {
		return nil, err
	}
	expected := make(map[string]bool, len(expectedIDs))
	for _, remoteID := range expectedIDs {
		expected[remoteID] = true
	}

	currentIDs, err := s.matrix.ListMembers(ctx, room.MatrixRoomID)
	if err != nil {
		// The listing itself failing is not a per-member problem. A
		// vanished room (or a service account kicked out-of-band) needs
		// an operator decision, not silent re-provisioning.
		return nil, classifyRoomErr(err, "list room members")
	}
	current := make(map[string]bool, len(currentIDs))
	for _, remoteID := range currentIDs {
		current[remoteID] = true
	}

	var toInvite, toRemove []string
	for remoteID := range expected {
		if !current[remoteID] {
			toInvite = append(toInvite, remoteID)
		}
	}
	for remoteID := range current {
		if expected[remoteID] {
			continue
		}
		if remoteID == s.matrix.AdminUser() {
			continue
		}
		toRemove = append(toRemove, remoteID)
	}
	sort.Strings(toInvite)
	sort.Strings(toRemove)

	// Invites before kicks: a member moving between states in the same
	// pass is never left with zero membership mid-operation.
	for _, remoteID := range toInvite {
		if err := s.matrix.InviteUser(ctx, room.MatrixRoomID, remoteID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("invite %s: %v", remoteID, err))
			log.Printf("sync project %s: invite %s failed: %v", projectID, remoteID, err)
			continue
		}
		result.Invited = append(result.Invited, remoteID)
		s.recordAudit(&models.AuditEntry{
			Action:       models.AuditMemberInvited,
			RoomType:     models.RoomTypeProject,
			MatrixRoomID: room.MatrixRoomID,
			ProjectID:    uuid.NullUUID{UUID: projectID, Valid: true},
			ActorUserID:  actorID,
			Metadata:     fmt.Sprintf(`{"matrix_user_id":%q}`, remoteID),
		})
	}

	for _, remoteID := range toRemove {
		if err := s.matrix.KickUser(ctx, room.MatrixRoomID, remoteID, kickReason); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("kick %s: %v", remoteID, err))
			log.Printf("sync project %s: kick %s failed: %v", projectID, remoteID, err)
			continue
		}
		result.Removed = append(result.Removed, remoteID)
		s.recordAudit(&models.AuditEntry{
			Action:       models.AuditMemberRemoved,
			RoomType:     models.RoomTypeProject,
			MatrixRoomID: room.MatrixRoomID,
			ProjectID:    uuid.NullUUID{UUID: projectID, Valid: true},
			ActorUserID:  actorID,
			Metadata:     fmt.Sprintf(`{"matrix_user_id":%q}`, remoteID),
		})
	}

	return result, nil
}

// InviteMember is the single-member fast path used when a user is added
// to a project: it ensures the room exists and invites just that user.
// The target must already have a chat identity; otherwise the next sync
// after provisioning picks them up.
func (s *ChatService) InviteMember(ctx context.Context, projectID, targetUserID, actorID uuid.UUID) error {
	identity, err := s.store.GetChatIdentity(ctx, targetUserID)
	if err != nil {
		return fmt.Errorf("load chat identity: %w", err)
	}
	if identity == nil {
		return ErrChatNotInitialized
	}

	roomID, err := s.EnsureProjectRoom(ctx, projectID, actorID)
	if err != nil {
		return err
	}

	if err := s.matrix.InviteUser(ctx, roomID, identity.MatrixUserID); err != nil {
		return classifyRoomErr(err, "invite member")
	}

	s.recordAudit(&models.AuditEntry{
		Action:       models.AuditMemberInvited,
		RoomType:     models.RoomTypeProject,
		MatrixRoomID: roomID,
		ProjectID:    uuid.NullUUID{UUID: projectID, Valid: true},
		ActorUserID:  actorID,
		TargetUserID: uuid.NullUUID{UUID: targetUserID, Valid: true},
	})
	return nil
}

// RemoveMember is the single-member fast path used when a user is
// removed from a project. Removing a user who was never chat-provisioned,
// or whose project has no room yet, is a successful no-op — they were
// never in the conversation to begin with.
func (s *ChatService) RemoveMember(ctx context.Context, projectID, targetUserID, actorID uuid.UUID) error {
	room, err := s.store.GetProjectRoom(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project room: %w", err)
	}
	if room == nil {
		return nil
	}

	identity, err := s.store.GetChatIdentity(ctx, targetUserID)
	if err != nil {
		return fmt.Errorf("load chat identity: %w", err)
	}
	if identity == nil {
		return nil
	}

	if err := s.matrix.KickUser(ctx, room.MatrixRoomID, identity.MatrixUserID, kickReason); err != nil {
		if matrix.IsNotFound(err) || matrix.IsCode(err, matrix.CodeForbidden) {
			// Already not in the room; nothing to remove.
			return nil
		}
		return fmt.Errorf("remove member: %w", err)
	}

	s.recordAudit(&models.AuditEntry{
		Action:       models.AuditMemberRemoved,
		RoomType:     models.RoomTypeProject,
		MatrixRoomID: room.MatrixRoomID,
		ProjectID:    uuid.NullUUID{UUID: projectID, Valid: true},
		ActorUserID:  actorID,
		TargetUserID: uuid.NullUUID{UUID: targetUserID, Valid: true},
	})
	return nil
}

package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teamloop/teamloop-backend/internal/matrix"
	"github.com/teamloop/teamloop-backend/internal/models"
)

// DirectPairKey canonicalizes a participant pair: the two user ids are
// sorted so (A,B) and (B,A) always produce the same key.
func DirectPairKey(userA, userB uuid.UUID) string {
	a, b := userA.String(), userB.String()
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// EnsureDirectRoom returns the Matrix room id for the one-to-one
// conversation between userA and userB, creating the room on first
// need. Idempotent and order-independent in its arguments.
//
// Both participants must already have a chat identity; a direct room
// with an unaddressable participant is not useful.
func (s *ChatService) EnsureDirectRoom(ctx context.Context, userA, userB uuid.UUID) (string, error) {
	pairKey := DirectPairKey(userA, userB)

	room, err := s.store.GetDirectRoom(ctx, pairKey)
	if err != nil {
		return "", fmt.Errorf("load direct room: %w", err)
	}
	if room != nil {
		return room.MatrixRoomID, nil
	}

	identityA, err := s.store.GetChatIdentity(ctx, userA)
	if err != nil {
		return "", fmt.Errorf("load chat identity: %w", err)
	}
	identityB, err := s.store.GetChatIdentity(ctx, userB)
	if err != nil {
		return "", fmt.Errorf("load chat identity: %w", err)
	}
	if identityA == nil || identityB == nil {
		return "", ErrChatNotInitialized
	}

	invitees := []string{identityA.MatrixUserID, identityB.MatrixUserID}
	roomID, err := s.matrix.CreateRoom(ctx, matrix.CreateRoomRequest{
		IsDirect: true,
		Invite:   invitees,
	})
	if err != nil {
		return "", fmt.Errorf("create direct room: %w", err)
	}

	stored, err := s.adoptOrRecordRoom(ctx, &models.ConversationRoom{
		ID:           uuid.New(),
		CreatedAt:    time.Now().UTC(),
		RoomType:     models.RoomTypeDirect,
		PairKey:      pairKey,
		MatrixRoomID: roomID,
	}, userA)
	if err != nil {
		return "", err
	}
	if stored.MatrixRoomID != roomID {
		// Lost the race; the winner's room is the real one.
		return stored.MatrixRoomID, nil
	}

	s.recordAudit(&models.AuditEntry{
		Action:       models.AuditRoomCreated,
		RoomType:     models.RoomTypeDirect,
		MatrixRoomID: roomID,
		ActorUserID:  userA,
		TargetUserID: uuid.NullUUID{UUID: userB, Valid: true},
	})

	// Participants are invited at creation; re-invite anyway so a user
	// who rejected the original invite gets a new one. Invite failures
	// here are tolerated, never fatal.
	for _, invitee := range invitees {
		if err := s.matrix.InviteUser(ctx, roomID, invitee); err != nil {
			log.Printf("direct room %s: invite %s failed: %v", roomID, invitee, err)
		}
	}

	return roomID, nil
}

// EnsureProjectRoom returns the Matrix room id for the project's group
// conversation, creating it on first need and seeding it with every
// chat-enabled owner/member. Idempotent per project.
func (s *ChatService) EnsureProjectRoom(ctx context.Context, projectID, actorID uuid.UUID) (string, error) {
	room, err := s.store.GetProjectRoom(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("load project room: %w", err)
	}
	if room != nil {
		return room.MatrixRoomID, nil
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return "", fmt.Errorf("project %s not found", projectID)
	}

	invitees, err := s.projectRemoteIDs(ctx, project)
	if err != nil {
		return "", err
	}
	if len(invitees) == 0 {
		// A group chat with zero addressable participants is useless;
		// members get picked up by sync once they provision.
		return "", ErrNoEligibleMembers
	}

	roomID, err := s.matrix.CreateRoom(ctx, matrix.CreateRoomRequest{
		Name:   project.Name,
		Topic:  "Project discussion for " + project.Name,
		Invite: invitees,
	})
	if err != nil {
		return "", fmt.Errorf("create project room: %w", err)
	}

	stored, err := s.adoptOrRecordRoom(ctx, &models.ConversationRoom{
		ID:           uuid.New(),
		CreatedAt:    time.Now().UTC(),
		RoomType:     models.RoomTypeProject,
		ProjectID:    uuid.NullUUID{UUID: projectID, Valid: true},
		MatrixRoomID: roomID,
	}, actorID)
	if err != nil {
		return "", err
	}
	if stored.MatrixRoomID != roomID {
		return stored.MatrixRoomID, nil
	}

	s.recordAudit(&models.AuditEntry{
		Action:       models.AuditRoomCreated,
		RoomType:     models.RoomTypeProject,
		MatrixRoomID: roomID,
		ProjectID:    uuid.NullUUID{UUID: projectID, Valid: true},
		ActorUserID:  actorID,
		Metadata:     fmt.Sprintf(`{"invited":%d}`, len(invitees)),
	})

	return roomID, nil
}

// adoptOrRecordRoom records the room mapping, handling the concurrent
// creation race: the mapping row is the single source of truth, so a
// caller whose insert conflicts discards its freshly created remote
// room (the service account leaves it) and adopts the stored one.
func (s *ChatService) adoptOrRecordRoom(ctx context.Context, room *models.ConversationRoom, actorID uuid.UUID) (*models.ConversationRoom, error) {
	inserted, existing, err := s.store.InsertRoom(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("record room mapping: %w", err)
	}
	if inserted {
		return room, nil
	}

	// The remote service has no create-if-not-exists; our room is an
	// orphaned duplicate. Leave it so it doesn't linger half-managed.
	if err := s.matrix.LeaveRoom(ctx, room.MatrixRoomID); err != nil {
		log.Printf("leave duplicate room %s failed: %v", room.MatrixRoomID, err)
	}
	s.recordAudit(&models.AuditEntry{
		Action:       models.AuditRoomDiscarded,
		RoomType:     room.RoomType,
		MatrixRoomID: room.MatrixRoomID,
		ProjectID:    room.ProjectID,
		ActorUserID:  actorID,
		Metadata:     fmt.Sprintf(`{"adopted":%q}`, existing.MatrixRoomID),
	})

	return existing, nil
}

// UpdateRoomDetails renames the project's room and/or updates its topic
// after a project rename. A project without a room yet is a successful
// no-op: the room picks up the current name when it is created.
func (s *ChatService) UpdateRoomDetails(ctx context.Context, projectID uuid.UUID, name, topic string, actorID uuid.UUID) error {
	room, err := s.store.GetProjectRoom(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project room: %w", err)
	}
	if room == nil {
		return nil
	}

	var updated []string
	if strings.TrimSpace(name) != "" {
		if err := s.matrix.SetRoomName(ctx, room.MatrixRoomID, name); err != nil {
			return classifyRoomErr(err, "set room name")
		}
		updated = append(updated, "name")
	}
	if strings.TrimSpace(topic) != "" {
		if err := s.matrix.SetRoomTopic(ctx, room.MatrixRoomID, topic); err != nil {
			return classifyRoomErr(err, "set room topic")
		}
		updated = append(updated, "topic")
	}
	if len(updated) == 0 {
		return nil
	}

	s.recordAudit(&models.AuditEntry{
		Action:       models.AuditRoomUpdated,
		RoomType:     models.RoomTypeProject,
		MatrixRoomID: room.MatrixRoomID,
		ProjectID:    uuid.NullUUID{UUID: projectID, Valid: true},
		ActorUserID:  actorID,
		Metadata:     fmt.Sprintf(`{"updated":%q}`, strings.Join(updated, ",")),
	})
	return nil
}

// projectRemoteIDs collects the Matrix user ids of the project owner
// and all current members that have a chat identity.
func (s *ChatService) projectRemoteIDs(ctx context.Context, project *models.Project) ([]string, error) {
	memberIDs, err := s.store.ListProjectMemberIDs(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}

	userIDs := append([]uuid.UUID{project.OwnerID}, memberIDs...)
	seen := make(map[uuid.UUID]bool, len(userIDs))
	var remoteIDs []string
	for _, userID := range userIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true

		identity, err := s.store.GetChatIdentity(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load chat identity: %w", err)
		}
		if identity != nil {
			remoteIDs = append(remoteIDs, identity.MatrixUserID)
		}
	}
	return remoteIDs, nil
}

// classifyRoomErr maps a room-scoped remote failure: a room that
// vanished out-of-band becomes ErrRoomGone, anything else passes
// through for the caller to retry at its discretion.
func classifyRoomErr(err error, operation string) error {
	if matrix.IsNotFound(err) || matrix.IsCode(err, matrix.CodeForbidden) {
		return fmt.Errorf("%w: %s: %v", ErrRoomGone, operation, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

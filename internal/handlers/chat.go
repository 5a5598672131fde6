package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/teamloop/teamloop-backend/internal/middleware"
	"github.com/teamloop/teamloop-backend/internal/services"
)

// chatService is wired once at startup from main.
var chatService *services.ChatService

// InitChatService sets the chat service used by all chat handlers.
func InitChatService(service *services.ChatService) {
	chatService = service
}

// ProvisionRequest asks for a chat identity for a user (onboarding hook)
type ProvisionRequest struct {
	UserID string `json:"user_id"`
}

type ProvisionResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	MatrixUserID string `json:"matrix_user_id,omitempty"`
}

// TokenRequest asks for a fresh chat session token
type TokenRequest struct {
	UserID string `json:"user_id"`
}

type TokenResponse struct {
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Token   *services.TokenGrant `json:"token,omitempty"`
}

// DirectRoomRequest asks for the one-to-one room between two users
type DirectRoomRequest struct {
	UserID      string `json:"user_id"`
	OtherUserID string `json:"other_user_id"`
}

// ProjectRoomRequest asks for the group room of a project
type ProjectRoomRequest struct {
	ProjectID   string `json:"project_id"`
	ActorUserID string `json:"actor_user_id"`
}

type RoomResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	RoomID  string `json:"room_id,omitempty"`
}

// SyncResponse reports the reconciliation diff
type SyncResponse struct {
	Success bool                 `json:"success"`
	Message string               `json:"message,omitempty"`
	Result  *services.SyncResult `json:"result,omitempty"`
}

// MemberRequest targets a single project member
type MemberRequest struct {
	ProjectID    string `json:"project_id"`
	TargetUserID string `json:"target_user_id"`
	ActorUserID  string `json:"actor_user_id"`
}

// UpdateRoomRequest renames a project room and/or updates its topic
type UpdateRoomRequest struct {
	ProjectID   string `json:"project_id"`
	Name        string `json:"name,omitempty"`
	Topic       string `json:"topic,omitempty"`
	ActorUserID string `json:"actor_user_id"`
}

type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ProvisionChat creates a chat identity for a user (idempotent)
func ProvisionChat(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ProvisionResponse{Success: false, Message: "Invalid request body"})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ProvisionResponse{Success: false, Message: "Invalid user id"})
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassProvision, userID.String()) {
		writeJSON(w, http.StatusTooManyRequests, ProvisionResponse{Success: false, Message: "Too many requests"})
		return
	}

	identity, err := chatService.Provision(r.Context(), userID)
	if err != nil {
		status, message := classifyChatError(err)
		log.Printf("provision chat for %s failed: %v", userID, err)
		writeJSON(w, status, ProvisionResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, ProvisionResponse{Success: true, MatrixUserID: identity.MatrixUserID})
}

// IssueChatToken returns a fresh chat session token for a user
func IssueChatToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, TokenResponse{Success: false, Message: "Invalid request body"})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, TokenResponse{Success: false, Message: "Invalid user id"})
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassProvision, userID.String()) {
		writeJSON(w, http.StatusTooManyRequests, TokenResponse{Success: false, Message: "Too many requests"})
		return
	}

	grant, err := chatService.IssueToken(r.Context(), userID)
	if err != nil {
		status, message := classifyChatError(err)
		log.Printf("issue chat token for %s failed: %v", userID, err)
		writeJSON(w, status, TokenResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{Success: true, Token: grant})
}

// EnsureDirectRoom returns (creating if needed) the direct room for a pair
func EnsureDirectRoom(w http.ResponseWriter, r *http.Request) {
	var req DirectRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, RoomResponse{Success: false, Message: "Invalid request body"})
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RoomResponse{Success: false, Message: "Invalid user id"})
		return
	}
	otherID, err := uuid.Parse(req.OtherUserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RoomResponse{Success: false, Message: "Invalid user id"})
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassRoom, userID.String()) {
		writeJSON(w, http.StatusTooManyRequests, RoomResponse{Success: false, Message: "Too many requests"})
		return
	}

	roomID, err := chatService.EnsureDirectRoom(r.Context(), userID, otherID)
	if err != nil {
		status, message := classifyChatError(err)
		log.Printf("ensure direct room (%s, %s) failed: %v", userID, otherID, err)
		writeJSON(w, status, RoomResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, RoomResponse{Success: true, RoomID: roomID})
}

// EnsureProjectRoom returns (creating if needed) the project's group room
func EnsureProjectRoom(w http.ResponseWriter, r *http.Request) {
	var req ProjectRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, RoomResponse{Success: false, Message: "Invalid request body"})
		return
	}

	projectID, actorID, ok := parseProjectActor(w, req.ProjectID, req.ActorUserID)
	if !ok {
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassRoom, actorID.String()) {
		writeJSON(w, http.StatusTooManyRequests, RoomResponse{Success: false, Message: "Too many requests"})
		return
	}

	roomID, err := chatService.EnsureProjectRoom(r.Context(), projectID, actorID)
	if err != nil {
		status, message := classifyChatError(err)
		log.Printf("ensure project room %s failed: %v", projectID, err)
		writeJSON(w, status, RoomResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, RoomResponse{Success: true, RoomID: roomID})
}

// SyncProjectMembers reconciles remote room membership for a project
func SyncProjectMembers(w http.ResponseWriter, r *http.Request) {
	var req ProjectRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SyncResponse{Success: false, Message: "Invalid request body"})
		return
	}

	projectID, actorID, ok := parseProjectActor(w, req.ProjectID, req.ActorUserID)
	if !ok {
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassSync, actorID.String()) {
		writeJSON(w, http.StatusTooManyRequests, SyncResponse{Success: false, Message: "Too many requests"})
		return
	}

	result, err := chatService.SyncProjectMembers(r.Context(), projectID, actorID)
	if err != nil {
		status, message := classifyChatError(err)
		log.Printf("sync project %s failed: %v", projectID, err)
		writeJSON(w, status, SyncResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{Success: true, Result: result})
}

// InviteProjectMember invites one member into the project room
func InviteProjectMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "Invalid request body"})
		return
	}

	projectID, actorID, ok := parseProjectActor(w, req.ProjectID, req.ActorUserID)
	if !ok {
		return
	}
	targetID, err := uuid.Parse(req.TargetUserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "Invalid user id"})
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassRoom, actorID.String()) {
		writeJSON(w, http.StatusTooManyRequests, ActionResponse{Success: false, Message: "Too many requests"})
		return
	}

	if err := chatService.InviteMember(r.Context(), projectID, targetID, actorID); err != nil {
		status, message := classifyChatError(err)
		log.Printf("invite member %s to project %s failed: %v", targetID, projectID, err)
		writeJSON(w, status, ActionResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// RemoveProjectMember removes one member from the project room
func RemoveProjectMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "Invalid request body"})
		return
	}

	projectID, actorID, ok := parseProjectActor(w, req.ProjectID, req.ActorUserID)
	if !ok {
		return
	}
	targetID, err := uuid.Parse(req.TargetUserID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "Invalid user id"})
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassRoom, actorID.String()) {
		writeJSON(w, http.StatusTooManyRequests, ActionResponse{Success: false, Message: "Too many requests"})
		return
	}

	if err := chatService.RemoveMember(r.Context(), projectID, targetID, actorID); err != nil {
		status, message := classifyChatError(err)
		log.Printf("remove member %s from project %s failed: %v", targetID, projectID, err)
		writeJSON(w, status, ActionResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// UpdateRoomDetails renames a project room after a project rename
func UpdateRoomDetails(w http.ResponseWriter, r *http.Request) {
	var req UpdateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "Invalid request body"})
		return
	}

	projectID, actorID, ok := parseProjectActor(w, req.ProjectID, req.ActorUserID)
	if !ok {
		return
	}

	if !middleware.AllowActor(r.Context(), middleware.OpClassRoom, actorID.String()) {
		writeJSON(w, http.StatusTooManyRequests, ActionResponse{Success: false, Message: "Too many requests"})
		return
	}

	if err := chatService.UpdateRoomDetails(r.Context(), projectID, req.Name, req.Topic, actorID); err != nil {
		status, message := classifyChatError(err)
		log.Printf("update room details for project %s failed: %v", projectID, err)
		writeJSON(w, status, ActionResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

func parseProjectActor(w http.ResponseWriter, projectID, actorID string) (uuid.UUID, uuid.UUID, bool) {
	project, err := uuid.Parse(projectID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "Invalid project id"})
		return uuid.Nil, uuid.Nil, false
	}
	actor, err := uuid.Parse(actorID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "Invalid user id"})
		return uuid.Nil, uuid.Nil, false
	}
	return project, actor, true
}

// classifyChatError maps service errors to an HTTP status and a short
// non-technical message. Full detail goes to logs only; plaintext
// secrets and live tokens never appear in either.
func classifyChatError(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, services.ErrAccountNotActive):
		return http.StatusForbidden, "Account is not active"
	case errors.Is(err, services.ErrChatNotInitialized):
		return http.StatusConflict, "Chat is not set up for this user yet"
	case errors.Is(err, services.ErrNoEligibleMembers):
		return http.StatusConflict, "No project members have chat enabled yet"
	case errors.Is(err, services.ErrNotProvisioned):
		return http.StatusConflict, "Failed to initialize chat"
	case errors.Is(err, services.ErrUserConflict):
		return http.StatusConflict, "Chat account needs manual attention"
	case errors.Is(err, services.ErrRoomGone):
		return http.StatusBadGateway, "Chat room is unavailable"
	case errors.Is(err, services.ErrIntegrity):
		return http.StatusInternalServerError, "Failed to initialize chat"
	default:
		return http.StatusBadGateway, "Failed to initialize chat"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

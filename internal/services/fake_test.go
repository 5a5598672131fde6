package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/teamloop/teamloop-backend/internal/matrix"
	"github.com/teamloop/teamloop-backend/internal/models"
)

const (
	testServerName   = "test.local"
	testAdminUser    = "@teamloop-bot:test.local"
	testAdminToken   = "admin-token"
	testSharedSecret = "registration-secret"
	testNonce        = "nonce-1234"
)

// fakeHomeserver is an in-memory Synapse stand-in covering the endpoints
// the chat service uses: shared-secret registration, login, createRoom,
// invite/kick/leave, state updates and member listing.
type fakeHomeserver struct {
	mu sync.Mutex

	users      map[string]string            // full user id -> password
	rooms      map[string]map[string]string // room id -> user id -> membership
	roomNames  map[string]string
	roomTopics map[string]string
	leftRooms  []string

	nextRoom  int
	nextToken int

	registerCalls int
	createCalls   int

	// Injected per-user failures, keyed by full user id.
	inviteErrs map[string]*matrix.Error
	kickErrs   map[string]*matrix.Error
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{
		users:      make(map[string]string),
		rooms:      make(map[string]map[string]string),
		roomNames:  make(map[string]string),
		roomTopics: make(map[string]string),
		inviteErrs: make(map[string]*matrix.Error),
		kickErrs:   make(map[string]*matrix.Error),
	}
}

func (hs *fakeHomeserver) fullUserID(localpart string) string {
	return "@" + localpart + ":" + testServerName
}

// addUser registers an account directly, bypassing the HTTP flow.
func (hs *fakeHomeserver) addUser(localpart, password string) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	userID := hs.fullUserID(localpart)
	hs.users[userID] = password
	return userID
}

// addRoom seeds a room with the given memberships. The service account
// is always joined, as it would be after creating the room.
func (hs *fakeHomeserver) addRoom(memberships map[string]string) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.nextRoom++
	roomID := fmt.Sprintf("!room%d:%s", hs.nextRoom, testServerName)
	members := map[string]string{testAdminUser: "join"}
	for userID, membership := range memberships {
		members[userID] = membership
	}
	hs.rooms[roomID] = members
	return roomID
}

func (hs *fakeHomeserver) membership(roomID, userID string) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	members, ok := hs.rooms[roomID]
	if !ok {
		return ""
	}
	return members[userID]
}

func (hs *fakeHomeserver) setMembership(roomID, userID, membership string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.rooms[roomID][userID] = membership
}

func (hs *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	switch {
	case r.URL.Path == "/_synapse/admin/v1/register" && r.Method == http.MethodGet:
		writeJSONBody(w, http.StatusOK, map[string]string{"nonce": testNonce})

	case r.URL.Path == "/_synapse/admin/v1/register" && r.Method == http.MethodPost:
		hs.handleRegister(w, r)

	case r.URL.Path == "/_matrix/client/v3/login" && r.Method == http.MethodPost:
		hs.handleLogin(w, r)

	case r.URL.Path == "/_matrix/client/v3/createRoom" && r.Method == http.MethodPost:
		hs.handleCreateRoom(w, r)

	case strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/rooms/"):
		hs.handleRoomOp(w, r)

	default:
		writeMatrixError(w, http.StatusNotFound, matrix.CodeNotFound, "unrecognized request")
	}
}

func (hs *fakeHomeserver) handleRegister(w http.ResponseWriter, r *http.Request) {
	hs.registerCalls++

	var request struct {
		Nonce    string `json:"nonce"`
		Username string `json:"username"`
		Password string `json:"password"`
		Admin    bool   `json:"admin"`
		MAC      string `json:"mac"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeMatrixError(w, http.StatusBadRequest, matrix.CodeUnknown, "bad json")
		return
	}
	if request.Nonce != testNonce {
		writeMatrixError(w, http.StatusBadRequest, matrix.CodeUnknown, "unrecognized nonce")
		return
	}

	adminFlag := "notadmin"
	if request.Admin {
		adminFlag = "admin"
	}
	mac := hmac.New(sha1.New, []byte(testSharedSecret))
	mac.Write([]byte(request.Nonce))
	mac.Write([]byte{0})
	mac.Write([]byte(request.Username))
	mac.Write([]byte{0})
	mac.Write([]byte(request.Password))
	mac.Write([]byte{0})
	mac.Write([]byte(adminFlag))
	if hex.EncodeToString(mac.Sum(nil)) != request.MAC {
		writeMatrixError(w, http.StatusForbidden, matrix.CodeForbidden, "HMAC incorrect")
		return
	}

	userID := hs.fullUserID(request.Username)
	if _, taken := hs.users[userID]; taken {
		writeMatrixError(w, http.StatusBadRequest, matrix.CodeUserInUse, "User ID already taken.")
		return
	}
	hs.users[userID] = request.Password

	writeJSONBody(w, http.StatusOK, map[string]string{
		"user_id":   userID,
		"device_id": fmt.Sprintf("DEV%d", hs.registerCalls),
	})
}

func (hs *fakeHomeserver) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Identifier struct {
			User string `json:"user"`
		} `json:"identifier"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeMatrixError(w, http.StatusBadRequest, matrix.CodeUnknown, "bad json")
		return
	}

	password, ok := hs.users[request.Identifier.User]
	if !ok || password != request.Password {
		writeMatrixError(w, http.StatusForbidden, matrix.CodeForbidden, "Invalid username or password")
		return
	}

	hs.nextToken++
	writeJSONBody(w, http.StatusOK, map[string]string{
		"user_id":      request.Identifier.User,
		"access_token": fmt.Sprintf("syt_token_%d", hs.nextToken),
		"device_id":    fmt.Sprintf("LOGIN%d", hs.nextToken),
	})
}

func (hs *fakeHomeserver) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	hs.createCalls++

	var request struct {
		Name   string   `json:"name"`
		Topic  string   `json:"topic"`
		Invite []string `json:"invite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeMatrixError(w, http.StatusBadRequest, matrix.CodeUnknown, "bad json")
		return
	}

	hs.nextRoom++
	roomID := fmt.Sprintf("!room%d:%s", hs.nextRoom, testServerName)
	members := map[string]string{testAdminUser: "join"}
	for _, invitee := range request.Invite {
		members[invitee] = "invite"
	}
	hs.rooms[roomID] = members
	if request.Name != "" {
		hs.roomNames[roomID] = request.Name
	}
	if request.Topic != "" {
		hs.roomTopics[roomID] = request.Topic
	}

	writeJSONBody(w, http.StatusOK, map[string]string{"room_id": roomID})
}

func (hs *fakeHomeserver) handleRoomOp(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/rooms/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeMatrixError(w, http.StatusNotFound, matrix.CodeNotFound, "unrecognized request")
		return
	}
	roomID, action := parts[0], parts[1]

	members, ok := hs.rooms[roomID]
	if !ok {
		writeMatrixError(w, http.StatusNotFound, matrix.CodeNotFound, "Room not found")
		return
	}

	switch {
	case action == "invite" && r.Method == http.MethodPost:
		userID := decodeUserID(r)
		if injected := hs.inviteErrs[userID]; injected != nil {
			writeMatrixError(w, injected.StatusCode, injected.Code, injected.Message)
			return
		}
		if members[userID] == "join" {
			writeMatrixError(w, http.StatusForbidden, matrix.CodeForbidden,
				userID+" is already in the room.")
			return
		}
		if members[userID] != "invite" {
			members[userID] = "invite"
		}
		writeJSONBody(w, http.StatusOK, map[string]any{})

	case action == "kick" && r.Method == http.MethodPost:
		userID := decodeUserID(r)
		if injected := hs.kickErrs[userID]; injected != nil {
			writeMatrixError(w, injected.StatusCode, injected.Code, injected.Message)
			return
		}
		membership := members[userID]
		if membership != "join" && membership != "invite" {
			writeMatrixError(w, http.StatusForbidden, matrix.CodeForbidden,
				"The target user is not in the room")
			return
		}
		members[userID] = "leave"
		writeJSONBody(w, http.StatusOK, map[string]any{})

	case action == "leave" && r.Method == http.MethodPost:
		members[testAdminUser] = "leave"
		hs.leftRooms = append(hs.leftRooms, roomID)
		writeJSONBody(w, http.StatusOK, map[string]any{})

	case action == "members" && r.Method == http.MethodGet:
		type memberEvent struct {
			StateKey string `json:"state_key"`
			Content  struct {
				Membership string `json:"membership"`
			} `json:"content"`
		}
		events := make([]memberEvent, 0, len(members))
		for userID, membership := range members {
			var event memberEvent
			event.StateKey = userID
			event.Content.Membership = membership
			events = append(events, event)
		}
		writeJSONBody(w, http.StatusOK, map[string]any{"chunk": events})

	case action == "state/m.room.name" && r.Method == http.MethodPut:
		var content struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&content)
		hs.roomNames[roomID] = content.Name
		writeJSONBody(w, http.StatusOK, map[string]string{"event_id": "$event"})

	case action == "state/m.room.topic" && r.Method == http.MethodPut:
		var content struct {
			Topic string `json:"topic"`
		}
		json.NewDecoder(r.Body).Decode(&content)
		hs.roomTopics[roomID] = content.Topic
		writeJSONBody(w, http.StatusOK, map[string]string{"event_id": "$event"})

	default:
		writeMatrixError(w, http.StatusNotFound, matrix.CodeNotFound, "unrecognized request")
	}
}

func decodeUserID(r *http.Request) string {
	var body struct {
		UserID string `json:"user_id"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	return body.UserID
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMatrixError(w http.ResponseWriter, status int, code, message string) {
	writeJSONBody(w, status, map[string]string{"errcode": code, "error": message})
}

// fakeStore is an in-memory Store used in place of the Postgres-backed
// one. Uniqueness races are simulated through the before* hooks, which
// run at the top of the corresponding write.
type fakeStore struct {
	mu sync.Mutex

	users          map[uuid.UUID]*models.User
	identities     map[uuid.UUID]*models.ChatIdentity
	directRooms    map[string]*models.ConversationRoom
	projectRooms   map[uuid.UUID]*models.ConversationRoom
	projects       map[uuid.UUID]*models.Project
	projectMembers map[uuid.UUID][]uuid.UUID
	audits         []*models.AuditEntry

	beforeCreateIdentity func(s *fakeStore)
	beforeInsertRoom     func(s *fakeStore)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:          make(map[uuid.UUID]*models.User),
		identities:     make(map[uuid.UUID]*models.ChatIdentity),
		directRooms:    make(map[string]*models.ConversationRoom),
		projectRooms:   make(map[uuid.UUID]*models.ConversationRoom),
		projects:       make(map[uuid.UUID]*models.Project),
		projectMembers: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *fakeStore) GetUser(_ context.Context, userID uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *fakeStore) GetChatIdentity(_ context.Context, userID uuid.UUID) (*models.ChatIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identities[userID], nil
}

func (s *fakeStore) CreateChatIdentity(_ context.Context, identity *models.ChatIdentity) error {
	if s.beforeCreateIdentity != nil {
		hook := s.beforeCreateIdentity
		s.beforeCreateIdentity = nil
		hook(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[identity.UserID]; exists {
		return ErrAlreadyExists
	}
	s.identities[identity.UserID] = identity
	if user, ok := s.users[identity.UserID]; ok {
		user.MatrixUserID = identity.MatrixUserID
	}
	return nil
}

func (s *fakeStore) GetDirectRoom(_ context.Context, pairKey string) (*models.ConversationRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directRooms[pairKey], nil
}

func (s *fakeStore) GetProjectRoom(_ context.Context, projectID uuid.UUID) (*models.ConversationRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectRooms[projectID], nil
}

func (s *fakeStore) InsertRoom(_ context.Context, room *models.ConversationRoom) (bool, *models.ConversationRoom, error) {
	if s.beforeInsertRoom != nil {
		hook := s.beforeInsertRoom
		s.beforeInsertRoom = nil
		hook(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch room.RoomType {
	case models.RoomTypeDirect:
		if existing, ok := s.directRooms[room.PairKey]; ok {
			return false, existing, nil
		}
		s.directRooms[room.PairKey] = room
	case models.RoomTypeProject:
		if existing, ok := s.projectRooms[room.ProjectID.UUID]; ok {
			return false, existing, nil
		}
		s.projectRooms[room.ProjectID.UUID] = room
	default:
		return false, nil, fmt.Errorf("unknown room type %q", room.RoomType)
	}
	return true, nil, nil
}

func (s *fakeStore) GetProject(_ context.Context, projectID uuid.UUID) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[projectID], nil
}

func (s *fakeStore) ListProjectMemberIDs(_ context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectMembers[projectID], nil
}

func (s *fakeStore) InsertAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

// auditActions returns the recorded audit actions in order.
func (s *fakeStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.audits))
	for _, entry := range s.audits {
		actions = append(actions, entry.Action)
	}
	return actions
}

func (s *fakeStore) insertIdentity(identity *models.ChatIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.UserID] = identity
}

// fixture wires a ChatService against the fake homeserver and store.
type fixture struct {
	hs    *fakeHomeserver
	store *fakeStore
	svc   *ChatService
	vault *Vault
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	hs := newFakeHomeserver()
	server := httptest.NewServer(hs)
	t.Cleanup(server.Close)

	client, err := matrix.NewClient(matrix.Config{
		HomeserverURL: server.URL,
		ServerName:    testServerName,
		AdminToken:    testAdminToken,
		SharedSecret:  testSharedSecret,
		AdminUser:     testAdminUser,
	})
	require.NoError(t, err)

	vault, err := NewVault("unit-test-master-key")
	require.NoError(t, err)

	store := newFakeStore()
	return &fixture{
		hs:    hs,
		store: store,
		svc:   NewChatService(store, client, vault),
		vault: vault,
	}
}

// addActiveUser creates an active application user with the given handle.
func (f *fixture) addActiveUser(t *testing.T, handle string) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.users[userID] = &models.User{
		ID:          userID,
		Handle:      handle,
		DisplayName: handle + " Example",
		Status:      models.UserStatusActive,
	}
	return userID
}

// provision provisions a chat identity and returns its Matrix user id.
func (f *fixture) provision(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	identity, err := f.svc.Provision(context.Background(), userID)
	require.NoError(t, err)
	return identity.MatrixUserID
}

// addProject creates a project owned by ownerID with the given members.
func (f *fixture) addProject(t *testing.T, name string, ownerID uuid.UUID, memberIDs ...uuid.UUID) uuid.UUID {
	t.Helper()
	projectID := uuid.New()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.projects[projectID] = &models.Project{
		ID:      projectID,
		Name:    name,
		OwnerID: ownerID,
	}
	f.store.projectMembers[projectID] = memberIDs
	return projectID
}

package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamloop/teamloop-backend/internal/services"
)

// Request validation happens before any backend is touched, so these
// run without a database, Redis or homeserver.

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	handler(recorder, request)
	return recorder
}

func TestHandlersRejectMalformedBody(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"provision":     ProvisionChat,
		"token":         IssueChatToken,
		"direct room":   EnsureDirectRoom,
		"project room":  EnsureProjectRoom,
		"sync":          SyncProjectMembers,
		"invite member": InviteProjectMember,
		"remove member": RemoveProjectMember,
		"update room":   UpdateRoomDetails,
	} {
		recorder := postJSON(t, handler, "{not json")
		assert.Equal(t, http.StatusBadRequest, recorder.Code, name)
		assert.Contains(t, recorder.Body.String(), `"success":false`, name)
	}
}

func TestHandlersRejectInvalidIDs(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		body    string
	}{
		{"provision bad user", ProvisionChat, `{"user_id":"not-a-uuid"}`},
		{"token bad user", IssueChatToken, `{"user_id":""}`},
		{"direct bad first", EnsureDirectRoom, `{"user_id":"nope","other_user_id":"c6b4f0e0-0000-0000-0000-000000000000"}`},
		{"direct bad second", EnsureDirectRoom, `{"user_id":"c6b4f0e0-0000-0000-0000-000000000000","other_user_id":"nope"}`},
		{"project bad project", EnsureProjectRoom, `{"project_id":"nope","actor_user_id":"c6b4f0e0-0000-0000-0000-000000000000"}`},
		{"project bad actor", EnsureProjectRoom, `{"project_id":"c6b4f0e0-0000-0000-0000-000000000000","actor_user_id":"nope"}`},
		{"sync bad project", SyncProjectMembers, `{"project_id":"nope","actor_user_id":"c6b4f0e0-0000-0000-0000-000000000000"}`},
		{"invite bad target", InviteProjectMember, `{"project_id":"c6b4f0e0-0000-0000-0000-000000000000","actor_user_id":"c6b4f0e0-0000-0000-0000-000000000000","target_user_id":"nope"}`},
		{"remove bad target", RemoveProjectMember, `{"project_id":"c6b4f0e0-0000-0000-0000-000000000000","actor_user_id":"c6b4f0e0-0000-0000-0000-000000000000","target_user_id":"nope"}`},
		{"update bad project", UpdateRoomDetails, `{"project_id":"nope","actor_user_id":"c6b4f0e0-0000-0000-0000-000000000000"}`},
	}

	for _, tc := range cases {
		recorder := postJSON(t, tc.handler, tc.body)
		assert.Equal(t, http.StatusBadRequest, recorder.Code, tc.name)
	}
}

func TestClassifyChatError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrUserNotFound, http.StatusNotFound},
		{services.ErrAccountNotActive, http.StatusForbidden},
		{services.ErrChatNotInitialized, http.StatusConflict},
		{services.ErrNoEligibleMembers, http.StatusConflict},
		{services.ErrNotProvisioned, http.StatusConflict},
		{services.ErrUserConflict, http.StatusConflict},
		{services.ErrRoomGone, http.StatusBadGateway},
		{services.ErrIntegrity, http.StatusInternalServerError},
		{http.ErrBodyNotAllowed, http.StatusBadGateway}, // anything unclassified
	}

	for _, tc := range cases {
		status, message := classifyChatError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		require.NotEmpty(t, message)
		// Short, generic, and free of internals.
		assert.NotContains(t, message, "matrix")
		assert.NotContains(t, message, "sql")
	}
}

// Package matrix is a typed client for the Matrix homeserver's admin
// and client-server HTTP APIs, covering the small surface the chat
// provisioning subsystem needs: shared-secret user registration,
// password login, and room create/invite/kick/rename/list-members.
// Failures are classified into *Error values so callers can branch on
// error codes instead of message text.
package matrix

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 15 * time.Second

	// Throttle outgoing admin-API calls so a large reconciliation pass
	// cannot hammer the homeserver.
	requestsPerSecond = 20
	requestBurst      = 40
)

// Config holds the settings for creating a Client. All string fields
// are required.
type Config struct {
	// HomeserverURL is the base URL of the homeserver (e.g. "https://matrix.teamloop.app").
	HomeserverURL string
	// ServerName is the Matrix server name used in user IDs (e.g. "teamloop.app").
	ServerName string
	// AdminToken is the access token of the administrative service account.
	AdminToken string
	// SharedSecret is the registration shared secret for the admin register endpoint.
	SharedSecret string
	// AdminUser is the fully-qualified user ID of the service account
	// (e.g. "@teamloop-bot:teamloop.app"). It stays in every room it
	// manages and must never be kicked by reconciliation.
	AdminUser string

	// HTTPClient is used for all requests. If nil, a client with a
	// bounded timeout is created.
	HTTPClient *http.Client
}

// Client talks to a single homeserver. Safe for concurrent use.
type Client struct {
	baseURL      string
	serverName   string
	adminToken   string
	sharedSecret string
	adminUser    string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("matrix: HomeserverURL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrix: invalid HomeserverURL %q: %w", cfg.HomeserverURL, err)
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("matrix: ServerName is required")
	}
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("matrix: AdminToken is required")
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("matrix: SharedSecret is required")
	}
	if cfg.AdminUser == "" {
		return nil, fmt.Errorf("matrix: AdminUser is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.HomeserverURL, "/"),
		serverName:   cfg.ServerName,
		adminToken:   cfg.AdminToken,
		sharedSecret: cfg.SharedSecret,
		adminUser:    cfg.AdminUser,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
	}, nil
}

// HomeserverURL returns the base URL clients should connect to.
func (c *Client) HomeserverURL() string { return c.baseURL }

// AdminUser returns the service account's fully-qualified user ID.
func (c *Client) AdminUser() string { return c.adminUser }

// FullUserID turns a localpart into a fully-qualified Matrix user ID.
func (c *Client) FullUserID(localpart string) string {
	return "@" + localpart + ":" + c.serverName
}

// RemoteIdentity is the result of registering a user on the homeserver.
type RemoteIdentity struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Session is the result of a password login. AccessToken is a live
// credential: callers hand it to the end user and never persist it.
type Session struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// RegisterUser creates an account via the shared-secret admin register
// endpoint. Two steps: fetch a server-issued nonce, then submit the
// registration with an HMAC-SHA1 over nonce, username, password and the
// admin flag (NUL-separated) keyed by the shared secret.
//
// Returns *Error with CodeUserInUse when the username is taken — the
// one recoverable case callers must handle.
func (c *Client) RegisterUser(ctx context.Context, username, password, displayName string, admin bool) (*RemoteIdentity, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/_synapse/admin/v1/register", "", nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: fetch registration nonce: %w", err)
	}

	var nonceResponse struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(body, &nonceResponse); err != nil {
		return nil, fmt.Errorf("matrix: parse registration nonce: %w", err)
	}
	if nonceResponse.Nonce == "" {
		return nil, fmt.Errorf("matrix: registration nonce missing from response")
	}

	adminFlag := "notadmin"
	if admin {
		adminFlag = "admin"
	}

	mac := hmac.New(sha1.New, []byte(c.sharedSecret))
	mac.Write([]byte(nonceResponse.Nonce))
	mac.Write([]byte{0})
	mac.Write([]byte(username))
	mac.Write([]byte{0})
	mac.Write([]byte(password))
	mac.Write([]byte{0})
	mac.Write([]byte(adminFlag))

	request := map[string]any{
		"nonce":       nonceResponse.Nonce,
		"username":    username,
		"password":    password,
		"displayname": displayName,
		"admin":       admin,
		"mac":         hex.EncodeToString(mac.Sum(nil)),
	}

	body, err = c.doRequest(ctx, http.MethodPost, "/_synapse/admin/v1/register", "", request)
	if err != nil {
		return nil, err
	}

	var identity RemoteIdentity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, fmt.Errorf("matrix: parse register response: %w", err)
	}
	return &identity, nil
}

// Login performs a password-grant login and returns a fresh session.
// Bad credentials come back as an unauthorized *Error.
func (c *Client) Login(ctx context.Context, userID, password string) (*Session, error) {
	request := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": userID,
		},
		"password":                    password,
		"initial_device_display_name": "teamloop",
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/login", "", request)
	if err != nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("matrix: parse login response: %w", err)
	}
	return &session, nil
}

// CreateRoomRequest describes the room to create. Rooms are encrypted
// by default: the m.room.encryption state event is set at creation so a
// room can never exist unencrypted and be "upgraded" later.
type CreateRoomRequest struct {
	Name        string
	Topic       string
	Invite      []string
	IsDirect    bool
	Unencrypted bool
}

// CreateRoom creates a private room as the service account and returns
// the new room ID. Invitees are invited as part of creation.
func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	request := map[string]any{
		"preset":    "private_chat",
		"is_direct": req.IsDirect,
	}
	if len(req.Invite) > 0 {
		request["invite"] = req.Invite
	}
	if req.Name != "" {
		request["name"] = req.Name
	}
	if req.Topic != "" {
		request["topic"] = req.Topic
	}
	if !req.Unencrypted {
		request["initial_state"] = []map[string]any{
			{
				"type":      "m.room.encryption",
				"state_key": "",
				"content":   map[string]any{"algorithm": "m.megolm.v1.aes-sha2"},
			},
		}
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", c.adminToken, request)
	if err != nil {
		return "", err
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: parse createRoom response: %w", err)
	}
	return response.RoomID, nil
}

// InviteUser invites userID into roomID. Inviting a user who is already
// in the room is treated as success, so the call is idempotent.
//
// Synapse reports "already in the room" as M_FORBIDDEN with no distinct
// error code, so this one case has to inspect the message text.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/invite"
	_, err := c.doRequest(ctx, http.MethodPost, path, c.adminToken, map[string]any{"user_id": userID})
	if err == nil {
		return nil
	}
	var matrixErr *Error
	if errors.As(err, &matrixErr) && matrixErr.Code == CodeForbidden &&
		strings.Contains(strings.ToLower(matrixErr.Message), "already in the room") {
		return nil
	}
	return err
}

// KickUser removes userID from roomID with the given reason.
func (c *Client) KickUser(ctx context.Context, roomID, userID, reason string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/kick"
	request := map[string]any{"user_id": userID}
	if reason != "" {
		request["reason"] = reason
	}
	_, err := c.doRequest(ctx, http.MethodPost, path, c.adminToken, request)
	return err
}

// LeaveRoom makes the service account leave roomID. Used to discard a
// duplicate room when a concurrent provisioning attempt lost the race
// to record the mapping.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/leave"
	_, err := c.doRequest(ctx, http.MethodPost, path, c.adminToken, map[string]any{})
	return err
}

// SetRoomName updates the room's m.room.name state event.
func (c *Client) SetRoomName(ctx context.Context, roomID, name string) error {
	return c.putState(ctx, roomID, "m.room.name", map[string]any{"name": name})
}

// SetRoomTopic updates the room's m.room.topic state event.
func (c *Client) SetRoomTopic(ctx context.Context, roomID, topic string) error {
	return c.putState(ctx, roomID, "m.room.topic", map[string]any{"topic": topic})
}

func (c *Client) putState(ctx context.Context, roomID, eventType string, content map[string]any) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/state/" + url.PathEscape(eventType)
	_, err := c.doRequest(ctx, http.MethodPut, path, c.adminToken, content)
	return err
}

// ListMembers lists the user IDs the homeserver considers part of
// roomID: both joined and invited members. This is the "observed state"
// side of reconciliation — a member who was invited but has not
// accepted yet must not be re-invited on every pass.
func (c *Client) ListMembers(ctx context.Context, roomID string) ([]string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) + "/members"
	body, err := c.doRequest(ctx, http.MethodGet, path, c.adminToken, nil)
	if err != nil {
		return nil, err
	}

	var response struct {
		Chunk []struct {
			StateKey string `json:"state_key"`
			Content  struct {
				Membership string `json:"membership"`
			} `json:"content"`
		} `json:"chunk"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: parse members response: %w", err)
	}

	var members []string
	for _, event := range response.Chunk {
		if event.Content.Membership == "join" || event.Content.Membership == "invite" {
			members = append(members, event.StateKey)
		}
	}
	return members, nil
}

// doRequest performs an HTTP request against the homeserver and returns
// the response body. Non-2xx responses are decoded into *Error so
// callers can classify the failure.
func (c *Client) doRequest(ctx context.Context, method, path, accessToken string, requestBody any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("matrix: rate limiter: %w", err)
	}

	var bodyReader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("matrix: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("matrix: create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("matrix: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	var responseBody bytes.Buffer
	if _, err := responseBody.ReadFrom(response.Body); err != nil {
		return nil, fmt.Errorf("matrix: read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody.Bytes(), nil
	}

	// Every Matrix error response uses the same JSON shape.
	var matrixErr Error
	if jsonErr := json.Unmarshal(responseBody.Bytes(), &matrixErr); jsonErr != nil || matrixErr.Code == "" {
		return nil, fmt.Errorf("matrix: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, responseBody.String())
	}
	matrixErr.StatusCode = response.StatusCode

	return nil, &matrixErr
}

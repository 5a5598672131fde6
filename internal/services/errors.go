package services

import "errors"

// Expected failure modes. Handlers map these to short user-facing
// messages; full detail stays in operational logs.
var (
	// ErrUserNotFound: the application user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrAccountNotActive: chat tokens are only issued to active users.
	ErrAccountNotActive = errors.New("account is not active")

	// ErrNotProvisioned: the user has no chat identity and none could be
	// created in this call.
	ErrNotProvisioned = errors.New("chat identity not provisioned")

	// ErrChatNotInitialized: a direct room needs both participants to
	// have a chat identity first.
	ErrChatNotInitialized = errors.New("chat not initialized for participant")

	// ErrNoEligibleMembers: a project room cannot be created when no
	// owner or member has a chat identity yet.
	ErrNoEligibleMembers = errors.New("no project members have chat enabled")

	// ErrUserConflict: the remote username is taken but no local chat
	// identity exists. Manual intervention required — the remote
	// account's password is never silently overwritten.
	ErrUserConflict = errors.New("remote chat account exists without local identity")

	// ErrRoomGone: the remote room vanished or the service account was
	// removed from it out-of-band. Reconciliation refuses to guess and
	// leaves the decision to an operator.
	ErrRoomGone = errors.New("remote chat room is gone")

	// ErrIntegrity: a stored credential blob failed authentication.
	// Fatal for the operation; never retried silently.
	ErrIntegrity = errors.New("credential blob integrity check failed")

	// ErrAlreadyExists is returned by Store writes that lost a
	// uniqueness race. Callers detect it and adopt the winner's row.
	ErrAlreadyExists = errors.New("row already exists")
)

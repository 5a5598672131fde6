package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/teamloop/teamloop-backend/internal/matrix"
	"github.com/teamloop/teamloop-backend/internal/models"
	"github.com/teamloop/teamloop-backend/pkg/utils"
)

// chatPasswordBytes is the entropy of generated chat passwords. The
// password is machine-generated, never user-chosen and never reused.
const chatPasswordBytes = 32

// TokenGrant is a fresh Matrix session for an end user. Nothing in it
// is ever persisted server-side.
type TokenGrant struct {
	MatrixUserID  string `json:"matrix_user_id"`
	AccessToken   string `json:"access_token"`
	DeviceID      string `json:"device_id"`
	HomeserverURL string `json:"homeserver_url"`
}

// Provision idempotently creates a Matrix identity for the user.
// Calling it again returns the existing identity without any remote
// call. The generated password is encrypted by the vault before it is
// written; the plaintext never leaves this function.
func (s *ChatService) Provision(ctx context.Context, userID uuid.UUID) (*models.ChatIdentity, error) {
	identity, err := s.store.GetChatIdentity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load chat identity: %w", err)
	}
	if identity != nil {
		return identity, nil
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	localpart, err := utils.MatrixLocalpart(user.Handle)
	if err != nil {
		return nil, fmt.Errorf("derive chat username from handle %q: %w", user.Handle, err)
	}

	password, err := generateChatPassword()
	if err != nil {
		return nil, err
	}

	remote, err := s.matrix.RegisterUser(ctx, localpart, password, user.DisplayName, false)
	if err != nil {
		if matrix.IsUserInUse(err) {
			// The remote account exists but we have no local record of
			// it. Overwriting its password here could hijack an account
			// we don't own, so refuse and ask for manual intervention.
			return nil, fmt.Errorf("%w: username %q", ErrUserConflict, localpart)
		}
		return nil, fmt.Errorf("register chat user: %w", err)
	}

	encrypted, err := s.vault.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("encrypt chat password: %w", err)
	}

	identity = &models.ChatIdentity{
		ID:                uuid.New(),
		CreatedAt:         time.Now().UTC(),
		UserID:            userID,
		MatrixUserID:      remote.UserID,
		PasswordEncrypted: encrypted,
	}

	if err := s.store.CreateChatIdentity(ctx, identity); err != nil {
		if err == ErrAlreadyExists {
			// A concurrent Provision won the insert. Adopt its identity.
			existing, lookupErr := s.store.GetChatIdentity(ctx, userID)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("persist chat identity: %w", err)
	}

	s.recordAudit(&models.AuditEntry{
		Action:       models.AuditUserProvisioned,
		ActorUserID:  userID,
		TargetUserID: uuid.NullUUID{UUID: userID, Valid: true},
		Metadata:     fmt.Sprintf(`{"matrix_user_id":%q}`, remote.UserID),
	})

	log.Printf("provisioned chat identity %s for user %s", remote.UserID, userID)
	return identity, nil
}

// IssueToken returns a fresh Matrix access token for the user by
// logging in with the vault-stored password. No long-lived token is
// ever persisted or returned from a prior call; every invocation
// re-derives trust from the stored credential.
//
// Users without a chat identity are provisioned transparently first.
func (s *ChatService) IssueToken(ctx context.Context, userID uuid.UUID) (*TokenGrant, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.Status != models.UserStatusActive {
		return nil, ErrAccountNotActive
	}

	identity, err := s.store.GetChatIdentity(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load chat identity: %w", err)
	}
	if identity == nil {
		identity, err = s.Provision(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotProvisioned, err)
		}
	}

	password, err := s.vault.Decrypt(identity.PasswordEncrypted)
	if err != nil {
		// Integrity failures block token issuance outright; issuing a
		// token on corrupted credentials is never acceptable.
		return nil, err
	}

	session, err := s.matrix.Login(ctx, identity.MatrixUserID, password)
	if err != nil {
		// Never include the password in the error chain or logs.
		return nil, fmt.Errorf("chat login for %s failed: %w", identity.MatrixUserID, err)
	}

	return &TokenGrant{
		MatrixUserID:  session.UserID,
		AccessToken:   session.AccessToken,
		DeviceID:      session.DeviceID,
		HomeserverURL: s.matrix.HomeserverURL(),
	}, nil
}

func generateChatPassword() (string, error) {
	raw := make([]byte, chatPasswordBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate chat password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

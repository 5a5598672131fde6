package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/teamloop/teamloop-backend/internal/handlers"
)

func SetupRoutes(r *chi.Mux) {
	// Chat provisioning (onboarding hook + on-demand session tokens)
	r.Post("/api/chat/provision", handlers.ProvisionChat)
	r.Post("/api/chat/token", handlers.IssueChatToken)

	// Room provisioning
	r.Post("/api/chat/direct", handlers.EnsureDirectRoom)
	r.Post("/api/chat/project", handlers.EnsureProjectRoom)

	// Membership reconciliation
	r.Post("/api/chat/project/sync", handlers.SyncProjectMembers)
	r.Post("/api/chat/project/invite", handlers.InviteProjectMember)
	r.Delete("/api/chat/project/member", handlers.RemoveProjectMember)

	// Room details
	r.Put("/api/chat/room", handlers.UpdateRoomDetails)
}

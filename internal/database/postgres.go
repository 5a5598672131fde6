package database

import (
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq"
)

var PostgresDB *sql.DB

// ConnectPostgres connects to the PostgreSQL database
func ConnectPostgres(postgresURI string) error {
	var err error

	PostgresDB, err = sql.Open("postgres", postgresURI)
	if err != nil {
		return err
	}

	// Set connection pool settings
	PostgresDB.SetMaxOpenConns(25)
	PostgresDB.SetMaxIdleConns(5)
	PostgresDB.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	if err = PostgresDB.Ping(); err != nil {
		return err
	}

	log.Println("✅ Connected to PostgreSQL")

	// Initialize tables
	if err = InitPostgresTables(); err != nil {
		return err
	}

	return nil
}

// InitPostgresTables creates all necessary tables if they don't exist
func InitPostgresTables() error {
	queries := []string{
		// Users table
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			handle VARCHAR(30) NOT NULL UNIQUE,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			matrix_user_id VARCHAR(255)
		)`,

		// Chat identities (one per user, password stored encrypted only)
		`CREATE TABLE IF NOT EXISTS chat_identities (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			matrix_user_id VARCHAR(255) NOT NULL UNIQUE,
			password_encrypted TEXT NOT NULL,
			UNIQUE(user_id)
		)`,

		// Projects (owned by the project feature; read here for
		// membership reconciliation)
		`CREATE TABLE IF NOT EXISTS projects (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			name VARCHAR(255) NOT NULL,
			owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE
		)`,

		// Project members (many-to-many relationship)
		`CREATE TABLE IF NOT EXISTS project_members (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			joined_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE(project_id, user_id)
		)`,

		// Conversation rooms. The unique constraints on pair_key and
		// project_id are what arbitrate concurrent provisioning: only
		// one writer can record a room per key.
		`CREATE TABLE IF NOT EXISTS conversation_rooms (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			room_type VARCHAR(10) NOT NULL,
			pair_key VARCHAR(80) UNIQUE,
			project_id UUID UNIQUE REFERENCES projects(id) ON DELETE SET NULL,
			matrix_room_id VARCHAR(255) NOT NULL
		)`,

		// Audit log (append-only; never updated or deleted)
		`CREATE TABLE IF NOT EXISTS chat_audit_log (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			action VARCHAR(40) NOT NULL,
			room_type VARCHAR(10),
			matrix_room_id VARCHAR(255),
			project_id UUID,
			actor_user_id UUID NOT NULL,
			target_user_id UUID,
			metadata TEXT
		)`,

		// Create indexes for better performance
		`CREATE INDEX IF NOT EXISTS idx_users_handle ON users(handle)`,
		`CREATE INDEX IF NOT EXISTS idx_users_status ON users(status)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_identities_user_id ON chat_identities(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_identities_matrix_user_id ON chat_identities(matrix_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_owner_id ON projects(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_members_project_id ON project_members(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_members_user_id ON project_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_rooms_pair_key ON conversation_rooms(pair_key)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_rooms_project_id ON conversation_rooms(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_audit_log_created_at ON chat_audit_log(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_audit_log_actor ON chat_audit_log(actor_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_audit_log_project_id ON chat_audit_log(project_id)`,
	}

	for _, query := range queries {
		if _, err := PostgresDB.Exec(query); err != nil {
			return err
		}
	}

	log.Println("✅ PostgreSQL tables initialized")
	return nil
}

// DisconnectPostgres closes the PostgreSQL connection
func DisconnectPostgres() error {
	if PostgresDB != nil {
		return PostgresDB.Close()
	}
	return nil
}

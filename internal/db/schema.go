package db

// Statements are portable between SQLite and Postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		phone_number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		bypass_bots BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		status TEXT NOT NULL,
		ai_blocked_until TIMESTAMP NULL,
		assigned_to TEXT NOT NULL DEFAULT '',
		last_message_at TIMESTAMP NULL,
		closed_at TIMESTAMP NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions (connection_id, contact_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open ON sessions (connection_id, contact_id)
		WHERE status <> 'CLOSED'`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		wa_message_id TEXT NOT NULL UNIQUE,
		direction TEXT NOT NULL,
		author TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		media_storage_key TEXT NOT NULL DEFAULT '',
		is_concatenated BOOLEAN NOT NULL DEFAULT FALSE,
		concat_group_id TEXT NOT NULL DEFAULT '',
		fragment_count INTEGER NOT NULL DEFAULT 1,
		transcription TEXT NULL,
		transcription_language TEXT NULL,
		transcription_status TEXT NOT NULL DEFAULT 'none',
		transcription_error TEXT NULL,
		transcription_processed_at TIMESTAMP NULL,
		status TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS connection_provider_settings (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		category TEXT NOT NULL,
		provider TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		api_secret TEXT NOT NULL DEFAULT '',
		api_url TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS organization_providers (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		category TEXT NOT NULL,
		provider TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		api_secret TEXT NOT NULL DEFAULT '',
		api_url TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		job_id TEXT NOT NULL,
		job_name TEXT NOT NULL,
		payload TEXT NOT NULL,
		error TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		failed_at TIMESTAMP NOT NULL,
		reprocessed_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters (queue, failed_at)`,
	`CREATE TABLE IF NOT EXISTS conversation_maps (
		id TEXT PRIMARY KEY,
		sender_id TEXT NOT NULL UNIQUE,
		chatwoot_contact_id INTEGER NOT NULL,
		chatwoot_conversation_id INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
}

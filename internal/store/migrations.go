package store

import "fmt"

// migrate creates the schema. Every statement is valid on both SQLite and
// PostgreSQL; timestamps are stored as unix milliseconds.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS administrator_accounts (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			permissions TEXT NOT NULL DEFAULT '[]',
			created_at BIGINT NOT NULL,
			last_login BIGINT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_by TEXT NOT NULL DEFAULT 'system'
		)`,

		`CREATE TABLE IF NOT EXISTS temporary_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT UNIQUE NOT NULL,
			client_name TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			valid_hours TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			usage_count INTEGER NOT NULL DEFAULT 0,
			max_usage INTEGER NOT NULL,
			last_used_at BIGINT,
			created_by_admin TEXT NOT NULL,
			ip_whitelist TEXT NOT NULL DEFAULT '[]',
			notes TEXT NOT NULL DEFAULT '',
			CHECK (expires_at > created_at),
			CHECK (max_usage > 0),
			CHECK (usage_count >= 0 AND usage_count <= max_usage),
			CHECK (status IN ('active', 'expired', 'revoked'))
		)`,

		`CREATE TABLE IF NOT EXISTS access_log (
			id TEXT PRIMARY KEY,
			user_type TEXT NOT NULL,
			identifier TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			occurred_at BIGINT NOT NULL,
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			hidden_mode BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_temporary_keys_status_expiry ON temporary_keys(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_access_log_occurred_at ON access_log(occurred_at)`,
	}

	for i, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

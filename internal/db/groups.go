package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/parknet-project/parknet/internal/player"
	"github.com/rs/zerolog/log"
)

// GroupStore implements player.Store on SQLite.
type GroupStore struct {
	db *Database
}

var _ player.Store = (*GroupStore)(nil)

// OpenGroupStore opens the database at path and migrates its schema.
func OpenGroupStore(path string) (*GroupStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}
	s := &GroupStore{db: database}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate group database: %w", err)
	}
	return s, nil
}

func (s *GroupStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS player_groups (
			id INTEGER PRIMARY KEY CHECK (id BETWEEN 0 AND 255),
			name TEXT UNIQUE NOT NULL COLLATE NOCASE,
			permissions TEXT NOT NULL DEFAULT '',
			is_default INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS users (
			key_hash TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			group_id INTEGER NOT NULL DEFAULT 0,
			banned INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_users_banned ON users(banned);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	log.Debug().Msg("group database schema migrated")
	return nil
}

// LoadGroups returns every stored group ordered by id.
func (s *GroupStore) LoadGroups() ([]player.StoredGroup, error) {
	rows, err := s.db.Query("SELECT id, name, permissions, is_default FROM player_groups ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer rows.Close()

	var groups []player.StoredGroup
	for rows.Next() {
		var (
			g     player.StoredGroup
			perms string
			def   int
		)
		if err := rows.Scan(&g.ID, &g.Name, &perms, &def); err != nil {
			return nil, err
		}
		g.Permissions = splitPermissions(perms)
		g.Default = def != 0
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SaveGroups replaces the group table in one transaction.
func (s *GroupStore) SaveGroups(groups []player.StoredGroup) error {
	return s.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM player_groups"); err != nil {
			return err
		}
		for _, g := range groups {
			def := 0
			if g.Default {
				def = 1
			}
			_, err := tx.Exec(
				"INSERT INTO player_groups (id, name, permissions, is_default) VALUES (?, ?, ?, ?)",
				g.ID, g.Name, strings.Join(g.Permissions, ","), def)
			if err != nil {
				return fmt.Errorf("failed to insert group %q: %w", g.Name, err)
			}
		}
		return nil
	})
}

// LookupUser finds the record for a key hash.
func (s *GroupStore) LookupUser(keyHash string) (player.StoredUser, bool, error) {
	var (
		u      player.StoredUser
		banned int
	)
	err := s.db.QueryRow(
		"SELECT key_hash, name, group_id, banned FROM users WHERE key_hash = ?", keyHash,
	).Scan(&u.KeyHash, &u.Name, &u.GroupID, &banned)
	if errors.Is(err, sql.ErrNoRows) {
		return player.StoredUser{}, false, nil
	}
	if err != nil {
		return player.StoredUser{}, false, fmt.Errorf("failed to query user: %w", err)
	}
	u.Banned = banned != 0
	return u, true, nil
}

// SaveUser inserts or updates a key hash record.
func (s *GroupStore) SaveUser(u player.StoredUser) error {
	banned := 0
	if u.Banned {
		banned = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO users (key_hash, name, group_id, banned, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key_hash) DO UPDATE SET
			name = excluded.name,
			group_id = excluded.group_id,
			banned = excluded.banned,
			updated_at = CURRENT_TIMESTAMP`,
		u.KeyHash, u.Name, u.GroupID, banned)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// Users lists every key hash record.
func (s *GroupStore) Users() ([]player.StoredUser, error) {
	rows, err := s.db.Query("SELECT key_hash, name, group_id, banned FROM users ORDER BY key_hash")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []player.StoredUser
	for rows.Next() {
		var (
			u      player.StoredUser
			banned int
		)
		if err := rows.Scan(&u.KeyHash, &u.Name, &u.GroupID, &banned); err != nil {
			return nil, err
		}
		u.Banned = banned != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// Close closes the database.
func (s *GroupStore) Close() error {
	return s.db.Close()
}

func splitPermissions(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

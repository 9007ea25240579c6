package store

import (
	"database/sql"
	"fmt"
)

// SavedSession is a named session the user kept across restarts. The kernel
// itself is not persisted; reopening resolves a fresh or existing kernel.
type SavedSession struct {
	ID         string
	Name       string
	ServerKey  string
	KernelName string
}

func (s *Store) SaveSession(ss SavedSession) error {
	_, err := s.db.Exec(`INSERT INTO saved_sessions (id, name, server_key, kernel_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			server_key = excluded.server_key, kernel_name = excluded.kernel_name`,
		ss.ID, ss.Name, ss.ServerKey, ss.KernelName)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM saved_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*SavedSession, error) {
	ss := &SavedSession{}
	err := s.db.QueryRow(`SELECT id, name, server_key, kernel_name FROM saved_sessions WHERE id = ?`, id).
		Scan(&ss.ID, &ss.Name, &ss.ServerKey, &ss.KernelName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return ss, nil
}

func (s *Store) ListSessions() ([]SavedSession, error) {
	rows, err := s.db.Query(`SELECT id, name, server_key, kernel_name FROM saved_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []SavedSession
	for rows.Next() {
		var ss SavedSession
		if err := rows.Scan(&ss.ID, &ss.Name, &ss.ServerKey, &ss.KernelName); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

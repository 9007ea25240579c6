package store

import (
	"database/sql"
	"fmt"
	"time"
)

const timeFmt = "2006-01-02T15:04:05Z"

// KernelPref records which server/kernel a document block last used.
type KernelPref struct {
	BlockID    string
	ServerKey  string
	KernelName string
	LastUsed   time.Time
}

func (s *Store) SaveKernelPref(p KernelPref) error {
	if p.LastUsed.IsZero() {
		p.LastUsed = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO kernel_prefs (block_id, server_key, kernel_name, last_used)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET server_key = excluded.server_key,
			kernel_name = excluded.kernel_name, last_used = excluded.last_used`,
		p.BlockID, p.ServerKey, p.KernelName, p.LastUsed.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("save kernel pref: %w", err)
	}
	return nil
}

func (s *Store) GetKernelPref(blockID string) (*KernelPref, error) {
	p := &KernelPref{}
	var lastUsed string
	err := s.db.QueryRow(`SELECT block_id, server_key, kernel_name, last_used
		FROM kernel_prefs WHERE block_id = ?`, blockID).
		Scan(&p.BlockID, &p.ServerKey, &p.KernelName, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get kernel pref: %w", err)
	}
	if t, perr := time.Parse(timeFmt, lastUsed); perr == nil {
		p.LastUsed = t
	}
	return p, nil
}

func (s *Store) DeleteKernelPref(blockID string) error {
	if _, err := s.db.Exec(`DELETE FROM kernel_prefs WHERE block_id = ?`, blockID); err != nil {
		return fmt.Errorf("delete kernel pref: %w", err)
	}
	return nil
}

// SharedSessionMode reads the document-wide shared session flag.
// Missing key means off.
func (s *Store) SharedSessionMode() (bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = 'shared_session_mode'`).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get shared session mode: %w", err)
	}
	return v == "1" || v == "true", nil
}

func (s *Store) SetSharedSessionMode(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES ('shared_session_mode', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, v)
	if err != nil {
		return fmt.Errorf("set shared session mode: %w", err)
	}
	return nil
}

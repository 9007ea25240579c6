package store

import (
	"database/sql"
	"fmt"
)

// ServerRecord is one persisted server entry. Identity is ip:port.
type ServerRecord struct {
	IP    string
	Port  string
	Token string
	Name  string
}

func (s *Store) SaveServer(r ServerRecord) error {
	_, err := s.db.Exec(`INSERT INTO servers (ip, port, token, name) VALUES (?, ?, ?, ?)
		ON CONFLICT(ip, port) DO UPDATE SET token = excluded.token, name = excluded.name`,
		r.IP, r.Port, r.Token, r.Name)
	if err != nil {
		return fmt.Errorf("save server: %w", err)
	}
	return nil
}

func (s *Store) DeleteServer(ip, port string) error {
	if _, err := s.db.Exec(`DELETE FROM servers WHERE ip = ? AND port = ?`, ip, port); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	key := ip + ":" + port
	if _, err := s.db.Exec(`DELETE FROM kernel_prefs WHERE server_key = ?`, key); err != nil {
		return fmt.Errorf("delete server prefs: %w", err)
	}
	return nil
}

func (s *Store) GetServer(ip, port string) (*ServerRecord, error) {
	r := &ServerRecord{}
	err := s.db.QueryRow(`SELECT ip, port, token, name FROM servers WHERE ip = ? AND port = ?`, ip, port).
		Scan(&r.IP, &r.Port, &r.Token, &r.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return r, nil
}

func (s *Store) ListServers() ([]ServerRecord, error) {
	rows, err := s.db.Query(`SELECT ip, port, token, name FROM servers ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()
	var out []ServerRecord
	for rows.Next() {
		var r ServerRecord
		if err := rows.Scan(&r.IP, &r.Port, &r.Token, &r.Name); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath       string      `json:"db_path"`
	DBSizeBytes  int64       `json:"db_size_bytes"`
	WALSizeBytes int64       `json:"wal_size_bytes"`
	MemoryRows   int64       `json:"memory_rows"`
	FTSRows      int64       `json:"fts_rows"`
	Cursor       int64       `json:"journal_cursor"`
	OldestTS     int64       `json:"oldest_ts,omitempty"`
	NewestTS     int64       `json:"newest_ts,omitempty"`
	Roles        []RoleStats `json:"roles"`
}

// RoleStats holds per-role counts.
type RoleStats struct {
	Role  string `json:"role"`
	Count int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}
	if info, err := os.Stat(s.path + "-wal"); err == nil {
		st.WALSizeBytes = info.Size()
	}

	var err error
	if st.MemoryRows, st.FTSRows, err = s.Counts(ctx); err != nil {
		return st, err
	}
	if st.Cursor, err = s.Cursor(ctx); err != nil {
		return st, err
	}
	s.reader.QueryRowContext(ctx, `SELECT COALESCE(MIN(ts), 0), COALESCE(MAX(ts), 0) FROM memory`).
		Scan(&st.OldestTS, &st.NewestTS)

	rows, err := s.reader.QueryContext(ctx, `
		SELECT role, COUNT(*) AS cnt FROM memory
		GROUP BY role ORDER BY cnt DESC, role`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var rs RoleStats
		if err := rows.Scan(&rs.Role, &rs.Count); err != nil {
			return st, err
		}
		st.Roles = append(st.Roles, rs)
	}
	return st, rows.Err()
}

package database

import "database/sql"

// InsertSource stores a source descriptor. Returns the ID on success.
func (db *DB) InsertSource(s *Source) (int64, error) {
	if s.Kind == "" {
		s.Kind = "rss"
	}
	enabled := 0
	if s.Enabled {
		enabled = 1
	}
	result, err := db.conn.Exec(
		`INSERT INTO sources (name, adapter, feed_url, kind, schedule, enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.Name, s.Adapter, s.FeedURL, s.Kind, s.Schedule, enabled,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetSource returns the source descriptor with the given name, or nil.
func (db *DB) GetSource(name string) (*Source, error) {
	row := db.conn.QueryRow(
		`SELECT id, name, adapter, feed_url, kind, schedule, enabled, created_at
		FROM sources WHERE name = ?`, name,
	)
	s, err := scanSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListSources returns all source descriptors.
func (db *DB) ListSources() ([]Source, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, adapter, feed_url, kind, schedule, enabled, created_at
		FROM sources ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows.Scan)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

// EnabledSources returns only the sources the scheduler should run.
func (db *DB) EnabledSources() ([]Source, error) {
	all, err := db.ListSources()
	if err != nil {
		return nil, err
	}
	var enabled []Source
	for _, s := range all {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	return enabled, nil
}

func scanSource(scan func(dest ...any) error) (*Source, error) {
	var s Source
	var enabled int
	var schedule *string
	if err := scan(&s.ID, &s.Name, &s.Adapter, &s.FeedURL, &s.Kind, &schedule, &enabled, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Enabled = enabled != 0
	if schedule != nil {
		s.Schedule = *schedule
	}
	return &s, nil
}

// GetStats returns aggregate counts for the status command.
func (db *DB) GetStats() (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int)}

	if err := db.conn.QueryRow("SELECT COUNT(*) FROM articles").Scan(&stats.TotalArticles); err != nil {
		return nil, err
	}
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM sources").Scan(&stats.Sources); err != nil {
		return nil, err
	}

	rows, err := db.conn.Query("SELECT moderation_status, COUNT(*) FROM articles GROUP BY moderation_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[Status(status)] = count
	}
	return stats, rows.Err()
}

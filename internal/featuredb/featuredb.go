// Package featuredb reads summary statistics from a reconstruction feature
// database (database.db) without modifying it.
package featuredb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3"
)

// Stats summarizes what feature extraction and matching produced.
type Stats struct {
	Cameras             int   `json:"cameras"`
	Images              int   `json:"images"`
	ImagesWithKeypoints int   `json:"images_with_keypoints"`
	Keypoints           int64 `json:"keypoints"`
	MatchedPairs        int   `json:"matched_pairs"`
	VerifiedPairs       int   `json:"verified_pairs"`
}

// DB is a read-only connection to a feature database.
type DB struct {
	path string
	db   *sql.DB
}

// Open connects read-only to the database at path.
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("feature database not found at %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open feature database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("feature database ping failed: %w", err)
	}
	return &DB{path: path, db: db}, nil
}

// Close closes the connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Stats counts cameras, images, keypoints and image pairs. Tables that do not
// exist yet, as after an interrupted extraction, count as empty.
func (d *DB) Stats() (Stats, error) {
	var st Stats
	queries := []struct {
		table string
		query string
		dest  any
	}{
		{"cameras", `SELECT COUNT(*) FROM cameras`, &st.Cameras},
		{"images", `SELECT COUNT(*) FROM images`, &st.Images},
		{"keypoints", `SELECT COUNT(*) FROM keypoints WHERE rows > 0`, &st.ImagesWithKeypoints},
		{"keypoints", `SELECT COALESCE(SUM(rows), 0) FROM keypoints`, &st.Keypoints},
		{"matches", `SELECT COUNT(*) FROM matches WHERE rows > 0`, &st.MatchedPairs},
		{"two_view_geometries", `SELECT COUNT(*) FROM two_view_geometries WHERE rows > 0`, &st.VerifiedPairs},
	}
	for _, q := range queries {
		ok, err := d.hasTable(q.table)
		if err != nil {
			return st, err
		}
		if !ok {
			continue
		}
		if err := d.db.QueryRow(q.query).Scan(q.dest); err != nil {
			return st, fmt.Errorf("failed to read %s: %w", q.table, err)
		}
	}
	return st, nil
}

func (d *DB) hasTable(name string) (bool, error) {
	var found string
	err := d.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect schema: %w", err)
	}
	return true, nil
}

// Read opens path, collects its statistics and closes it.
func Read(path string) (Stats, error) {
	d, err := Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer d.Close()
	return d.Stats()
}

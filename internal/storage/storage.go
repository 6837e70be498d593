// Package storage keeps an audit history of dispatched runs and archive
// transactions. It is never consulted to decide a project's stage.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusStarted  = "started"
	StatusFinished = "finished"
	StatusFailed   = "failed"
	StatusRefused  = "refused"
)

// Store wraps SQLite-backed persistence for run and archive history.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
            id TEXT PRIMARY KEY,
            project TEXT NOT NULL,
            from_stage TEXT NOT NULL,
            backend TEXT,
            matcher TEXT,
            image_set TEXT,
            blur_threshold REAL,
            command TEXT,
            pid INTEGER,
            status TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS archives (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            project TEXT NOT NULL,
            from_stage TEXT NOT NULL,
            archive_path TEXT,
            moved_json TEXT,
            failed_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_project ON pipeline_runs(project);`,
		`CREATE INDEX IF NOT EXISTS idx_archives_project ON archives(project);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures one dispatch attempt.
type RunRecord struct {
	ID            string     `json:"id"`
	Project       string     `json:"project"`
	FromStage     string     `json:"from_stage"`
	Backend       string     `json:"backend"`
	Matcher       string     `json:"matcher"`
	ImageSet      string     `json:"image_set"`
	BlurThreshold *float64   `json:"blur_threshold,omitempty"`
	Command       string     `json:"command"`
	PID           int        `json:"pid,omitempty"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ArchiveRecord captures one archive transaction.
type ArchiveRecord struct {
	ID        int64             `json:"id"`
	Project   string            `json:"project"`
	FromStage string            `json:"from_stage"`
	Path      string            `json:"path"`
	Moved     []string          `json:"moved"`
	Failed    map[string]string `json:"failed,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// RecordRun inserts or replaces a run.
func (s *Store) RecordRun(rec RunRecord) error {
	if s == nil {
		return nil
	}
	var threshold sql.NullFloat64
	if rec.BlurThreshold != nil {
		threshold = sql.NullFloat64{Float64: *rec.BlurThreshold, Valid: true}
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO pipeline_runs (id, project, from_stage, backend, matcher, image_set, blur_threshold, command, pid, status, error_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Project, rec.FromStage, rec.Backend, rec.Matcher, rec.ImageSet, threshold, rec.Command, rec.PID, rec.Status, rec.Error)
	return err
}

// RecordRunResult marks a run as finished or failed.
func (s *Store) RecordRunResult(id string, status string, errMsg string) error {
	if s == nil {
		return nil
	}
	res, err := s.DB.Exec(`UPDATE pipeline_runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// RecentRuns returns the latest runs up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, project, from_stage, backend, matcher, image_set, blur_threshold, command, pid, status, created_at, completed_at, error_message FROM pipeline_runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var completed sql.NullTime
		var threshold sql.NullFloat64
		var pid sql.NullInt64
		var backend, matcher, imageSet, command, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Project, &rec.FromStage, &backend, &matcher, &imageSet, &threshold, &command, &pid, &rec.Status, &created, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Backend = backend.String
		rec.Matcher = matcher.String
		rec.ImageSet = imageSet.String
		rec.Command = command.String
		rec.PID = int(pid.Int64)
		rec.Error = errorMsg.String
		rec.CreatedAt = created
		if threshold.Valid {
			v := threshold.Float64
			rec.BlurThreshold = &v
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordArchive stores the outcome of an archive transaction.
func (s *Store) RecordArchive(rec ArchiveRecord) error {
	if s == nil {
		return nil
	}
	moved, _ := json.Marshal(rec.Moved)
	failed, _ := json.Marshal(rec.Failed)
	_, err := s.DB.Exec(`INSERT INTO archives (project, from_stage, archive_path, moved_json, failed_json) VALUES (?, ?, ?, ?, ?);`,
		rec.Project, rec.FromStage, rec.Path, string(moved), string(failed))
	return err
}

// RecentArchives returns the latest archive transactions up to limit,
// newest first. An empty project matches every project.
func (s *Store) RecentArchives(project string, limit int) ([]ArchiveRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, project, from_stage, archive_path, moved_json, failed_json, created_at FROM archives WHERE (? = '' OR project = ?) ORDER BY created_at DESC, id DESC LIMIT ?;`, project, project, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ArchiveRecord
	for rows.Next() {
		var rec ArchiveRecord
		var movedJSON, failedJSON string
		if err := rows.Scan(&rec.ID, &rec.Project, &rec.FromStage, &rec.Path, &movedJSON, &failedJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(movedJSON), &rec.Moved); err != nil {
			return nil, fmt.Errorf("unmarshal moved: %w", err)
		}
		if err := json.Unmarshal([]byte(failedJSON), &rec.Failed); err != nil {
			return nil, fmt.Errorf("unmarshal failed: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Package journal persists monitoring sessions and confirmed detections in SQLite.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"nexara/internal/detection"
	"nexara/internal/logger"
	"nexara/internal/pipeline"
)

var ErrNotFound = errors.New("journal entry not found")

// Journal handles SQLite operations
type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

// Session is one monitoring run of a camera
type Session struct {
	ID        string
	CameraID  string
	UserID    string
	ModelID   string
	StartedAt time.Time
	EndedAt   *time.Time
}

// Entry is a confirmed detection
type Entry struct {
	ID                  string
	SessionID           string
	CameraID            string
	Timestamp           time.Time
	ViolenceProbability float64
	AverageConfidence   float64
	Confirmations       int
	FrameCount          int
	Trend               pipeline.Trend
	ConfidenceLevel     string
	ModelType           detection.ModelType
	ModelID             string
	PerClassScores      *detection.PerClassScores
}

// EntryFrom converts a processed detection into a journal entry
func EntryFrom(sessionID string, d *pipeline.ProcessedDetection) Entry {
	return Entry{
		SessionID:           sessionID,
		CameraID:            d.CameraID,
		Timestamp:           d.Timestamp,
		ViolenceProbability: d.ViolenceProbability,
		AverageConfidence:   d.AverageConfidence,
		Confirmations:       d.Confirmations,
		FrameCount:          d.FrameCount,
		Trend:               d.Trend,
		ConfidenceLevel:     d.ConfidenceLevel,
		ModelType:           d.ModelType,
		ModelID:             d.ModelID,
		PerClassScores:      d.PerClassScores,
	}
}

// Open connects to path; ":memory:" works for tests
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// a single connection keeps in-memory databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Journal{db: db, log: logger.Component("journal")}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Migrate creates the schema
func (j *Journal) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			camera_id TEXT NOT NULL,
			user_id TEXT,
			model_id TEXT,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			camera_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			violence_probability REAL NOT NULL,
			average_confidence REAL NOT NULL,
			confirmations INTEGER NOT NULL,
			frame_count INTEGER NOT NULL,
			trend TEXT,
			confidence_level TEXT,
			model_type TEXT,
			model_id TEXT,
			per_class_scores TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_camera_time ON detections(camera_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(timestamp DESC)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	j.log.Debug().Int("migrations", len(migrations)).Msg("journal migrated")
	return nil
}

// StartSession records a new session and returns it
func (j *Journal) StartSession(ctx context.Context, cameraID, userID, modelID string) (*Session, error) {
	return j.StartSessionWithID(ctx, uuid.NewString(), cameraID, userID, modelID)
}

// StartSessionWithID records a session under a caller-chosen id
func (j *Journal) StartSessionWithID(ctx context.Context, id, cameraID, userID, modelID string) (*Session, error) {
	s := &Session{
		ID:        id,
		CameraID:  cameraID,
		UserID:    userID,
		ModelID:   modelID,
		StartedAt: time.Now().UTC(),
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sessions (id, camera_id, user_id, model_id, started_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.CameraID, s.UserID, s.ModelID, s.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return s, nil
}

// EndSession stamps the end time of a session
func (j *Journal) EndSession(ctx context.Context, id string) error {
	res, err := j.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession loads a session by id
func (j *Journal) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	var ended sql.NullTime
	err := j.db.QueryRowContext(ctx,
		`SELECT id, camera_id, user_id, model_id, started_at, ended_at FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.CameraID, &s.UserID, &s.ModelID, &s.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return &s, nil
}

// Record stores e, assigning an id when empty
func (j *Journal) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var scores sql.NullString
	if e.PerClassScores != nil {
		data, err := json.Marshal(e.PerClassScores)
		if err != nil {
			return "", fmt.Errorf("failed to marshal class scores: %w", err)
		}
		scores = sql.NullString{String: string(data), Valid: true}
	}

	var session sql.NullString
	if e.SessionID != "" {
		session = sql.NullString{String: e.SessionID, Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `INSERT INTO detections
		(id, session_id, camera_id, timestamp, violence_probability, average_confidence,
		 confirmations, frame_count, trend, confidence_level, model_type, model_id, per_class_scores)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, session, e.CameraID, e.Timestamp.UTC(), e.ViolenceProbability, e.AverageConfidence,
		e.Confirmations, e.FrameCount, string(e.Trend), e.ConfidenceLevel, string(e.ModelType), e.ModelID, scores)
	if err != nil {
		return "", fmt.Errorf("failed to record detection: %w", err)
	}
	return e.ID, nil
}

const selectEntries = `SELECT id, session_id, camera_id, timestamp, violence_probability, average_confidence,
	confirmations, frame_count, trend, confidence_level, model_type, model_id, per_class_scores
	FROM detections`

// Get loads one entry by id
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := j.db.QueryContext(ctx, selectEntries+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries[0], nil
}

// Recent lists entries newest first, optionally filtered by camera and time
func (j *Journal) Recent(ctx context.Context, cameraID string, since *time.Time, limit int) ([]*Entry, error) {
	query := selectEntries + ` WHERE 1=1`
	args := []interface{}{}

	if cameraID != "" {
		query += " AND camera_id = ?"
		args = append(args, cameraID)
	}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}
	return scanEntries(rows)
}

// Prune deletes entries older than before
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, "DELETE FROM detections WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune detections: %w", err)
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e         Entry
			session   sql.NullString
			trend     string
			modelType string
			scores    sql.NullString
		)
		if err := rows.Scan(&e.ID, &session, &e.CameraID, &e.Timestamp, &e.ViolenceProbability,
			&e.AverageConfidence, &e.Confirmations, &e.FrameCount, &trend, &e.ConfidenceLevel,
			&modelType, &e.ModelID, &scores); err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		e.SessionID = session.String
		e.Trend = pipeline.Trend(trend)
		e.ModelType = detection.ModelType(modelType)
		if scores.Valid {
			e.PerClassScores = &detection.PerClassScores{}
			if err := json.Unmarshal([]byte(scores.String), e.PerClassScores); err != nil {
				return nil, fmt.Errorf("failed to unmarshal class scores: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

package usage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jmallek/llamagate/internal/types"
)

// Row is one flushed increment for the usage_daily table.
type Row struct {
	Date         string
	CredentialID string
	Model        string
	ProfileID    string
	Requests     int64
	Tokens       int64
	Errors       int64
	TotalMs      int64
}

// DailyRecord is the aggregated view of one calendar day.
type DailyRecord struct {
	Date          string
	Requests      int64
	Tokens        int64
	Errors        int64
	AvgResponseMs float64
	PerModel      map[string]int64
	PerProfile    map[string]int64
}

// DefaultPath returns the standard database location under a data
// directory.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "usage.db")
}

// Store persists daily usage aggregates in SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewStore opens (or creates) the usage database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_daily (
		date              TEXT NOT NULL,
		credential_id     TEXT NOT NULL DEFAULT '',
		model             TEXT NOT NULL DEFAULT '',
		profile_id        TEXT NOT NULL DEFAULT '',
		request_count     INTEGER NOT NULL DEFAULT 0,
		token_count       INTEGER NOT NULL DEFAULT 0,
		error_count       INTEGER NOT NULL DEFAULT 0,
		total_response_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (date, credential_id, model, profile_id)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_date ON usage_daily(date);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert additively merges the given rows into usage_daily.
func (s *Store) Upsert(rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO usage_daily (date, credential_id, model, profile_id,
			request_count, token_count, error_count, total_response_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date, credential_id, model, profile_id) DO UPDATE SET
			request_count = request_count + excluded.request_count,
			token_count = token_count + excluded.token_count,
			error_count = error_count + excluded.error_count,
			total_response_ms = total_response_ms + excluded.total_response_ms
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(r.Date, r.CredentialID, r.Model, r.ProfileID,
			r.Requests, r.Tokens, r.Errors, r.TotalMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DailyRange returns one record per day between start and end inclusive,
// oldest first, synthesizing zero records for days with no rows.
func (s *Store) DailyRange(start, end string) ([]DailyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	byDate := make(map[string]*DailyRecord)

	rows, err := s.db.Query(`
		SELECT date,
			COALESCE(SUM(request_count), 0),
			COALESCE(SUM(token_count), 0),
			COALESCE(SUM(error_count), 0),
			COALESCE(SUM(total_response_ms), 0)
		FROM usage_daily
		WHERE date >= ? AND date <= ?
		GROUP BY date
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rec DailyRecord
		var totalMs int64
		if err := rows.Scan(&rec.Date, &rec.Requests, &rec.Tokens, &rec.Errors, &totalMs); err != nil {
			return nil, err
		}
		if rec.Requests > 0 {
			rec.AvgResponseMs = float64(totalMs) / float64(rec.Requests)
		}
		rec.PerModel = make(map[string]int64)
		rec.PerProfile = make(map[string]int64)
		byDate[rec.Date] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.fillBreakdown(byDate, start, end, "model", func(rec *DailyRecord) map[string]int64 {
		return rec.PerModel
	}); err != nil {
		return nil, err
	}
	if err := s.fillBreakdown(byDate, start, end, "profile_id", func(rec *DailyRecord) map[string]int64 {
		return rec.PerProfile
	}); err != nil {
		return nil, err
	}

	return zeroFill(byDate, start, end)
}

// fillBreakdown populates a per-column request-count map for each day.
func (s *Store) fillBreakdown(byDate map[string]*DailyRecord, start, end, column string,
	target func(*DailyRecord) map[string]int64) error {

	rows, err := s.db.Query(`
		SELECT date, `+column+`, COALESCE(SUM(request_count), 0)
		FROM usage_daily
		WHERE date >= ? AND date <= ? AND `+column+` != ''
		GROUP BY date, `+column,
		start, end)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var date, key string
		var count int64
		if err := rows.Scan(&date, &key, &count); err != nil {
			return err
		}
		if rec := byDate[date]; rec != nil {
			target(rec)[key] = count
		}
	}
	return rows.Err()
}

// zeroFill expands the date map into an ordered slice covering every day in
// the range.
func zeroFill(byDate map[string]*DailyRecord, start, end string) ([]DailyRecord, error) {
	startDay, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, err
	}
	endDay, err := time.Parse("2006-01-02", end)
	if err != nil {
		return nil, err
	}

	var out []DailyRecord
	for d := startDay; !d.After(endDay); d = d.AddDate(0, 0, 1) {
		date := d.Format("2006-01-02")
		if rec := byDate[date]; rec != nil {
			out = append(out, *rec)
			continue
		}
		out = append(out, DailyRecord{
			Date:       date,
			PerModel:   make(map[string]int64),
			PerProfile: make(map[string]int64),
		})
	}
	return out, nil
}

// DeleteBefore removes rows older than the cutoff date.
func (s *Store) DeleteBefore(cutoff string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}
	_, err := s.db.Exec(`DELETE FROM usage_daily WHERE date < ?`, cutoff)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

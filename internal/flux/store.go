package flux

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// LogRecord is one OTLP-shaped log entry as stored and returned by the
// store's read operations.
type LogRecord struct {
	InsertionID      int64  `json:"insertion_id"`
	// CorrelationID is a server-assigned UUID, independent of the
	// auto-increment insertion_id — stable if a record is ever re-exported
	// to a system that doesn't share this store's integer sequence.
	CorrelationID    string `json:"correlation_id"`
	TimestampNs      int64  `json:"timestamp_ns"`
	ObservedTsNs     int64  `json:"observed_ts_ns"`
	SeverityNumber   int    `json:"severity_number"`
	SeverityText     string `json:"severity_text"`
	Body             string `json:"body"`
	ServiceName      string `json:"service_name"`
	AppPath          string `json:"app_path"`
	AttributesJSON   string `json:"attributes_json"`
}

// Store is the append-only SQLite-backed log record table.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the SQLite database at dbPath and ensures
// the schema exists.
func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create flux db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open flux db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate flux db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS log_records (
			insertion_id      INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id    TEXT NOT NULL,
			timestamp_ns      INTEGER NOT NULL,
			observed_ts_ns    INTEGER NOT NULL,
			severity_number   INTEGER NOT NULL,
			severity_text     TEXT NOT NULL,
			body              TEXT NOT NULL,
			service_name      TEXT NOT NULL,
			app_path          TEXT,
			attributes_json   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_log_records_app_ts ON log_records(app_path, timestamp_ns);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends a LogRecord and returns its assigned insertion_id. A fresh
// correlation_id is assigned here, independent of whatever id (if any) the
// original OTLP payload carried.
func (s *Store) Insert(r LogRecord) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO log_records
			(correlation_id, timestamp_ns, observed_ts_ns, severity_number, severity_text, body, service_name, app_path, attributes_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), r.TimestampNs, r.ObservedTsNs, r.SeverityNumber, r.SeverityText, r.Body, r.ServiceName, nullableString(r.AppPath), r.AttributesJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert log record: %w", err)
	}
	return res.LastInsertId()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Query returns records for appPath (all apps if empty) with effective
// timestamp >= sinceNs, ordered by effective timestamp ascending, bounded
// by limit (0 means unbounded).
func (s *Store) Query(appPath string, sinceNs int64, limit int) ([]LogRecord, error) {
	query := `
		SELECT insertion_id, correlation_id, timestamp_ns, observed_ts_ns, severity_number, severity_text, body, service_name, COALESCE(app_path, ''), attributes_json
		FROM log_records
		WHERE COALESCE(NULLIF(timestamp_ns, 0), observed_ts_ns) >= ?`
	args := []any{sinceNs}

	if appPath != "" {
		query += " AND app_path = ?"
		args = append(args, appPath)
	}
	query += " ORDER BY COALESCE(NULLIF(timestamp_ns, 0), observed_ts_ns) ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.scanRows(query, args...)
}

// QueryAfterID returns records with insertion_id strictly greater than
// lastID, ordered by insertion_id ascending, optionally filtered to appPath.
func (s *Store) QueryAfterID(appPath string, lastID int64) ([]LogRecord, error) {
	query := `
		SELECT insertion_id, correlation_id, timestamp_ns, observed_ts_ns, severity_number, severity_text, body, service_name, COALESCE(app_path, ''), attributes_json
		FROM log_records
		WHERE insertion_id > ?`
	args := []any{lastID}

	if appPath != "" {
		query += " AND app_path = ?"
		args = append(args, appPath)
	}
	query += " ORDER BY insertion_id ASC"

	return s.scanRows(query, args...)
}

// LatestID returns the highest insertion_id currently stored, or 0 if the
// table is empty — used to bootstrap incremental polling.
func (s *Store) LatestID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(insertion_id) FROM log_records`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

func (s *Store) scanRows(query string, args ...any) ([]LogRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query log records: %w", err)
	}
	defer rows.Close()

	var records []LogRecord
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.InsertionID, &r.CorrelationID, &r.TimestampNs, &r.ObservedTsNs, &r.SeverityNumber, &r.SeverityText, &r.Body, &r.ServiceName, &r.AppPath, &r.AttributesJSON); err != nil {
			return nil, fmt.Errorf("scan log record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/hs3guard/internal/domain"
)

const (
	storeDBName   = "hs3guard.db"
	schemaVersion = "1"
)

// EncryptedStore implements domain.SessionRecordStore and
// domain.SafetyEventStore on a SQLCipher encrypted SQLite database.
// Session records carry patient identifiers, so the file is never plaintext.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the store in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// SQLite allows one writer; keep a single connection so the loop never
	// waits on a busy lock held by our own pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s, err := newStoreWithDB(db, dbPath)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// newStoreWithDB wraps an open database and ensures the schema.
func newStoreWithDB(db *sql.DB, dbPath string) (*EncryptedStore, error) {
	s := &EncryptedStore{db: db, dbPath: dbPath}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_records (
		session_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		patient_id TEXT DEFAULT '',
		patient_name TEXT DEFAULT '',
		protocol_name TEXT DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		status TEXT NOT NULL,
		notes TEXT DEFAULT '',
		steps_completed INTEGER NOT NULL,
		total_steps INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_records_patient ON session_records (patient_id, start_time);

	CREATE TABLE IF NOT EXISTS safety_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL,
		level INTEGER NOT NULL,
		message TEXT NOT NULL,
		parameters TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_safety_events_time ON safety_events (timestamp);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	return err
}

// --- domain.SessionRecordStore implementation ---

// SaveSessionRecord inserts or replaces a record by session id.
func (s *EncryptedStore) SaveSessionRecord(ctx context.Context, rec domain.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_records
		(session_id, plan_id, patient_id, patient_name, protocol_name, start_time, end_time, status, notes, steps_completed, total_steps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.PlanID, rec.PatientID, rec.PatientName, rec.ProtocolName,
		rec.StartTime.UnixNano(), rec.EndTime.UnixNano(), string(rec.Status), rec.Notes,
		rec.StepsCompleted, rec.TotalSteps,
	)
	if err != nil {
		return fmt.Errorf("failed to save session record %s: %w", rec.SessionID, err)
	}
	return nil
}

// ListSessionRecords returns records newest first. Empty patientID lists all;
// limit <= 0 means no limit.
func (s *EncryptedStore) ListSessionRecords(ctx context.Context, patientID string, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, plan_id, patient_id, patient_name, protocol_name, start_time, end_time, status, notes, steps_completed, total_steps
		FROM session_records
		WHERE ? = '' OR patient_id = ?
		ORDER BY start_time DESC
		LIMIT ?`,
		patientID, patientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var start, end int64
		var status string
		if err := rows.Scan(&rec.SessionID, &rec.PlanID, &rec.PatientID, &rec.PatientName, &rec.ProtocolName,
			&start, &end, &status, &rec.Notes, &rec.StepsCompleted, &rec.TotalSteps); err != nil {
			return nil, err
		}
		rec.StartTime = time.Unix(0, start).UTC()
		rec.EndTime = time.Unix(0, end).UTC()
		rec.Status = domain.RecordStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- domain.SafetyEventStore implementation ---

// AppendSafetyEvent adds an entry to the audit trail.
func (s *EncryptedStore) AppendSafetyEvent(ctx context.Context, ev domain.SafetyEvent) error {
	params := ""
	if len(ev.Parameters) > 0 {
		b, err := json.Marshal(ev.Parameters)
		if err != nil {
			return fmt.Errorf("failed to encode event parameters: %w", err)
		}
		params = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO safety_events (timestamp, type, level, message, parameters) VALUES (?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixNano(), string(ev.Type), int(ev.Level), ev.Message, params,
	)
	if err != nil {
		return fmt.Errorf("failed to append safety event: %w", err)
	}
	return nil
}

// ListSafetyEvents returns events at or after since, newest first.
func (s *EncryptedStore) ListSafetyEvents(ctx context.Context, since time.Time, limit int) ([]domain.SafetyEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, type, level, message, parameters
		FROM safety_events
		WHERE timestamp >= ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		since.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list safety events: %w", err)
	}
	defer rows.Close()

	var out []domain.SafetyEvent
	for rows.Next() {
		var ev domain.SafetyEvent
		var ts int64
		var typ, params string
		var level int
		if err := rows.Scan(&ts, &typ, &level, &ev.Message, &params); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Type = domain.SafetyEventType(typ)
		ev.Level = domain.SafetyLevel(level)
		if params != "" {
			if err := json.Unmarshal([]byte(params), &ev.Parameters); err != nil {
				return nil, fmt.Errorf("corrupt parameters on event at %s: %w", ev.Timestamp, err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- meta ---

// SetMeta stores a small key/value (e.g. the last connected device).
func (s *EncryptedStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value)
	return err
}

// Meta returns a meta value, or "" when unset.
func (s *EncryptedStore) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ensure EncryptedStore implements both interfaces.
var _ domain.SessionRecordStore = (*EncryptedStore)(nil)
var _ domain.SafetyEventStore = (*EncryptedStore)(nil)

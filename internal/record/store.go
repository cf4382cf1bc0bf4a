// Package record persists call records to PostgreSQL. Records are written in
// two phases: a provisional row at dial time for crash recovery and audit,
// finalized after the post-call workflow completes.
package record

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver

	"github.com/dialhouse/callengine/internal/postcall"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Provisional is the dial-time call record, before the call completed.
type Provisional struct {
	SessionID   string
	AgentID     string
	PhoneNumber string
	Provider    string
	CallRef     string
	StartedAt   time.Time
}

// Store persists call records to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the call record database at connStr and applies pending
// migrations.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("record open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("record ping: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("record migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRow(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.Exec(string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertProvisional writes the dial-time record.
func (s *Store) InsertProvisional(rec Provisional) error {
	_, err := s.db.Exec(
		`INSERT INTO call_records (session_id, agent_id, phone_number, provider, call_ref, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.AgentID, rec.PhoneNumber, rec.Provider, rec.CallRef, rec.StartedAt.UTC(),
	)
	return err
}

// UpdateCallRef fills in the vendor call reference once dialing succeeded.
func (s *Store) UpdateCallRef(sessionID, callRef string) error {
	_, err := s.db.Exec(
		`UPDATE call_records SET call_ref = $1 WHERE session_id = $2`,
		callRef, sessionID,
	)
	return err
}

// Finalize implements postcall.Finalizer: it completes the provisional record
// with the relocated recording reference and duration.
func (s *Store) Finalize(ctx context.Context, rec postcall.FinalRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE call_records
		 SET call_ref = $1, recording_url = $2, duration_seconds = $3, finalized_at = $4
		 WHERE session_id = $5`,
		rec.CallRef, rec.RecordingURL, rec.DurationSeconds, time.Now().UTC(), rec.SessionID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// No provisional row survived (e.g. store came up mid-call); insert whole.
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO call_records (session_id, agent_id, phone_number, call_ref, recording_url, duration_seconds, started_at, finalized_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			rec.SessionID, rec.AgentID, rec.PhoneNumber, rec.CallRef, rec.RecordingURL, rec.DurationSeconds, time.Now().UTC(),
		)
	}
	return err
}

// SetAIScore records the post-call AI score computed elsewhere.
func (s *Store) SetAIScore(sessionID string, score float64) error {
	_, err := s.db.Exec(
		`UPDATE call_records SET ai_score = $1 WHERE session_id = $2`,
		score, sessionID,
	)
	return err
}

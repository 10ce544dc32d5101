// Package audit persists HMAC-signed audit records in SQLite.
//
// The policy engine and the action queue only CONSTRUCT audit entries; this
// store is the logging collaborator that signs and retains them. Records
// are append-only: there is no update or delete path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	opscoreotel "github.com/Jgorzitza/HotDash-sub021/internal/otel"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
)

var tracer = opscoreotel.Tracer("github.com/Jgorzitza/HotDash-sub021/internal/audit")

// ErrNotFound is returned when no record exists for the given identifier.
var ErrNotFound = errors.New("audit record not found")

// Record is one signed audit trail entry. Subject is the kind of decision
// recorded ("authorize", "handoff", "transition"); the Entry carries the
// decision details.
type Record struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Subject       string            `json:"subject"`
	Entry         policy.AuditEntry `json:"entry"`
	Signature     string            `json:"signature"`
}

// Store persists signed audit records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens (creating if needed) the audit database at dbPath.
func NewStore(dbPath, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		correlation_id TEXT,
		subject TEXT NOT NULL,
		agent TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_log(correlation_id);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append signs and persists an audit entry. The signature covers the record
// with an empty Signature field.
func (s *Store) Append(ctx context.Context, subject, correlationID string, entry policy.AuditEntry) error {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("audit.subject", subject),
			attribute.String("audit.agent", entry.Agent),
			attribute.Bool("audit.allowed", entry.Allowed),
		))
	defer span.End()

	rec := Record{
		ID:            entry.ID,
		CorrelationID: correlationID,
		Subject:       subject,
		Entry:         entry,
	}

	unsigned, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	signature, err := s.signer.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("signing audit record: %w", err)
	}
	rec.Signature = signature

	signed, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling signed audit record: %w", err)
	}

	allowed := 0
	if entry.Allowed {
		allowed = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, correlation_id, subject, agent, allowed, timestamp, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, correlationID, subject, entry.Agent, allowed, entry.Timestamp, string(signed), signature,
	)
	if err != nil {
		return fmt.Errorf("storing audit record: %w", err)
	}
	return nil
}

// Get retrieves an audit record by identifier.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM audit_log WHERE id = ?`, id).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling audit record: %w", err)
	}
	return &rec, nil
}

// List returns audit records matching the given filters, newest first.
func (s *Store) List(ctx context.Context, agent string, from, to time.Time, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(attribute.String("audit.agent", agent)))
	defer span.End()

	query := `SELECT id, record_json FROM audit_log WHERE 1=1`
	args := []interface{}{}

	if agent != "" {
		query += ` AND agent = ?`
		args = append(args, agent)
	}
	if !from.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	// Undecodable rows are skipped but logged: a damaged trail must stay
	// diagnosable without hiding the records that are still intact.
	var results []Record
	for rows.Next() {
		var id, recordJSON string
		if err := rows.Scan(&id, &recordJSON); err != nil {
			log.Warn().Err(err).Msg("skipping unreadable audit row")
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			log.Warn().Err(err).Str("audit_id", id).Msg("skipping corrupt audit record")
			continue
		}
		results = append(results, rec)
	}

	span.SetAttributes(attribute.Int("audit.count", len(results)))
	return results, nil
}

// Verify checks the HMAC signature integrity of a stored record.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := rec.Signature
	rec.Signature = ""

	unsigned, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}

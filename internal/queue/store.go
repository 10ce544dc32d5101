package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	opscoreotel "github.com/Jgorzitza/HotDash-sub021/internal/otel"
)

var tracer = opscoreotel.Tracer("github.com/Jgorzitza/HotDash-sub021/internal/queue")

// transitionRetries bounds how often a transition re-reads after losing the
// revision race to a bookkeeping write.
const transitionRetries = 5

// Store persists queue items and producer statistics in SQLite.
//
// Every write to an action row is a compare-and-set on the status and
// revision observed at read time; a writer working from a stale read sees
// zero affected rows and can never roll back a concurrent transition. The
// losing writer receives a ConflictError naming the current status.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the action database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening action database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		archived_at TIMESTAMP,
		revision INTEGER NOT NULL DEFAULT 0,
		item_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_status ON actions(status);
	CREATE INDEX IF NOT EXISTS idx_actions_agent ON actions(agent);
	CREATE INDEX IF NOT EXISTS idx_actions_created ON actions(created_at);

	CREATE TABLE IF NOT EXISTS producer_stats (
		agent TEXT PRIMARY KEY,
		submitted INTEGER NOT NULL DEFAULT 0,
		approved INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		executed INTEGER NOT NULL DEFAULT 0,
		outcome_executions INTEGER NOT NULL DEFAULT 0,
		outcome_successes INTEGER NOT NULL DEFAULT 0,
		outcomes INTEGER NOT NULL DEFAULT 0,
		realized_revenue_7d REAL NOT NULL DEFAULT 0,
		realized_revenue_14d REAL NOT NULL DEFAULT 0,
		realized_revenue_28d REAL NOT NULL DEFAULT 0,
		avg_realized_roi REAL NOT NULL DEFAULT 0
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating action schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new item and bumps the producer's submission counter in
// the same transaction.
func (s *Store) Insert(ctx context.Context, it *Item) error {
	ctx, span := tracer.Start(ctx, "queue.store.insert",
		trace.WithAttributes(
			attribute.String("action.id", it.ID),
			attribute.String("action.agent", it.Agent),
		))
	defer span.End()

	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshaling action: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO actions (id, agent, type, status, created_at, item_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		it.ID, it.Agent, it.Type, string(it.Status), it.CreatedAt, string(payload),
	); err != nil {
		return fmt.Errorf("storing action: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO producer_stats (agent, submitted) VALUES (?, 1)
		 ON CONFLICT(agent) DO UPDATE SET submitted = submitted + 1`,
		it.Agent,
	); err != nil {
		return fmt.Errorf("updating producer stats: %w", err)
	}

	return tx.Commit()
}

// Get retrieves an item by identifier.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	var (
		itemJSON   string
		archivedAt sql.NullTime
		revision   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT item_json, archived_at, revision FROM actions WHERE id = ?`, id).
		Scan(&itemJSON, &archivedAt, &revision)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying action: %w", err)
	}

	var it Item
	if err := json.Unmarshal([]byte(itemJSON), &it); err != nil {
		return nil, fmt.Errorf("unmarshaling action: %w", err)
	}
	it.revision = revision
	// Bulk archiving stamps the column only; reflect it on the decoded item.
	if archivedAt.Valid && it.ArchivedAt == nil {
		it.ArchivedAt = &archivedAt.Time
	}
	return &it, nil
}

// ListByStatus returns all non-archived items in the given status, oldest
// submission first. Ranking happens in memory on top of this list. Rows
// that fail to decode are skipped and logged so a damaged database is
// diagnosable without breaking the ranked view.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_json FROM actions
		 WHERE status = ? AND archived_at IS NULL
		 ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var id, itemJSON string
		if err := rows.Scan(&id, &itemJSON); err != nil {
			log.Warn().Err(err).Msg("skipping unreadable action row")
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(itemJSON), &it); err != nil {
			log.Warn().Err(err).Str("action_id", id).Msg("skipping corrupt action row")
			continue
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

// Transition atomically moves an item from the expected status to the next
// one, applying mutate to the decoded item before writing it back. Returns
// the updated item, ErrNotFound for unknown identifiers, or a ConflictError
// when the item is no longer in the expected status.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, mutate func(*Item)) (*Item, error) {
	ctx, span := tracer.Start(ctx, "queue.store.transition",
		trace.WithAttributes(
			attribute.String("action.id", id),
			attribute.String("action.from", string(from)),
			attribute.String("action.to", string(to)),
		))
	defer span.End()

	for attempt := 0; attempt < transitionRetries; attempt++ {
		it, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if it.Status != from {
			return nil, &ConflictError{ID: id, Current: it.Status, Attempted: to}
		}

		it.Status = to
		if mutate != nil {
			mutate(it)
		}
		payload, err := json.Marshal(it)
		if err != nil {
			return nil, fmt.Errorf("marshaling action: %w", err)
		}

		// The WHERE clause re-checks the status and revision read above; any
		// concurrent write between the read and this one leaves zero rows
		// affected.
		res, err := s.db.ExecContext(ctx,
			`UPDATE actions SET status = ?, item_json = ?, revision = revision + 1
			 WHERE id = ? AND status = ? AND revision = ?`,
			string(to), string(payload), id, string(from), it.revision)
		if err != nil {
			return nil, fmt.Errorf("updating action: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking transition result: %w", err)
		}
		if affected == 0 {
			current, rereadErr := s.Get(ctx, id)
			if rereadErr != nil {
				return nil, rereadErr
			}
			if current.Status != from {
				return nil, &ConflictError{ID: id, Current: current.Status, Attempted: to}
			}
			// A bookkeeping write bumped the revision while the status held;
			// retry on a fresh read.
			continue
		}
		it.revision++
		return it, nil
	}
	return nil, fmt.Errorf("action %s: transition to %s did not settle after %d attempts", id, to, transitionRetries)
}

// Update rewrites an item's bookkeeping fields (recorded authorizations,
// realized outcomes, archive stamps) without changing its status. The write
// is conditional on the row still holding the status and revision the item
// was read with, so a stale read can never revert a concurrent transition.
// On a lost race the caller gets a ConflictError and decides whether to
// re-read and re-apply the change.
func (s *Store) Update(ctx context.Context, it *Item) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshaling action: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET item_json = ?, archived_at = ?, revision = revision + 1
		 WHERE id = ? AND status = ? AND revision = ?`,
		string(payload), it.ArchivedAt, it.ID, string(it.Status), it.revision)
	if err != nil {
		return fmt.Errorf("updating action: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		current, rereadErr := s.Get(ctx, it.ID)
		if rereadErr != nil {
			return rereadErr
		}
		return &ConflictError{ID: it.ID, Current: current.Status, Attempted: it.Status}
	}
	it.revision++
	return nil
}

// BumpDecision increments the approved or rejected counter for an agent.
func (s *Store) BumpDecision(ctx context.Context, agent string, approved bool) error {
	column := "rejected"
	if approved {
		column = "approved"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO producer_stats (agent, `+column+`) VALUES (?, 1)
		 ON CONFLICT(agent) DO UPDATE SET `+column+` = `+column+` + 1`,
		agent)
	if err != nil {
		return fmt.Errorf("updating producer stats: %w", err)
	}
	return nil
}

// BumpExecuted increments the executed counter for an agent.
func (s *Store) BumpExecuted(ctx context.Context, agent string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO producer_stats (agent, executed) VALUES (?, 1)
		 ON CONFLICT(agent) DO UPDATE SET executed = executed + 1`,
		agent)
	if err != nil {
		return fmt.Errorf("updating producer stats: %w", err)
	}
	return nil
}

// RecordOutcomeStats folds realized results into the producer's running
// totals: execution and success counts, realized revenue at each horizon,
// and the rolling average realized ROI. roi is the return of this single
// outcome; the stored average moves by (roi - avg) / n so the tally stays
// additive and the history never needs replaying. In the upsert branch the
// unqualified columns read the existing row, so `outcomes + 1` is the new
// sample count.
func (s *Store) RecordOutcomeStats(ctx context.Context, agent string, outcome Outcome, roi float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO producer_stats (agent, outcome_executions, outcome_successes, outcomes,
			realized_revenue_7d, realized_revenue_14d, realized_revenue_28d, avg_realized_roi)
		 VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT(agent) DO UPDATE SET
			outcome_executions = outcome_executions + excluded.outcome_executions,
			outcome_successes = outcome_successes + excluded.outcome_successes,
			outcomes = outcomes + 1,
			realized_revenue_7d = realized_revenue_7d + excluded.realized_revenue_7d,
			realized_revenue_14d = realized_revenue_14d + excluded.realized_revenue_14d,
			realized_revenue_28d = realized_revenue_28d + excluded.realized_revenue_28d,
			avg_realized_roi = avg_realized_roi + (excluded.avg_realized_roi - avg_realized_roi) / (outcomes + 1)`,
		agent, outcome.Executions, outcome.Successes,
		outcome.Revenue7d, outcome.Revenue14d, outcome.Revenue28d, roi)
	if err != nil {
		return fmt.Errorf("updating producer stats: %w", err)
	}
	return nil
}

// ProducerStats is the per-agent submission and outcome tally.
type ProducerStats struct {
	Agent              string  `json:"agent"`
	Submitted          int     `json:"submitted"`
	Approved           int     `json:"approved"`
	Rejected           int     `json:"rejected"`
	Executed           int     `json:"executed"`
	OutcomeExecutions  int     `json:"outcome_executions"`
	OutcomeSuccesses   int     `json:"outcome_successes"`
	Outcomes           int     `json:"outcomes"`
	RealizedRevenue7d  float64 `json:"realized_revenue_7d"`
	RealizedRevenue14d float64 `json:"realized_revenue_14d"`
	RealizedRevenue28d float64 `json:"realized_revenue_28d"`
	AvgRealizedROI     float64 `json:"avg_realized_roi"`
}

// Reliability is the approval rate of reviewed submissions, or 1.0 when the
// agent has no review history yet.
func (p ProducerStats) Reliability() float64 {
	reviewed := p.Approved + p.Rejected
	if reviewed == 0 {
		return 1.0
	}
	return float64(p.Approved) / float64(reviewed)
}

// Stats returns the producer tally for one agent. Unknown agents get a zero
// tally rather than an error.
func (s *Store) Stats(ctx context.Context, agent string) (ProducerStats, error) {
	stats := ProducerStats{Agent: agent}
	err := s.db.QueryRowContext(ctx,
		`SELECT submitted, approved, rejected, executed, outcome_executions, outcome_successes,
			outcomes, realized_revenue_7d, realized_revenue_14d, realized_revenue_28d, avg_realized_roi
		 FROM producer_stats WHERE agent = ?`, agent).
		Scan(&stats.Submitted, &stats.Approved, &stats.Rejected, &stats.Executed,
			&stats.OutcomeExecutions, &stats.OutcomeSuccesses, &stats.Outcomes,
			&stats.RealizedRevenue7d, &stats.RealizedRevenue14d, &stats.RealizedRevenue28d,
			&stats.AvgRealizedROI)
	if err == sql.ErrNoRows {
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("querying producer stats: %w", err)
	}
	return stats, nil
}

// AllStats returns the tallies for every known producer.
func (s *Store) AllStats(ctx context.Context) ([]ProducerStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, submitted, approved, rejected, executed, outcome_executions, outcome_successes,
			outcomes, realized_revenue_7d, realized_revenue_14d, realized_revenue_28d, avg_realized_roi
		 FROM producer_stats ORDER BY agent ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying producer stats: %w", err)
	}
	defer rows.Close()

	var out []ProducerStats
	for rows.Next() {
		var stats ProducerStats
		if err := rows.Scan(&stats.Agent, &stats.Submitted, &stats.Approved, &stats.Rejected,
			&stats.Executed, &stats.OutcomeExecutions, &stats.OutcomeSuccesses, &stats.Outcomes,
			&stats.RealizedRevenue7d, &stats.RealizedRevenue14d, &stats.RealizedRevenue28d,
			&stats.AvgRealizedROI); err != nil {
			log.Warn().Err(err).Msg("skipping unreadable producer row")
			continue
		}
		out = append(out, stats)
	}
	return out, rows.Err()
}

// ArchiveOlderThan stamps archived_at on pending items submitted before the
// cutoff and returns how many were archived. Archived items drop out of the
// ranked view but remain queryable by identifier.
func (s *Store) ArchiveOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "queue.store.archive")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET archived_at = ?, revision = revision + 1
		 WHERE status = ? AND archived_at IS NULL AND created_at < ?`,
		now, string(StatusPending), cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiving stale actions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking archive result: %w", err)
	}
	span.SetAttributes(attribute.Int64("queue.archived", affected))
	return affected, nil
}

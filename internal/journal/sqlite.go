// internal/journal/sqlite.go
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rovshanmuradov/solana-copybot/internal/execution"
	"github.com/rovshanmuradov/solana-copybot/internal/position"
	"github.com/rovshanmuradov/solana-copybot/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    decision_id   TEXT     NOT NULL,
    token         TEXT     NOT NULL,
    reason        TEXT     NOT NULL,
    chunk         INTEGER  NOT NULL DEFAULT 0,
    number        INTEGER  NOT NULL,
    forced        INTEGER  NOT NULL DEFAULT 0,
    protocol      TEXT,
    slippage_bps  INTEGER  NOT NULL DEFAULT 0,
    priority      TEXT,
    priority_fee  INTEGER  NOT NULL DEFAULT 0,
    compute_units INTEGER  NOT NULL DEFAULT 0,
    route         TEXT,
    amount        REAL     NOT NULL DEFAULT 0,
    outcome       TEXT     NOT NULL,
    error         TEXT,
    submission_id TEXT,
    filled        REAL     NOT NULL DEFAULT 0,
    price         REAL     NOT NULL DEFAULT 0,
    at            DATETIME NOT NULL,
    duration_ms   INTEGER  NOT NULL DEFAULT 0
);

-- One row per held token, replaced on every checkpoint
CREATE TABLE IF NOT EXISTS positions (
    token      TEXT PRIMARY KEY,
    state      BLOB     NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_token ON attempts(token, at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_decision ON attempts(decision_id);
`

// SQLite is the durable record of sell attempts and open positions.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the journal at path. ":memory:" works for tests.
func Open(path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &SQLite{db: db, logger: logger.Named("journal")}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// RecordAttempt appends one submission attempt.
func (s *SQLite) RecordAttempt(ctx context.Context, a execution.Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (decision_id, token, reason, chunk, number, forced, protocol,
			slippage_bps, priority, priority_fee, compute_units, route, amount, outcome, error,
			submission_id, filled, price, at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.DecisionID, a.Token, a.Reason, a.Chunk, a.Number, a.Forced, a.Protocol,
		a.SlippageBps, string(a.Priority.Level), int64(a.Priority.PriorityFee), int64(a.Priority.ComputeUnits),
		string(a.Route), a.Amount, string(a.Outcome), a.Error,
		a.SubmissionID, a.Filled, a.Price, a.At.UTC(), a.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("journal.RecordAttempt: %w", err)
	}
	return nil
}

const selectAttempts = `
	SELECT decision_id, token, reason, chunk, number, forced, protocol, slippage_bps,
		priority, priority_fee, compute_units, route, amount, outcome, error, submission_id,
		filled, price, at, duration_ms
	FROM attempts`

// Attempts returns the attempts recorded for token, oldest first.
func (s *SQLite) Attempts(ctx context.Context, token string) ([]execution.Attempt, error) {
	return s.queryAttempts(ctx, selectAttempts+` WHERE token = ? ORDER BY id`, token)
}

// AttemptsBetween returns every attempt recorded in [from, to), oldest
// first. A zero bound is open.
func (s *SQLite) AttemptsBetween(ctx context.Context, from, to time.Time) ([]execution.Attempt, error) {
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return s.queryAttempts(ctx, selectAttempts+` WHERE at >= ? AND at < ? ORDER BY id`, from.UTC(), to.UTC())
}

func (s *SQLite) queryAttempts(ctx context.Context, query string, args ...any) ([]execution.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal.Attempts: %w", err)
	}
	defer rows.Close()

	var out []execution.Attempt
	for rows.Next() {
		var (
			a                    execution.Attempt
			proto, prio, route   sql.NullString
			outcome              string
			errText, subID       sql.NullString
			fee, units, duration int64
		)
		if err := rows.Scan(&a.DecisionID, &a.Token, &a.Reason, &a.Chunk, &a.Number, &a.Forced,
			&proto, &a.SlippageBps, &prio, &fee, &units, &route, &a.Amount, &outcome, &errText,
			&subID, &a.Filled, &a.Price, &a.At, &duration); err != nil {
			return nil, fmt.Errorf("journal.Attempts: scan: %w", err)
		}
		a.Protocol = proto.String
		a.Priority = protocol.PriorityConfig{
			Level:        protocol.PriorityLevel(prio.String),
			PriorityFee:  uint64(fee),
			ComputeUnits: uint32(units),
		}
		a.Route = protocol.Route(route.String)
		a.Outcome = execution.Outcome(outcome)
		a.Error = errText.String
		a.SubmissionID = subID.String
		a.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, a)
	}
	return out, rows.Err()
}

// Checkpoint replaces the stored positions with the given snapshot.
// Tokens missing from positions are treated as closed.
func (s *SQLite) Checkpoint(ctx context.Context, positions []position.TrackedPosition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal.Checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("journal.Checkpoint: clear: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO positions (token, state, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("journal.Checkpoint: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range positions {
		if p.AmountHeld <= 0 {
			continue
		}
		state, err := msgpack.Marshal(&p)
		if err != nil {
			return fmt.Errorf("journal.Checkpoint: encode %s: %w", p.Token, err)
		}
		if _, err := stmt.ExecContext(ctx, p.Token, state, now); err != nil {
			return fmt.Errorf("journal.Checkpoint: insert %s: %w", p.Token, err)
		}
	}
	return tx.Commit()
}

// LoadPositions returns the last checkpoint. Rows that fail to decode are
// skipped and logged.
func (s *SQLite) LoadPositions(ctx context.Context) ([]position.TrackedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT token, state FROM positions ORDER BY token`)
	if err != nil {
		return nil, fmt.Errorf("journal.LoadPositions: %w", err)
	}
	defer rows.Close()

	var out []position.TrackedPosition
	for rows.Next() {
		var (
			token string
			state []byte
		)
		if err := rows.Scan(&token, &state); err != nil {
			return nil, fmt.Errorf("journal.LoadPositions: scan: %w", err)
		}
		var p position.TrackedPosition
		if err := msgpack.Unmarshal(state, &p); err != nil {
			s.logger.Warn("Skipping undecodable position", zap.String("token", token), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Package store provides SQLite-backed persistence for chain status.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/quizpilot/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the quizpilot SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chains (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		url TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		failure TEXT,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		chain_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		url TEXT NOT NULL,
		state TEXT NOT NULL,
		failure TEXT,
		raw TEXT,
		program TEXT,
		outcome TEXT,
		error TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (chain_id) REFERENCES chains(id)
	);

	CREATE TABLE IF NOT EXISTS audit (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		chain_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chains_email ON chains(email);
	CREATE INDEX IF NOT EXISTS idx_chains_state ON chains(state);
	CREATE INDEX IF NOT EXISTS idx_attempts_chain_id ON attempts(chain_id);
	CREATE INDEX IF NOT EXISTS idx_audit_chain_id ON audit(chain_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Chain Operations ---

const chainColumns = `id, email, url, state, failure, error, attempts, worker_id, created_at, updated_at`

// CreateChain inserts a new pending chain.
func (s *Store) CreateChain(ctx context.Context, email, url string) (*models.Chain, error) {
	now := time.Now().UTC()
	chain := &models.Chain{
		ID:        uuid.New().String(),
		Email:     email,
		URL:       url,
		State:     models.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chains (id, email, url, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		chain.ID, chain.Email, chain.URL, chain.State, chain.CreatedAt, chain.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert chain: %w", err)
	}
	return chain, nil
}

// GetChain retrieves a chain by ID. It returns nil, nil when not found.
func (s *Store) GetChain(ctx context.Context, id string) (*models.Chain, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chainColumns+` FROM chains WHERE id = ?`, id)
	chain, err := scanChain(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	return chain, nil
}

// ChainFilter narrows ListChains. Zero values match everything.
type ChainFilter struct {
	Email string
	State string
	Limit int
}

// ListChains returns chains newest first.
func (s *Store) ListChains(ctx context.Context, f ChainFilter) ([]models.Chain, error) {
	query := `SELECT ` + chainColumns + ` FROM chains WHERE 1=1`
	var args []interface{}

	if f.Email != "" {
		query += ` AND email = ?`
		args = append(args, f.Email)
	}
	if f.State != "" {
		query += ` AND state = ?`
		args = append(args, f.State)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chains: %w", err)
	}
	defer rows.Close()

	var chains []models.Chain
	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		chains = append(chains, *chain)
	}
	return chains, rows.Err()
}

// UpdateChain persists the mutable fields of a chain.
func (s *Store) UpdateChain(ctx context.Context, chain *models.Chain) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chains SET state = ?, failure = ?, error = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		chain.State, nullString(string(chain.Failure)), nullString(chain.Error), chain.Attempts, time.Now().UTC(), chain.ID,
	)
	if err != nil {
		return fmt.Errorf("update chain: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChainNotFound
	}
	return nil
}

// SetWorker records which worker picked the chain up.
func (s *Store) SetWorker(ctx context.Context, chainID, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chains SET worker_id = ?, updated_at = ? WHERE id = ?`,
		workerID, time.Now().UTC(), chainID,
	)
	return err
}

// FailStale marks chains left non-terminal by a previous process as failed.
func (s *Store) FailStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chains SET state = ?, failure = ?, error = ?, updated_at = ? WHERE state NOT IN (?, ?)`,
		models.StateFailed, models.FailureInterrupted, "service restarted before the chain finished", time.Now().UTC(),
		models.StateDone, models.StateFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale chains: %w", err)
	}
	return res.RowsAffected()
}

// CountByState returns the number of chains in each state.
func (s *Store) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM chains GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count chains: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// ErrChainNotFound indicates an update targeted an unknown chain.
var ErrChainNotFound = fmt.Errorf("chain not found")

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChain(r rowScanner) (*models.Chain, error) {
	var chain models.Chain
	var failure, errMsg, worker sql.NullString
	if err := r.Scan(&chain.ID, &chain.Email, &chain.URL, &chain.State, &failure, &errMsg,
		&chain.Attempts, &worker, &chain.CreatedAt, &chain.UpdatedAt); err != nil {
		return nil, err
	}
	chain.Failure = models.FailureKind(failure.String)
	chain.Error = errMsg.String
	chain.WorkerID = worker.String
	return &chain, nil
}

// --- Attempt Operations ---

// SaveAttempt inserts or replaces an attempt record.
func (s *Store) SaveAttempt(ctx context.Context, a *models.Attempt) error {
	var outcome sql.NullString
	if a.Outcome != nil {
		data, err := json.Marshal(a.Outcome)
		if err != nil {
			return fmt.Errorf("marshal outcome: %w", err)
		}
		outcome = sql.NullString{String: string(data), Valid: true}
	}
	var ended sql.NullTime
	if !a.EndedAt.IsZero() {
		ended = sql.NullTime{Time: a.EndedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO attempts (id, chain_id, seq, url, state, failure, raw, program, outcome, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ChainID, a.Seq, a.URL, a.State, nullString(string(a.Failure)), nullString(a.Raw),
		nullString(a.Program), outcome, nullString(a.Error), a.StartedAt.UTC(), ended,
	)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	return nil
}

// AttemptsForChain returns a chain's attempts in order.
func (s *Store) AttemptsForChain(ctx context.Context, chainID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chain_id, seq, url, state, failure, raw, program, outcome, error, started_at, ended_at
		 FROM attempts WHERE chain_id = ? ORDER BY seq ASC`,
		chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var failure, raw, program, outcome, errMsg sql.NullString
		var ended sql.NullTime
		if err := rows.Scan(&a.ID, &a.ChainID, &a.Seq, &a.URL, &a.State, &failure, &raw, &program,
			&outcome, &errMsg, &a.StartedAt, &ended); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Failure = models.FailureKind(failure.String)
		a.Raw = raw.String
		a.Program = program.String
		a.Error = errMsg.String
		if ended.Valid {
			a.EndedAt = ended.Time
		}
		if outcome.Valid {
			a.Outcome = &models.Outcome{}
			if err := json.Unmarshal([]byte(outcome.String), a.Outcome); err != nil {
				return nil, fmt.Errorf("decode outcome: %w", err)
			}
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Audit Operations ---

// WriteAudit writes a decision record.
func (s *Store) WriteAudit(ctx context.Context, action, inputsHash, outcome, chainID, details string) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		ChainID:    chainID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (id, action, inputs_hash, outcome, chain_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, nullString(entry.ChainID), entry.Details, entry.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit: %w", err)
	}
	return entry, nil
}

// AuditForChain returns a chain's decision records oldest first.
func (s *Store) AuditForChain(ctx context.Context, chainID string) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, chain_id, details, timestamp FROM audit WHERE chain_id = ? ORDER BY timestamp ASC`,
		chainID,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var chain, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &chain, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.ChainID = chain.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

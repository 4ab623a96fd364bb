package terminal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgconn"
	"github.com/lib/pq"

	"github.com/alovak/cardflow-terminal/terminal/models"
)

var (
	ErrNotFound = fmt.Errorf("not found")
	ErrConflict = fmt.Errorf("conflict")
)

// Repository stores the transaction journal and the reversal queue. Without a
// database it keeps everything in memory (tests and standalone demos); with
// one it persists to Postgres.
type Repository struct {
	mu        sync.RWMutex
	journal   []*models.JournalEntry
	reversals []*models.ReversalQueueEntry
	stanIndex map[int]struct{}

	db *sql.DB
}

func NewRepository() *Repository {
	return &Repository{
		journal:   make([]*models.JournalEntry, 0),
		reversals: make([]*models.ReversalQueueEntry, 0),
		stanIndex: make(map[int]struct{}),
	}
}

// NewPGRepository constructs a db-backed repository.
func NewPGRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// AppendJournal writes the audit record for a terminal outcome. Exactly one
// entry per STAN is accepted; a second write for the same STAN is a conflict.
func (r *Repository) AppendJournal(ctx context.Context, entry *models.JournalEntry) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.stanIndex[entry.STAN]; ok {
			return fmt.Errorf("journal entry for stan %d exists: %w", entry.STAN, ErrConflict)
		}
		r.journal = append(r.journal, entry)
		r.stanIndex[entry.STAN] = struct{}{}
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO terminal.journal(entry_id, stan, rrn, response_code, auth_code, entry_mode, aid, risk_data, amount, currency, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    `, entry.ID, entry.STAN, entry.RRN, entry.ResponseCode, entry.AuthCode, entry.EntryMode, entry.AID, entry.RiskData, entry.Amount, entry.Currency, entry.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListJournal returns journal entries, newest first.
func (r *Repository) ListJournal(ctx context.Context, limit int) ([]*models.JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*models.JournalEntry, 0, limit)
		for i := len(r.journal) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, r.journal[i])
		}
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
        SELECT entry_id, stan, rrn, response_code, auth_code, entry_mode, aid, risk_data, amount, currency, created_at
          FROM terminal.journal ORDER BY created_at DESC LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		if err := rows.Scan(&e.ID, &e.STAN, &e.RRN, &e.ResponseCode, &e.AuthCode, &e.EntryMode, &e.AID, &e.RiskData, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FindJournalBySTAN returns the journal entry for stan.
func (r *Repository) FindJournalBySTAN(ctx context.Context, stan int) (*models.JournalEntry, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, e := range r.journal {
			if e.STAN == stan {
				return e, nil
			}
		}
		return nil, ErrNotFound
	}

	row := r.db.QueryRowContext(ctx, `
        SELECT entry_id, stan, rrn, response_code, auth_code, entry_mode, aid, risk_data, amount, currency, created_at
          FROM terminal.journal WHERE stan=$1
    `, stan)
	var e models.JournalEntry
	if err := row.Scan(&e.ID, &e.STAN, &e.RRN, &e.ResponseCode, &e.AuthCode, &e.EntryMode, &e.AID, &e.RiskData, &e.Amount, &e.Currency, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// EnqueueReversal records an authorization whose outcome is unknown to the
// host. The out-of-process sweeper consumes and deletes entries.
func (r *Repository) EnqueueReversal(ctx context.Context, entry *models.ReversalQueueEntry) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.reversals = append(r.reversals, entry)
		return nil
	}

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO terminal.reversal_queue(reversal_id, stan, rrn, amount, currency, reason, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
    `, entry.ID, entry.STAN, entry.RRN, entry.Amount, entry.Currency, entry.Reason, entry.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *Repository) ListReversals(ctx context.Context) ([]*models.ReversalQueueEntry, error) {
	if r.db == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*models.ReversalQueueEntry, len(r.reversals))
		copy(out, r.reversals)
		return out, nil
	}

	rows, err := r.db.QueryContext(ctx, `
        SELECT reversal_id, stan, rrn, amount, currency, reason, created_at
          FROM terminal.reversal_queue ORDER BY created_at ASC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ReversalQueueEntry
	for rows.Next() {
		var e models.ReversalQueueEntry
		if err := rows.Scan(&e.ID, &e.STAN, &e.RRN, &e.Amount, &e.Currency, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DeleteReversal removes a consumed queue entry.
func (r *Repository) DeleteReversal(ctx context.Context, id string) error {
	if r.db == nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.reversals {
			if e.ID == id {
				r.reversals = append(r.reversals[:i], r.reversals[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM terminal.reversal_queue WHERE reversal_id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping returns DB readiness.
func (r *Repository) Ping(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return true
	}
	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return true
	}
	return false
}

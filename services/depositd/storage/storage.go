package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
)

// SweepState tracks the lifecycle of the custody transfer for one event.
type SweepState string

const (
	// SweepNone marks events for which no sweep has been attempted.
	SweepNone SweepState = ""
	// SweepInitiated marks events whose sweep transaction has been broadcast
	// but not yet confirmed. Set immediately after broadcast so a restart
	// never re-broadcasts.
	SweepInitiated SweepState = "initiated"
	// SweepConfirmed marks events whose funds have reached custody.
	SweepConfirmed SweepState = "swept"
	// SweepFailed marks events whose sweep failed on-chain; the amount is
	// still at the receiving address and eligible for retry.
	SweepFailed SweepState = "failed"
)

// Event is one persisted on-chain transfer into a pool address. TxID is the
// natural key; re-observation across scan cycles is a no-op.
type Event struct {
	TxID        string
	FromAddress string
	ToAddress   string
	Amount      *big.Int
	BlockNumber uint64
	BlockTime   time.Time
	ObservedAt  time.Time
	Credited    bool
	ClientID    string
	SweepState  SweepState
	SweepTxHash string
}

// Storage wraps the engine-local event log.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("depositd storage path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InsertEvents appends candidate events, skipping any tx id already present.
// It returns the number of newly stored events; the difference against
// len(events) is the duplicate count.
func (s *Storage) InsertEvents(ctx context.Context, events []Event) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	inserted := 0
	for _, ev := range events {
		txID := strings.TrimSpace(ev.TxID)
		if txID == "" {
			return inserted, fmt.Errorf("event missing tx id")
		}
		if ev.Amount == nil {
			return inserted, fmt.Errorf("event %s missing amount", txID)
		}
		observed := ev.ObservedAt.UTC()
		if observed.IsZero() {
			observed = time.Now().UTC()
		}
		result, err := s.db.ExecContext(ctx, `
        INSERT INTO chain_events(tx_id, from_address, to_address, amount, block_number, block_time, observed_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(tx_id) DO NOTHING
    `, txID, strings.ToLower(strings.TrimSpace(ev.FromAddress)), strings.ToLower(strings.TrimSpace(ev.ToAddress)),
			ev.Amount.String(), ev.BlockNumber, ev.BlockTime.UTC().Unix(), observed)
		if err != nil {
			return inserted, fmt.Errorf("insert event %s: %w", txID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("rows affected: %w", err)
		}
		if affected > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// PendingEvents returns uncredited events in discovery order for the next
// reconciliation cycle.
func (s *Storage) PendingEvents(ctx context.Context) ([]Event, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	return s.queryEvents(ctx, `
        SELECT tx_id, from_address, to_address, amount, block_number, block_time, observed_at,
               credited, client_id, sweep_state, sweep_tx_hash
        FROM chain_events
        WHERE credited = 0
        ORDER BY observed_at ASC, block_number ASC
    `)
}

// Unidentified returns uncredited events, oldest first. They surface for
// manual reconciliation and are never auto-credited.
func (s *Storage) Unidentified(ctx context.Context) ([]Event, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	return s.queryEvents(ctx, `
        SELECT tx_id, from_address, to_address, amount, block_number, block_time, observed_at,
               credited, client_id, sweep_state, sweep_tx_hash
        FROM chain_events
        WHERE credited = 0
        ORDER BY block_time ASC
    `)
}

// MarkCredited records that the event resulted in exactly one ledger credit.
func (s *Storage) MarkCredited(ctx context.Context, txID, clientID string) error {
	return s.update(ctx, `
        UPDATE chain_events SET credited = 1, client_id = ?, updated_at = CURRENT_TIMESTAMP
        WHERE tx_id = ?
    `, strings.TrimSpace(clientID), strings.TrimSpace(txID))
}

// MarkSweepInitiated stores the broadcast hash for the event's sweep
// transaction. Called immediately after broadcast, before confirmation.
func (s *Storage) MarkSweepInitiated(ctx context.Context, txID, broadcastHash string) error {
	return s.update(ctx, `
        UPDATE chain_events SET sweep_state = ?, sweep_tx_hash = ?, updated_at = CURRENT_TIMESTAMP
        WHERE tx_id = ?
    `, string(SweepInitiated), strings.TrimSpace(broadcastHash), strings.TrimSpace(txID))
}

// MarkSwept finalises a confirmed sweep.
func (s *Storage) MarkSwept(ctx context.Context, txID string) error {
	return s.update(ctx, `
        UPDATE chain_events SET sweep_state = ?, updated_at = CURRENT_TIMESTAMP
        WHERE tx_id = ?
    `, string(SweepConfirmed), strings.TrimSpace(txID))
}

// MarkSweepFailed flags the event for a later sweep retry.
func (s *Storage) MarkSweepFailed(ctx context.Context, txID string) error {
	return s.update(ctx, `
        UPDATE chain_events SET sweep_state = ?, updated_at = CURRENT_TIMESTAMP
        WHERE tx_id = ?
    `, string(SweepFailed), strings.TrimSpace(txID))
}

// SweepsInState returns credited events currently in the supplied sweep state.
// Used at startup to resume receipt polling for initiated-but-unconfirmed
// sweeps, and each cycle to retry failed ones.
func (s *Storage) SweepsInState(ctx context.Context, state SweepState) ([]Event, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	return s.queryEvents(ctx, `
        SELECT tx_id, from_address, to_address, amount, block_number, block_time, observed_at,
               credited, client_id, sweep_state, sweep_tx_hash
        FROM chain_events
        WHERE credited = 1 AND sweep_state = ?
        ORDER BY observed_at ASC
    `, string(state))
}

func (s *Storage) update(ctx context.Context, query string, args ...any) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event not found")
	}
	return nil
}

func (s *Storage) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	events := make([]Event, 0)
	for rows.Next() {
		var (
			ev        Event
			amount    string
			blockTime int64
			credited  int
			state     string
		)
		if err := rows.Scan(&ev.TxID, &ev.FromAddress, &ev.ToAddress, &amount, &ev.BlockNumber, &blockTime,
			&ev.ObservedAt, &credited, &ev.ClientID, &state, &ev.SweepTxHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
		if !ok {
			return nil, fmt.Errorf("parse amount %q for event %s", amount, ev.TxID)
		}
		ev.Amount = parsed
		ev.BlockTime = time.Unix(blockTime, 0).UTC()
		ev.Credited = credited != 0
		ev.SweepState = SweepState(state)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chain_events (
    tx_id TEXT PRIMARY KEY,
    from_address TEXT NOT NULL,
    to_address TEXT NOT NULL,
    amount TEXT NOT NULL,
    block_number INTEGER NOT NULL,
    block_time INTEGER NOT NULL,
    observed_at TIMESTAMP NOT NULL,
    credited INTEGER NOT NULL DEFAULT 0,
    client_id TEXT NOT NULL DEFAULT '',
    sweep_state TEXT NOT NULL DEFAULT '',
    sweep_tx_hash TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chain_events_credited ON chain_events(credited, observed_at);
CREATE INDEX IF NOT EXISTS idx_chain_events_sweep ON chain_events(credited, sweep_state);
`

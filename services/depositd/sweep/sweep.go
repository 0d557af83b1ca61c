// Package sweep forwards credited deposits from pool addresses to the
// custody address and tracks broadcast outcomes in the event log.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"vaultgate/observability"
	"vaultgate/services/depositd/ledger"
	"vaultgate/services/depositd/storage"
	"vaultgate/services/depositd/wallet"
)

// Service sweeps token balances to custody. Broadcast and confirmation are
// tracked separately: the event is marked sweep-initiated the moment the
// transaction leaves, so a crash between broadcast and receipt never causes
// a double spend.
type Service struct {
	store   *storage.Storage
	signer  wallet.Signer
	ledger  ledger.Store
	logger  *slog.Logger
	metrics *observability.DepositdMetrics

	attempts int
	backoff  time.Duration
	paused   atomic.Bool
	sleep    func(ctx context.Context, d time.Duration) error
}

// Options tunes receipt polling.
type Options struct {
	// ReceiptAttempts bounds how many times one sweep call polls for its
	// receipt before giving up and leaving the event initiated.
	ReceiptAttempts int
	// ReceiptBackoff is the pause between receipt polls.
	ReceiptBackoff time.Duration
}

// New constructs the sweep service.
func New(store *storage.Storage, signer wallet.Signer, ledgerStore ledger.Store, opts Options, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("sweep: storage required")
	}
	if signer == nil {
		return nil, fmt.Errorf("sweep: signer required")
	}
	if ledgerStore == nil {
		return nil, fmt.Errorf("sweep: ledger store required")
	}
	if opts.ReceiptAttempts <= 0 {
		opts.ReceiptAttempts = 30
	}
	if opts.ReceiptBackoff <= 0 {
		opts.ReceiptBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		signer:   signer,
		ledger:   ledgerStore,
		logger:   logger,
		metrics:  observability.Depositd(),
		attempts: opts.ReceiptAttempts,
		backoff:  opts.ReceiptBackoff,
		sleep:    sleepContext,
	}, nil
}

// Pause stops new sweeps from being broadcast. In-flight receipt polling is
// unaffected.
func (s *Service) Pause() {
	if s == nil {
		return
	}
	s.paused.Store(true)
	s.metrics.SetSweepPaused(true)
}

// Resume re-enables sweep broadcasts.
func (s *Service) Resume() {
	if s == nil {
		return
	}
	s.paused.Store(false)
	s.metrics.SetSweepPaused(false)
}

// Paused reports whether broadcasts are currently disabled.
func (s *Service) Paused() bool {
	return s != nil && s.paused.Load()
}

// Sweep broadcasts a custody transfer for a credited event. Failures are
// recorded on the event and logged; they never propagate as cycle errors
// because the credit has already settled.
func (s *Service) Sweep(ctx context.Context, event storage.Event) {
	if s == nil {
		return
	}
	if s.paused.Load() {
		return
	}
	key, err := s.ledger.PrivateKey(ctx, event.ToAddress)
	if err != nil {
		s.fail(ctx, event, fmt.Errorf("fetch pool key: %w", err))
		return
	}
	custody, err := s.ledger.CustodyAddress(ctx)
	if err != nil {
		s.fail(ctx, event, fmt.Errorf("fetch custody address: %w", err))
		return
	}
	hash, err := s.signer.Transfer(ctx, key, common.HexToAddress(custody), event.Amount)
	if err != nil {
		s.fail(ctx, event, fmt.Errorf("broadcast sweep: %w", err))
		return
	}
	if err := s.store.MarkSweepInitiated(ctx, event.TxID, hash.Hex()); err != nil {
		// The transfer is on the wire; losing the flag means Recover cannot
		// find it, so this is the one sweep error worth shouting about.
		s.logger.Error("sweep broadcast recorded on chain but not in event log",
			"deposit", event.TxID, "sweep_tx", hash.Hex(), "error", err)
		return
	}
	s.logger.Info("sweep broadcast", "deposit", event.TxID, "sweep_tx", hash.Hex())
	s.confirm(ctx, event.TxID, hash)
}

// Recover resumes receipt polling for sweeps that were broadcast before a
// restart. It never re-broadcasts: the stored hash is the source of truth.
func (s *Service) Recover(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("sweep service not initialised")
	}
	pending, err := s.store.SweepsInState(ctx, storage.SweepInitiated)
	if err != nil {
		return fmt.Errorf("list initiated sweeps: %w", err)
	}
	for _, event := range pending {
		s.logger.Info("resuming sweep confirmation", "deposit", event.TxID, "sweep_tx", event.SweepTxHash)
		s.confirm(ctx, event.TxID, common.HexToHash(event.SweepTxHash))
	}
	return nil
}

// RetryFailed re-attempts sweeps whose broadcast previously failed.
func (s *Service) RetryFailed(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("sweep service not initialised")
	}
	failed, err := s.store.SweepsInState(ctx, storage.SweepFailed)
	if err != nil {
		return fmt.Errorf("list failed sweeps: %w", err)
	}
	for _, event := range failed {
		s.Sweep(ctx, event)
	}
	return nil
}

// confirm polls for the sweep receipt within the configured bounds. Giving
// up leaves the event initiated; Recover picks it up later.
func (s *Service) confirm(ctx context.Context, depositTx string, sweepHash common.Hash) {
	for attempt := 0; attempt < s.attempts; attempt++ {
		receipt, err := s.signer.Receipt(ctx, sweepHash)
		if err == nil && receipt != nil {
			if receipt.Status == gethtypes.ReceiptStatusSuccessful {
				if err := s.store.MarkSwept(ctx, depositTx); err != nil {
					s.logger.Error("mark swept failed", "deposit", depositTx, "error", err)
					return
				}
				s.logger.Info("sweep confirmed", "deposit", depositTx, "sweep_tx", sweepHash.Hex())
				s.metrics.RecordSweep("confirmed")
				return
			}
			// Reverted on chain. The tokens never moved, so retry later.
			if err := s.store.MarkSweepFailed(ctx, depositTx); err != nil {
				s.logger.Error("mark sweep failed errored", "deposit", depositTx, "error", err)
			}
			s.logger.Warn("sweep reverted", "deposit", depositTx, "sweep_tx", sweepHash.Hex())
			s.metrics.RecordSweep("reverted")
			return
		}
		if err := s.sleep(ctx, s.backoff); err != nil {
			return
		}
	}
	s.logger.Warn("sweep unconfirmed within polling budget, will resume later",
		"deposit", depositTx, "sweep_tx", sweepHash.Hex())
	s.metrics.RecordSweep("unconfirmed")
}

func (s *Service) fail(ctx context.Context, event storage.Event, err error) {
	s.logger.Error("sweep failed", "deposit", event.TxID, "error", err)
	s.metrics.RecordSweep("failed")
	if markErr := s.store.MarkSweepFailed(ctx, event.TxID); markErr != nil {
		s.logger.Error("mark sweep failed errored", "deposit", event.TxID, "error", markErr)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

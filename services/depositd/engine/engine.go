// Package engine runs the scan/ingest/reconcile/sweep cycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultgate/observability"
	"vaultgate/services/depositd/pool"
	"vaultgate/services/depositd/reconcile"
	"vaultgate/services/depositd/storage"
)

// Source discovers candidate chain events for a set of pool addresses.
type Source interface {
	Scan(ctx context.Context, addresses []common.Address) ([]storage.Event, error)
}

// Retrier re-attempts sweeps that previously failed to broadcast.
type Retrier interface {
	RetryFailed(ctx context.Context) error
}

// Pipeline owns the periodic deposit-processing cycle. Each cycle is
// all-or-nothing only at its boundaries: a failing stage is logged and the
// next cycle starts fresh, since the retrospective scan window and the
// idempotent ingest make repetition safe.
type Pipeline struct {
	source   Source
	queues   *pool.Queues
	store    *storage.Storage
	engine   *reconcile.Engine
	retrier  Retrier
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.DepositdMetrics
}

// New constructs the pipeline.
func New(source Source, queues *pool.Queues, store *storage.Storage, rec *reconcile.Engine, retrier Retrier, interval time.Duration, logger *slog.Logger) (*Pipeline, error) {
	if source == nil {
		return nil, fmt.Errorf("engine: source required")
	}
	if queues == nil {
		return nil, fmt.Errorf("engine: queues required")
	}
	if store == nil {
		return nil, fmt.Errorf("engine: storage required")
	}
	if rec == nil {
		return nil, fmt.Errorf("engine: reconciler required")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:   source,
		queues:   queues,
		store:    store,
		engine:   rec,
		retrier:  retrier,
		interval: interval,
		logger:   logger,
		metrics:  observability.Depositd(),
	}, nil
}

// Cycle performs one pass: scan the chain, ingest new events, reconcile
// pending ones, and retry failed sweeps.
func (p *Pipeline) Cycle(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("pipeline not initialised")
	}
	start := time.Now()
	defer func() {
		p.metrics.ObserveCycle(time.Since(start))
		p.metrics.RecordScanCycle()
	}()

	addresses := make([]common.Address, 0)
	for _, slot := range p.queues.Addresses() {
		addresses = append(addresses, common.HexToAddress(slot.Address))
	}
	events, err := p.source.Scan(ctx, addresses)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(events) > 0 {
		inserted, err := p.store.InsertEvents(ctx, events)
		if err != nil {
			return fmt.Errorf("ingest events: %w", err)
		}
		if inserted > 0 {
			p.logger.Info("ingested chain events", "new", inserted, "observed", len(events))
		}
		p.metrics.RecordEvents("ingested", inserted)
		p.metrics.RecordEvents("duplicate", len(events)-inserted)
	}

	pending, err := p.store.PendingEvents(ctx)
	if err != nil {
		return fmt.Errorf("load pending events: %w", err)
	}
	if err := p.engine.Reconcile(ctx, pending); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	if p.retrier != nil {
		if err := p.retrier.RetryFailed(ctx); err != nil {
			p.logger.Warn("sweep retry pass failed", "error", err)
		}
	}

	unidentified, err := p.store.Unidentified(ctx)
	if err == nil {
		p.metrics.SetUnidentified(len(unidentified))
	}
	return nil
}

// Run executes cycles until the context is cancelled. A failing cycle is
// logged and retried on schedule; shutdown is only honored between cycles.
func (p *Pipeline) Run(ctx context.Context) error {
	if p == nil {
		return fmt.Errorf("pipeline not initialised")
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("deposit cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

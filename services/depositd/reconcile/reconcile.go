// Package reconcile matches ingested chain events against live leases and
// drives the resulting ledger credits, notifications, and sweep handoffs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"vaultgate/observability"
	"vaultgate/services/depositd/ledger"
	"vaultgate/services/depositd/notify"
	"vaultgate/services/depositd/pool"
	"vaultgate/services/depositd/storage"
)

// Sweeper receives credited events for custody collection.
type Sweeper interface {
	Sweep(ctx context.Context, event storage.Event)
}

// Config carries the asset identity and policy applied to credits.
type Config struct {
	Asset         string
	TokenDecimals int32
	Policy        FeePolicy
	// AdminRecipients receive a broadcast for every credited deposit.
	AdminRecipients []string
}

// Engine reconciles pending events. Event failures are isolated: a credit
// that errors leaves its event pending for the next cycle and never blocks
// the rest of the batch.
type Engine struct {
	queues   *pool.Queues
	ledger   ledger.Store
	store    *storage.Storage
	notifier notify.Notifier
	sweeper  Sweeper
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.DepositdMetrics
}

// New constructs the engine.
func New(queues *pool.Queues, ledgerStore ledger.Store, store *storage.Storage, notifier notify.Notifier, sweeper Sweeper, cfg Config, logger *slog.Logger) (*Engine, error) {
	if queues == nil {
		return nil, fmt.Errorf("reconcile: queues required")
	}
	if ledgerStore == nil {
		return nil, fmt.Errorf("reconcile: ledger store required")
	}
	if store == nil {
		return nil, fmt.Errorf("reconcile: storage required")
	}
	if strings.TrimSpace(cfg.Asset) == "" {
		return nil, fmt.Errorf("reconcile: asset required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		queues:   queues,
		ledger:   ledgerStore,
		store:    store,
		notifier: notifier,
		sweeper:  sweeper,
		cfg:      cfg,
		logger:   logger,
		metrics:  observability.Depositd(),
	}, nil
}

// Reconcile processes pending events in discovery order.
func (e *Engine) Reconcile(ctx context.Context, events []storage.Event) error {
	if e == nil {
		return fmt.Errorf("engine not initialised")
	}
	for _, event := range events {
		if err := e.reconcileOne(ctx, event); err != nil {
			e.logger.Warn("event left pending", "tx", event.TxID, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) reconcileOne(ctx context.Context, event storage.Event) error {
	processed, err := e.ledger.IsDepositProcessed(ctx, event.TxID)
	if err != nil {
		return fmt.Errorf("check processed set: %w", err)
	}
	if processed {
		// Credited on a previous run; only the local flag was lost.
		if err := e.store.MarkCredited(ctx, event.TxID, ""); err != nil {
			return fmt.Errorf("mark replay credited: %w", err)
		}
		e.metrics.RecordEvent("replay")
		return nil
	}

	lease, err := e.queues.Match(event.ToAddress, event.BlockTime)
	if err != nil {
		return fmt.Errorf("match lease: %w", err)
	}
	if lease == nil {
		// No live lease owns this transfer. It stays pending and surfaces
		// through the unidentified-deposit listing for manual review.
		e.metrics.RecordEvent("unmatched")
		return nil
	}

	referrerID := ""
	hasReferral := false
	if code := strings.TrimSpace(lease.ReferralCode); code != "" {
		referrerID, err = e.ledger.ValidateReferral(ctx, code)
		switch {
		case err == nil:
			hasReferral = true
		case errors.Is(err, ledger.ErrReferralUnknown):
			e.logger.Warn("ignoring unknown referral code", "tx", event.TxID, "code", code)
		default:
			return fmt.Errorf("validate referral: %w", err)
		}
	}

	amount := ScaleBaseUnits(event.Amount, e.cfg.TokenDecimals)
	breakdown := e.cfg.Policy.Apply(amount, lease.BonusMultiplier, hasReferral)

	if err := e.ledger.CreditDeposit(ctx, ledger.CreditParams{
		ClientID:        lease.Client.ID,
		FirstName:       lease.Client.FirstName,
		LastName:        lease.Client.LastName,
		Asset:           e.cfg.Asset,
		Method:          "chain",
		Amount:          amount,
		DepositAddress:  event.ToAddress,
		TxID:            event.TxID,
		EventTime:       event.BlockTime,
		FeePercent:      breakdown.FeePercent,
		ReferralCode:    lease.ReferralCode,
		RefereeDiscount: breakdown.RefereeSavings,
		Multiplier:      lease.BonusMultiplier,
	}); err != nil {
		return fmt.Errorf("credit deposit: %w", err)
	}
	if err := e.ledger.RecordDeposit(ctx, ledger.DepositRecord{
		TxID:           event.TxID,
		ClientID:       lease.Client.ID,
		FirstName:      lease.Client.FirstName,
		LastName:       lease.Client.LastName,
		Amount:         amount,
		Asset:          e.cfg.Asset,
		DepositAddress: event.ToAddress,
	}); err != nil {
		return fmt.Errorf("record deposit: %w", err)
	}
	if err := e.store.MarkCredited(ctx, event.TxID, lease.Client.ID); err != nil {
		return fmt.Errorf("mark credited: %w", err)
	}
	if err := e.queues.Settle(lease.ID); err != nil {
		e.logger.Warn("settle lease failed", "lease", lease.ID.String(), "error", err)
	}
	e.metrics.RecordEvent("credited")
	e.metrics.RecordCredit()

	e.notifyOutcome(ctx, lease, event, breakdown, referrerID)
	if e.sweeper != nil {
		e.sweeper.Sweep(ctx, event)
	}
	return nil
}

// notifyOutcome emits the confirmation, referral, admin, and community
// notifications. All best effort: a delivery failure is logged and never
// unwinds the credit.
func (e *Engine) notifyOutcome(ctx context.Context, lease *pool.Lease, event storage.Event, breakdown Breakdown, referrerID string) {
	e.send(ctx, lease.Client.ID, confirmationMessage(e.cfg.Asset, breakdown, lease.BonusMultiplier))

	if total, err := e.ledger.TotalDeposits(ctx, lease.Client.ID); err != nil {
		e.logger.Warn("total deposits lookup failed", "client", lease.Client.ID, "error", err)
	} else if e.cfg.Policy.BelowMinimum(total) {
		shortfall := e.cfg.Policy.MinimumDeposit.Sub(total)
		e.send(ctx, lease.Client.ID, topUpMessage(e.cfg.Asset, shortfall, e.cfg.Policy.MinimumDeposit))
	}

	if referrerID != "" && breakdown.ReferrerKickback.IsPositive() {
		if err := e.ledger.CreditReferralBonus(ctx, referrerID, breakdown.ReferrerKickback); err != nil {
			e.logger.Error("referral bonus credit failed", "referrer", referrerID, "error", err)
		} else {
			e.send(ctx, referrerID, kickbackMessage(e.cfg.Asset, breakdown.ReferrerKickback))
		}
	}

	admin := adminMessage(e.cfg.Asset, lease.Client, breakdown, event)
	for _, recipient := range e.cfg.AdminRecipients {
		e.send(ctx, recipient, admin)
	}

	masked := MaskName(lease.Client.FirstName, lease.Client.LastName)
	if err := e.ledger.AnnounceDeposit(ctx, masked, breakdown.Gross); err != nil {
		e.logger.Warn("community announcement failed", "tx", event.TxID, "error", err)
	}
}

func (e *Engine) send(ctx context.Context, clientID, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, clientID, message); err != nil {
		e.logger.Warn("notification delivery failed", "client", clientID, "error", err)
	}
}

func confirmationMessage(asset string, b Breakdown, multiplier decimal.Decimal) string {
	msg := fmt.Sprintf("Deposit received: %s %s credited to your balance (%s gross, %s%% fee).",
		Display(b.Net), asset, Display(b.Gross), Display(b.FeePercent))
	if multiplier.GreaterThan(decimal.NewFromInt(1)) {
		msg += fmt.Sprintf(" Bonus code applied: x%s.", Display(multiplier))
	}
	if b.RefereeSavings.IsPositive() {
		msg += fmt.Sprintf(" Your referral saved you %s %s in fees.", Display(b.RefereeSavings), asset)
	}
	return msg
}

func topUpMessage(asset string, shortfall, minimum decimal.Decimal) string {
	return fmt.Sprintf("Your total deposits are below the %s %s minimum. Top up at least %s %s to activate your account.",
		Display(minimum), asset, Display(shortfall), asset)
}

func kickbackMessage(asset string, kickback decimal.Decimal) string {
	return fmt.Sprintf("Referral bonus: %s %s credited for a deposit by your referee.", Display(kickback), asset)
}

func adminMessage(asset string, client pool.Client, b Breakdown, event storage.Event) string {
	return fmt.Sprintf("Deposit credited: client %s (%s %s), %s %s net of %s gross, tx %s.",
		client.ID, client.FirstName, client.LastName, Display(b.Net), asset, Display(b.Gross), event.TxID)
}

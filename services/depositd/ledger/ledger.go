// Package ledger consumes the durable balance store over its stored-procedure
// API. The procedures serialize their critical sections with named advisory
// locks on the database side; callers treat every operation as atomic and
// idempotent.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrClientNotFound is returned when a client record is missing on the ledger side.
var ErrClientNotFound = errors.New("ledger: client not found")

// ErrReferralUnknown is returned when a referral code does not resolve to a referrer.
var ErrReferralUnknown = errors.New("ledger: referral code unknown")

// CreditParams carries everything the ledger needs to credit one deposit.
// TxID is the idempotency key: replaying the call with the same TxID must not
// credit twice.
type CreditParams struct {
	ClientID        string
	FirstName       string
	LastName        string
	Asset           string
	Method          string
	Amount          decimal.Decimal
	DepositAddress  string
	TxID            string
	EventTime       time.Time
	FeePercent      decimal.Decimal
	ReferralCode    string
	RefereeDiscount decimal.Decimal
	Multiplier      decimal.Decimal
}

// DepositRecord marks a transaction as processed so replays short-circuit
// before any credit call.
type DepositRecord struct {
	TxID           string
	ClientID       string
	FirstName      string
	LastName       string
	Amount         decimal.Decimal
	Asset          string
	DepositAddress string
}

// Store is the ledger surface the engine consumes. Implementations must be
// safe for concurrent use.
type Store interface {
	// PoolAddresses returns the receiving addresses provisioned for the pool,
	// in slot order.
	PoolAddresses(ctx context.Context) ([]string, error)
	// PrivateKey fetches the signing key for a receiving address from the
	// secured store.
	PrivateKey(ctx context.Context, address string) (string, error)
	// CustodyAddress returns the central collection address sweeps target.
	CustodyAddress(ctx context.Context) (string, error)
	// IsDepositProcessed reports whether the transaction already resulted in
	// a credit. Guards against double-credit across process restarts.
	IsDepositProcessed(ctx context.Context, txID string) (bool, error)
	// CreditDeposit updates the client balance and appends the ledger row.
	// Idempotent by TxID.
	CreditDeposit(ctx context.Context, params CreditParams) error
	// RecordDeposit inserts the transaction into the durable processed set.
	RecordDeposit(ctx context.Context, record DepositRecord) error
	// ValidateReferral resolves a referral code to the referrer's client id.
	ValidateReferral(ctx context.Context, code string) (string, error)
	// CreditReferralBonus pays the referrer kickback.
	CreditReferralBonus(ctx context.Context, clientID string, amount decimal.Decimal) error
	// TotalDeposits returns the client's net credited deposit total.
	TotalDeposits(ctx context.Context, clientID string) (decimal.Decimal, error)
	// AnnounceDeposit publishes a masked-name community notification.
	AnnounceDeposit(ctx context.Context, maskedName string, amount decimal.Decimal) error
}

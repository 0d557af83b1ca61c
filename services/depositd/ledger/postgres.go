package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Postgres is the production Store implementation. Every call maps to one
// stored procedure; the procedures hold advisory locks for the duration of
// their balance checks and updates.
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects to the ledger database.
func OpenPostgres(dsn string) (*Postgres, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger dsn required")
	}
	db, err := gorm.Open(postgres.Open(trimmed), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return fmt.Errorf("ledger db handle: %w", err)
	}
	return sqlDB.Close()
}

// PoolAddresses returns the provisioned receiving addresses in slot order.
func (p *Postgres) PoolAddresses(ctx context.Context) ([]string, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("ledger not configured")
	}
	var addresses []string
	if err := p.db.WithContext(ctx).
		Raw(`SELECT deposit_address FROM get_pool_addresses()`).
		Scan(&addresses).Error; err != nil {
		return nil, fmt.Errorf("get pool addresses: %w", err)
	}
	return addresses, nil
}

// PrivateKey fetches the signing key for a receiving address.
func (p *Postgres) PrivateKey(ctx context.Context, address string) (string, error) {
	if p == nil || p.db == nil {
		return "", fmt.Errorf("ledger not configured")
	}
	var key string
	if err := p.db.WithContext(ctx).
		Raw(`SELECT get_deposit_address_private_key(?)`, strings.TrimSpace(address)).
		Scan(&key).Error; err != nil {
		return "", fmt.Errorf("get private key: %w", err)
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("no key provisioned for %s", address)
	}
	return key, nil
}

// CustodyAddress returns the central collection address.
func (p *Postgres) CustodyAddress(ctx context.Context) (string, error) {
	if p == nil || p.db == nil {
		return "", fmt.Errorf("ledger not configured")
	}
	var address string
	if err := p.db.WithContext(ctx).
		Raw(`SELECT get_custody_address()`).
		Scan(&address).Error; err != nil {
		return "", fmt.Errorf("get custody address: %w", err)
	}
	if strings.TrimSpace(address) == "" {
		return "", fmt.Errorf("custody address not provisioned")
	}
	return address, nil
}

// IsDepositProcessed reports whether the transaction already credited.
func (p *Postgres) IsDepositProcessed(ctx context.Context, txID string) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("ledger not configured")
	}
	var processed bool
	if err := p.db.WithContext(ctx).
		Raw(`SELECT is_deposit_processed(?)`, strings.TrimSpace(txID)).
		Scan(&processed).Error; err != nil {
		return false, fmt.Errorf("check deposit processed: %w", err)
	}
	return processed, nil
}

// CreditDeposit invokes the handle_deposit procedure. The procedure checks
// the client, applies the fee and referral parameters, updates the balance,
// and appends the ledger row inside one advisory-locked section.
func (p *Postgres) CreditDeposit(ctx context.Context, params CreditParams) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("ledger not configured")
	}
	clientID := strings.TrimSpace(params.ClientID)
	if clientID == "" {
		return fmt.Errorf("credit: client id required")
	}
	txID := strings.TrimSpace(params.TxID)
	if txID == "" {
		return fmt.Errorf("credit: tx id required")
	}
	if params.Amount.Sign() <= 0 {
		return fmt.Errorf("credit: amount must be positive")
	}
	err := p.db.WithContext(ctx).Exec(
		`SELECT handle_deposit(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clientID, params.FirstName, params.LastName, params.Asset, params.Method,
		params.Amount.String(), strings.TrimSpace(params.DepositAddress), txID,
		params.EventTime.UTC(), params.FeePercent.String(), strings.TrimSpace(params.ReferralCode),
		params.RefereeDiscount.String(), params.Multiplier.String(),
	).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrClientNotFound
		}
		return fmt.Errorf("handle deposit: %w", err)
	}
	return nil
}

// RecordDeposit inserts the transaction into the processed set.
func (p *Postgres) RecordDeposit(ctx context.Context, record DepositRecord) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("ledger not configured")
	}
	err := p.db.WithContext(ctx).Exec(
		`SELECT add_deposit_record(?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(record.TxID), strings.TrimSpace(record.ClientID),
		record.FirstName, record.LastName, record.Amount.String(),
		record.Asset, strings.TrimSpace(record.DepositAddress),
	).Error
	if err != nil {
		return fmt.Errorf("add deposit record: %w", err)
	}
	return nil
}

// ValidateReferral resolves a referral code to the referrer's client id.
func (p *Postgres) ValidateReferral(ctx context.Context, code string) (string, error) {
	if p == nil || p.db == nil {
		return "", fmt.Errorf("ledger not configured")
	}
	var referrer string
	if err := p.db.WithContext(ctx).
		Raw(`SELECT validate_referral(?)`, strings.TrimSpace(code)).
		Scan(&referrer).Error; err != nil {
		return "", fmt.Errorf("validate referral: %w", err)
	}
	if strings.TrimSpace(referrer) == "" {
		return "", ErrReferralUnknown
	}
	return referrer, nil
}

// CreditReferralBonus pays the referrer kickback.
func (p *Postgres) CreditReferralBonus(ctx context.Context, clientID string, amount decimal.Decimal) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("ledger not configured")
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("referral bonus: amount must be positive")
	}
	err := p.db.WithContext(ctx).Exec(
		`SELECT handle_referral_bonus(?, ?)`,
		strings.TrimSpace(clientID), amount.String(),
	).Error
	if err != nil {
		return fmt.Errorf("handle referral bonus: %w", err)
	}
	return nil
}

// TotalDeposits returns the client's net credited deposit total.
func (p *Postgres) TotalDeposits(ctx context.Context, clientID string) (decimal.Decimal, error) {
	if p == nil || p.db == nil {
		return decimal.Zero, fmt.Errorf("ledger not configured")
	}
	var total string
	if err := p.db.WithContext(ctx).
		Raw(`SELECT get_total_deposits_client(?)`, strings.TrimSpace(clientID)).
		Scan(&total).Error; err != nil {
		return decimal.Zero, fmt.Errorf("get total deposits: %w", err)
	}
	if strings.TrimSpace(total) == "" {
		return decimal.Zero, nil
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(total))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse total deposits %q: %w", total, err)
	}
	return parsed, nil
}

// AnnounceDeposit publishes a masked-name community notification.
func (p *Postgres) AnnounceDeposit(ctx context.Context, maskedName string, amount decimal.Decimal) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("ledger not configured")
	}
	err := p.db.WithContext(ctx).Exec(
		`SELECT send_deposit_notification(?, ?)`,
		strings.TrimSpace(maskedName), amount.String(),
	).Error
	if err != nil {
		return fmt.Errorf("send deposit notification: %w", err)
	}
	return nil
}

package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process Store used by tests and local development. It
// mirrors the procedure semantics: credit is idempotent by TxID and the
// processed set is consulted before crediting.
type Memory struct {
	mu        sync.Mutex
	addresses []string
	keys      map[string]string
	custody   string
	processed map[string]struct{}
	credits   []CreditParams
	bonuses   map[string]decimal.Decimal
	totals    map[string]decimal.Decimal
	referrals map[string]string
	announced []string
}

// NewMemory seeds an in-process ledger with pool addresses and a custody address.
func NewMemory(addresses []string, custody string) *Memory {
	return &Memory{
		addresses: append([]string{}, addresses...),
		keys:      make(map[string]string),
		custody:   custody,
		processed: make(map[string]struct{}),
		bonuses:   make(map[string]decimal.Decimal),
		totals:    make(map[string]decimal.Decimal),
		referrals: make(map[string]string),
	}
}

// SetPrivateKey provisions a signing key for an address.
func (m *Memory) SetPrivateKey(address, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[strings.ToLower(address)] = key
}

// SetReferral registers a referral code resolving to a referrer client id.
func (m *Memory) SetReferral(code, referrerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referrals[code] = referrerID
}

// Credits returns a copy of the credit calls issued so far.
func (m *Memory) Credits() []CreditParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CreditParams{}, m.credits...)
}

// Bonuses returns the referral bonuses credited per client.
func (m *Memory) Bonuses() map[string]decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.bonuses))
	for k, v := range m.bonuses {
		out[k] = v
	}
	return out
}

// Announcements returns the community notifications published so far.
func (m *Memory) Announcements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.announced...)
}

// PoolAddresses implements Store.
func (m *Memory) PoolAddresses(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.addresses...), nil
}

// PrivateKey implements Store.
func (m *Memory) PrivateKey(ctx context.Context, address string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[strings.ToLower(strings.TrimSpace(address))]
	if !ok {
		return "", fmt.Errorf("no key provisioned for %s", address)
	}
	return key, nil
}

// CustodyAddress implements Store.
func (m *Memory) CustodyAddress(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.custody == "" {
		return "", fmt.Errorf("custody address not provisioned")
	}
	return m.custody, nil
}

// IsDepositProcessed implements Store.
func (m *Memory) IsDepositProcessed(ctx context.Context, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[strings.TrimSpace(txID)]
	return ok, nil
}

// CreditDeposit implements Store.
func (m *Memory) CreditDeposit(ctx context.Context, params CreditParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txID := strings.TrimSpace(params.TxID)
	if txID == "" {
		return fmt.Errorf("credit: tx id required")
	}
	for _, prior := range m.credits {
		if prior.TxID == txID {
			return nil
		}
	}
	m.credits = append(m.credits, params)
	m.totals[params.ClientID] = m.totals[params.ClientID].Add(params.Amount)
	return nil
}

// RecordDeposit implements Store.
func (m *Memory) RecordDeposit(ctx context.Context, record DepositRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[strings.TrimSpace(record.TxID)] = struct{}{}
	return nil
}

// ValidateReferral implements Store.
func (m *Memory) ValidateReferral(ctx context.Context, code string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	referrer, ok := m.referrals[strings.TrimSpace(code)]
	if !ok {
		return "", ErrReferralUnknown
	}
	return referrer, nil
}

// CreditReferralBonus implements Store.
func (m *Memory) CreditReferralBonus(ctx context.Context, clientID string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bonuses[clientID] = m.bonuses[clientID].Add(amount)
	return nil
}

// TotalDeposits implements Store.
func (m *Memory) TotalDeposits(ctx context.Context, clientID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals[clientID], nil
}

// AnnounceDeposit implements Store.
func (m *Memory) AnnounceDeposit(ctx context.Context, maskedName string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announced = append(m.announced, fmt.Sprintf("%s:%s", maskedName, amount.String()))
	return nil
}

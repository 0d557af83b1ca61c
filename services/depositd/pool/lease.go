package pool

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// State tracks where a lease sits in its lifecycle.
type State uint8

const (
	// StateIdle is the zero value; no deposit flow is in progress.
	StateIdle State = iota
	// StateDepositRequested marks an admission request being placed.
	StateDepositRequested
	// StateLeased marks a lease enqueued on a pool slot, waiting for its window.
	StateLeased
	// StateNotified marks the head lease whose client has been told to deposit.
	StateNotified
	// StateSettled marks a lease consumed by a matched on-chain deposit.
	StateSettled
	// StateExpired marks a lease destroyed by window timeout.
	StateExpired
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDepositRequested:
		return "deposit_requested"
	case StateLeased:
		return "leased"
	case StateNotified:
		return "notified"
	case StateSettled:
		return "settled"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// transitions is the allowed lifecycle graph. Anything outside it is an
// invariant violation, not a recoverable condition.
var transitions = map[State][]State{
	StateIdle:             {StateDepositRequested},
	StateDepositRequested: {StateLeased},
	StateLeased:           {StateNotified, StateExpired},
	StateNotified:         {StateSettled, StateExpired},
}

// Client identifies the depositor owning a lease. A client without an ID is
// malformed and is dropped without a user notification.
type Client struct {
	ID        string
	FirstName string
	LastName  string
}

// Malformed reports whether the client record is unusable.
func (c Client) Malformed() bool {
	return c.ID == ""
}

// Lease is a time-bounded exclusive reservation of one pool address for one
// client. It is owned by its queue slot until consumed or expired.
type Lease struct {
	ID              uuid.UUID
	Client          Client
	Address         string
	Slot            int
	CreatedAt       time.Time
	WindowStart     time.Time
	WindowEnd       time.Time
	ReferralCode    string
	BonusMultiplier decimal.Decimal

	state State
}

// State returns the lease's current lifecycle state.
func (l *Lease) State() State {
	if l == nil {
		return StateIdle
	}
	return l.state
}

// Notified reports whether the deposit instruction has been sent.
func (l *Lease) Notified() bool {
	return l != nil && l.state == StateNotified
}

// Live reports whether a deposit observed at ts may be attributed to this lease.
func (l *Lease) Live(ts time.Time) bool {
	if l == nil || l.state != StateNotified {
		return false
	}
	return !ts.Before(l.WindowStart) && !ts.After(l.WindowEnd)
}

func (l *Lease) transition(next State) error {
	if l == nil {
		return fmt.Errorf("lease not initialised")
	}
	for _, allowed := range transitions[l.state] {
		if allowed == next {
			l.state = next
			return nil
		}
	}
	return fmt.Errorf("invalid lease transition %s -> %s", l.state, next)
}

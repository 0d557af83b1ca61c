package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vaultgate/observability"
	"vaultgate/services/depositd/notify"
)

// ErrPoolExhausted is returned at construction when the configured pool size
// exceeds the number of provisioned receiving addresses. This is a startup
// precondition: the process must not run in that state.
var ErrPoolExhausted = errors.New("pool: configured size exceeds provisioned addresses")

// Address is one reusable receiving address bound to a pool slot.
type Address struct {
	Address string
	Slot    int
}

// Options tunes lease admission and the tick loop.
type Options struct {
	Validity         time.Duration
	Buffer           time.Duration
	TickInterval     time.Duration
	ReminderInterval time.Duration
}

// LeaseRequest carries the optional admission parameters.
type LeaseRequest struct {
	Referral        string
	BonusMultiplier decimal.Decimal
}

// Queues owns the address pool and one FIFO lease queue per slot. Admission
// and the tick loop run on separate goroutines, so all queue state is guarded
// by a single mutex.
type Queues struct {
	slots    []Address
	validity time.Duration
	buffer   time.Duration
	tick     time.Duration
	reminder time.Duration

	notifier notify.Notifier
	logger   *slog.Logger
	metrics  *observability.DepositdMetrics
	now      func() time.Time

	mu     sync.Mutex
	queues [][]*Lease
}

// Option customises a Queues instance.
type Option func(*Queues)

// WithNotifier installs the client notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(q *Queues) { q.notifier = n }
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queues) { q.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(q *Queues) { q.now = clock }
}

// New constructs the pool from the provisioned addresses. size selects how
// many of them are used concurrently; it must not exceed what the ledger
// provisioned.
func New(addresses []string, size int, opts Options, options ...Option) (*Queues, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive")
	}
	if size > len(addresses) {
		return nil, fmt.Errorf("%w: size %d, provisioned %d", ErrPoolExhausted, size, len(addresses))
	}
	if opts.Validity <= 0 {
		return nil, fmt.Errorf("pool: validity must be positive")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = time.Minute
	}
	slots := make([]Address, 0, size)
	for i := 0; i < size; i++ {
		slots = append(slots, Address{Address: addresses[i], Slot: i})
	}
	q := &Queues{
		slots:    slots,
		validity: opts.Validity,
		buffer:   opts.Buffer,
		tick:     opts.TickInterval,
		reminder: opts.ReminderInterval,
		logger:   slog.Default(),
		metrics:  observability.Depositd(),
		now:      time.Now,
		queues:   make([][]*Lease, size),
	}
	for _, opt := range options {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Addresses returns the pool slots in slot order.
func (q *Queues) Addresses() []Address {
	if q == nil {
		return nil
	}
	return append([]Address{}, q.slots...)
}

// Lease admits a deposit request. The slot with the fewest pending leases
// wins, lowest slot index breaking ties. The window serializes usage of one
// address across waiting clients: an empty queue starts now, otherwise one
// time unit after the prior lease's window closes.
func (q *Queues) Lease(ctx context.Context, client Client, req LeaseRequest) (*Lease, error) {
	if q == nil {
		return nil, fmt.Errorf("pool not configured")
	}
	if client.Malformed() {
		return nil, fmt.Errorf("pool: client id required")
	}
	now := q.now()

	q.mu.Lock()
	slot := 0
	for i := 1; i < len(q.queues); i++ {
		if len(q.queues[i]) < len(q.queues[slot]) {
			slot = i
		}
	}
	windowStart := now
	if n := len(q.queues[slot]); n > 0 {
		windowStart = q.queues[slot][n-1].WindowEnd.Add(time.Second)
	}
	lease := &Lease{
		ID:              uuid.New(),
		Client:          client,
		Address:         q.slots[slot].Address,
		Slot:            slot,
		CreatedAt:       now,
		WindowStart:     windowStart,
		WindowEnd:       windowStart.Add(q.validity + q.buffer),
		ReferralCode:    req.Referral,
		BonusMultiplier: req.BonusMultiplier,
		state:           StateDepositRequested,
	}
	if err := lease.transition(StateLeased); err != nil {
		q.mu.Unlock()
		return nil, err
	}
	queued := len(q.queues[slot]) > 0
	q.queues[slot] = append(q.queues[slot], lease)
	depth := len(q.queues[slot])
	q.mu.Unlock()

	q.metrics.RecordLease("admitted")
	q.metrics.SetQueueDepth(strconv.Itoa(slot), depth)

	if queued {
		q.send(ctx, client.ID, queuedMessage(lease.WindowStart, q.validity))
	}
	return lease, nil
}

// Tick advances every queue by inspecting its head element only. Called
// periodically; safe to call concurrently with Lease.
func (q *Queues) Tick(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("pool not configured")
	}
	now := q.now()
	for slot := range q.slots {
		q.mu.Lock()
		if len(q.queues[slot]) == 0 {
			q.mu.Unlock()
			continue
		}
		head := q.queues[slot][0]
		if head.Client.Malformed() {
			// Defective queue entry: drop it silently and end this cycle.
			q.queues[slot] = q.queues[slot][1:]
			q.mu.Unlock()
			q.logger.Warn("dropping lease with malformed client record",
				"lease", head.ID.String(), "slot", slot)
			q.metrics.RecordLease("malformed")
			return nil
		}
		switch {
		case !head.Notified() && !now.Before(head.WindowStart):
			if err := head.transition(StateNotified); err != nil {
				q.mu.Unlock()
				return err
			}
			q.mu.Unlock()
			q.send(ctx, head.Client.ID, depositMessage(head.Address, q.validity))
			q.metrics.RecordLease("notified")
		case head.Notified() && now.Before(head.WindowEnd):
			elapsed := now.Sub(head.WindowStart)
			remaining := head.WindowEnd.Sub(now)
			q.mu.Unlock()
			if elapsed%q.reminder < q.tick {
				q.send(ctx, head.Client.ID, reminderMessage(head.Address, remaining))
			}
		case head.Notified():
			if err := head.transition(StateExpired); err != nil {
				q.mu.Unlock()
				return err
			}
			q.queues[slot] = q.queues[slot][1:]
			depth := len(q.queues[slot])
			q.mu.Unlock()
			q.send(ctx, head.Client.ID, timeoutMessage(head.Address))
			q.metrics.RecordLease("expired")
			q.metrics.SetQueueDepth(strconv.Itoa(slot), depth)
		default:
			// Head is waiting for its window to open.
			q.mu.Unlock()
		}
	}
	return nil
}

// Run blocks, ticking the queues until the context is cancelled. The shutdown
// flag is only checked between cycles; an in-flight cycle always completes.
func (q *Queues) Run(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("pool not configured")
	}
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		if err := q.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("lease tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Match finds the lease that owns a transfer into addr at the given block
// timestamp: notified, window containing ts. At most one lease per address is
// live at any instant; a second live match is an invariant violation.
func (q *Queues) Match(addr string, ts time.Time) (*Lease, error) {
	if q == nil {
		return nil, fmt.Errorf("pool not configured")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var found *Lease
	for slot := range q.queues {
		for _, lease := range q.queues[slot] {
			if !equalAddress(lease.Address, addr) || !lease.Live(ts) {
				continue
			}
			if found != nil {
				return nil, fmt.Errorf("pool: two live leases for %s at %s", addr, ts)
			}
			found = lease
		}
	}
	return found, nil
}

// Settle consumes a matched lease, removing it from its queue.
func (q *Queues) Settle(leaseID uuid.UUID) error {
	if q == nil {
		return fmt.Errorf("pool not configured")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for slot := range q.queues {
		for i, lease := range q.queues[slot] {
			if lease.ID != leaseID {
				continue
			}
			if err := lease.transition(StateSettled); err != nil {
				return err
			}
			q.queues[slot] = append(q.queues[slot][:i], q.queues[slot][i+1:]...)
			q.metrics.RecordLease("settled")
			q.metrics.SetQueueDepth(strconv.Itoa(slot), len(q.queues[slot]))
			return nil
		}
	}
	return fmt.Errorf("pool: lease %s not found", leaseID)
}

// Depths reports the number of pending leases per slot.
func (q *Queues) Depths() []int {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make([]int, len(q.queues))
	for i := range q.queues {
		depths[i] = len(q.queues[i])
	}
	return depths
}

func (q *Queues) send(ctx context.Context, clientID, message string) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Notify(ctx, clientID, message); err != nil {
		q.logger.Warn("notification delivery failed", "client", clientID, "error", err)
	}
}

func equalAddress(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

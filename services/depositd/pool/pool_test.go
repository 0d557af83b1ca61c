package pool

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"vaultgate/services/depositd/notify"
)

var testOpts = Options{
	Validity:         150 * time.Second,
	Buffer:           30 * time.Second,
	TickInterval:     10 * time.Second,
	ReminderInterval: time.Minute,
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capture struct {
	mu       sync.Mutex
	messages []string
	clients  []string
}

func (c *capture) notifier() notify.Notifier {
	return notify.Func(func(_ context.Context, clientID, message string) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.clients = append(c.clients, clientID)
		c.messages = append(c.messages, message)
		return nil
	})
}

func (c *capture) count(substr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.messages {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

func newTestQueues(t *testing.T, addresses []string, size int, clk *clock, sink *capture) *Queues {
	t.Helper()
	q, err := New(addresses, size, testOpts, WithClock(clk.Now), WithNotifier(sink.notifier()))
	if err != nil {
		t.Fatalf("new queues: %v", err)
	}
	return q
}

func TestNewRejectsOversizedPool(t *testing.T) {
	if _, err := New([]string{"0xaa"}, 2, testOpts); err == nil {
		t.Fatal("expected error when size exceeds provisioned addresses")
	}
}

func TestLeasePicksShortestQueueLowestSlot(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa", "0xbb"}, 2, clk, &sink)
	ctx := context.Background()

	a, err := q.Lease(ctx, Client{ID: "c1"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if a.Slot != 0 {
		t.Fatalf("first lease got slot %d, want 0", a.Slot)
	}
	b, err := q.Lease(ctx, Client{ID: "c2"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if b.Slot != 1 {
		t.Fatalf("second lease got slot %d, want 1", b.Slot)
	}
	// Both queues now equal length; ties break toward the lowest index.
	c, err := q.Lease(ctx, Client{ID: "c3"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if c.Slot != 0 {
		t.Fatalf("third lease got slot %d, want 0", c.Slot)
	}
}

func TestWindowChaining(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa"}, 1, clk, &sink)
	ctx := context.Background()

	first, err := q.Lease(ctx, Client{ID: "c1"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if !first.WindowStart.Equal(clk.Now()) {
		t.Fatalf("empty queue window should start immediately, got %s", first.WindowStart)
	}
	second, err := q.Lease(ctx, Client{ID: "c2"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	want := first.WindowEnd.Add(time.Second)
	if !second.WindowStart.Equal(want) {
		t.Fatalf("chained window start = %s, want %s", second.WindowStart, want)
	}
	if sink.count("busy") != 1 {
		t.Fatalf("queued client should receive one wait notification, got %d", sink.count("busy"))
	}
}

func TestAtMostOneLiveLeasePerAddress(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa"}, 1, clk, &sink)
	ctx := context.Background()

	first, err := q.Lease(ctx, Client{ID: "c1"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if _, err := q.Lease(ctx, Client{ID: "c2"}, LeaseRequest{}); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !first.Notified() {
		t.Fatal("head lease should be notified once its window opens")
	}

	// Any instant inside the first window maps to exactly one live lease.
	probe := first.WindowStart.Add(time.Minute)
	got, err := q.Match("0xAA", probe)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatal("match should return the notified head lease")
	}
	// The queued successor is not live yet.
	if none, err := q.Match("0xaa", first.WindowEnd.Add(500*time.Millisecond)); err != nil || none != nil {
		t.Fatalf("gap between windows should match nothing, got %v err %v", none, err)
	}
}

func TestExpiryPopsExactlyOnce(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa"}, 1, clk, &sink)
	ctx := context.Background()

	lease, err := q.Lease(ctx, Client{ID: "c1"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	clk.Advance(testOpts.Validity + testOpts.Buffer + time.Second)
	for i := 0; i < 3; i++ {
		if err := q.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if got := sink.count("expired"); got != 1 {
		t.Fatalf("timeout notification sent %d times, want 1", got)
	}
	if lease.State() != StateExpired {
		t.Fatalf("lease state = %s, want expired", lease.State())
	}
	if depths := q.Depths(); depths[0] != 0 {
		t.Fatalf("expired lease should leave the queue, depth %d", depths[0])
	}
}

func TestExpiryPromotesSuccessor(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa"}, 1, clk, &sink)
	ctx := context.Background()

	if _, err := q.Lease(ctx, Client{ID: "c1"}, LeaseRequest{}); err != nil {
		t.Fatalf("lease: %v", err)
	}
	second, err := q.Lease(ctx, Client{ID: "c2"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Run past the first window and into the second.
	clk.Advance(testOpts.Validity + testOpts.Buffer + 2*time.Second)
	if err := q.Tick(ctx); err != nil { // pops the expired head
		t.Fatalf("tick: %v", err)
	}
	if err := q.Tick(ctx); err != nil { // notifies the successor
		t.Fatalf("tick: %v", err)
	}
	if !second.Notified() {
		t.Fatal("successor should be notified after the prior window lapses")
	}
	if got := sink.count("ready"); got != 2 {
		t.Fatalf("ready notifications = %d, want 2", got)
	}
}

func TestReminderCadence(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa"}, 1, clk, &sink)
	ctx := context.Background()

	if _, err := q.Lease(ctx, Client{ID: "c1"}, LeaseRequest{}); err != nil {
		t.Fatalf("lease: %v", err)
	}
	// Tick every interval across the validity window. Reminders fire on the
	// minute boundaries only, not every cycle.
	elapsed := time.Duration(0)
	for elapsed < testOpts.Validity {
		if err := q.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		clk.Advance(testOpts.TickInterval)
		elapsed += testOpts.TickInterval
	}
	got := sink.count("Reminder")
	if got < 1 || got > 3 {
		t.Fatalf("reminders = %d, want between 1 and 3", got)
	}
}

func TestMalformedClientDropped(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa"}, 1, clk, &sink)
	ctx := context.Background()

	q.mu.Lock()
	q.queues[0] = append(q.queues[0], &Lease{Address: "0xaa", state: StateLeased})
	q.mu.Unlock()

	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if depths := q.Depths(); depths[0] != 0 {
		t.Fatalf("malformed lease should be dropped, depth %d", depths[0])
	}
	if len(sink.messages) != 0 {
		t.Fatalf("no notification expected for a malformed record, got %d", len(sink.messages))
	}
}

func TestSettleRemovesLease(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa"}, 1, clk, &sink)
	ctx := context.Background()

	lease, err := q.Lease(ctx, Client{ID: "c1"}, LeaseRequest{})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := q.Settle(lease.ID); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if lease.State() != StateSettled {
		t.Fatalf("lease state = %s, want settled", lease.State())
	}
	if err := q.Settle(lease.ID); err == nil {
		t.Fatal("settling twice should fail")
	}
}

func TestTwoAddressInterleaving(t *testing.T) {
	clk := newClock()
	var sink capture
	q := newTestQueues(t, []string{"0xaa", "0xbb"}, 2, clk, &sink)
	ctx := context.Background()

	var leases []*Lease
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		l, err := q.Lease(ctx, Client{ID: id}, LeaseRequest{})
		if err != nil {
			t.Fatalf("lease %s: %v", id, err)
		}
		leases = append(leases, l)
	}
	// c1 and c2 land on distinct slots with immediate windows; c3 and c4
	// queue behind them one second after the prior window closes.
	if leases[0].Slot == leases[1].Slot {
		t.Fatal("first two leases should use distinct addresses")
	}
	if leases[2].Slot != 0 || leases[3].Slot != 1 {
		t.Fatalf("queued leases on slots %d,%d, want 0,1", leases[2].Slot, leases[3].Slot)
	}
	for i := 0; i < 2; i++ {
		want := leases[i].WindowEnd.Add(time.Second)
		if !leases[i+2].WindowStart.Equal(want) {
			t.Fatalf("lease %d window start %s, want %s", i+2, leases[i+2].WindowStart, want)
		}
	}

	if err := q.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Both heads are live at once; each address still maps to exactly one.
	probe := clk.Now().Add(time.Minute)
	for i, addr := range []string{"0xaa", "0xbb"} {
		got, err := q.Match(addr, probe)
		if err != nil {
			t.Fatalf("match %s: %v", addr, err)
		}
		if got == nil || got.ID != leases[i].ID {
			t.Fatalf("address %s matched wrong lease", addr)
		}
	}
}

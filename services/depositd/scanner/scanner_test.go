package scanner

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

type fakeClient struct {
	head    uint64
	logs    map[string][]gethtypes.Log
	headers map[uint64]*gethtypes.Header
	balance map[common.Address]*big.Int

	filterCalls []ethereum.FilterQuery
	filterErr   error
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.filterCalls = append(f.filterCalls, q)
	if f.filterErr != nil {
		err := f.filterErr
		f.filterErr = nil
		return nil, err
	}
	var out []gethtypes.Log
	for _, topic := range q.Topics[2] {
		out = append(out, f.logs[topic.Hex()]...)
	}
	return out, nil
}

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	h, ok := f.headers[number.Uint64()]
	if !ok {
		return nil, fmt.Errorf("no header %s", number)
	}
	return h, nil
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	addr := common.BytesToAddress(call.Data[4:])
	bal, ok := f.balance[addr]
	if !ok {
		bal = big.NewInt(0)
	}
	return common.LeftPadBytes(bal.Bytes(), 32), nil
}

var (
	token = common.HexToAddress("0x2791bca1f2de4661ed88a30c99a7a9449aa84174")
	poolA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	payer = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func transferLog(to common.Address, amount int64, block uint64, tx byte) gethtypes.Log {
	return gethtypes.Log{
		Address: token,
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(common.LeftPadBytes(payer.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(to.Bytes(), 32)),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{tx}),
	}
}

func newFake() *fakeClient {
	return &fakeClient{
		head: 50000,
		logs: map[string][]gethtypes.Log{},
		headers: map[uint64]*gethtypes.Header{
			49990: {Time: 1714564800},
			49995: {Time: 1714564900},
		},
		balance: map[common.Address]*big.Int{},
	}
}

func newScanner(t *testing.T, client EVMClient) *Scanner {
	t.Helper()
	s, err := New(client, Config{Token: token, Retrospect: 35000, BatchSize: 5}, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}
	return s
}

func topicFor(addr common.Address) string {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32)).Hex()
}

func TestScanDecodesTransfers(t *testing.T) {
	client := newFake()
	client.balance[poolA] = big.NewInt(25_000000)
	client.logs[topicFor(poolA)] = []gethtypes.Log{transferLog(poolA, 25_000000, 49990, 1)}
	s := newScanner(t, client)

	events, err := s.Scan(context.Background(), []common.Address{poolA, poolB})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.ToAddress != poolA.Hex() {
		t.Fatalf("to = %s, want %s", ev.ToAddress, poolA.Hex())
	}
	if ev.Amount.Cmp(big.NewInt(25_000000)) != 0 {
		t.Fatalf("amount = %s", ev.Amount)
	}
	if ev.BlockNumber != 49990 {
		t.Fatalf("block = %d", ev.BlockNumber)
	}
	if ev.BlockTime.Unix() != 1714564800 {
		t.Fatalf("block time = %s", ev.BlockTime)
	}
}

func TestScanSkipsUnfundedAddresses(t *testing.T) {
	client := newFake()
	client.balance[poolA] = big.NewInt(1)
	s := newScanner(t, client)

	if _, err := s.Scan(context.Background(), []common.Address{poolA, poolB}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(client.filterCalls) != 1 {
		t.Fatalf("filter calls = %d, want 1", len(client.filterCalls))
	}
	topics := client.filterCalls[0].Topics[2]
	if len(topics) != 1 || topics[0].Hex() != topicFor(poolA) {
		t.Fatalf("filter should cover only the funded address, got %v", topics)
	}
}

func TestScanIdlePoolIssuesNoFilter(t *testing.T) {
	client := newFake()
	s := newScanner(t, client)

	events, err := s.Scan(context.Background(), []common.Address{poolA, poolB})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if events != nil {
		t.Fatalf("expected no events, got %d", len(events))
	}
	if len(client.filterCalls) != 0 {
		t.Fatalf("no filter calls expected when every address is empty, got %d", len(client.filterCalls))
	}
}

func TestScanWindowBounds(t *testing.T) {
	client := newFake()
	client.balance[poolA] = big.NewInt(1)
	s := newScanner(t, client)

	if _, err := s.Scan(context.Background(), []common.Address{poolA}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	q := client.filterCalls[0]
	if q.FromBlock.Uint64() != 15000 || q.ToBlock.Uint64() != 50000 {
		t.Fatalf("window [%s, %s], want [15000, 50000]", q.FromBlock, q.ToBlock)
	}
	if len(q.Addresses) != 1 || q.Addresses[0] != token {
		t.Fatalf("filter should target the token contract, got %v", q.Addresses)
	}
}

func TestScanBatchFailureIsSkipped(t *testing.T) {
	client := newFake()
	client.balance[poolA] = big.NewInt(1)
	client.balance[poolB] = big.NewInt(1)
	client.logs[topicFor(poolB)] = []gethtypes.Log{transferLog(poolB, 40_000000, 49995, 2)}
	client.filterErr = fmt.Errorf("provider unavailable")
	s, err := New(client, Config{Token: token, Retrospect: 35000, BatchSize: 1}, nil)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	events, err := s.Scan(context.Background(), []common.Address{poolA, poolB})
	if err != nil {
		t.Fatalf("scan should absorb a failed batch: %v", err)
	}
	if len(events) != 1 || events[0].ToAddress != poolB.Hex() {
		t.Fatalf("second batch should still be scanned, events %v", events)
	}
}

func TestScanSkipsMalformedLog(t *testing.T) {
	client := newFake()
	client.balance[poolA] = big.NewInt(1)
	bad := transferLog(poolA, 10_000000, 49990, 3)
	bad.Topics = bad.Topics[:1]
	good := transferLog(poolA, 20_000000, 49990, 4)
	client.logs[topicFor(poolA)] = []gethtypes.Log{bad, good}
	s := newScanner(t, client)

	events, err := s.Scan(context.Background(), []common.Address{poolA})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(events) != 1 || events[0].Amount.Cmp(big.NewInt(20_000000)) != 0 {
		t.Fatalf("malformed log should be skipped, events %v", events)
	}
}

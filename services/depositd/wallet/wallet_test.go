package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type fakeTxClient struct {
	nonce    uint64
	gasPrice *big.Int
	sent     []*gethtypes.Transaction
	sendErr  error
}

func (f *fakeTxClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeTxClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeTxClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeTxClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return nil, fmt.Errorf("not mined")
}

func testKey(t *testing.T) (string, common.Address) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(gethcrypto.FromECDSA(key)), gethcrypto.PubkeyToAddress(key.PublicKey)
}

func newSigner(t *testing.T, client TxClient) *EVMSigner {
	t.Helper()
	s, err := NewEVMSigner(client, Config{
		ChainID:        big.NewInt(137),
		Token:          common.HexToAddress("0x2791bca1f2de4661ed88a30c99a7a9449aa84174"),
		GasBumpPercent: 10,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func TestTransferBuildsSignedTokenCall(t *testing.T) {
	client := &fakeTxClient{nonce: 7, gasPrice: big.NewInt(30_000000000)}
	s := newSigner(t, client)
	keyHex, from := testKey(t)
	custody := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	hash, err := s.Transfer(context.Background(), keyHex, custody, big.NewInt(25_000000))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(client.sent))
	}
	tx := client.sent[0]
	if tx.Hash() != hash {
		t.Fatal("returned hash should match the broadcast transaction")
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
	if tx.To() == nil || *tx.To() != s.cfg.Token {
		t.Fatal("transaction should target the token contract")
	}
	// Suggested 30 gwei bumped by 10%.
	if tx.GasPrice().Cmp(big.NewInt(33_000000000)) != 0 {
		t.Fatalf("gas price = %s, want 33 gwei", tx.GasPrice())
	}
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(137)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != from {
		t.Fatalf("sender = %s, want %s", sender.Hex(), from.Hex())
	}

	data := tx.Data()
	if len(data) != 68 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	if got := common.BytesToAddress(data[4:36]); got != custody {
		t.Fatalf("calldata recipient = %s, want %s", got.Hex(), custody.Hex())
	}
	if got := new(big.Int).SetBytes(data[36:]); got.Cmp(big.NewInt(25_000000)) != 0 {
		t.Fatalf("calldata amount = %s", got)
	}
}

func TestTransferRejectsBadInput(t *testing.T) {
	client := &fakeTxClient{nonce: 0, gasPrice: big.NewInt(1)}
	s := newSigner(t, client)
	keyHex, _ := testKey(t)
	custody := common.HexToAddress("0x00000000000000000000000000000000000000dd")

	if _, err := s.Transfer(context.Background(), keyHex, common.Address{}, big.NewInt(1)); err == nil {
		t.Fatal("zero destination should be rejected")
	}
	if _, err := s.Transfer(context.Background(), keyHex, custody, big.NewInt(0)); err == nil {
		t.Fatal("zero amount should be rejected")
	}
	if _, err := s.Transfer(context.Background(), "not-a-key", custody, big.NewInt(1)); err == nil {
		t.Fatal("malformed key should be rejected")
	}
	if len(client.sent) != 0 {
		t.Fatalf("nothing should be broadcast, sent %d", len(client.sent))
	}
}

func TestTransferBroadcastFailure(t *testing.T) {
	client := &fakeTxClient{nonce: 0, gasPrice: big.NewInt(1), sendErr: fmt.Errorf("nonce too low")}
	s := newSigner(t, client)
	keyHex, _ := testKey(t)

	_, err := s.Transfer(context.Background(), keyHex,
		common.HexToAddress("0x00000000000000000000000000000000000000dd"), big.NewInt(1))
	if err == nil {
		t.Fatal("broadcast failure should propagate")
	}
}

func TestBumpGasPrice(t *testing.T) {
	if got := bumpGasPrice(big.NewInt(100), 10); got.Cmp(big.NewInt(110)) != 0 {
		t.Fatalf("bumped = %s, want 110", got)
	}
	if got := bumpGasPrice(big.NewInt(100), 0); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unbumped = %s, want 100", got)
	}
}

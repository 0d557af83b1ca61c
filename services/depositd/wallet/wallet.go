// Package wallet signs and broadcasts ERC-20 transfers from pool addresses
// to the custody address.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var transferSelector = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// TxClient is the subset of the Ethereum RPC used to build, send, and track
// transfer transactions.
type TxClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Signer turns a transfer request into a broadcast transaction hash.
type Signer interface {
	Transfer(ctx context.Context, fromKeyHex string, to common.Address, amount *big.Int) (common.Hash, error)
	Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Config tunes the EVM signer.
type Config struct {
	ChainID *big.Int
	// Token is the ERC-20 contract the transfers go through.
	Token common.Address
	// GasBumpPercent is added on top of the suggested gas price so sweeps
	// are not stuck behind the network median.
	GasBumpPercent int64
	// GasLimit for a token transfer.
	GasLimit uint64
}

// EVMSigner implements Signer against an Ethereum node.
type EVMSigner struct {
	client TxClient
	cfg    Config
}

// NewEVMSigner constructs a signer.
func NewEVMSigner(client TxClient, cfg Config) (*EVMSigner, error) {
	if client == nil {
		return nil, fmt.Errorf("wallet: client required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("wallet: chain id required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("wallet: token contract required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 100000
	}
	return &EVMSigner{client: client, cfg: cfg}, nil
}

// Transfer signs and broadcasts an ERC-20 transfer of amount base units to
// the destination, spending from the address owned by fromKeyHex.
func (s *EVMSigner) Transfer(ctx context.Context, fromKeyHex string, to common.Address, amount *big.Int) (common.Hash, error) {
	if s == nil || s.client == nil {
		return common.Hash{}, fmt.Errorf("wallet not initialised")
	}
	if (to == common.Address{}) {
		return common.Hash{}, fmt.Errorf("destination address required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("amount must be positive")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(fromKeyHex), "0x"))
	if err != nil {
		return common.Hash{}, fmt.Errorf("parse private key: %w", err)
	}
	from := gethcrypto.PubkeyToAddress(key.PublicKey)
	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch gas price: %w", err)
	}
	gasPrice = bumpGasPrice(gasPrice, s.cfg.GasBumpPercent)

	data := make([]byte, 0, 68)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	tx, err := gethtypes.SignNewTx(key, gethtypes.LatestSignerForChainID(s.cfg.ChainID), &gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &s.cfg.Token,
		Gas:      s.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transfer: %w", err)
	}
	if err := s.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast transfer: %w", err)
	}
	return tx.Hash(), nil
}

// Receipt fetches the receipt for a broadcast transfer, if mined.
func (s *EVMSigner) Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("wallet not initialised")
	}
	return s.client.TransactionReceipt(ctx, txHash)
}

// bumpGasPrice raises the suggested price by the configured percentage.
func bumpGasPrice(price *big.Int, percent int64) *big.Int {
	if price == nil || percent <= 0 {
		return price
	}
	bumped := new(big.Int).Mul(price, big.NewInt(100+percent))
	return bumped.Div(bumped, big.NewInt(100))
}

// SignerFuncs adapts plain functions to the Signer interface for tests.
type SignerFuncs struct {
	TransferFn func(ctx context.Context, fromKeyHex string, to common.Address, amount *big.Int) (common.Hash, error)
	ReceiptFn  func(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

func (f SignerFuncs) Transfer(ctx context.Context, fromKeyHex string, to common.Address, amount *big.Int) (common.Hash, error) {
	if f.TransferFn == nil {
		return common.Hash{}, fmt.Errorf("transfer not implemented")
	}
	return f.TransferFn(ctx, fromKeyHex, to, amount)
}

func (f SignerFuncs) Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if f.ReceiptFn == nil {
		return nil, fmt.Errorf("receipt not implemented")
	}
	return f.ReceiptFn(ctx, txHash)
}

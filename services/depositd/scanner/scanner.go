// Package scanner discovers ERC-20 transfers into the pool addresses by
// filtering Transfer logs over a bounded retrospective block range.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"vaultgate/observability"
	"vaultgate/services/depositd/storage"
)

var (
	transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	balanceOfSelector      = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// EVMClient is the subset of the Ethereum RPC the scanner depends on.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Config tunes a Scanner.
type Config struct {
	// Token is the ERC-20 contract to watch.
	Token common.Address
	// Retrospect is how many blocks behind the head each scan covers.
	Retrospect uint64
	// BatchSize caps how many pool addresses share one log filter.
	BatchSize int
	// ProviderRate limits RPC calls issued per second. Zero disables limiting.
	ProviderRate rate.Limit
}

// Scanner polls the chain for inbound token transfers. One Scan call covers
// the full retrospective window, so restarts and transient provider outages
// are absorbed as long as they are shorter than the window.
type Scanner struct {
	client  EVMClient
	token   common.Address
	span    uint64
	batch   int
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.DepositdMetrics
}

// New constructs a Scanner over the provided client.
func New(client EVMClient, cfg Config, logger *slog.Logger) (*Scanner, error) {
	if client == nil {
		return nil, fmt.Errorf("scanner: client required")
	}
	if (cfg.Token == common.Address{}) {
		return nil, fmt.Errorf("scanner: token contract required")
	}
	if cfg.Retrospect == 0 {
		return nil, fmt.Errorf("scanner: retrospect must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ProviderRate > 0 {
		limiter = rate.NewLimiter(cfg.ProviderRate, 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		client:  client,
		token:   cfg.Token,
		span:    cfg.Retrospect,
		batch:   cfg.BatchSize,
		limiter: limiter,
		logger:  logger,
		metrics: observability.Depositd(),
	}, nil
}

// Scan returns the token transfers into the given addresses observed within
// the retrospective window. A failed batch is logged and skipped; its
// transfers surface on a later scan since the window re-covers them.
func (s *Scanner) Scan(ctx context.Context, addresses []common.Address) ([]storage.Event, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("scanner not initialised")
	}
	if len(addresses) == 0 {
		return nil, nil
	}
	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	from := uint64(0)
	if head > s.span {
		from = head - s.span
	}

	funded, err := s.fundedAddresses(ctx, addresses)
	if err != nil {
		// The probe is an optimisation only; fall back to scanning everything.
		s.logger.Warn("balance probe failed, scanning all addresses", "error", err)
		funded = addresses
	}
	if len(funded) == 0 {
		return nil, nil
	}

	observed := time.Now().UTC()
	headers := make(map[uint64]uint64)
	var events []storage.Event
	for start := 0; start < len(funded); start += s.batch {
		end := start + s.batch
		if end > len(funded) {
			end = len(funded)
		}
		batch := funded[start:end]
		if err := s.limiter.Wait(ctx); err != nil {
			return events, err
		}
		logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{s.token},
			Topics: [][]common.Hash{
				{transferEventSignature},
				nil,
				recipientTopics(batch),
			},
		})
		if err != nil {
			s.logger.Warn("log filter batch failed", "from", from, "to", head, "error", err)
			s.metrics.RecordScanError("filter")
			continue
		}
		for _, log := range logs {
			event, err := s.decode(ctx, log, headers, observed)
			if err != nil {
				s.logger.Warn("skipping undecodable transfer log",
					"tx", log.TxHash.Hex(), "error", err)
				s.metrics.RecordScanError("decode")
				continue
			}
			events = append(events, event)
		}
	}
	return events, nil
}

// fundedAddresses probes the token balance of each pool address and keeps
// only those holding a positive balance, so idle addresses never reach the
// log filter.
func (s *Scanner) fundedAddresses(ctx context.Context, addresses []common.Address) ([]common.Address, error) {
	funded := make([]common.Address, 0, len(addresses))
	for _, addr := range addresses {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		data := make([]byte, 0, 36)
		data = append(data, balanceOfSelector...)
		data = append(data, common.LeftPadBytes(addr.Bytes(), 32)...)
		out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.token, Data: data}, nil)
		if err != nil {
			return nil, fmt.Errorf("balanceOf %s: %w", addr.Hex(), err)
		}
		if new(big.Int).SetBytes(out).Sign() > 0 {
			funded = append(funded, addr)
		}
	}
	return funded, nil
}

func (s *Scanner) decode(ctx context.Context, log gethtypes.Log, headers map[uint64]uint64, observed time.Time) (storage.Event, error) {
	if len(log.Topics) < 3 || log.Topics[0] != transferEventSignature {
		return storage.Event{}, fmt.Errorf("not a transfer log")
	}
	ts, ok := headers[log.BlockNumber]
	if !ok {
		if err := s.limiter.Wait(ctx); err != nil {
			return storage.Event{}, err
		}
		header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(log.BlockNumber))
		if err != nil {
			return storage.Event{}, fmt.Errorf("fetch header %d: %w", log.BlockNumber, err)
		}
		ts = header.Time
		headers[log.BlockNumber] = ts
	}
	return storage.Event{
		TxID:        log.TxHash.Hex(),
		FromAddress: common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
		ToAddress:   common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
		Amount:      new(big.Int).SetBytes(log.Data),
		BlockNumber: log.BlockNumber,
		BlockTime:   time.Unix(int64(ts), 0).UTC(),
		ObservedAt:  observed,
	}, nil
}

func recipientTopics(addresses []common.Address) []common.Hash {
	topics := make([]common.Hash, 0, len(addresses))
	for _, addr := range addresses {
		topics = append(topics, common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32)))
	}
	return topics
}

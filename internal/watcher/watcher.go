// Package watcher monitors the blockchain for escrow deposits.
//
// When a transfer lands on a pending escrow's deposit address, the
// escrow is confirmed as funded with the transaction hash as proof.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chioma/escrowd/internal/amount"
	"github.com/chioma/escrowd/internal/escrow"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// FundingConfirmer moves a pending escrow to funded once its deposit
// is observed on chain.
type FundingConfirmer interface {
	ConfirmFunding(ctx context.Context, id, ledgerProofRef string) (*escrow.Escrow, error)
}

// PendingLister looks up escrows still waiting for their deposit.
type PendingLister interface {
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
}

// ChainReader is the slice of the Ethereum client the watcher needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the funding watcher
type Config struct {
	RPCURL       string
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
	BatchLimit   int    // Max pending escrows scanned per poll
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
		BatchLimit:   200,
	}
}

// Watcher monitors for incoming escrow deposits
type Watcher struct {
	client    ChainReader
	config    Config
	confirmer FundingConfirmer
	escrows   PendingLister
	logger    *slog.Logger

	// Track processed transactions
	processed map[string]bool
	mu        sync.Mutex

	// Last processed block
	lastBlock uint64

	// Shutdown
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// Option configures the watcher.
type Option func(*Watcher)

// WithClient sets a custom chain reader (useful for testing).
func WithClient(client ChainReader) Option {
	return func(w *Watcher) {
		w.client = client
	}
}

// New creates a new funding watcher
func New(cfg Config, confirmer FundingConfirmer, escrows PendingLister, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}

	w := &Watcher{
		config:    cfg,
		confirmer: confirmer,
		escrows:   escrows,
		logger:    logger,
		processed: make(map[string]bool),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		w.client = client
	}

	return w, nil
}

// Start begins watching for deposits
func (w *Watcher) Start(ctx context.Context) error {
	// Get starting block
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("funding watcher started",
		"startBlock", w.lastBlock,
		"pollInterval", w.config.PollInterval,
	)

	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher. Safe to call even if Start failed before the
// poll loop launched; done is only closed by a running loop.
func (w *Watcher) Stop() {
	close(w.stop)
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	// Get current block
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	pending, err := w.escrows.ListByStatus(ctx, escrow.StatusPending, w.config.BatchLimit)
	if err != nil {
		return fmt.Errorf("failed to list pending escrows: %w", err)
	}
	if len(pending) == 0 {
		w.lastBlock = currentBlock
		return nil
	}

	// Group deposit addresses by the token contract the escrow expects.
	// Native-asset escrows have no ERC20 contract to filter on; those
	// are confirmed through the funding endpoint instead.
	byToken := make(map[common.Address]map[common.Hash]*escrow.Escrow)
	for _, e := range pending {
		if e.AssetType != escrow.AssetIssued || e.AssetIssuer == "" {
			continue
		}
		token := common.HexToAddress(e.AssetIssuer)
		if byToken[token] == nil {
			byToken[token] = make(map[common.Hash]*escrow.Escrow)
		}
		deposit := common.HexToAddress(e.EscrowPublicKey)
		byToken[token][common.BytesToHash(deposit.Bytes())] = e
	}

	for token, deposits := range byToken {
		topics := make([]common.Hash, 0, len(deposits))
		for topic := range deposits {
			topics = append(topics, topic)
		}

		query := ethereum.FilterQuery{
			FromBlock: big.NewInt(int64(w.lastBlock + 1)),
			ToBlock:   big.NewInt(int64(currentBlock)),
			Addresses: []common.Address{token},
			Topics: [][]common.Hash{
				{transferEventSig}, // Transfer event
				nil,                // Any from address
				topics,             // To one of our deposit addresses
			},
		}

		logs, err := w.client.FilterLogs(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to filter logs: %w", err)
		}

		for _, vLog := range logs {
			if err := w.processTransfer(ctx, vLog, deposits); err != nil {
				w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
			}
		}
	}

	w.lastBlock = currentBlock
	return nil
}

func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log, deposits map[common.Hash]*escrow.Escrow) error {
	txHash := vLog.TxHash.Hex()

	// Skip if already processed
	w.mu.Lock()
	if w.processed[txHash] {
		w.mu.Unlock()
		return nil
	}
	// Mark as in-progress to prevent concurrent duplicate processing.
	// If processing fails, we remove it so the next poll can retry.
	w.processed[txHash] = true
	w.mu.Unlock()

	// On failure, unmark so the transfer is retried on the next poll cycle.
	var succeeded bool
	defer func() {
		if !succeeded {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	// Parse the Transfer event
	// Topics[1] = from address (indexed)
	// Topics[2] = to address (indexed)
	// Data = amount
	if len(vLog.Topics) < 3 {
		return fmt.Errorf("invalid transfer event")
	}

	e, ok := deposits[vLog.Topics[2]]
	if !ok {
		succeeded = true
		return nil
	}

	transferred := new(big.Int).SetBytes(vLog.Data)
	expected, parsed := amount.Parse(e.Amount)
	if !parsed {
		return fmt.Errorf("escrow %s has unparseable amount %q", e.ID, e.Amount)
	}
	if transferred.Cmp(expected) < 0 {
		from := strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex())
		w.logger.Warn("deposit below escrow amount, ignoring",
			"escrowId", e.ID,
			"from", from,
			"transferred", amount.Format(transferred),
			"expected", e.Amount,
			"tx", txHash,
		)
		succeeded = true
		return nil
	}

	if _, err := w.confirmer.ConfirmFunding(ctx, e.ID, txHash); err != nil {
		return fmt.Errorf("failed to confirm funding: %w", err)
	}

	w.logger.Info("escrow funding confirmed",
		"escrowId", e.ID,
		"amount", amount.Format(transferred),
		"tx", txHash,
	)

	succeeded = true
	return nil
}

// Package vault executes escrow payouts on-chain. It holds the escrow
// account's key and turns engine decisions into signed transfers:
// native value transactions for the ledger asset, ERC20 transfers for
// issued tokens.
package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chioma/escrowd/internal/amount"
	"github.com/chioma/escrowd/internal/escrow"
	"github.com/chioma/escrowd/internal/metrics"
	"github.com/chioma/escrowd/internal/retry"
)

var (
	ErrInvalidPrivateKey = errors.New("vault: invalid private key")
	ErrInvalidAddress    = errors.New("vault: invalid address")
	ErrInvalidAmount     = errors.New("vault: invalid amount")
	ErrTransactionFailed = errors.New("vault: transaction failed")
	ErrTimeout           = errors.New("vault: operation timed out")
	ErrRPCConnection     = errors.New("vault: RPC connection failed")
)

// SubmitError wraps payout failures with context.
type SubmitError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("vault: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("vault: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// ERC20 minimal ABI for transfer.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// NativeTransferGas is the fixed gas cost of a plain value transfer.
	NativeTransferGas = uint64(21000)

	// DefaultGasLimit for ERC20 transfers when estimation fails.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a new vault.
type Config struct {
	RPCURL     string
	PrivateKey string // Hex string, with or without 0x prefix
	ChainID    int64
}

// Option configures the vault.
type Option func(*Vault)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(v *Vault) {
		v.client = client
	}
}

// WithConfirmationTimeout overrides the receipt wait deadline.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(v *Vault) {
		v.confirmationTimeout = d
	}
}

// Vault signs and submits escrow payouts from the escrow account.
type Vault struct {
	client              EthClient
	privateKey          *ecdsa.PrivateKey
	address             common.Address
	chainID             *big.Int
	erc20ABI            abi.ABI
	confirmationTimeout time.Duration
	pollInterval        time.Duration
}

// Compile-time interface check.
var _ escrow.LedgerSubmitter = (*Vault)(nil)

// New creates a new Vault instance.
func New(cfg Config, opts ...Option) (*Vault, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	v := &Vault{
		privateKey:          privateKey,
		address:             crypto.PubkeyToAddress(*publicKey),
		chainID:             big.NewInt(cfg.ChainID),
		erc20ABI:            parsedABI,
		confirmationTimeout: DefaultConfirmationTimeout,
		pollInterval:        ConfirmationPollInterval,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		v.client = client
	}

	return v, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	return nil
}

// Address returns the escrow account's address.
func (v *Vault) Address() string {
	return v.address.Hex()
}

// Submit executes one payout leg and blocks until the ledger confirms
// it, returning the transaction hash. The escrow record picks the
// asset: native value or an ERC20 at the escrow's issuer contract.
func (v *Vault) Submit(ctx context.Context, kind escrow.SubmissionKind, e *escrow.Escrow, destination, amt string) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, destination)
	}
	to := common.HexToAddress(destination)

	raw, ok := amount.Parse(amt)
	if !ok || raw.Sign() <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amt)
	}

	var txHash string
	var err error
	switch e.AssetType {
	case escrow.AssetIssued:
		txHash, err = v.transferERC20(ctx, common.HexToAddress(e.AssetIssuer), to, raw)
	default:
		txHash, err = v.transferNative(ctx, to, raw)
	}
	if err != nil {
		metrics.LedgerSubmissionsTotal.WithLabelValues(string(kind), "error").Inc()
		return "", fmt.Errorf("%s submission: %w", kind, err)
	}

	if err := v.waitForConfirmation(ctx, txHash); err != nil {
		metrics.LedgerSubmissionsTotal.WithLabelValues(string(kind), "error").Inc()
		return "", fmt.Errorf("%s submission: %w", kind, err)
	}
	metrics.LedgerSubmissionsTotal.WithLabelValues(string(kind), "ok").Inc()
	return txHash, nil
}

// txParams fetches the nonce and gas price, retrying transient RPC
// failures. These reads are safe to repeat; SendTransaction is not and
// is never retried.
func (v *Vault) txParams(ctx context.Context) (uint64, *big.Int, error) {
	var nonce uint64
	var gasPrice *big.Int

	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		n, err := v.client.PendingNonceAt(ctx, v.address)
		if err != nil {
			return &SubmitError{Op: "nonce", Err: err}
		}
		p, err := v.client.SuggestGasPrice(ctx)
		if err != nil {
			return &SubmitError{Op: "gas_price", Err: err}
		}
		nonce, gasPrice = n, p
		return nil
	})
	return nonce, gasPrice, err
}

func (v *Vault) transferNative(ctx context.Context, to common.Address, raw *big.Int) (string, error) {
	nonce, gasPrice, err := v.txParams(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTransaction(nonce, to, raw, NativeTransferGas, gasPrice, nil)
	return v.signAndSend(ctx, tx)
}

func (v *Vault) transferERC20(ctx context.Context, token, to common.Address, raw *big.Int) (string, error) {
	data, err := v.erc20ABI.Pack("transfer", to, raw)
	if err != nil {
		return "", &SubmitError{Op: "pack", Err: err}
	}

	nonce, gasPrice, err := v.txParams(ctx)
	if err != nil {
		return "", err
	}
	gasLimit, err := v.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  v.address,
		To:    &token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data)
	return v.signAndSend(ctx, tx)
}

func (v *Vault) signAndSend(ctx context.Context, tx *types.Transaction) (string, error) {
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(v.chainID), v.privateKey)
	if err != nil {
		return "", &SubmitError{Op: "sign", Err: err}
	}
	if err := v.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &SubmitError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}

// waitForConfirmation polls for the transaction receipt until mined or
// the timeout passes.
func (v *Vault) waitForConfirmation(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, v.confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := v.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			if receipt.Status == 0 {
				return &SubmitError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return nil
		}
	}
}

// Health verifies RPC connectivity and that the node agrees on the
// configured chain.
func (v *Vault) Health(ctx context.Context) error {
	id, err := v.client.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(v.chainID) != 0 {
		return fmt.Errorf("%w: node reports chain %s, expected %s", ErrRPCConnection, id, v.chainID)
	}
	return nil
}

// Close closes the client connection.
func (v *Vault) Close() error {
	if v.client != nil {
		v.client.Close()
	}
	return nil
}

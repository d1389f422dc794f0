package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"autorepayd/engine"
)

const (
	defaultGasLimit     = 400_000
	defaultReceiptPoll  = 2 * time.Second
	revertReasonUnknown = "execution reverted"
)

// Backend is the slice of an Ethereum client the writer needs. It is
// satisfied by *ethclient.Client and by test fakes.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// SignTxFunc signs a transaction for the given account. Keystore-backed
// implementations refuse when the key is locked; that refusal maps to
// engine.ErrWalletRejected.
type SignTxFunc func(account common.Address, tx *types.Transaction) (*types.Transaction, error)

// WriterConfig wires a transaction writer.
type WriterConfig struct {
	Backend     Backend
	Contract    common.Address
	Account     common.Address
	Sign        SignTxFunc
	GasLimit    uint64
	ReceiptPoll time.Duration
	Logger      *slog.Logger
}

// Writer submits lock, claim and unlock transactions and waits on their
// receipts. Each submission is one logical operation with its own
// outcome; nothing here retries automatically.
type Writer struct {
	backend     Backend
	contract    common.Address
	account     common.Address
	sign        SignTxFunc
	gasLimit    uint64
	receiptPoll time.Duration
	log         *slog.Logger
}

// NewWriter constructs a writer with sane defaults.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("writer requires a backend")
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = defaultReceiptPoll
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		backend:     cfg.Backend,
		contract:    cfg.Contract,
		account:     cfg.Account,
		sign:        cfg.Sign,
		gasLimit:    gasLimit,
		receiptPoll: poll,
		log:         logger,
	}, nil
}

// SubmitLock submits a lock transaction binding the IP asset to a debt
// position in the target token.
func (w *Writer) SubmitLock(ctx context.Context, ipID, target common.Address) (common.Hash, error) {
	return w.submit(ctx, "lock", ipID, target)
}

// SubmitClaim submits a claimRoyalties transaction.
func (w *Writer) SubmitClaim(ctx context.Context, ipID common.Address) (common.Hash, error) {
	return w.submit(ctx, "claimRoyalties", ipID)
}

// SubmitUnlock submits an unlock transaction.
func (w *Writer) SubmitUnlock(ctx context.Context, ipID common.Address) (common.Hash, error) {
	return w.submit(ctx, "unlock", ipID)
}

func (w *Writer) submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if w.sign == nil || w.account == (common.Address{}) {
		return common.Hash{}, engine.ErrNotConnected
	}
	data, err := engineABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	nonce, err := w.backend.PendingNonceAt(ctx, w.account)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := w.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &w.contract,
		Value:    big.NewInt(0),
		Gas:      w.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := w.sign(w.account, tx)
	if err != nil {
		if isSignerRefusal(err) {
			return common.Hash{}, fmt.Errorf("%v: %w", err, engine.ErrWalletRejected)
		}
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		if isRevert(err) {
			return common.Hash{}, fmt.Errorf("%v: %w", err, engine.ErrWriteReverted)
		}
		return common.Hash{}, fmt.Errorf("send %s transaction: %w", method, err)
	}
	w.log.Info("transaction submitted",
		slog.String("method", method),
		slog.String("txHash", signed.Hash().Hex()))
	return signed.Hash(), nil
}

// AwaitConfirmation polls for the receipt until it appears or the bounded
// wait elapses. Timeout yields TxPending, not a failure: the caller keeps
// the operation pending until a later check resolves it.
func (w *Writer) AwaitConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (engine.Confirmation, error) {
	if timeout <= 0 {
		return engine.Confirmation{State: engine.TxPending}, nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.receiptPoll)
	defer ticker.Stop()
	for {
		conf, err := w.TxStatus(ctx, hash)
		if err == nil && conf.State != engine.TxPending {
			return conf, nil
		}
		if err != nil {
			w.log.Debug("receipt poll failed", slog.String("txHash", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return engine.Confirmation{State: engine.TxPending}, ctx.Err()
		case <-deadline.C:
			return engine.Confirmation{State: engine.TxPending}, nil
		case <-ticker.C:
		}
	}
}

// TxStatus performs a one-shot receipt check.
func (w *Writer) TxStatus(ctx context.Context, hash common.Hash) (engine.Confirmation, error) {
	receipt, err := w.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return engine.Confirmation{State: engine.TxPending}, nil
		}
		return engine.Confirmation{State: engine.TxPending}, fmt.Errorf("fetch receipt: %v: %w", err, engine.ErrReadUnavailable)
	}
	if receipt == nil {
		return engine.Confirmation{State: engine.TxPending}, nil
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return engine.Confirmation{State: engine.TxConfirmed}, nil
	}
	return engine.Confirmation{State: engine.TxReverted, Reason: revertReasonUnknown}, nil
}

func isSignerRefusal(err error) bool {
	if errors.Is(err, keystore.ErrLocked) || errors.Is(err, keystore.ErrNoMatch) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") ||
		strings.Contains(msg, "unknown account") ||
		strings.Contains(msg, "denied") ||
		strings.Contains(msg, "rejected")
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "always failing transaction")
}

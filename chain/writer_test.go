package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"autorepayd/engine"
)

type fakeBackend struct {
	mu        sync.Mutex
	sent      []*types.Transaction
	sendErr   error
	receiptFn func(hash common.Hash) (*types.Receipt, error)
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptFn == nil {
		return nil, ethereum.NotFound
	}
	return f.receiptFn(hash)
}

func passthroughSigner(_ common.Address, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

func newTestWriter(t *testing.T, backend *fakeBackend, sign SignTxFunc) *Writer {
	t.Helper()
	w, err := NewWriter(WriterConfig{
		Backend:     backend,
		Contract:    readerContract,
		Account:     readerOwner,
		Sign:        sign,
		ReceiptPoll: time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	return w
}

func TestWriterSubmitLock(t *testing.T) {
	backend := &fakeBackend{}
	w := newTestWriter(t, backend, passthroughSigner)

	hash, err := w.SubmitLock(context.Background(), readerIP, readerToken)
	if err != nil {
		t.Fatalf("submit lock: %v", err)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 1 {
		t.Fatalf("sent = %d transactions, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != hash {
		t.Fatal("returned hash must match the submitted transaction")
	}
	if tx.To() == nil || *tx.To() != readerContract {
		t.Fatalf("tx target = %v, want %s", tx.To(), readerContract.Hex())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("nonce = %d, want 7", tx.Nonce())
	}
	wantData, err := engineABI.Pack("lock", readerIP, readerToken)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if string(tx.Data()) != string(wantData) {
		t.Fatal("calldata mismatch")
	}
}

func TestWriterRequiresSigner(t *testing.T) {
	w, err := NewWriter(WriterConfig{
		Backend:  &fakeBackend{},
		Contract: readerContract,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.SubmitClaim(context.Background(), readerIP); !errors.Is(err, engine.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestWriterSignerRefusal(t *testing.T) {
	refusals := []error{
		fmt.Errorf("authentication needed: password or unlock"),
		fmt.Errorf("request rejected by user"),
		fmt.Errorf("unknown account"),
	}
	for _, refusal := range refusals {
		refusal := refusal
		w := newTestWriter(t, &fakeBackend{}, func(common.Address, *types.Transaction) (*types.Transaction, error) {
			return nil, refusal
		})
		if _, err := w.SubmitUnlock(context.Background(), readerIP); !errors.Is(err, engine.ErrWalletRejected) {
			t.Fatalf("refusal %q: err = %v, want ErrWalletRejected", refusal, err)
		}
	}
}

func TestWriterSendRevert(t *testing.T) {
	backend := &fakeBackend{sendErr: fmt.Errorf("execution reverted: NoRoyalties()")}
	w := newTestWriter(t, backend, passthroughSigner)
	if _, err := w.SubmitClaim(context.Background(), readerIP); !errors.Is(err, engine.ErrWriteReverted) {
		t.Fatalf("err = %v, want ErrWriteReverted", err)
	}
}

func TestWriterTxStatus(t *testing.T) {
	backend := &fakeBackend{}
	w := newTestWriter(t, backend, passthroughSigner)
	hash := common.HexToHash("0x10")

	conf, err := w.TxStatus(context.Background(), hash)
	if err != nil || conf.State != engine.TxPending {
		t.Fatalf("missing receipt: conf = %+v, err = %v; want pending, nil", conf, err)
	}

	backend.mu.Lock()
	backend.receiptFn = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	}
	backend.mu.Unlock()
	conf, err = w.TxStatus(context.Background(), hash)
	if err != nil || conf.State != engine.TxConfirmed {
		t.Fatalf("success receipt: conf = %+v, err = %v; want confirmed, nil", conf, err)
	}

	backend.mu.Lock()
	backend.receiptFn = func(common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusFailed}, nil
	}
	backend.mu.Unlock()
	conf, err = w.TxStatus(context.Background(), hash)
	if err != nil || conf.State != engine.TxReverted {
		t.Fatalf("failed receipt: conf = %+v, err = %v; want reverted, nil", conf, err)
	}

	backend.mu.Lock()
	backend.receiptFn = func(common.Hash) (*types.Receipt, error) {
		return nil, fmt.Errorf("connection reset")
	}
	backend.mu.Unlock()
	if _, err = w.TxStatus(context.Background(), hash); !errors.Is(err, engine.ErrReadUnavailable) {
		t.Fatalf("transport failure: err = %v, want ErrReadUnavailable", err)
	}
}

func TestWriterAwaitConfirmation(t *testing.T) {
	backend := &fakeBackend{}
	var polls int
	backend.receiptFn = func(common.Hash) (*types.Receipt, error) {
		polls++
		if polls < 3 {
			return nil, ethereum.NotFound
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	}
	w := newTestWriter(t, backend, passthroughSigner)

	conf, err := w.AwaitConfirmation(context.Background(), common.HexToHash("0x11"), time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if conf.State != engine.TxConfirmed {
		t.Fatalf("state = %v, want confirmed", conf.State)
	}
}

func TestWriterAwaitTimeoutIsPending(t *testing.T) {
	w := newTestWriter(t, &fakeBackend{}, passthroughSigner)
	conf, err := w.AwaitConfirmation(context.Background(), common.HexToHash("0x12"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if conf.State != engine.TxPending {
		t.Fatalf("state = %v, want pending after bounded wait", conf.State)
	}
}

func TestWriterAwaitHonoursContext(t *testing.T) {
	w := newTestWriter(t, &fakeBackend{}, passthroughSigner)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conf, err := w.AwaitConfirmation(ctx, common.HexToHash("0x13"), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if conf.State != engine.TxPending {
		t.Fatalf("state = %v, want pending", conf.State)
	}
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"autorepayd/engine"
)

var (
	readerContract = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	readerIP       = common.HexToAddress("0x0000000000000000000000000000000000000abc")
	readerOwner    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	readerToken    = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type fakeCaller struct {
	fn func(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return f.fn(ctx, msg)
}

func packOutput(t *testing.T, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := engineABI.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s output: %v", method, err)
	}
	return out
}

func newTestReader(t *testing.T, caller *fakeCaller) *Reader {
	t.Helper()
	r, err := NewReader(caller, readerContract)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	return r
}

func TestReaderIsLocked(t *testing.T) {
	var gotMsg ethereum.CallMsg
	r := newTestReader(t, &fakeCaller{fn: func(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
		gotMsg = msg
		return packOutput(t, "isLocked", true), nil
	}})
	locked, err := r.IsLocked(context.Background(), readerIP)
	if err != nil {
		t.Fatalf("isLocked: %v", err)
	}
	if !locked {
		t.Fatal("expected locked")
	}
	if gotMsg.To == nil || *gotMsg.To != readerContract {
		t.Fatalf("call target = %v, want %s", gotMsg.To, readerContract.Hex())
	}
	wantData, err := engineABI.Pack("isLocked", readerIP)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if string(gotMsg.Data) != string(wantData) {
		t.Fatal("calldata mismatch")
	}
}

func TestReaderNoLockSentinels(t *testing.T) {
	// Contracts without an entry return empty data instead of reverting;
	// that maps to zero values, never an error.
	r := newTestReader(t, &fakeCaller{fn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
		return nil, nil
	}})

	locked, err := r.IsLocked(context.Background(), readerIP)
	if err != nil || locked {
		t.Fatalf("isLocked = %v, %v; want false, nil", locked, err)
	}
	info, err := r.LockInfo(context.Background(), readerIP)
	if err != nil {
		t.Fatalf("lockInfo: %v", err)
	}
	if info.Owner != (common.Address{}) || info.Debt.Sign() != 0 {
		t.Fatalf("lockInfo sentinel = %+v, want zero values", info)
	}
	balance, err := r.RoyaltyBalance(context.Background(), readerIP)
	if err != nil || balance.Sign() != 0 {
		t.Fatalf("royaltyBalance = %v, %v; want 0, nil", balance, err)
	}
}

func TestReaderLockInfo(t *testing.T) {
	r := newTestReader(t, &fakeCaller{fn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
		return packOutput(t, "getLockInfo", readerOwner, readerToken, big.NewInt(123)), nil
	}})
	info, err := r.LockInfo(context.Background(), readerIP)
	if err != nil {
		t.Fatalf("lockInfo: %v", err)
	}
	if info.Owner != readerOwner || info.Token != readerToken || info.Debt.Int64() != 123 {
		t.Fatalf("lockInfo = %+v", info)
	}
}

func TestReaderRoyaltyBalance(t *testing.T) {
	r := newTestReader(t, &fakeCaller{fn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
		return packOutput(t, "getRoyaltyBalance", big.NewInt(40)), nil
	}})
	balance, err := r.RoyaltyBalance(context.Background(), readerIP)
	if err != nil {
		t.Fatalf("royaltyBalance: %v", err)
	}
	if balance.Int64() != 40 {
		t.Fatalf("balance = %s, want 40", balance)
	}
}

func TestReaderPreviewConversion(t *testing.T) {
	var calls int
	r := newTestReader(t, &fakeCaller{fn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
		calls++
		return packOutput(t, "previewConversion", big.NewInt(39)), nil
	}})

	estimate, err := r.PreviewConversion(context.Background(), big.NewInt(40), readerToken)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if estimate.Int64() != 39 {
		t.Fatalf("estimate = %s, want 39", estimate)
	}

	// A zero input never reaches the chain.
	estimate, err = r.PreviewConversion(context.Background(), big.NewInt(0), readerToken)
	if err != nil || estimate.Sign() != 0 {
		t.Fatalf("preview(0) = %v, %v; want 0, nil", estimate, err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestReaderTransportFailure(t *testing.T) {
	r := newTestReader(t, &fakeCaller{fn: func(context.Context, ethereum.CallMsg) ([]byte, error) {
		return nil, fmt.Errorf("connection refused")
	}})
	if _, err := r.IsLocked(context.Background(), readerIP); !errors.Is(err, engine.ErrReadUnavailable) {
		t.Fatalf("err = %v, want ErrReadUnavailable", err)
	}
	if _, err := r.RoyaltyBalance(context.Background(), readerIP); !errors.Is(err, engine.ErrReadUnavailable) {
		t.Fatalf("err = %v, want ErrReadUnavailable", err)
	}
}

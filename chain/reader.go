package chain

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"autorepayd/engine"
)

// Reader answers point-in-time queries against the AutoRepayEngine
// contract. It is stateless; every call is an independent eth_call.
//
// "No lock exists" is reported through sentinel values, never an error.
// Only an unreachable transport yields an error, wrapped so callers can
// match engine.ErrReadUnavailable without conflating the two conditions.
type Reader struct {
	caller   ethereum.ContractCaller
	contract common.Address
}

// NewReader wraps a contract caller (typically *ethclient.Client).
func NewReader(caller ethereum.ContractCaller, contract common.Address) (*Reader, error) {
	if caller == nil {
		return nil, fmt.Errorf("reader requires a contract caller")
	}
	return &Reader{caller: caller, contract: contract}, nil
}

// IsLocked reports whether the IP asset currently has an active lock.
func (r *Reader) IsLocked(ctx context.Context, ipID common.Address) (bool, error) {
	out, err := r.call(ctx, "isLocked", ipID)
	if err != nil {
		return false, err
	}
	if len(out) == 0 {
		return false, nil
	}
	values, err := engineABI.Unpack("isLocked", out)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("decode isLocked result: %w", engine.ErrReadUnavailable)
	}
	locked, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("decode isLocked result: %w", engine.ErrReadUnavailable)
	}
	return locked, nil
}

// LockInfo returns the owner, serviced token and outstanding debt of a
// lock. A zero owner address is the no-lock sentinel.
func (r *Reader) LockInfo(ctx context.Context, ipID common.Address) (engine.LockInfo, error) {
	var info engine.LockInfo
	info.Debt = big.NewInt(0)
	out, err := r.call(ctx, "getLockInfo", ipID)
	if err != nil {
		return info, err
	}
	if len(out) == 0 {
		return info, nil
	}
	values, err := engineABI.Unpack("getLockInfo", out)
	if err != nil || len(values) != 3 {
		return info, fmt.Errorf("decode getLockInfo result: %w", engine.ErrReadUnavailable)
	}
	owner, okOwner := values[0].(common.Address)
	token, okToken := values[1].(common.Address)
	debt, okDebt := values[2].(*big.Int)
	if !okOwner || !okToken || !okDebt {
		return info, fmt.Errorf("decode getLockInfo result: %w", engine.ErrReadUnavailable)
	}
	info.Owner = owner
	info.Token = token
	info.Debt = debt
	return info, nil
}

// RoyaltyBalance returns the claimable royalty amount in smallest units.
func (r *Reader) RoyaltyBalance(ctx context.Context, ipID common.Address) (*big.Int, error) {
	out, err := r.call(ctx, "getRoyaltyBalance", ipID)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	values, err := engineABI.Unpack("getRoyaltyBalance", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("decode getRoyaltyBalance result: %w", engine.ErrReadUnavailable)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode getRoyaltyBalance result: %w", engine.ErrReadUnavailable)
	}
	return amount, nil
}

// PreviewConversion quotes what the royalty amount would yield in the
// target token right now. The quote is advisory; settlement is whatever
// the confirmed repay determines.
func (r *Reader) PreviewConversion(ctx context.Context, amountRaw *big.Int, target common.Address) (*big.Int, error) {
	if amountRaw == nil || amountRaw.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	out, err := r.call(ctx, "previewConversion", amountRaw, target)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	values, err := engineABI.Unpack("previewConversion", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("decode previewConversion result: %w", engine.ErrReadUnavailable)
	}
	estimate, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode previewConversion result: %w", engine.ErrReadUnavailable)
	}
	return estimate, nil
}

func (r *Reader) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := engineABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", method, err, engine.ErrReadUnavailable)
	}
	return out, nil
}

package engine

import (
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

const bpsDenominator = 10_000

// MinimumOut applies a slippage tolerance in basis points to a conversion
// estimate, rounding down. A zero tolerance returns the estimate itself
// and an out-of-range tolerance returns zero.
func MinimumOut(estimate *big.Int, slippageBps uint16) *big.Int {
	if estimate == nil || estimate.Sign() <= 0 {
		return big.NewInt(0)
	}
	if slippageBps >= bpsDenominator {
		return big.NewInt(0)
	}
	est, overflow := uint256.FromBig(estimate)
	if overflow {
		// Amounts beyond 2^256 cannot originate on-chain.
		return big.NewInt(0)
	}
	factor := uint256.NewInt(uint64(bpsDenominator - slippageBps))
	denom := uint256.NewInt(bpsDenominator)
	out := new(uint256.Int).Mul(est, factor)
	out.Div(out, denom)
	return out.ToBig()
}

// FormatAmount renders a raw smallest-unit integer as a decimal string for
// the presentation boundary. The result never feeds back into contract
// calls, avoiding float round-trip error.
func FormatAmount(raw *big.Int, decimals uint8) string {
	if raw == nil || raw.Sign() == 0 {
		return "0"
	}
	negative := raw.Sign() < 0
	digits := new(big.Int).Abs(raw).String()
	var whole, frac string
	if len(digits) > int(decimals) {
		split := len(digits) - int(decimals)
		whole, frac = digits[:split], digits[split:]
	} else {
		whole = "0"
		frac = strings.Repeat("0", int(decimals)-len(digits)) + digits
	}
	frac = strings.TrimRight(frac, "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if negative {
		out = "-" + out
	}
	return out
}

package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// autoRepayABI is the call surface of the AutoRepayEngine contract. Only
// the functions this service consumes are declared; encoding beyond the
// call contract is the chain's business.
const autoRepayABI = `[
  {"type":"function","name":"isLocked","stateMutability":"view","inputs":[{"name":"ipId","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getLockInfo","stateMutability":"view","inputs":[{"name":"ipId","type":"address"}],"outputs":[{"name":"owner","type":"address"},{"name":"token","type":"address"},{"name":"debt","type":"uint256"}]},
  {"type":"function","name":"getRoyaltyBalance","stateMutability":"view","inputs":[{"name":"ipId","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"previewConversion","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"targetToken","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"lock","stateMutability":"nonpayable","inputs":[{"name":"ipId","type":"address"},{"name":"targetToken","type":"address"}],"outputs":[]},
  {"type":"function","name":"claimRoyalties","stateMutability":"nonpayable","inputs":[{"name":"ipId","type":"address"}],"outputs":[]},
  {"type":"function","name":"unlock","stateMutability":"nonpayable","inputs":[{"name":"ipId","type":"address"}],"outputs":[]}
]`

var engineABI = mustABI(autoRepayABI)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("invalid embedded ABI: " + err.Error())
	}
	return parsed
}

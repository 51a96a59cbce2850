package evmledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const tokenABIJSON = `[
  {"type":"function","name":"transferWithAuthorization","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"validAfter","type":"uint256"},
    {"name":"validBefore","type":"uint256"},
    {"name":"nonce","type":"bytes32"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"authorizationState","stateMutability":"view","inputs":[
    {"name":"authorizer","type":"address"},
    {"name":"nonce","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

const permit2ABIJSON = `[
  {"type":"function","name":"nonceBitmap","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"wordPos","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// settlementABIJSON is the x402 Permit2 settlement contract. It calls
// permitWitnessTransferFrom with the (recipient, paymentId) witness.
const settlementABIJSON = `[
  {"type":"function","name":"settle","stateMutability":"nonpayable","inputs":[
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"nonce","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"owner","type":"address"},
    {"name":"recipient","type":"address"},
    {"name":"paymentId","type":"bytes32"},
    {"name":"signature","type":"bytes"}],"outputs":[]}
]`

var (
	tokenABI      = mustABI(tokenABIJSON)
	permit2ABI    = mustABI(permit2ABIJSON)
	settlementABI = mustABI(settlementABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

package ledger

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertReason extracts the Solidity revert string from an eth_call or
// estimateGas error. Falls back to the node's message.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted: "); i >= 0 {
		return msg[i+len("execution reverted: "):]
	}
	return msg
}

// FormatEther renders wei as a decimal ether string with trailing zeros
// trimmed ("1.5", "0", "0.000000000000000001").
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)
	q, r := new(big.Int).QuoRem(abs, big.NewInt(params.Ether), new(big.Int))
	out := q.String()
	if r.Sign() != 0 {
		frac := r.String()
		frac = strings.Repeat("0", 18-len(frac)) + frac
		out += "." + strings.TrimRight(frac, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var addressRe = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool { return addressRe.MatchString(s) }

// coerceArg turns one JSON value into the Go type abi.Pack expects for t.
// Integers accept JSON numbers, decimal strings, or 0x-hex strings.
func coerceArg(t abi.Type, raw json.RawMessage) (interface{}, error) {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		n, err := parseInteger(raw)
		if err != nil {
			return nil, err
		}
		return fitInteger(t, n)
	case abi.AddressTy:
		s, err := parseString(raw)
		if err != nil {
			return nil, err
		}
		if !IsAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.BoolTy:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("expected bool")
		}
		return b, nil
	case abi.StringTy:
		return parseString(raw)
	case abi.BytesTy:
		s, err := parseString(raw)
		if err != nil {
			return nil, err
		}
		return hexutil.Decode(s)
	case abi.FixedBytesTy:
		s, err := parseString(raw)
		if err != nil {
			return nil, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

func parseString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string")
	}
	return s, nil
}

func parseInteger(raw json.RawMessage) (*big.Int, error) {
	text := strings.TrimSpace(string(raw))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("expected integer")
		}
		text = s
	}
	n, ok := new(big.Int).SetString(text, 0)
	if !ok {
		return nil, fmt.Errorf("expected integer, got %s", string(raw))
	}
	return n, nil
}

// fitInteger range-checks n against t and converts it to the exact Go type
// (uint8..uint64, int8..int64, or *big.Int) abi.Pack requires.
func fitInteger(t abi.Type, n *big.Int) (interface{}, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s out of range for uint%d", n, t.Size)
		}
	} else {
		limit := new(big.Int).Lsh(common.Big1, uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s out of range for int%d", n, t.Size)
		}
	}
	goType := t.GetType()
	if goType.Kind() == reflect.Ptr {
		return n, nil
	}
	if t.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(goType).Interface(), nil
	}
	return reflect.ValueOf(n.Int64()).Convert(goType).Interface(), nil
}

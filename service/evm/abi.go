package evm

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// abiCache memoizes parsed ABIs keyed by their JSON text. Deployment ABIs are
// large and every read of the accessory scan would otherwise re-parse them.
type abiCache struct {
	mu     sync.RWMutex
	parsed map[string]*abi.ABI
}

var defaultABICache = &abiCache{parsed: make(map[string]*abi.ABI)}

func (c *abiCache) get(raw string) (*abi.ABI, error) {
	c.mu.RLock()
	parsed, ok := c.parsed[raw]
	c.mu.RUnlock()
	if ok {
		return parsed, nil
	}

	p, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse abi: %w", err)
	}

	c.mu.Lock()
	c.parsed[raw] = &p
	c.mu.Unlock()
	return &p, nil
}

// ParseABI parses (and caches) a JSON ABI.
func ParseABI(raw string) (*abi.ABI, error) {
	return defaultABICache.get(raw)
}

// PackCall encodes the calldata for spec, coercing loosely typed arguments
// (JSON numbers, decimal or hex strings) into the Go types the ABI expects.
func PackCall(spec CallSpec) (*abi.ABI, []byte, error) {
	parsed, err := ParseABI(spec.ABI)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	method, ok := parsed.Methods[spec.FunctionName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: function %q not found in abi", ErrInvalidSpec, spec.FunctionName)
	}
	if len(spec.Args) != len(method.Inputs) {
		return nil, nil, fmt.Errorf("%w: %s expects %d args, got %d",
			ErrInvalidSpec, spec.FunctionName, len(method.Inputs), len(spec.Args))
	}

	args := make([]any, len(spec.Args))
	for i, input := range method.Inputs {
		v, err := coerceArg(input.Type, spec.Args[i])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: arg %d (%s %s): %v",
				ErrInvalidSpec, i, input.Type.String(), input.Name, err)
		}
		args[i] = v
	}

	data, err := parsed.Pack(spec.FunctionName, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return parsed, data, nil
}

// coerceArg converts v into the Go representation of typ. Values that
// cannot represent typ exactly are rejected rather than truncated.
func coerceArg(typ abi.Type, v any) (any, error) {
	switch typ.T {
	case abi.AddressTy:
		switch a := v.(type) {
		case common.Address:
			return a, nil
		case string:
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("invalid address %q", a)
			}
			return common.HexToAddress(a), nil
		}
		return nil, fmt.Errorf("expected address, got %T", v)
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(v)
		if err != nil {
			return nil, err
		}
		if err := checkIntRange(typ, n); err != nil {
			return nil, err
		}
		target := typ.GetType()
		if target == reflect.TypeOf(&big.Int{}) {
			return n, nil
		}
		if typ.T == abi.UintTy {
			return reflect.ValueOf(n.Uint64()).Convert(target).Interface(), nil
		}
		return reflect.ValueOf(n.Int64()).Convert(target).Interface(), nil
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			switch strings.ToLower(b) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
			return nil, fmt.Errorf("invalid bool %q", b)
		}
		return nil, fmt.Errorf("expected bool, got %T", v)
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", v)
	case abi.BytesTy:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return hexutil.Decode(b)
		}
		return nil, fmt.Errorf("expected hex bytes, got %T", v)
	case abi.FixedBytesTy:
		var raw []byte
		switch b := v.(type) {
		case string:
			decoded, err := hexutil.Decode(b)
			if err != nil {
				return nil, err
			}
			raw = decoded
		case []byte:
			raw = b
		default:
			return v, nil
		}
		if len(raw) > typ.Size {
			return nil, fmt.Errorf("%d bytes do not fit %s", len(raw), typ.String())
		}
		arr := reflect.New(typ.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(raw))
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return v, nil
		}
		if typ.T == abi.ArrayTy && len(items) != typ.Size {
			return nil, fmt.Errorf("expected %d elements, got %d", typ.Size, len(items))
		}
		var out reflect.Value
		if typ.T == abi.SliceTy {
			out = reflect.MakeSlice(typ.GetType(), len(items), len(items))
		} else {
			out = reflect.New(typ.GetType()).Elem()
		}
		elemType := out.Type().Elem()
		for i, item := range items {
			elem, err := coerceArg(*typ.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			ev := reflect.ValueOf(elem)
			if !ev.IsValid() || !ev.Type().AssignableTo(elemType) {
				return nil, fmt.Errorf("element %d: %T is not a %s", i, elem, typ.Elem.String())
			}
			out.Index(i).Set(ev)
		}
		return out.Interface(), nil
	}
	// Already typed (or a type we do not coerce); Pack validates it.
	return v, nil
}

// checkIntRange reports whether n fits the bit width of typ.
func checkIntRange(typ abi.Type, n *big.Int) error {
	if typ.T == abi.UintTy {
		if n.Sign() < 0 {
			return fmt.Errorf("negative value %s for unsigned type", n)
		}
		if n.BitLen() > typ.Size {
			return fmt.Errorf("value %s overflows %s", n, typ.String())
		}
		return nil
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(typ.Size-1))
	lowest := new(big.Int).Neg(limit)
	if n.Cmp(lowest) < 0 || n.Cmp(limit) >= 0 {
		return fmt.Errorf("value %s overflows %s", n, typ.String())
	}
	return nil
}

func toBigInt(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(n), nil
	case big.Int:
		return new(big.Int).Set(&n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("non-integer number %v", n)
		}
		return big.NewInt(int64(n)), nil
	case json.Number:
		return parseBigInt(n.String())
	case string:
		return parseBigInt(n)
	}
	return nil, fmt.Errorf("unsupported integer value of type %T", v)
}

func parseBigInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// ParseWei parses a wei amount given as decimal or 0x-prefixed hex.
// An empty string is zero.
func ParseWei(s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	n, err := parseBigInt(s)
	if err != nil {
		return nil, err
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", s)
	}
	return n, nil
}

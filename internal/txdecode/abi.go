package txdecode

import (
	"encoding/hex"
	"fmt"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Function is one entry of a coordinator-supplied contract interface.
type Function struct {
	Name     string
	Sig      string // canonical signature, e.g. "transfer(address,uint256)"
	Selector [4]byte
	Args     gethabi.Arguments
}

// ParseInterface parses human-readable function signatures into selectors
// and argument decoders. Types must be canonical Solidity types
// ("uint256", not "uint").
func ParseInterface(sigs []string) ([]Function, error) {
	out := make([]Function, 0, len(sigs))
	for _, raw := range sigs {
		fn, err := parseSignature(raw)
		if err != nil {
			return nil, decodeErrf("contract interface entry %q: %v", raw, err)
		}
		out = append(out, fn)
	}
	return out, nil
}

func parseSignature(raw string) (Function, error) {
	raw = strings.TrimSpace(raw)
	open := strings.IndexByte(raw, '(')
	if open <= 0 || !strings.HasSuffix(raw, ")") {
		return Function{}, fmt.Errorf("expected name(type,...)")
	}
	name := raw[:open]
	inner := raw[open+1 : len(raw)-1]

	var types []string
	if strings.TrimSpace(inner) != "" {
		for _, t := range strings.Split(inner, ",") {
			types = append(types, strings.TrimSpace(t))
		}
	}

	args := make(gethabi.Arguments, 0, len(types))
	for _, t := range types {
		typ, err := gethabi.NewType(t, "", nil)
		if err != nil {
			return Function{}, fmt.Errorf("bad type %q: %w", t, err)
		}
		args = append(args, gethabi.Argument{Type: typ})
	}

	canonical := name + "(" + strings.Join(types, ",") + ")"
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(canonical))[:4])

	return Function{Name: name, Sig: canonical, Selector: sel, Args: args}, nil
}

// matchFunction finds the interface entry whose derived selector equals the
// first four bytes of the call data, then decodes the arguments. A call
// whose actual selector matches no entry is a selector mismatch: the
// coordinator's claimed interface contradicts the bytes.
func matchFunction(contractInterface []string, callData []byte) (Function, []string, error) {
	fns, err := ParseInterface(contractInterface)
	if err != nil {
		return Function{}, nil, err
	}
	var actual [4]byte
	copy(actual[:], callData[:4])

	for _, fn := range fns {
		if fn.Selector != actual {
			continue
		}
		values, err := fn.Args.Unpack(callData[4:])
		if err != nil {
			return Function{}, nil, decodeErrf("decode %s arguments: %v", fn.Sig, err)
		}
		rendered := make([]string, len(values))
		for i, v := range values {
			rendered[i] = renderABIValue(v)
		}
		return fn, rendered, nil
	}

	return Function{}, nil, &DecodeError{
		Reason: "selector-mismatch",
		Message: fmt.Sprintf("call data selector %s matches no supplied function",
			hex.EncodeToString(actual[:])),
	}
}

func renderABIValue(v any) string {
	switch t := v.(type) {
	case []byte:
		return "0x" + hex.EncodeToString(t)
	case [32]byte:
		return "0x" + hex.EncodeToString(t[:])
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

package flowrest

import (
	"encoding/json"
	"fmt"
	"strconv"

	"petmarket/internal/ledger"
)

// value is the JSON-Cadence interchange envelope.
type value struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type kv struct {
	Key   value `json:"key"`
	Value value `json:"value"`
}

type field struct {
	Name  string `json:"name"`
	Value value  `json:"value"`
}

type composite struct {
	ID     string  `json:"id"`
	Fields []field `json:"fields"`
}

func encodeArg(a ledger.Arg) ([]byte, error) {
	v, err := toValue(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func toValue(a ledger.Arg) (value, error) {
	switch a.Type {
	case ledger.ArgUInt64:
		n, ok := a.Value.(uint64)
		if !ok {
			return value{}, fmt.Errorf("UInt64 argument holds %T", a.Value)
		}
		return stringValue("UInt64", strconv.FormatUint(n, 10))
	case ledger.ArgAddress, ledger.ArgString:
		s, ok := a.Value.(string)
		if !ok {
			return value{}, fmt.Errorf("%s argument holds %T", a.Type, a.Value)
		}
		return stringValue(string(a.Type), s)
	case ledger.ArgDictionary:
		m, ok := a.Value.(map[string]string)
		if !ok {
			return value{}, fmt.Errorf("Dictionary argument holds %T", a.Value)
		}
		pairs := make([]kv, 0, len(m))
		for _, k := range a.SortedKeys() {
			key, _ := stringValue("String", k)
			val, _ := stringValue("String", m[k])
			pairs = append(pairs, kv{Key: key, Value: val})
		}
		raw, err := json.Marshal(pairs)
		if err != nil {
			return value{}, err
		}
		return value{Type: "Dictionary", Value: raw}, nil
	default:
		return value{}, fmt.Errorf("unsupported argument type %q", a.Type)
	}
}

func stringValue(typ, s string) (value, error) {
	raw, err := json.Marshal(s)
	return value{Type: typ, Value: raw}, err
}

// decodeResult converts a JSON-Cadence value into plain JSON: integers and
// fixed-point numbers become JSON numbers, optionals collapse to null or
// their inner value, dictionaries and composites become objects.
func decodeResult(raw []byte) (json.RawMessage, error) {
	var v value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	plain, err := v.plain()
	if err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}

func (v value) plain() (any, error) {
	switch v.Type {
	case "Void":
		return nil, nil
	case "Optional":
		if len(v.Value) == 0 || string(v.Value) == "null" {
			return nil, nil
		}
		var inner value
		if err := json.Unmarshal(v.Value, &inner); err != nil {
			return nil, err
		}
		return inner.plain()
	case "Bool":
		var b bool
		err := json.Unmarshal(v.Value, &b)
		return b, err
	case "String", "Address", "Character":
		var s string
		err := json.Unmarshal(v.Value, &s)
		return s, err
	case "Int", "Int8", "Int16", "Int32", "Int64", "Int128", "Int256",
		"UInt", "UInt8", "UInt16", "UInt32", "UInt64", "UInt128", "UInt256",
		"Word8", "Word16", "Word32", "Word64", "Fix64", "UFix64":
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return nil, err
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("%s value %q is not numeric", v.Type, s)
		}
		return json.Number(s), nil
	case "Array":
		var items []value
		if err := json.Unmarshal(v.Value, &items); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			p, err := item.plain()
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case "Dictionary":
		var pairs []kv
		if err := json.Unmarshal(v.Value, &pairs); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(pairs))
		for _, p := range pairs {
			k, err := p.Key.plain()
			if err != nil {
				return nil, err
			}
			val, err := p.Value.plain()
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = val
		}
		return out, nil
	case "Struct", "Resource", "Event", "Contract", "Enum":
		var c composite
		if err := json.Unmarshal(v.Value, &c); err != nil {
			return nil, err
		}
		out := make(map[string]any, len(c.Fields))
		for _, f := range c.Fields {
			val, err := f.Value.plain()
			if err != nil {
				return nil, err
			}
			out[f.Name] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported cadence type %q", v.Type)
	}
}

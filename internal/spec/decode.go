package spec

import (
	"fmt"
	"strings"

	"github.com/gemhub/gemhub/internal/marshal"
)

// DecodeIndex 解码 specs.4.8 的 Marshal 负载（已解压）为 tuple 列表。
// 任意一条记录不合法都会使整个结果作废。
func DecodeIndex(data []byte) ([]Tuple, error) {
	v, err := marshal.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	entries, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: index root is %T, want array", ErrMalformed, v)
	}
	tuples := make([]Tuple, 0, len(entries))
	for i, entry := range entries {
		fields, ok := entry.([]any)
		if !ok || len(fields) != 3 {
			return nil, fmt.Errorf("%w: index entry %d is not a 3-tuple", ErrMalformed, i)
		}
		name, ok := stringValue(fields[0])
		if !ok {
			return nil, fmt.Errorf("%w: index entry %d has no name", ErrMalformed, i)
		}
		version, err := versionValue(fields[1])
		if err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, err)
		}
		platform, ok := platformValue(fields[2])
		if !ok {
			return nil, fmt.Errorf("%w: index entry %d has invalid platform", ErrMalformed, i)
		}
		t, err := NewTuple(name, version, platform)
		if err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, err)
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}

// EncodeIndex 生成与 DecodeIndex 对称的 Marshal 负载（未压缩）。
func EncodeIndex(tuples []Tuple) ([]byte, error) {
	entries := make([]any, len(tuples))
	for i, t := range tuples {
		entries[i] = []any{t.Name, versionObject(t.Version), t.Platform}
	}
	return marshal.Marshal(entries)
}

func versionObject(v Version) *marshal.UserMarshal {
	return &marshal.UserMarshal{Class: "Gem::Version", Data: []any{v.String()}}
}

func requirementObject(r Requirement) *marshal.UserMarshal {
	if len(r.Constraints) == 0 {
		r = DefaultRequirement()
	}
	pairs := make([]any, len(r.Constraints))
	for i, c := range r.Constraints {
		pairs[i] = []any{c.Op, versionObject(c.Version)}
	}
	return &marshal.UserMarshal{Class: "Gem::Requirement", Data: []any{pairs}}
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case marshal.Symbol:
		return string(s), true
	}
	return "", false
}

func versionValue(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case *marshal.UserMarshal:
		if val.Class != "Gem::Version" {
			break
		}
		data, ok := val.Data.([]any)
		if !ok || len(data) == 0 {
			break
		}
		if s, ok := stringValue(data[0]); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unexpected version value %T", ErrMalformed, v)
}

// platformValue 接受字符串、nil 或 Gem::Platform 对象（cpu-os-version）。
func platformValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return DefaultPlatform, true
	case string:
		return NormalizePlatform(val), true
	case marshal.Symbol:
		return NormalizePlatform(string(val)), true
	case *marshal.Object:
		if val.Class != "Gem::Platform" {
			return "", false
		}
		var parts []string
		for _, name := range []string{"@cpu", "@os", "@version"} {
			if s, ok := stringValue(val.IVar(name)); ok && s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return DefaultPlatform, true
		}
		return strings.Join(parts, "-"), true
	}
	return "", false
}

func requirementValue(v any) (Requirement, error) {
	um, ok := v.(*marshal.UserMarshal)
	if !ok || um.Class != "Gem::Requirement" {
		if v == nil {
			return DefaultRequirement(), nil
		}
		return Requirement{}, fmt.Errorf("%w: unexpected requirement value %T", ErrMalformed, v)
	}
	data, ok := um.Data.([]any)
	if !ok || len(data) == 0 {
		return Requirement{}, fmt.Errorf("%w: empty requirement", ErrMalformed)
	}
	pairs, ok := data[0].([]any)
	if !ok {
		return Requirement{}, fmt.Errorf("%w: requirement list is %T", ErrMalformed, data[0])
	}
	var req Requirement
	for _, p := range pairs {
		pair, ok := p.([]any)
		if !ok || len(pair) != 2 {
			return Requirement{}, fmt.Errorf("%w: requirement pair", ErrMalformed)
		}
		op, ok := stringValue(pair[0])
		if !ok {
			return Requirement{}, fmt.Errorf("%w: requirement operator", ErrMalformed)
		}
		raw, err := versionValue(pair[1])
		if err != nil {
			return Requirement{}, err
		}
		c, err := parseConstraint(op + " " + raw)
		if err != nil {
			return Requirement{}, err
		}
		req.Constraints = append(req.Constraints, c)
	}
	if len(req.Constraints) == 0 {
		return DefaultRequirement(), nil
	}
	return req, nil
}

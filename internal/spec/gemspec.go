package spec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/gemhub/gemhub/internal/marshal"
)

const specificationVersion = 4

// Dependency 是 gemspec 中声明的一条依赖。
type Dependency struct {
	Name        string      `json:"name"`
	Requirement Requirement `json:"requirement"`
	Type        string      `json:"type"`
}

// Runtime reports whether the dependency is needed at runtime.
func (d Dependency) Runtime() bool {
	return d.Type == "" || d.Type == "runtime"
}

// Specification 是 quick/Marshal.4.8 中单个 gem 的元数据。
type Specification struct {
	Name                    string            `json:"name"`
	Version                 Version           `json:"version"`
	Platform                string            `json:"platform"`
	Summary                 string            `json:"summary,omitempty"`
	Description             string            `json:"description,omitempty"`
	Authors                 []string          `json:"authors,omitempty"`
	Email                   []string          `json:"email,omitempty"`
	Homepage                string            `json:"homepage,omitempty"`
	Licenses                []string          `json:"licenses,omitempty"`
	Date                    time.Time         `json:"date,omitzero"`
	Dependencies            []Dependency      `json:"dependencies"`
	RequiredRubyVersion     Requirement       `json:"required_ruby_version"`
	RequiredRubygemsVersion Requirement       `json:"required_rubygems_version"`
	RubygemsVersion         string            `json:"rubygems_version,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
}

// Tuple returns the spec's identifying record.
func (s *Specification) Tuple() Tuple {
	return Tuple{Name: s.Name, Version: s.Version, Platform: NormalizePlatform(s.Platform)}
}

// RuntimeDependencies 过滤出运行时依赖。
func (s *Specification) RuntimeDependencies() []Dependency {
	var out []Dependency
	for _, d := range s.Dependencies {
		if d.Runtime() {
			out = append(out, d)
		}
	}
	return out
}

// DecodeSpecification 解码已解压的 .gemspec.rz 内容。
func DecodeSpecification(data []byte) (*Specification, error) {
	v, err := marshal.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	ud, ok := v.(*marshal.UserDefined)
	if !ok || ud.Class != "Gem::Specification" {
		return nil, fmt.Errorf("%w: gemspec root is %T, want Gem::Specification", ErrMalformed, v)
	}
	inner, err := marshal.Unmarshal(ud.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: gemspec payload: %w", ErrMalformed, err)
	}
	fields, ok := inner.([]any)
	if !ok || len(fields) < 17 {
		return nil, fmt.Errorf("%w: gemspec payload is not a field array", ErrMalformed)
	}
	field := func(i int) any {
		if i < len(fields) {
			return fields[i]
		}
		return nil
	}

	s := &Specification{}
	if s.Name, ok = stringValue(field(2)); !ok || s.Name == "" {
		return nil, fmt.Errorf("%w: gemspec has no name", ErrMalformed)
	}
	rawVersion, err := versionValue(field(3))
	if err != nil {
		return nil, err
	}
	if s.Version, err = ParseVersion(rawVersion); err != nil {
		return nil, err
	}
	s.RubygemsVersion, _ = stringValue(field(0))
	s.Summary, _ = stringValue(field(5))
	s.Description, _ = stringValue(field(13))
	s.Homepage, _ = stringValue(field(14))
	s.Email = stringList(field(11))
	s.Authors = stringList(field(12))
	s.Licenses = stringList(field(17))
	s.Metadata = stringMap(field(18))
	if ud, ok := field(4).(*marshal.UserDefined); ok {
		s.Date, _ = decodeTime(ud)
	}

	platform, ok := platformValue(field(16))
	if !ok {
		if platform, ok = platformValue(field(8)); !ok {
			return nil, fmt.Errorf("%w: gemspec platform", ErrMalformed)
		}
	}
	s.Platform = platform

	if s.RequiredRubyVersion, err = requirementValue(field(6)); err != nil {
		return nil, err
	}
	if s.RequiredRubygemsVersion, err = requirementValue(field(7)); err != nil {
		return nil, err
	}
	if s.Dependencies, err = dependencyList(field(9)); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeSpecification 生成与 DecodeSpecification 对称的 Marshal 负载（未压缩）。
func EncodeSpecification(s *Specification) ([]byte, error) {
	deps := make([]any, len(s.Dependencies))
	for i, d := range s.Dependencies {
		typ := d.Type
		if typ == "" {
			typ = "runtime"
		}
		deps[i] = &marshal.Object{Class: "Gem::Dependency", IVars: map[string]any{
			"@name":        d.Name,
			"@requirement": requirementObject(d.Requirement),
			"@type":        marshal.Symbol(typ),
			"@prerelease":  false,
		}}
	}
	metadata := &marshal.Hash{}
	for k, v := range s.Metadata {
		metadata.Keys = append(metadata.Keys, k)
		metadata.Values = append(metadata.Values, v)
	}
	var date any
	if !s.Date.IsZero() {
		date = &marshal.UserDefined{Class: "Time", Data: encodeTime(s.Date)}
	}
	platform := NormalizePlatform(s.Platform)
	payload, err := marshal.Marshal([]any{
		s.RubygemsVersion,
		specificationVersion,
		s.Name,
		versionObject(s.Version),
		date,
		s.Summary,
		requirementObject(s.RequiredRubyVersion),
		requirementObject(s.RequiredRubygemsVersion),
		platform,
		deps,
		nil,
		toAnyList(s.Email),
		toAnyList(s.Authors),
		s.Description,
		s.Homepage,
		true,
		platform,
		toAnyList(s.Licenses),
		metadata,
	})
	if err != nil {
		return nil, err
	}
	return marshal.Marshal(&marshal.UserDefined{Class: "Gem::Specification", Data: payload})
}

func dependencyList(v any) ([]Dependency, error) {
	items, ok := v.([]any)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: dependencies is %T", ErrMalformed, v)
	}
	deps := make([]Dependency, 0, len(items))
	for _, item := range items {
		obj, ok := item.(*marshal.Object)
		if !ok || obj.Class != "Gem::Dependency" {
			return nil, fmt.Errorf("%w: dependency is %T", ErrMalformed, item)
		}
		name, ok := stringValue(obj.IVar("@name"))
		if !ok {
			return nil, fmt.Errorf("%w: dependency without name", ErrMalformed)
		}
		reqValue := obj.IVar("@requirement")
		if reqValue == nil {
			reqValue = obj.IVar("@version_requirements")
		}
		req, err := requirementValue(reqValue)
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", name, err)
		}
		typ, _ := stringValue(obj.IVar("@type"))
		if typ == "" {
			typ = "runtime"
		}
		deps = append(deps, Dependency{Name: name, Requirement: req, Type: typ})
	}
	return deps, nil
}

func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := stringValue(item); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringMap(v any) map[string]string {
	h, ok := v.(*marshal.Hash)
	if !ok || h.Len() == 0 {
		return nil
	}
	out := make(map[string]string, h.Len())
	for i, k := range h.Keys {
		key, ok := stringValue(k)
		if !ok {
			continue
		}
		if val, ok := stringValue(h.Values[i]); ok {
			out[key] = val
		}
	}
	return out
}

func toAnyList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

// decodeTime 解析 Ruby Time#_dump 的 8 字节格式（两个小端 uint32）。
func decodeTime(ud *marshal.UserDefined) (time.Time, bool) {
	if ud.Class != "Time" || len(ud.Data) < 8 {
		return time.Time{}, false
	}
	p := binary.LittleEndian.Uint32(ud.Data[0:4])
	s := binary.LittleEndian.Uint32(ud.Data[4:8])
	if p&(1<<31) == 0 {
		return time.Unix(int64(p), int64(s)*1000).UTC(), true
	}
	year := int(p>>14&0xffff) + 1900
	month := time.Month(p>>10&0xf) + 1
	day := int(p >> 5 & 0x1f)
	hour := int(p & 0x1f)
	minute := int(s >> 26 & 0x3f)
	sec := int(s >> 20 & 0x3f)
	usec := int(s & 0xfffff)
	return time.Date(year, month, day, hour, minute, sec, usec*1000, time.UTC), true
}

func encodeTime(t time.Time) []byte {
	t = t.UTC()
	p := uint32(1)<<31 | uint32(1)<<30 |
		uint32(t.Year()-1900)<<14 |
		uint32(t.Month()-1)<<10 |
		uint32(t.Day())<<5 |
		uint32(t.Hour())
	s := uint32(t.Minute())<<26 | uint32(t.Second())<<20 | uint32(t.Nanosecond()/1000)
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], p)
	binary.LittleEndian.PutUint32(out[4:8], s)
	return out
}

package spec

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	versionPattern = `[0-9]+(?:\.[0-9a-zA-Z]+)*(?:-[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?`
	versionRegexp  = regexp.MustCompile(`^\s*(` + versionPattern + `)?\s*$`)
	segmentRegexp  = regexp.MustCompile(`[0-9]+|[a-zA-Z]+`)
)

// Version 是 RubyGems 版本号。零值等价于 "0"。
type Version struct {
	raw       string
	canonical []segment
}

type segment struct {
	text    string
	numeric bool
}

func (s segment) isZero() bool {
	return s.numeric && s.text == "0"
}

// ParseVersion 解析版本字符串；空串视为 "0"，"-" 按 RubyGems 规则改写为 ".pre."。
func ParseVersion(raw string) (Version, error) {
	if !versionRegexp.MatchString(raw) {
		return Version{}, fmt.Errorf("%w: version %q", ErrMalformed, raw)
	}
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "0"
	}
	normalized = strings.ReplaceAll(normalized, "-", ".pre.")
	return Version{raw: normalized, canonical: canonicalize(splitSegments(normalized))}, nil
}

// MustParseVersion panics on invalid input; intended for literals.
func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func splitSegments(s string) []segment {
	parts := segmentRegexp.FindAllString(s, -1)
	out := make([]segment, 0, len(parts))
	for _, p := range parts {
		if p[0] >= '0' && p[0] <= '9' {
			p = strings.TrimLeft(p, "0")
			if p == "" {
				p = "0"
			}
			out = append(out, segment{text: p, numeric: true})
			continue
		}
		out = append(out, segment{text: p})
	}
	return out
}

// canonicalize 分别去掉数字段与预发布段末尾的 0。
func canonicalize(segs []segment) []segment {
	split := len(segs)
	for i, s := range segs {
		if !s.numeric {
			split = i
			break
		}
	}
	release := trimZeros(segs[:split])
	pre := trimZeros(segs[split:])
	out := make([]segment, 0, len(release)+len(pre))
	out = append(out, release...)
	return append(out, pre...)
}

func trimZeros(segs []segment) []segment {
	end := len(segs)
	for end > 0 && segs[end-1].isZero() {
		end--
	}
	return segs[:end]
}

func (v Version) String() string {
	if v.raw == "" {
		return "0"
	}
	return v.raw
}

// Segments returns the version split into numeric and alphabetic parts.
func (v Version) Segments() []string {
	segs := splitSegments(v.String())
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = s.text
	}
	return out
}

// Prerelease 报告版本是否包含字母段。
func (v Version) Prerelease() bool {
	return strings.ContainsFunc(v.raw, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	})
}

// Release 去掉预发布部分："1.2.a" -> "1.2"。
func (v Version) Release() Version {
	if !v.Prerelease() {
		return v
	}
	segs := splitSegments(v.raw)
	for i, s := range segs {
		if !s.numeric {
			segs = segs[:i]
			break
		}
	}
	return fromSegments(segs)
}

// Bump 返回 "~>" 的上界："1.2.3" -> "1.3"，"5" -> "6"。
func (v Version) Bump() Version {
	segs := splitSegments(v.String())
	for i, s := range segs {
		if !s.numeric {
			segs = segs[:i]
			break
		}
	}
	if len(segs) > 1 {
		segs = segs[:len(segs)-1]
	}
	if len(segs) == 0 {
		segs = []segment{{text: "0", numeric: true}}
	}
	last := segs[len(segs)-1]
	segs[len(segs)-1] = segment{text: incrementDecimal(last.text), numeric: true}
	return fromSegments(segs)
}

func fromSegments(segs []segment) Version {
	parts := make([]string, len(segs))
	for i, s := range segs {
		parts[i] = s.text
	}
	return MustParseVersion(strings.Join(parts, "."))
}

func incrementDecimal(s string) string {
	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < '9' {
			b[i]++
			return string(b)
		}
		b[i] = '0'
	}
	return "1" + string(b)
}

// Compare 返回 -1、0、1。字母段小于数字段，缺失段按 0 处理。
func (v Version) Compare(other Version) int {
	lhs, rhs := v.segments(), other.segments()
	n := max(len(lhs), len(rhs))
	zero := segment{text: "0", numeric: true}
	for i := 0; i < n; i++ {
		l, r := zero, zero
		if i < len(lhs) {
			l = lhs[i]
		}
		if i < len(rhs) {
			r = rhs[i]
		}
		if l == r {
			continue
		}
		switch {
		case !l.numeric && r.numeric:
			return -1
		case l.numeric && !r.numeric:
			return 1
		case l.numeric:
			return compareDecimal(l.text, r.text)
		default:
			return strings.Compare(l.text, r.text)
		}
	}
	return 0
}

func (v Version) segments() []segment {
	if v.raw == "" {
		return nil
	}
	return v.canonical
}

// Equal reports whether both versions compare equal ("1.0" equals "1").
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

func compareDecimal(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

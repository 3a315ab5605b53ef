package spec

import (
	"fmt"
	"regexp"
	"strings"
)

var requirementRegexp = regexp.MustCompile(`^\s*(=|!=|>=|<=|>|<|~>)?\s*(` + versionPattern + `)\s*$`)

// Constraint 是单个 "op version" 约束。
type Constraint struct {
	Op      string
	Version Version
}

func (c Constraint) String() string {
	return c.Op + " " + c.Version.String()
}

// Satisfied reports whether v meets the constraint.
func (c Constraint) Satisfied(v Version) bool {
	cmp := v.Compare(c.Version)
	switch c.Op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case "~>":
		return cmp >= 0 && v.Release().Compare(c.Version.Bump()) < 0
	}
	return false
}

// Requirement 是约束的合取；零值等价于 ">= 0"。
type Requirement struct {
	Constraints []Constraint
}

// DefaultRequirement matches every version.
func DefaultRequirement() Requirement {
	return Requirement{Constraints: []Constraint{{Op: ">=", Version: MustParseVersion("0")}}}
}

// ParseRequirement 解析逗号分隔的约束，如 "~> 1.2, >= 1.2.3"。省略操作符时为 "="。
func ParseRequirement(raw string) (Requirement, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultRequirement(), nil
	}
	var req Requirement
	for _, part := range strings.Split(raw, ",") {
		c, err := parseConstraint(part)
		if err != nil {
			return Requirement{}, err
		}
		req.Constraints = append(req.Constraints, c)
	}
	return req, nil
}

func parseConstraint(raw string) (Constraint, error) {
	m := requirementRegexp.FindStringSubmatch(raw)
	if m == nil {
		return Constraint{}, fmt.Errorf("%w: requirement %q", ErrMalformed, strings.TrimSpace(raw))
	}
	op := m[1]
	if op == "" {
		op = "="
	}
	v, err := ParseVersion(m[2])
	if err != nil {
		return Constraint{}, err
	}
	return Constraint{Op: op, Version: v}, nil
}

// Satisfied 要求所有约束同时成立。
func (r Requirement) Satisfied(v Version) bool {
	for _, c := range r.Constraints {
		if !c.Satisfied(v) {
			return false
		}
	}
	return true
}

// Prerelease reports whether any constraint names a prerelease version.
func (r Requirement) Prerelease() bool {
	for _, c := range r.Constraints {
		if c.Version.Prerelease() {
			return true
		}
	}
	return false
}

func (r Requirement) String() string {
	if len(r.Constraints) == 0 {
		return ">= 0"
	}
	parts := make([]string, len(r.Constraints))
	for i, c := range r.Constraints {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

func (r Requirement) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Requirement) UnmarshalText(text []byte) error {
	parsed, err := ParseRequirement(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

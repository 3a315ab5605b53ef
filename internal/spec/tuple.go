package spec

import (
	"errors"
	"fmt"
	"regexp"
)

// DefaultPlatform 是纯 Ruby gem 的平台标记。
const DefaultPlatform = "ruby"

// ErrMalformed 表示上游元数据结构不符合预期。
var ErrMalformed = errors.New("malformed gem metadata")

// namePattern 是 gem 名称与平台允许的字符集，保证二者可以直接作为单个路径段使用。
var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Tuple 是一条 (name, version, platform) 记录，创建后不可变。
type Tuple struct {
	Name     string  `json:"name"`
	Version  Version `json:"version"`
	Platform string  `json:"platform"`
}

// NewTuple 解析版本并规范化平台；空平台视为 "ruby"。
func NewTuple(name, version, platform string) (Tuple, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return Tuple{}, err
	}
	if name == "" {
		return Tuple{}, errors.Join(ErrMalformed, errors.New("empty gem name"))
	}
	if !validSegment(name) {
		return Tuple{}, fmt.Errorf("%w: gem name %q", ErrMalformed, name)
	}
	platform = NormalizePlatform(platform)
	if !validSegment(platform) {
		return Tuple{}, fmt.Errorf("%w: platform %q", ErrMalformed, platform)
	}
	return Tuple{Name: name, Version: v, Platform: platform}, nil
}

func validSegment(s string) bool {
	return s != "." && s != ".." && namePattern.MatchString(s)
}

// NormalizePlatform maps the empty platform to DefaultPlatform.
func NormalizePlatform(platform string) string {
	if platform == "" {
		return DefaultPlatform
	}
	return platform
}

// FullName 返回 gem 文件名主体，ruby 平台不带后缀。
func (t Tuple) FullName() string {
	if t.Platform == DefaultPlatform || t.Platform == "" {
		return t.Name + "-" + t.Version.String()
	}
	return t.Name + "-" + t.Version.String() + "-" + t.Platform
}

func (t Tuple) String() string {
	return t.FullName()
}

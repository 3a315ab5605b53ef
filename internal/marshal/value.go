package marshal

// Symbol 对应 Ruby Symbol，与 String 区分开以便调用方识别键名。
type Symbol string

// Object 表示普通对象（'o'）或 Struct（'S'）。IVars 的键保留 Ruby 形式，如 "@name"；
// Struct 成员没有 "@" 前缀。
type Object struct {
	Class string
	IVars map[string]any
}

// IVar 返回实例变量，不存在时返回 nil。
func (o *Object) IVar(name string) any {
	if o == nil {
		return nil
	}
	return o.IVars[name]
}

// UserMarshal 对应 marshal_dump/marshal_load（'U'），如 Gem::Version、Gem::Requirement。
type UserMarshal struct {
	Class string
	Data  any
}

// UserDefined 对应 _dump/_load（'u'），如 Gem::Specification、Time。Data 为原始字节。
type UserDefined struct {
	Class string
	Data  []byte
}

// Hash 保留键值顺序；Default 仅在 '}' 形式下出现。
type Hash struct {
	Keys    []any
	Values  []any
	Default any
}

// Get 以 Ruby 的 == 近似语义查找键（字符串/符号/整数按值比较）。
func (h *Hash) Get(key any) (any, bool) {
	if h == nil {
		return nil, false
	}
	for i, k := range h.Keys {
		if k == key {
			return h.Values[i], true
		}
	}
	return nil, false
}

// Len returns the number of pairs.
func (h *Hash) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Keys)
}

// ClassRef 表示类或模块引用（'c'/'m'/'M'）。
type ClassRef struct {
	Name   string
	Module bool
}

// Regexp 表示 '/' 类型。
type Regexp struct {
	Source  string
	Options byte
}

package source

import "fmt"

// State 是 Source 的生命周期状态。
type State int

const (
	// Unloaded 尚无内存中的 specs。
	Unloaded State = iota
	// Loading 正在从上游获取索引。
	Loading
	// Fresh specs 可用且校验通过。
	Fresh
	// Stale specs 可用但需要重新校验（例如刚从缓存文件载入）。
	Stale
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := Unloaded; candidate <= Stale; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown source state %q", text)
}

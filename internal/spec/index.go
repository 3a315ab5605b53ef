package spec

import "iter"

type latestKey struct {
	name     string
	platform string
}

// Index 是某个源的全部 tuple 及其派生视图。构造后只读，可被多个 goroutine 共享。
type Index struct {
	tuples []Tuple
	latest map[latestKey]int
	order  []latestKey
}

// NewIndex 复制 tuples 并计算每个 (name, platform) 的最高版本。
// 相同 (name, version, platform) 出现多次时，后出现者覆盖前者。
func NewIndex(tuples []Tuple) *Index {
	idx := &Index{
		tuples: append([]Tuple(nil), tuples...),
		latest: make(map[latestKey]int),
	}
	for i, t := range idx.tuples {
		key := latestKey{name: t.Name, platform: t.Platform}
		cur, ok := idx.latest[key]
		if !ok {
			idx.order = append(idx.order, key)
			idx.latest[key] = i
			continue
		}
		if t.Version.Compare(idx.tuples[cur].Version) >= 0 {
			idx.latest[key] = i
		}
	}
	return idx
}

// Len returns the number of tuples, duplicates included.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.tuples)
}

// Tuples 返回源顺序的副本。
func (idx *Index) Tuples() []Tuple {
	if idx == nil {
		return nil
	}
	return append([]Tuple(nil), idx.tuples...)
}

// Latest 返回 (name, platform) 的最高版本。
func (idx *Index) Latest(name, platform string) (Tuple, bool) {
	if idx == nil {
		return Tuple{}, false
	}
	i, ok := idx.latest[latestKey{name: name, platform: NormalizePlatform(platform)}]
	if !ok {
		return Tuple{}, false
	}
	return idx.tuples[i], true
}

// LatestAll 按 (name, platform) 首次出现的顺序返回每组的最高版本。
func (idx *Index) LatestAll() []Tuple {
	if idx == nil {
		return nil
	}
	out := make([]Tuple, 0, len(idx.order))
	for _, key := range idx.order {
		out = append(out, idx.tuples[idx.latest[key]])
	}
	return out
}

// Search 惰性产出满足 pred 的 tuple，保持源顺序；返回的序列可重复遍历。
func (idx *Index) Search(pred Predicate) iter.Seq[Tuple] {
	return func(yield func(Tuple) bool) {
		if idx == nil {
			return
		}
		for _, t := range idx.tuples {
			if pred != nil && !pred(t) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}
}

// Predicate 用于 Search 过滤。nil 匹配全部。
type Predicate func(Tuple) bool

// ByName matches tuples with the given gem name.
func ByName(name string) Predicate {
	return func(t Tuple) bool { return t.Name == name }
}

// ByPlatform matches tuples built for platform ("" means ruby).
func ByPlatform(platform string) Predicate {
	platform = NormalizePlatform(platform)
	return func(t Tuple) bool { return t.Platform == platform }
}

// ByRequirement matches tuples whose version satisfies req.
func ByRequirement(req Requirement) Predicate {
	return func(t Tuple) bool { return req.Satisfied(t.Version) }
}

// Matching 组合多个谓词，全部成立才匹配；nil 谓词被忽略。
func Matching(preds ...Predicate) Predicate {
	return func(t Tuple) bool {
		for _, p := range preds {
			if p != nil && !p(t) {
				return false
			}
		}
		return true
	}
}

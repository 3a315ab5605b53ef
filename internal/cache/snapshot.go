package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/tinylib/msgp/msgp"
)

// 快照文件布局：magic | format | zstd(msgpack(Snapshot)) | xxhash64(前述全部字节)。
const (
	snapshotMagic  = "GEMIDX"
	snapshotFormat = byte(1)
	checksumSize   = 8

	maxSnapshotSize = 1 << 30
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSnapshotSize))
)

// Snapshot 是一个源持久化的全部状态：origin、验证头与 tuple 列表。
// 不包含任何指向所属分组的引用。
type Snapshot struct {
	Origin     string
	Validation map[string]string
	Specs      []SpecRecord
}

// SpecRecord 是 tuple 的序列化形式，版本保留原始字符串。
type SpecRecord struct {
	Name     string
	Version  string
	Platform string
}

// MarshalSnapshot 将快照编码为带校验和的文件内容。
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	var payload bytes.Buffer
	w := msgp.NewWriter(&payload)
	if err := s.EncodeMsg(w); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	out := make([]byte, 0, len(snapshotMagic)+1+payload.Len()/2+checksumSize)
	out = append(out, snapshotMagic...)
	out = append(out, snapshotFormat)
	out = zstdEncoder.EncodeAll(payload.Bytes(), out)
	return binary.BigEndian.AppendUint64(out, xxhash.Sum64(out)), nil
}

// UnmarshalSnapshot 校验并解码快照；任何不一致都返回 ErrCacheCorrupt。
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	header := len(snapshotMagic) + 1
	if len(data) < header+checksumSize {
		return nil, fmt.Errorf("%w: truncated snapshot", ErrCacheCorrupt)
	}
	if string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCacheCorrupt)
	}
	if data[len(snapshotMagic)] != snapshotFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCacheCorrupt, data[len(snapshotMagic)])
	}
	body, trailer := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	if xxhash.Sum64(body) != binary.BigEndian.Uint64(trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCacheCorrupt)
	}

	payload, err := zstdDecoder.DecodeAll(body[header:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
	}
	var s Snapshot
	if err := s.DecodeMsg(msgp.NewReader(bytes.NewReader(payload))); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCacheCorrupt, err)
	}
	return &s, nil
}

// SnapshotStore 以 IndexLocator 为键读写快照。
type SnapshotStore struct {
	store Store
}

// NewSnapshotStore wraps store.
func NewSnapshotStore(store Store) *SnapshotStore {
	return &SnapshotStore{store: store}
}

// Load 读取 origin 的快照。未命中返回 ErrNotFound，无法解码或 origin 不符返回 ErrCacheCorrupt。
func (s *SnapshotStore) Load(ctx context.Context, origin string) (*Snapshot, error) {
	data, _, err := ReadAll(ctx, s.store, IndexLocator(origin))
	if err != nil {
		return nil, err
	}
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	if snap.Origin != origin {
		return nil, fmt.Errorf("%w: snapshot belongs to %q", ErrCacheCorrupt, snap.Origin)
	}
	return snap, nil
}

// Save 原子地写入快照。
func (s *SnapshotStore) Save(ctx context.Context, snap *Snapshot) (*Entry, error) {
	if snap.Origin == "" {
		return nil, errors.New("snapshot origin required")
	}
	data, err := MarshalSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return s.store.Put(ctx, IndexLocator(snap.Origin), bytes.NewReader(data), PutOptions{})
}

// Delete 删除 origin 的快照，不存在时视为成功。
func (s *SnapshotStore) Delete(ctx context.Context, origin string) error {
	return s.store.Remove(ctx, IndexLocator(origin))
}

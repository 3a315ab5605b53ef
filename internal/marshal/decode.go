package marshal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"strconv"
)

const (
	majorVersion = 4
	minorVersion = 8

	maxDepth  = 512
	maxLength = 1 << 30
)

// ErrFormat 表示输入不是合法的 Marshal 4.8 数据，所有解码错误都包装它。
var ErrFormat = errors.New("invalid marshal data")

// Decoder 从流中解码单个 Marshal 文档。
type Decoder struct {
	r       *bufio.Reader
	symbols []Symbol
	objects []any
	depth   int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br}
}

// Unmarshal decodes a complete Marshal document held in data.
func Unmarshal(data []byte) (any, error) {
	return NewDecoder(bytes.NewReader(data)).Decode()
}

// Decode 读取版本头与一个顶层值。
func (d *Decoder) Decode() (any, error) {
	d.symbols = d.symbols[:0]
	d.objects = d.objects[:0]
	d.depth = 0

	major, err := d.readByte()
	if err != nil {
		return nil, err
	}
	minor, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if major != majorVersion || minor > minorVersion {
		return nil, fmt.Errorf("%w: unsupported version %d.%d", ErrFormat, major, minor)
	}
	return d.read(nil)
}

// read 解码一个值。ivar 非 nil 表示外层 'I' 尚待读取实例变量，'u' 会自行消费它们。
func (d *Decoder) read(ivar *bool) (any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrFormat, maxDepth)
	}

	tag, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case '0':
		return nil, nil
	case 'T':
		return true, nil
	case 'F':
		return false, nil
	case 'i':
		n, err := d.readLong()
		return n, err
	case ':':
		return d.readSymbolBody()
	case ';':
		return d.readSymlink()
	case '@':
		idx, err := d.readLong()
		if err != nil {
			return nil, err
		}
		if idx < 0 || int(idx) >= len(d.objects) {
			return nil, fmt.Errorf("%w: object link %d out of range", ErrFormat, idx)
		}
		return d.objects[idx], nil
	case 'I':
		pending := true
		v, err := d.read(&pending)
		if err != nil {
			return nil, err
		}
		if pending {
			if _, err := d.readIVars(); err != nil {
				return nil, err
			}
		}
		return v, nil
	case 'e':
		if _, err := d.readSymbol(); err != nil {
			return nil, err
		}
		return d.read(ivar)
	case 'C':
		if _, err := d.readSymbol(); err != nil {
			return nil, err
		}
		return d.read(ivar)
	case '"':
		b, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		s := string(b)
		d.register(s)
		return s, nil
	case 'f':
		return d.readFloat()
	case 'l':
		return d.readBignum()
	case '[':
		return d.readArray()
	case '{', '}':
		return d.readHash(tag == '}')
	case 'o', 'S':
		return d.readObject()
	case 'U':
		return d.readUserMarshal()
	case 'u':
		return d.readUserDefined(ivar)
	case 'c', 'm', 'M':
		b, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		ref := &ClassRef{Name: string(b), Module: tag != 'c'}
		d.register(ref)
		return ref, nil
	case '/':
		b, err := d.readBytes()
		if err != nil {
			return nil, err
		}
		opts, err := d.readByte()
		if err != nil {
			return nil, err
		}
		re := &Regexp{Source: string(b), Options: opts}
		d.register(re)
		return re, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type tag %q", ErrFormat, tag)
	}
}

func (d *Decoder) register(v any) int {
	d.objects = append(d.objects, v)
	return len(d.objects) - 1
}

func (d *Decoder) reserve() int {
	return d.register(nil)
}

func (d *Decoder) readArray() ([]any, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	slot := d.reserve()
	items := make([]any, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		v, err := d.read(nil)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	d.objects[slot] = items
	return items, nil
}

func (d *Decoder) readHash(withDefault bool) (*Hash, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	h := &Hash{}
	d.register(h)
	for i := 0; i < n; i++ {
		k, err := d.read(nil)
		if err != nil {
			return nil, err
		}
		v, err := d.read(nil)
		if err != nil {
			return nil, err
		}
		h.Keys = append(h.Keys, k)
		h.Values = append(h.Values, v)
	}
	if withDefault {
		if h.Default, err = d.read(nil); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (d *Decoder) readObject() (*Object, error) {
	class, err := d.readSymbol()
	if err != nil {
		return nil, err
	}
	obj := &Object{Class: string(class)}
	d.register(obj)
	if obj.IVars, err = d.readIVars(); err != nil {
		return nil, err
	}
	return obj, nil
}

func (d *Decoder) readUserMarshal() (*UserMarshal, error) {
	class, err := d.readSymbol()
	if err != nil {
		return nil, err
	}
	um := &UserMarshal{Class: string(class)}
	d.register(um)
	if um.Data, err = d.read(nil); err != nil {
		return nil, err
	}
	return um, nil
}

func (d *Decoder) readUserDefined(ivar *bool) (*UserDefined, error) {
	class, err := d.readSymbol()
	if err != nil {
		return nil, err
	}
	data, err := d.readBytes()
	if err != nil {
		return nil, err
	}
	if ivar != nil && *ivar {
		if _, err := d.readIVars(); err != nil {
			return nil, err
		}
		*ivar = false
	}
	ud := &UserDefined{Class: string(class), Data: data}
	d.register(ud)
	return ud, nil
}

func (d *Decoder) readIVars() (map[string]any, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, min(n, 64))
	for i := 0; i < n; i++ {
		key, err := d.readSymbol()
		if err != nil {
			return nil, err
		}
		v, err := d.read(nil)
		if err != nil {
			return nil, err
		}
		vars[string(key)] = v
	}
	return vars, nil
}

func (d *Decoder) readFloat() (float64, error) {
	b, err := d.readBytes()
	if err != nil {
		return 0, err
	}
	var f float64
	switch s := string(b); s {
	case "inf":
		f = math.Inf(1)
	case "-inf":
		f = math.Inf(-1)
	case "nan":
		f = math.NaN()
	default:
		if idx := bytes.IndexByte(b, 0); idx >= 0 {
			s = s[:idx]
		}
		f, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: float %q", ErrFormat, s)
		}
	}
	d.register(f)
	return f, nil
}

func (d *Decoder) readBignum() (*big.Int, error) {
	sign, err := d.readByte()
	if err != nil {
		return nil, err
	}
	shorts, err := d.readCount()
	if err != nil {
		return nil, err
	}
	raw, err := d.readN(shorts * 2)
	if err != nil {
		return nil, err
	}
	// little-endian on the wire, big.Int wants big-endian
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	n := new(big.Int).SetBytes(raw)
	if sign == '-' {
		n.Neg(n)
	}
	d.register(n)
	return n, nil
}

// readSymbol 读取一个符号位置的值（':'、';' 或带编码的 'I:'）。
func (d *Decoder) readSymbol() (Symbol, error) {
	tag, err := d.readByte()
	if err != nil {
		return "", err
	}
	switch tag {
	case ':':
		return d.readSymbolBody()
	case ';':
		return d.readSymlink()
	case 'I':
		sym, err := d.readSymbol()
		if err != nil {
			return "", err
		}
		if _, err := d.readIVars(); err != nil {
			return "", err
		}
		return sym, nil
	default:
		return "", fmt.Errorf("%w: expected symbol, got tag %q", ErrFormat, tag)
	}
}

func (d *Decoder) readSymbolBody() (Symbol, error) {
	b, err := d.readBytes()
	if err != nil {
		return "", err
	}
	sym := Symbol(b)
	d.symbols = append(d.symbols, sym)
	return sym, nil
}

func (d *Decoder) readSymlink() (Symbol, error) {
	idx, err := d.readLong()
	if err != nil {
		return "", err
	}
	if idx < 0 || int(idx) >= len(d.symbols) {
		return "", fmt.Errorf("%w: symbol link %d out of range", ErrFormat, idx)
	}
	return d.symbols[idx], nil
}

func (d *Decoder) readBytes() ([]byte, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, err
	}
	return d.readN(n)
}

// readN 读取 n 个字节。缓冲区随实际到达的数据增长，长度前缀本身不触发分配。
func (d *Decoder) readN(n int) ([]byte, error) {
	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, d.r, int64(n))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, unexpected(err)
	}
	if copied < int64(n) {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrFormat, n, copied)
	}
	return buf.Bytes(), nil
}

func (d *Decoder) readCount() (int, error) {
	n, err := d.readLong()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxLength {
		return 0, fmt.Errorf("%w: invalid length %d", ErrFormat, n)
	}
	return int(n), nil
}

// readLong 解码 Marshal 的变长整数。
func (d *Decoder) readLong() (int64, error) {
	b, err := d.readByte()
	if err != nil {
		return 0, err
	}
	c := int64(int8(b))
	switch {
	case c == 0:
		return 0, nil
	case c > 0:
		if c > 4 {
			return c - 5, nil
		}
		var x int64
		for i := int64(0); i < c; i++ {
			nb, err := d.readByte()
			if err != nil {
				return 0, err
			}
			x |= int64(nb) << (8 * i)
		}
		return x, nil
	default:
		if c < -4 {
			return c + 5, nil
		}
		x := int64(-1)
		for i := int64(0); i < -c; i++ {
			nb, err := d.readByte()
			if err != nil {
				return 0, err
			}
			x &^= int64(0xff) << (8 * i)
			x |= int64(nb) << (8 * i)
		}
		return x, nil
	}
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, unexpected(err)
	}
	return b, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrFormat, io.ErrUnexpectedEOF)
	}
	return err
}

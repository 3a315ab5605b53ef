package marshal

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
)

const (
	fixnumMax = 1<<30 - 1
	fixnumMin = -(1 << 30)
)

// Encoder 写出 Marshal 4.8 文档。只输出符号链接（';'），从不输出对象链接（'@'）。
type Encoder struct {
	w       io.Writer
	buf     bytes.Buffer
	symbols map[Symbol]int
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Marshal encodes v as a complete Marshal document.
func Marshal(v any) ([]byte, error) {
	var out bytes.Buffer
	if err := NewEncoder(&out).Encode(v); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// Encode 写出版本头与 v。
//
// 支持的 Go 类型：nil、bool、int、int64、float64、string（UTF-8 字符串）、
// []byte（二进制字符串）、Symbol、[]any、[]string、*Hash、*Object、
// *UserMarshal、*UserDefined、*big.Int。
func (e *Encoder) Encode(v any) error {
	e.buf.Reset()
	e.symbols = make(map[Symbol]int)
	e.buf.WriteByte(majorVersion)
	e.buf.WriteByte(minorVersion)
	if err := e.write(v); err != nil {
		return err
	}
	_, err := e.w.Write(e.buf.Bytes())
	return err
}

func (e *Encoder) write(v any) error {
	switch val := v.(type) {
	case nil:
		e.buf.WriteByte('0')
	case bool:
		if val {
			e.buf.WriteByte('T')
		} else {
			e.buf.WriteByte('F')
		}
	case int:
		e.writeInt(int64(val))
	case int64:
		e.writeInt(val)
	case float64:
		e.buf.WriteByte('f')
		e.writeFloat(val)
	case *big.Int:
		e.writeBignum(val)
	case string:
		e.buf.WriteString(`I"`)
		e.writeBytes([]byte(val))
		e.writeLong(1)
		e.writeSymbol("E")
		e.buf.WriteByte('T')
	case []byte:
		e.buf.WriteByte('"')
		e.writeBytes(val)
	case Symbol:
		e.writeSymbol(val)
	case []string:
		e.buf.WriteByte('[')
		e.writeLong(int64(len(val)))
		for _, s := range val {
			if err := e.write(s); err != nil {
				return err
			}
		}
	case []any:
		e.buf.WriteByte('[')
		e.writeLong(int64(len(val)))
		for _, item := range val {
			if err := e.write(item); err != nil {
				return err
			}
		}
	case *Hash:
		if val.Default != nil {
			e.buf.WriteByte('}')
		} else {
			e.buf.WriteByte('{')
		}
		e.writeLong(int64(len(val.Keys)))
		for i := range val.Keys {
			if err := e.write(val.Keys[i]); err != nil {
				return err
			}
			if err := e.write(val.Values[i]); err != nil {
				return err
			}
		}
		if val.Default != nil {
			return e.write(val.Default)
		}
	case *Object:
		e.buf.WriteByte('o')
		e.writeSymbol(Symbol(val.Class))
		names := make([]string, 0, len(val.IVars))
		for name := range val.IVars {
			names = append(names, name)
		}
		sort.Strings(names)
		e.writeLong(int64(len(names)))
		for _, name := range names {
			e.writeSymbol(Symbol(name))
			if err := e.write(val.IVars[name]); err != nil {
				return err
			}
		}
	case *UserMarshal:
		e.buf.WriteByte('U')
		e.writeSymbol(Symbol(val.Class))
		return e.write(val.Data)
	case *UserDefined:
		e.buf.WriteByte('u')
		e.writeSymbol(Symbol(val.Class))
		e.writeBytes(val.Data)
	default:
		return fmt.Errorf("marshal: unsupported type %T", v)
	}
	return nil
}

func (e *Encoder) writeInt(n int64) {
	if n < fixnumMin || n > fixnumMax {
		e.writeBignum(big.NewInt(n))
		return
	}
	e.buf.WriteByte('i')
	e.writeLong(n)
}

func (e *Encoder) writeBignum(n *big.Int) {
	e.buf.WriteByte('l')
	if n.Sign() < 0 {
		e.buf.WriteByte('-')
	} else {
		e.buf.WriteByte('+')
	}
	raw := new(big.Int).Abs(n).Bytes()
	if len(raw)%2 == 1 {
		raw = append([]byte{0}, raw...)
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	e.writeLong(int64(len(raw) / 2))
	e.buf.Write(raw)
}

func (e *Encoder) writeFloat(f float64) {
	var s string
	switch {
	case math.IsInf(f, 1):
		s = "inf"
	case math.IsInf(f, -1):
		s = "-inf"
	case math.IsNaN(f):
		s = "nan"
	default:
		s = strconv.FormatFloat(f, 'g', -1, 64)
	}
	e.writeBytes([]byte(s))
}

func (e *Encoder) writeSymbol(sym Symbol) {
	if idx, ok := e.symbols[sym]; ok {
		e.buf.WriteByte(';')
		e.writeLong(int64(idx))
		return
	}
	e.symbols[sym] = len(e.symbols)
	e.buf.WriteByte(':')
	e.writeBytes([]byte(sym))
}

func (e *Encoder) writeBytes(b []byte) {
	e.writeLong(int64(len(b)))
	e.buf.Write(b)
}

func (e *Encoder) writeLong(x int64) {
	switch {
	case x == 0:
		e.buf.WriteByte(0)
	case 0 < x && x < 123:
		e.buf.WriteByte(byte(x + 5))
	case -124 < x && x < 0:
		e.buf.WriteByte(byte((x - 5) & 0xff))
	default:
		var tmp [9]byte
		i := 1
		for ; i < len(tmp); i++ {
			tmp[i] = byte(x & 0xff)
			x >>= 8
			if x == 0 {
				tmp[0] = byte(i)
				break
			}
			if x == -1 {
				tmp[0] = byte(-i)
				break
			}
		}
		e.buf.Write(tmp[:i+1])
	}
}

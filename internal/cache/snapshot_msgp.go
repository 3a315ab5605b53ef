package cache

import (
	"sort"

	"github.com/tinylib/msgp/msgp"
)

// EncodeMsg implements msgp.Encodable. Validation keys are written sorted so
// identical snapshots produce identical bytes.
func (z *Snapshot) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(3); err != nil {
		return
	}
	if err = en.WriteString("origin"); err != nil {
		return
	}
	if err = en.WriteString(z.Origin); err != nil {
		return msgp.WrapError(err, "Origin")
	}

	if err = en.WriteString("validation"); err != nil {
		return
	}
	keys := make([]string, 0, len(z.Validation))
	for k := range z.Validation {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err = en.WriteMapHeader(uint32(len(keys))); err != nil {
		return msgp.WrapError(err, "Validation")
	}
	for _, k := range keys {
		if err = en.WriteString(k); err != nil {
			return msgp.WrapError(err, "Validation")
		}
		if err = en.WriteString(z.Validation[k]); err != nil {
			return msgp.WrapError(err, "Validation", k)
		}
	}

	if err = en.WriteString("specs"); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Specs))); err != nil {
		return msgp.WrapError(err, "Specs")
	}
	for i := range z.Specs {
		if err = z.Specs[i].EncodeMsg(en); err != nil {
			return msgp.WrapError(err, "Specs", i)
		}
	}
	return nil
}

// DecodeMsg implements msgp.Decodable. Unknown keys are skipped.
func (z *Snapshot) DecodeMsg(dc *msgp.Reader) (err error) {
	var field []byte
	var size uint32
	size, err = dc.ReadMapHeader()
	if err != nil {
		return
	}
	for ; size > 0; size-- {
		field, err = dc.ReadMapKeyPtr()
		if err != nil {
			return
		}
		switch msgp.UnsafeString(field) {
		case "origin":
			if z.Origin, err = dc.ReadString(); err != nil {
				return msgp.WrapError(err, "Origin")
			}
		case "validation":
			var n uint32
			if n, err = dc.ReadMapHeader(); err != nil {
				return msgp.WrapError(err, "Validation")
			}
			z.Validation = make(map[string]string, n)
			for ; n > 0; n-- {
				var k, v string
				if k, err = dc.ReadString(); err != nil {
					return msgp.WrapError(err, "Validation")
				}
				if v, err = dc.ReadString(); err != nil {
					return msgp.WrapError(err, "Validation", k)
				}
				z.Validation[k] = v
			}
		case "specs":
			var n uint32
			if n, err = dc.ReadArrayHeader(); err != nil {
				return msgp.WrapError(err, "Specs")
			}
			z.Specs = make([]SpecRecord, n)
			for i := range z.Specs {
				if err = z.Specs[i].DecodeMsg(dc); err != nil {
					return msgp.WrapError(err, "Specs", i)
				}
			}
		default:
			if err = dc.Skip(); err != nil {
				return
			}
		}
	}
	return nil
}

// EncodeMsg writes the record as a fixed 3-element array.
func (z *SpecRecord) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = en.WriteString(z.Name); err != nil {
		return msgp.WrapError(err, "Name")
	}
	if err = en.WriteString(z.Version); err != nil {
		return msgp.WrapError(err, "Version")
	}
	if err = en.WriteString(z.Platform); err != nil {
		return msgp.WrapError(err, "Platform")
	}
	return nil
}

// DecodeMsg implements msgp.Decodable.
func (z *SpecRecord) DecodeMsg(dc *msgp.Reader) (err error) {
	var size uint32
	if size, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if size != 3 {
		return msgp.ArrayError{Wanted: 3, Got: size}
	}
	if z.Name, err = dc.ReadString(); err != nil {
		return msgp.WrapError(err, "Name")
	}
	if z.Version, err = dc.ReadString(); err != nil {
		return msgp.WrapError(err, "Version")
	}
	if z.Platform, err = dc.ReadString(); err != nil {
		return msgp.WrapError(err, "Platform")
	}
	return nil
}

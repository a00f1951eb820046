package clr

import (
	"errors"
	"math"
)

// Element types used in signatures and custom attribute blobs (II.23.1.16).
const (
	elemVoid        = 0x01
	elemBoolean     = 0x02
	elemChar        = 0x03
	elemI1          = 0x04
	elemU1          = 0x05
	elemI2          = 0x06
	elemU2          = 0x07
	elemI4          = 0x08
	elemU4          = 0x09
	elemI8          = 0x0A
	elemU8          = 0x0B
	elemR4          = 0x0C
	elemR8          = 0x0D
	elemString      = 0x0E
	elemValueType   = 0x11
	elemClass       = 0x12
	elemGenericInst = 0x15

	sigHasThis      = 0x20
	attrProlog      = 0x0001
	namedArgField   = 0x53
	namedArgProp    = 0x54
	serStringNull   = 0xFF
	maxAttributeArg = 64
)

var errUnsupportedArg = errors.New("unsupported custom attribute argument type")

// Attribute is a decoded assembly-level custom attribute. Args holds the
// constructor arguments and Named the named field and property arguments.
// Only primitive and string arguments are decoded; decoding stops at the
// first argument of another type, leaving the rest absent.
type Attribute struct {
	Type  string
	Args  []any
	Named map[string]any
}

// StringArg returns the positional argument at i if it is a non-null string.
func (a Attribute) StringArg(i int) (string, bool) {
	if i < 0 || i >= len(a.Args) {
		return "", false
	}
	s, ok := a.Args[i].(string)
	return s, ok
}

// NamedString returns the named argument name if it is a non-null string.
func (a Attribute) NamedString(name string) (string, bool) {
	s, ok := a.Named[name].(string)
	return s, ok
}

// assemblyAttributes decodes every custom attribute whose parent is the
// assembly row. Undecodable attributes are skipped.
func (d *decoder) assemblyAttributes() {
	for row := uint32(1); row <= d.md.tables.rowCount(tblCustomAttribute); row++ {
		parent, err := d.md.cellToken(tblCustomAttribute, row, 0, &ciHasCustomAttribute)
		if err != nil || parent.table != tblAssembly {
			continue
		}
		ctor, err := d.md.cellToken(tblCustomAttribute, row, 1, &ciCustomAttributeType)
		if err != nil {
			continue
		}
		typeName, sig, err := d.constructor(ctor)
		if err != nil || typeName == "" {
			continue
		}
		value, err := d.md.cellBlob(tblCustomAttribute, row, 2)
		if err != nil {
			continue
		}
		attr := Attribute{Type: typeName, Named: map[string]any{}}
		decodeAttributeValue(&attr, sig, value)
		d.mod.attributes = append(d.mod.attributes, attr)
	}
}

// constructor resolves an attribute constructor token to the declaring
// type's full name and the constructor's parameter types.
func (d *decoder) constructor(tok token) (string, []byte, error) {
	switch tok.table {
	case tblMemberRef:
		parent, err := d.md.cellToken(tblMemberRef, tok.row, 0, &ciMemberRefParent)
		if err != nil {
			return "", nil, err
		}
		sig, err := d.md.cellBlob(tblMemberRef, tok.row, 2)
		if err != nil {
			return "", nil, err
		}
		var ref *TypeRef
		switch parent.table {
		case tblTypeRef:
			ref, err = d.typeRef(parent.row, 0)
		case tblTypeDef:
			ref = &TypeRef{Def: d.placeholderDef(parent.row)}
		case tblTypeSpec:
			var spec []byte
			if spec, err = d.md.cellBlob(tblTypeSpec, parent.row, 0); err == nil {
				ref, err = d.typeSpec(spec)
			}
		}
		if err != nil || ref == nil {
			return "", nil, err
		}
		return ref.FullName(), sig, nil

	case tblMethodDef:
		sig, err := d.md.cellBlob(tblMethodDef, tok.row, 4)
		if err != nil {
			return "", nil, err
		}
		owner := d.methodOwner(tok.row)
		if owner == nil {
			return "", nil, nil
		}
		return owner.FullName(), sig, nil
	}
	return "", nil, nil
}

// methodOwner finds the TypeDef whose method list contains the MethodDef row.
func (d *decoder) methodOwner(method uint32) *TypeDef {
	var owner *TypeDef
	for row := uint32(1); row <= d.md.tables.rowCount(tblTypeDef); row++ {
		start, err := d.md.tables.cell(tblTypeDef, row, 5)
		if err != nil {
			return owner
		}
		if start > method {
			break
		}
		owner = d.placeholderDef(row)
	}
	return owner
}

// decodeAttributeValue fills attr from a constructor signature and a custom
// attribute value blob (II.23.3).
func decodeAttributeValue(attr *Attribute, sig, value []byte) {
	params, ok := constructorParams(sig)
	rd := &byteReader{buf: value}
	if rd.u16() != attrProlog {
		return
	}
	for _, p := range params {
		v, err := readFixedArg(rd, p)
		if err != nil {
			return
		}
		attr.Args = append(attr.Args, v)
	}
	if !ok {
		return
	}

	n := int(rd.u16())
	for i := 0; i < n && i < maxAttributeArg && rd.err == nil; i++ {
		kind := rd.u8()
		if kind != namedArgField && kind != namedArgProp {
			return
		}
		typ := rd.u8()
		name, _ := readSerString(rd)
		v, err := readFixedArg(rd, typ)
		if err != nil {
			return
		}
		attr.Named[name] = v
	}
}

// constructorParams returns the element type of each constructor parameter.
// The boolean is false when a parameter type is not a primitive or string,
// in which case the returned prefix is still usable.
func constructorParams(sig []byte) ([]byte, bool) {
	rd := &byteReader{buf: sig}
	conv := rd.u8()
	if conv&sigHasThis == 0 {
		return nil, false
	}
	count := int(rd.compressed())
	if rd.u8() != elemVoid || rd.err != nil {
		return nil, false
	}
	params := make([]byte, 0, count)
	for i := 0; i < count && i < maxAttributeArg; i++ {
		t := rd.u8()
		if rd.err != nil || !isSimpleElem(t) {
			return params, false
		}
		params = append(params, t)
	}
	return params, true
}

func isSimpleElem(t byte) bool {
	return t >= elemBoolean && t <= elemString
}

func readFixedArg(rd *byteReader, t byte) (any, error) {
	var v any
	switch t {
	case elemBoolean:
		v = rd.u8() != 0
	case elemChar:
		v = rune(rd.u16())
	case elemI1:
		v = int8(rd.u8())
	case elemU1:
		v = rd.u8()
	case elemI2:
		v = int16(rd.u16())
	case elemU2:
		v = rd.u16()
	case elemI4:
		v = int32(rd.u32())
	case elemU4:
		v = rd.u32()
	case elemI8:
		v = int64(rd.u64())
	case elemU8:
		v = rd.u64()
	case elemR4:
		v = math.Float32frombits(rd.u32())
	case elemR8:
		v = math.Float64frombits(rd.u64())
	case elemString:
		s, ok := readSerString(rd)
		if ok {
			v = s
		}
	default:
		return nil, errUnsupportedArg
	}
	if rd.err != nil {
		return nil, rd.err
	}
	return v, nil
}

// readSerString reads a SerString; the boolean is false for a null string.
func readSerString(rd *byteReader) (string, bool) {
	if rd.remaining() > 0 && rd.buf[rd.pos] == serStringNull {
		rd.skip(1)
		return "", false
	}
	n := rd.compressed()
	b := rd.bytes(int(n))
	if rd.err != nil {
		return "", false
	}
	return string(b), true
}

// Package clrtest builds minimal managed PE images for tests. The images carry
// just enough ECMA-335 metadata for the clr package to decode types,
// interface implementations, assembly references and assembly attributes.
package clrtest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

// Type flag shorthands.
const (
	Public    uint32 = 0x01
	Interface uint32 = 0x20 | 0x80 | Public
	Abstract  uint32 = 0x80 | Public
	Class     uint32 = Public
)

// Ref names a type. An empty Assembly refers to a type declared by the
// assembly being built.
type Ref struct {
	Assembly  string
	Namespace string
	Name      string
	// Generic marks the reference as a generic instantiation, encoded
	// through a TypeSpec.
	Generic bool
}

// Type is a type definition to emit.
type Type struct {
	Namespace  string
	Name       string
	Flags      uint32
	Extends    *Ref
	Interfaces []Ref
	// Corrupt emits the row with an out-of-range name index so that it fails
	// to decode.
	Corrupt bool
}

// Attr is an assembly-level attribute with string arguments.
type Attr struct {
	Type  Ref
	Args  []string
	Named map[string]string
}

// Assembly describes the image to build.
type Assembly struct {
	Name       string
	Version    [4]uint16
	References []string
	Types      []Type
	Attributes []Attr
	// BadMetadata writes a CLR header whose metadata root is unreadable.
	BadMetadata bool
	// PE32Plus emits a PE32+ optional header instead of PE32.
	PE32Plus bool
	// OversizedMetadata declares a metadata size and a section extent far
	// beyond the end of the file.
	OversizedMetadata bool
}

// ObjectRef is the usual base class reference.
var ObjectRef = &Ref{Assembly: "System.Runtime", Namespace: "System", Name: "Object"}

// Title, Product, FileVersion and friends are the assembly attributes read
// for plugin metadata.
func Title(s string) Attr                { return stringAttr("AssemblyTitleAttribute", s) }
func Product(s string) Attr              { return stringAttr("AssemblyProductAttribute", s) }
func FileVersion(s string) Attr          { return stringAttr("AssemblyFileVersionAttribute", s) }
func InformationalVersion(s string) Attr { return stringAttr("AssemblyInformationalVersionAttribute", s) }
func Copyright(s string) Attr            { return stringAttr("AssemblyCopyrightAttribute", s) }

func stringAttr(name, value string) Attr {
	return Attr{
		Type: Ref{Assembly: "System.Runtime", Namespace: "System.Reflection", Name: name},
		Args: []string{value},
	}
}

// PluginClass returns a concrete class implementing the given interfaces.
func PluginClass(ns, name string, ifaces ...Ref) Type {
	return Type{Namespace: ns, Name: name, Flags: Class, Extends: ObjectRef, Interfaces: ifaces}
}

// WriteFile builds asm and writes it to dir/name, returning the path.
func WriteFile(t testing.TB, dir, name string, asm Assembly) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, Build(asm), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WriteNative writes a PE image without a CLR header.
func WriteNative(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, image(nil, false), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x2000
	textRVA          = 0x2000
	lfanew           = 0x80
	cliHeaderSize    = 72
)

// Build returns the bytes of a managed DLL described by asm.
func Build(asm Assembly) []byte {
	var md []byte
	if asm.BadMetadata {
		md = bytes.Repeat([]byte{0xEE}, 64)
	} else {
		md = newWriter(asm).metadata()
	}

	text := make([]byte, cliHeaderSize, cliHeaderSize+len(md))
	binary.LittleEndian.PutUint32(text[0:], cliHeaderSize)
	binary.LittleEndian.PutUint16(text[4:], 2)
	binary.LittleEndian.PutUint16(text[6:], 5)
	binary.LittleEndian.PutUint32(text[8:], textRVA+cliHeaderSize)
	binary.LittleEndian.PutUint32(text[12:], uint32(len(md)))
	binary.LittleEndian.PutUint32(text[16:], 1) // ILONLY
	text = append(text, md...)
	if !asm.OversizedMetadata {
		return image(text, asm.PE32Plus)
	}

	binary.LittleEndian.PutUint32(text[12:], oversized)
	img := image(text, asm.PE32Plus)
	ohSize := binary.Size(pe.OptionalHeader32{})
	if asm.PE32Plus {
		ohSize = binary.Size(pe.OptionalHeader64{})
	}
	sh := lfanew + 4 + binary.Size(pe.FileHeader{}) + ohSize
	binary.LittleEndian.PutUint32(img[sh+8:], oversized)  // VirtualSize
	binary.LittleEndian.PutUint32(img[sh+16:], oversized) // SizeOfRawData
	return img
}

const oversized = 0x7FFF0000

// image lays out a single-section PE file. A nil text section yields a
// native image with an empty CLR directory.
func image(text []byte, plus bool) []byte {
	var buf bytes.Buffer

	dos := make([]byte, lfanew)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], lfanew)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")

	rawSize := uint32(align(len(text), fileAlignment))
	if rawSize == 0 {
		rawSize = fileAlignment
	}
	var clr pe.DataDirectory
	if text != nil {
		clr = pe.DataDirectory{VirtualAddress: textRVA, Size: cliHeaderSize}
	}

	fh := pe.FileHeader{
		Machine:          pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections: 1,
		Characteristics:  pe.IMAGE_FILE_DLL | pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE,
	}
	imageSize := uint32(textRVA + align(int(rawSize), sectionAlignment))
	if plus {
		fh.Machine = pe.IMAGE_FILE_MACHINE_AMD64
		fh.Characteristics = pe.IMAGE_FILE_DLL | pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE
		oh := pe.OptionalHeader64{
			Magic:                 0x20B,
			SizeOfCode:            rawSize,
			BaseOfCode:            textRVA,
			ImageBase:             0x180000000,
			SectionAlignment:      sectionAlignment,
			FileAlignment:         fileAlignment,
			MajorSubsystemVersion: 6,
			SizeOfImage:           imageSize,
			SizeOfHeaders:         fileAlignment,
			Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes:   16,
		}
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = clr
		fh.SizeOfOptionalHeader = uint16(binary.Size(oh))
		binary.Write(&buf, binary.LittleEndian, fh)
		binary.Write(&buf, binary.LittleEndian, oh)
	} else {
		oh := pe.OptionalHeader32{
			Magic:                 0x10B,
			SizeOfCode:            rawSize,
			BaseOfCode:            textRVA,
			ImageBase:             0x10000000,
			SectionAlignment:      sectionAlignment,
			FileAlignment:         fileAlignment,
			MajorSubsystemVersion: 4,
			SizeOfImage:           imageSize,
			SizeOfHeaders:         fileAlignment,
			Subsystem:             pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			NumberOfRvaAndSizes:   16,
		}
		oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_COM_DESCRIPTOR] = clr
		fh.SizeOfOptionalHeader = uint16(binary.Size(oh))
		binary.Write(&buf, binary.LittleEndian, fh)
		binary.Write(&buf, binary.LittleEndian, oh)
	}

	sh := pe.SectionHeader32{
		VirtualSize:      uint32(len(text)),
		VirtualAddress:   textRVA,
		SizeOfRawData:    rawSize,
		PointerToRawData: fileAlignment,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}
	copy(sh.Name[:], ".text")
	binary.Write(&buf, binary.LittleEndian, sh)

	buf.Write(make([]byte, fileAlignment-buf.Len()))
	section := make([]byte, rawSize)
	copy(section, text)
	buf.Write(section)
	return buf.Bytes()
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}

// Table numbers emitted by the writer.
const (
	tModule          = 0x00
	tTypeRef         = 0x01
	tTypeDef         = 0x02
	tInterfaceImpl   = 0x09
	tMemberRef       = 0x0A
	tCustomAttribute = 0x0C
	tTypeSpec        = 0x1B
	tAssembly        = 0x20
	tAssemblyRef     = 0x23
)

type writer struct {
	asm Assembly

	strings    []byte
	stringIdx  map[string]uint16
	blobs      []byte
	assemblies []string
	typeRefs   []typeRefRow
	typeRefIdx map[Ref]uint16
	typeSpecs  []uint16
	specIdx    map[Ref]uint16
	memberRefs []memberRefRow
	impls      [][2]uint16
	attrs      [][3]uint16
}

type typeRefRow struct {
	scope, name, ns uint16
}

type memberRefRow struct {
	class, name, sig uint16
}

func newWriter(asm Assembly) *writer {
	return &writer{
		asm:        asm,
		strings:    []byte{0},
		stringIdx:  map[string]uint16{"": 0},
		blobs:      []byte{0},
		typeRefIdx: map[Ref]uint16{},
		specIdx:    map[Ref]uint16{},
	}
}

func (w *writer) str(s string) uint16 {
	if i, ok := w.stringIdx[s]; ok {
		return i
	}
	i := uint16(len(w.strings))
	w.strings = append(append(w.strings, s...), 0)
	w.stringIdx[s] = i
	return i
}

func (w *writer) blob(b []byte) uint16 {
	i := uint16(len(w.blobs))
	w.blobs = appendCompressed(w.blobs, uint32(len(b)))
	w.blobs = append(w.blobs, b...)
	return i
}

func (w *writer) assemblyRef(name string) uint16 {
	for i, a := range w.assemblies {
		if a == name {
			return uint16(i + 1)
		}
	}
	w.assemblies = append(w.assemblies, name)
	return uint16(len(w.assemblies))
}

// typeDefRow returns the 1-based TypeDef row of a local type; row 1 is <Module>.
func (w *writer) typeDefRow(ns, name string) uint16 {
	for i, t := range w.asm.Types {
		if t.Namespace == ns && t.Name == name {
			return uint16(i + 2)
		}
	}
	return 0
}

// typeDefOrRef encodes r as a TypeDefOrRef coded index.
func (w *writer) typeDefOrRef(r Ref) uint16 {
	if r.Generic {
		if i, ok := w.specIdx[r]; ok {
			return i<<2 | 2
		}
		base := r
		base.Generic = false
		sig := []byte{0x15, 0x12}
		sig = appendCompressed(sig, uint32(w.typeDefOrRef(base)))
		sig = append(sig, 1, 0x0E) // one argument: string
		w.typeSpecs = append(w.typeSpecs, w.blob(sig))
		i := uint16(len(w.typeSpecs))
		w.specIdx[r] = i
		return i<<2 | 2
	}
	if r.Assembly == "" {
		return w.typeDefRow(r.Namespace, r.Name)<<2 | 0
	}
	if i, ok := w.typeRefIdx[r]; ok {
		return i<<2 | 1
	}
	scope := w.assemblyRef(r.Assembly)<<2 | 2
	w.typeRefs = append(w.typeRefs, typeRefRow{scope: scope, name: w.str(r.Name), ns: w.str(r.Namespace)})
	i := uint16(len(w.typeRefs))
	w.typeRefIdx[r] = i
	return i<<2 | 1
}

func (w *writer) metadata() []byte {
	for _, ref := range w.asm.References {
		w.assemblyRef(ref)
	}

	type defRow struct {
		flags         uint32
		name, ns, ext uint16
	}
	defs := []defRow{{name: w.str("<Module>")}}
	for i, t := range w.asm.Types {
		row := defRow{flags: t.Flags, name: w.str(t.Name), ns: w.str(t.Namespace)}
		if t.Extends != nil {
			row.ext = w.typeDefOrRef(*t.Extends)
		}
		if t.Corrupt {
			row.name = 0xFFF0
		}
		defs = append(defs, row)
		for _, iface := range t.Interfaces {
			w.impls = append(w.impls, [2]uint16{uint16(i + 2), w.typeDefOrRef(iface)})
		}
	}
	sort.SliceStable(w.impls, func(a, b int) bool { return w.impls[a][0] < w.impls[b][0] })

	for _, a := range w.asm.Attributes {
		class := w.typeDefOrRef(a.Type)
		// MemberRefParent: TypeDef 0, TypeRef 1, TypeSpec 4.
		parent := class>>2<<3 | map[uint16]uint16{0: 0, 1: 1, 2: 4}[class&3]
		sig := []byte{0x20}
		sig = appendCompressed(sig, uint32(len(a.Args)))
		sig = append(sig, 0x01)
		for range a.Args {
			sig = append(sig, 0x0E)
		}
		w.memberRefs = append(w.memberRefs, memberRefRow{class: parent, name: w.str(".ctor"), sig: w.blob(sig)})
		ctor := uint16(len(w.memberRefs))<<3 | 3

		val := []byte{0x01, 0x00}
		for _, s := range a.Args {
			val = appendSerString(val, s)
		}
		names := make([]string, 0, len(a.Named))
		for k := range a.Named {
			names = append(names, k)
		}
		sort.Strings(names)
		val = binary.LittleEndian.AppendUint16(val, uint16(len(names)))
		for _, k := range names {
			val = append(val, 0x54, 0x0E)
			val = appendSerString(val, k)
			val = appendSerString(val, a.Named[k])
		}
		// HasCustomAttribute: Assembly tag 14, row 1.
		w.attrs = append(w.attrs, [3]uint16{1<<5 | 14, ctor, w.blob(val)})
	}

	asmName := w.str(w.asm.Name)
	moduleName := w.str(w.asm.Name + ".dll")
	asmRefNames := make([]uint16, len(w.assemblies))
	for i, a := range w.assemblies {
		asmRefNames[i] = w.str(a)
	}

	rows := map[int]uint32{
		tModule:          1,
		tTypeRef:         uint32(len(w.typeRefs)),
		tTypeDef:         uint32(len(defs)),
		tInterfaceImpl:   uint32(len(w.impls)),
		tMemberRef:       uint32(len(w.memberRefs)),
		tCustomAttribute: uint32(len(w.attrs)),
		tTypeSpec:        uint32(len(w.typeSpecs)),
		tAssembly:        1,
		tAssemblyRef:     uint32(len(w.assemblies)),
	}

	var tbl bytes.Buffer
	le := binary.LittleEndian
	put16 := func(v uint16) { tbl.Write(le.AppendUint16(nil, v)) }
	put32 := func(v uint32) { tbl.Write(le.AppendUint32(nil, v)) }

	var valid uint64
	ids := make([]int, 0, len(rows))
	for id, n := range rows {
		if n > 0 {
			valid |= 1 << uint(id)
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	put32(0)
	tbl.Write([]byte{2, 0, 0, 1})
	tbl.Write(le.AppendUint64(nil, valid))
	tbl.Write(le.AppendUint64(nil, 0))
	for _, id := range ids {
		put32(rows[id])
	}

	// Module: Generation, Name, Mvid, EncId, EncBaseId.
	put16(0)
	put16(moduleName)
	put16(1)
	put16(0)
	put16(0)
	for _, r := range w.typeRefs {
		put16(r.scope)
		put16(r.name)
		put16(r.ns)
	}
	for _, d := range defs {
		put32(d.flags)
		put16(d.name)
		put16(d.ns)
		put16(d.ext)
		put16(1) // FieldList
		put16(1) // MethodList
	}
	for _, impl := range w.impls {
		put16(impl[0])
		put16(impl[1])
	}
	for _, m := range w.memberRefs {
		put16(m.class)
		put16(m.name)
		put16(m.sig)
	}
	for _, a := range w.attrs {
		put16(a[0])
		put16(a[1])
		put16(a[2])
	}
	for _, s := range w.typeSpecs {
		put16(s)
	}
	// Assembly: HashAlgId, version, Flags, PublicKey, Name, Culture.
	put32(0x8004)
	for _, v := range w.asm.Version {
		put16(v)
	}
	put32(0)
	put16(0)
	put16(asmName)
	put16(0)
	for _, name := range asmRefNames {
		for range 4 {
			put16(0)
		}
		put32(0)
		put16(0)
		put16(name)
		put16(0)
		put16(0)
	}

	guids := make([]byte, 16)
	copy(guids, w.asm.Name)

	return metadataRoot([]stream{
		{"#~", tbl.Bytes()},
		{"#Strings", w.strings},
		{"#Blob", w.blobs},
		{"#GUID", guids},
	})
}

type stream struct {
	name string
	data []byte
}

func metadataRoot(streams []stream) []byte {
	le := binary.LittleEndian
	version := []byte("v4.0.30319\x00\x00")

	header := le.AppendUint32(nil, 0x424A5342)
	header = le.AppendUint16(header, 1)
	header = le.AppendUint16(header, 1)
	header = le.AppendUint32(header, 0)
	header = le.AppendUint32(header, uint32(len(version)))
	header = append(header, version...)
	header = le.AppendUint16(header, 0)
	header = le.AppendUint16(header, uint16(len(streams)))

	headersSize := 0
	for _, s := range streams {
		headersSize += 8 + align(len(s.name)+1, 4)
	}
	offset := len(header) + headersSize

	var body []byte
	for _, s := range streams {
		data := append([]byte(nil), s.data...)
		data = append(data, make([]byte, align(len(data), 4)-len(data))...)
		header = le.AppendUint32(header, uint32(offset+len(body)))
		header = le.AppendUint32(header, uint32(len(data)))
		name := append([]byte(s.name), 0)
		name = append(name, make([]byte, align(len(name), 4)-len(name))...)
		header = append(header, name...)
		body = append(body, data...)
	}
	return append(header, body...)
}

func appendCompressed(dst []byte, v uint32) []byte {
	switch {
	case v < 0x80:
		return append(dst, byte(v))
	case v < 0x4000:
		return binary.BigEndian.AppendUint16(dst, uint16(v)|0x8000)
	default:
		return binary.BigEndian.AppendUint32(dst, v|0xC0000000)
	}
}

func appendSerString(dst []byte, s string) []byte {
	dst = appendCompressed(dst, uint32(len(s)))
	return append(dst, s...)
}

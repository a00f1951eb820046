package clr

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// Type attribute flags (ECMA-335 II.23.1.15).
const (
	TypeInterface uint32 = 0x20
	TypeAbstract  uint32 = 0x80
)

const moduleTypeName = "<Module>"

// Version is a four-part assembly version.
type Version struct {
	Major, Minor, Build, Revision uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// IsZero reports whether every component is zero.
func (v Version) IsZero() bool {
	return v == Version{}
}

// AssemblyRef names an assembly the module depends on.
type AssemblyRef struct {
	Name    string
	Version Version
}

// TypeRef identifies a type referenced from a module. Assembly names the
// defining assembly for external references and is empty for types defined
// in the same module, in which case Def is set.
type TypeRef struct {
	Namespace string
	Name      string
	Enclosing *TypeRef
	Assembly  string
	Def       *TypeDef
}

// FullName returns the namespace-qualified name, with nested types joined by '+'.
func (r *TypeRef) FullName() string {
	if r.Def != nil {
		return r.Def.FullName()
	}
	if r.Enclosing != nil {
		return r.Enclosing.FullName() + "+" + r.Name
	}
	return joinName(r.Namespace, r.Name)
}

// TypeDef is a type declared by a module.
type TypeDef struct {
	Namespace  string
	Name       string
	Flags      uint32
	Extends    *TypeRef
	Interfaces []*TypeRef
	Enclosing  *TypeDef

	row uint32
}

// FullName returns the namespace-qualified name, with nested types joined by '+'.
func (t *TypeDef) FullName() string {
	if t.Enclosing != nil {
		return t.Enclosing.FullName() + "+" + t.Name
	}
	return joinName(t.Namespace, t.Name)
}

// IsInterface reports whether the type is an interface.
func (t *TypeDef) IsInterface() bool { return t.Flags&TypeInterface != 0 }

// IsAbstract reports whether the type is abstract.
func (t *TypeDef) IsAbstract() bool { return t.Flags&TypeAbstract != 0 }

// IsClass reports whether the type is a class: not an interface and not a
// value type or enum.
func (t *TypeDef) IsClass() bool {
	if t.IsInterface() {
		return false
	}
	if t.Extends == nil {
		return true
	}
	switch t.Extends.FullName() {
	case "System.ValueType", "System.Enum":
		return t.FullName() == "System.Enum"
	}
	return true
}

func joinName(ns, name string) string {
	if ns == "" {
		return name
	}
	return ns + "." + name
}

// Module is a statically loaded managed module. All metadata is decoded when
// the module is opened and the file is not held afterwards.
type Module struct {
	path       string
	name       string
	version    Version
	culture    string
	references []AssemblyRef
	types      []*TypeDef
	byName     map[string]*TypeDef
	attributes []Attribute
	loadErr    *PartialLoadError

	released atomic.Bool
}

// Open reads and decodes the managed module at path. The returned error is
// ErrNotManaged when the file has no CLR header and wraps ErrBadMetadata when
// the metadata cannot be decoded. Row-level decode failures do not fail Open;
// they surface from Types as a *PartialLoadError.
func Open(path string) (mod *Module, err error) {
	defer func() {
		if r := recover(); r != nil {
			mod = nil
			err = fmt.Errorf("%w: %s: %v", ErrBadMetadata, path, r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	md, err := readMetadata(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return newModule(path, md)
}

func newModule(path string, md *metadata) (*Module, error) {
	m := &Module{path: path, byName: make(map[string]*TypeDef)}
	d := &decoder{md: md, mod: m, refs: make(map[uint32]*TypeRef), defs: make(map[uint32]*TypeDef)}

	if err := d.identity(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.references()

	var errs []error
	failed := make(map[uint32]bool)
	for row := uint32(1); row <= md.tables.rowCount(tblTypeDef); row++ {
		if err := d.typeDef(row); err != nil {
			failed[row] = true
			errs = append(errs, fmt.Errorf("type row %d: %w", row, err))
		}
	}
	errs = append(errs, d.nesting()...)
	errs = append(errs, d.interfaceImpls()...)
	d.assemblyAttributes()

	for row := uint32(1); row <= md.tables.rowCount(tblTypeDef); row++ {
		t, ok := d.defs[row]
		if !ok || failed[row] || t.Name == moduleTypeName {
			continue
		}
		m.types = append(m.types, t)
		m.byName[t.FullName()] = t
	}
	if len(errs) > 0 {
		m.loadErr = &PartialLoadError{Path: path, Loaded: len(m.types), Errs: errs}
	}
	return m, nil
}

// Path returns the file the module was read from.
func (m *Module) Path() string { return m.path }

// Name returns the assembly simple name, or the module name for modules
// without an assembly manifest.
func (m *Module) Name() string { return m.name }

// Version returns the assembly version.
func (m *Module) Version() Version { return m.version }

// Culture returns the assembly culture, empty for neutral assemblies.
func (m *Module) Culture() string { return m.culture }

// References returns the assemblies the module references.
func (m *Module) References() []AssemblyRef {
	if m.released.Load() {
		return nil
	}
	return m.references
}

// Types returns the types declared by the module, excluding the <Module>
// pseudo-type. When some rows failed to decode, the decodable types are
// returned together with a *PartialLoadError.
func (m *Module) Types() ([]*TypeDef, error) {
	if m.released.Load() {
		return nil, ErrModuleReleased
	}
	if m.loadErr != nil {
		return m.types, m.loadErr
	}
	return m.types, nil
}

// FindType returns the declared type with the given full name.
func (m *Module) FindType(fullName string) *TypeDef {
	if m.released.Load() {
		return nil
	}
	return m.byName[fullName]
}

// Attributes returns the assembly-level custom attributes.
func (m *Module) Attributes() []Attribute {
	if m.released.Load() {
		return nil
	}
	return m.attributes
}

// Attribute returns the first assembly-level attribute of the given type.
func (m *Module) Attribute(fullName string) (Attribute, bool) {
	for _, a := range m.Attributes() {
		if a.Type == fullName {
			return a, true
		}
	}
	return Attribute{}, false
}

// Release marks the module unusable. Accessors return empty results afterwards.
func (m *Module) Release() {
	m.released.Store(true)
}

// Released reports whether Release has been called.
func (m *Module) Released() bool {
	return m.released.Load()
}

// decoder turns table rows into the Module's object model.
type decoder struct {
	md   *metadata
	mod  *Module
	refs map[uint32]*TypeRef
	defs map[uint32]*TypeDef
}

func (d *decoder) identity() error {
	if d.md.tables.rowCount(tblAssembly) > 0 {
		name, err := d.md.cellString(tblAssembly, 1, 7)
		if err != nil {
			return err
		}
		culture, err := d.md.cellString(tblAssembly, 1, 8)
		if err != nil {
			return err
		}
		d.mod.name = name
		d.mod.culture = culture
		d.mod.version = d.version(tblAssembly, 1, 1)
		return nil
	}
	if d.md.tables.rowCount(tblModule) > 0 {
		name, err := d.md.cellString(tblModule, 1, 1)
		if err != nil {
			return err
		}
		d.mod.name = strings.TrimSuffix(name, ".dll")
	}
	return nil
}

// version reads four consecutive 2-byte version columns starting at col.
func (d *decoder) version(id tableID, row uint32, col int) Version {
	var parts [4]uint16
	for i := range parts {
		v, _ := d.md.tables.cell(id, row, col+i)
		parts[i] = uint16(v)
	}
	return Version{parts[0], parts[1], parts[2], parts[3]}
}

func (d *decoder) references() {
	for row := uint32(1); row <= d.md.tables.rowCount(tblAssemblyRef); row++ {
		name, err := d.md.cellString(tblAssemblyRef, row, 6)
		if err != nil || name == "" {
			continue
		}
		d.mod.references = append(d.mod.references, AssemblyRef{
			Name:    name,
			Version: d.version(tblAssemblyRef, row, 0),
		})
	}
}

func (d *decoder) assemblyRefName(row uint32) (string, error) {
	return d.md.cellString(tblAssemblyRef, row, 6)
}

// typeRef decodes (and memoises) a TypeRef row.
func (d *decoder) typeRef(row uint32, depth int) (*TypeRef, error) {
	if r, ok := d.refs[row]; ok {
		return r, nil
	}
	if depth > maxNesting {
		return nil, fmt.Errorf("%w: type reference nesting too deep", ErrBadMetadata)
	}
	scope, err := d.md.cellToken(tblTypeRef, row, 0, &ciResolutionScope)
	if err != nil {
		return nil, err
	}
	name, err := d.md.cellString(tblTypeRef, row, 1)
	if err != nil {
		return nil, err
	}
	ns, err := d.md.cellString(tblTypeRef, row, 2)
	if err != nil {
		return nil, err
	}

	ref := &TypeRef{Namespace: ns, Name: name}
	switch scope.table {
	case tblAssemblyRef:
		if !scope.isNil() {
			if ref.Assembly, err = d.assemblyRefName(scope.row); err != nil {
				return nil, err
			}
		}
	case tblTypeRef:
		if ref.Enclosing, err = d.typeRef(scope.row, depth+1); err != nil {
			return nil, err
		}
		ref.Assembly = ref.Enclosing.Assembly
		ref.Namespace = ""
	case tblModule, tblModuleRef:
		// Defined in this assembly; bound to the TypeDef once all rows are read.
	}
	d.refs[row] = ref
	return ref, nil
}

const maxNesting = 64

// typeDefOrRef decodes a TypeDefOrRef coded value into a reference.
func (d *decoder) typeDefOrRef(tok token) (*TypeRef, error) {
	if tok.isNil() {
		return nil, nil
	}
	switch tok.table {
	case tblTypeDef:
		return &TypeRef{Def: d.placeholderDef(tok.row)}, nil
	case tblTypeRef:
		return d.typeRef(tok.row, 0)
	case tblTypeSpec:
		sig, err := d.md.cellBlob(tblTypeSpec, tok.row, 0)
		if err != nil {
			return nil, err
		}
		return d.typeSpec(sig)
	}
	return nil, fmt.Errorf("%w: unexpected table 0x%02x in TypeDefOrRef", ErrBadMetadata, uint8(tok.table))
}

// placeholderDef returns the TypeDef for row, allocating it if the row has
// not been decoded yet so forward references share the same pointer.
func (d *decoder) placeholderDef(row uint32) *TypeDef {
	if t, ok := d.defs[row]; ok {
		return t
	}
	t := &TypeDef{row: row}
	d.defs[row] = t
	return t
}

func (d *decoder) typeDef(row uint32) error {
	flags, err := d.md.tables.cell(tblTypeDef, row, 0)
	if err != nil {
		return err
	}
	name, err := d.md.cellString(tblTypeDef, row, 1)
	if err != nil {
		return err
	}
	ns, err := d.md.cellString(tblTypeDef, row, 2)
	if err != nil {
		return err
	}
	extTok, err := d.md.cellToken(tblTypeDef, row, 3, &ciTypeDefOrRef)
	if err != nil {
		return err
	}
	extends, err := d.typeDefOrRef(extTok)
	if err != nil {
		return err
	}

	t := d.placeholderDef(row)
	t.Namespace = ns
	t.Name = name
	t.Flags = flags
	t.Extends = extends
	return nil
}

func (d *decoder) nesting() []error {
	var errs []error
	for row := uint32(1); row <= d.md.tables.rowCount(tblNestedClass); row++ {
		nested, err := d.md.tables.cell(tblNestedClass, row, 0)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		enclosing, err := d.md.tables.cell(tblNestedClass, row, 1)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if t, ok := d.defs[nested]; ok && nested != enclosing {
			t.Enclosing = d.placeholderDef(enclosing)
		}
	}
	return errs
}

func (d *decoder) interfaceImpls() []error {
	var errs []error
	for row := uint32(1); row <= d.md.tables.rowCount(tblInterfaceImpl); row++ {
		class, err := d.md.tables.cell(tblInterfaceImpl, row, 0)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tok, err := d.md.cellToken(tblInterfaceImpl, row, 1, &ciTypeDefOrRef)
		if err != nil {
			errs = append(errs, fmt.Errorf("interface impl row %d: %w", row, err))
			continue
		}
		iface, err := d.typeDefOrRef(tok)
		if err != nil {
			errs = append(errs, fmt.Errorf("interface impl row %d: %w", row, err))
			continue
		}
		t, ok := d.defs[class]
		if !ok || iface == nil {
			continue
		}
		t.Interfaces = append(t.Interfaces, iface)
	}
	return errs
}

// typeSpec decodes the generic type named by a TypeSpec signature. Only
// GENERICINST specs resolve; the instantiation arguments are ignored.
func (d *decoder) typeSpec(sig []byte) (*TypeRef, error) {
	rd := &byteReader{buf: sig}
	if rd.u8() != elemGenericInst {
		return nil, nil
	}
	switch rd.u8() {
	case elemClass, elemValueType:
	default:
		return nil, nil
	}
	v := rd.compressed()
	if rd.err != nil {
		return nil, fmt.Errorf("%w: truncated type spec", ErrBadMetadata)
	}
	tok, err := decodeCoded(&ciTypeDefOrRef, v)
	if err != nil {
		return nil, err
	}
	if tok.table == tblTypeSpec {
		return nil, fmt.Errorf("%w: nested type spec", ErrBadMetadata)
	}
	return d.typeDefOrRef(tok)
}

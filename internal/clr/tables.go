package clr

import (
	"encoding/binary"
	"fmt"
)

type tableID uint8

// Metadata table numbers (ECMA-335 II.22).
const (
	tblModule                 tableID = 0x00
	tblTypeRef                tableID = 0x01
	tblTypeDef                tableID = 0x02
	tblFieldPtr               tableID = 0x03
	tblField                  tableID = 0x04
	tblMethodPtr              tableID = 0x05
	tblMethodDef              tableID = 0x06
	tblParamPtr               tableID = 0x07
	tblParam                  tableID = 0x08
	tblInterfaceImpl          tableID = 0x09
	tblMemberRef              tableID = 0x0A
	tblConstant               tableID = 0x0B
	tblCustomAttribute        tableID = 0x0C
	tblFieldMarshal           tableID = 0x0D
	tblDeclSecurity           tableID = 0x0E
	tblClassLayout            tableID = 0x0F
	tblFieldLayout            tableID = 0x10
	tblStandAloneSig          tableID = 0x11
	tblEventMap               tableID = 0x12
	tblEventPtr               tableID = 0x13
	tblEvent                  tableID = 0x14
	tblPropertyMap            tableID = 0x15
	tblPropertyPtr            tableID = 0x16
	tblProperty               tableID = 0x17
	tblMethodSemantics        tableID = 0x18
	tblMethodImpl             tableID = 0x19
	tblModuleRef              tableID = 0x1A
	tblTypeSpec               tableID = 0x1B
	tblImplMap                tableID = 0x1C
	tblFieldRVA               tableID = 0x1D
	tblEncLog                 tableID = 0x1E
	tblEncMap                 tableID = 0x1F
	tblAssembly               tableID = 0x20
	tblAssemblyProcessor      tableID = 0x21
	tblAssemblyOS             tableID = 0x22
	tblAssemblyRef            tableID = 0x23
	tblAssemblyRefProcessor   tableID = 0x24
	tblAssemblyRefOS          tableID = 0x25
	tblFile                   tableID = 0x26
	tblExportedType           tableID = 0x27
	tblManifestResource       tableID = 0x28
	tblNestedClass            tableID = 0x29
	tblGenericParam           tableID = 0x2A
	tblMethodSpec             tableID = 0x2B
	tblGenericParamConstraint tableID = 0x2C

	numTables = 0x2D
	noTable   = tableID(0xFF)
)

// codedIndex describes a column that can point into one of several tables,
// with the target table selected by the low tag bits.
type codedIndex struct {
	bits   uint
	tables []tableID
}

var (
	ciTypeDefOrRef       = codedIndex{2, []tableID{tblTypeDef, tblTypeRef, tblTypeSpec}}
	ciHasConstant        = codedIndex{2, []tableID{tblField, tblParam, tblProperty}}
	ciHasCustomAttribute = codedIndex{5, []tableID{
		tblMethodDef, tblField, tblTypeRef, tblTypeDef, tblParam, tblInterfaceImpl,
		tblMemberRef, tblModule, tblDeclSecurity, tblProperty, tblEvent, tblStandAloneSig,
		tblModuleRef, tblTypeSpec, tblAssembly, tblAssemblyRef, tblFile, tblExportedType,
		tblManifestResource, tblGenericParam, tblGenericParamConstraint, tblMethodSpec,
	}}
	ciHasFieldMarshal     = codedIndex{1, []tableID{tblField, tblParam}}
	ciHasDeclSecurity     = codedIndex{2, []tableID{tblTypeDef, tblMethodDef, tblAssembly}}
	ciMemberRefParent     = codedIndex{3, []tableID{tblTypeDef, tblTypeRef, tblModuleRef, tblMethodDef, tblTypeSpec}}
	ciHasSemantics        = codedIndex{1, []tableID{tblEvent, tblProperty}}
	ciMethodDefOrRef      = codedIndex{1, []tableID{tblMethodDef, tblMemberRef}}
	ciMemberForwarded     = codedIndex{1, []tableID{tblField, tblMethodDef}}
	ciImplementation      = codedIndex{2, []tableID{tblFile, tblAssemblyRef, tblExportedType}}
	ciCustomAttributeType = codedIndex{3, []tableID{noTable, noTable, tblMethodDef, tblMemberRef, noTable}}
	ciResolutionScope     = codedIndex{2, []tableID{tblModule, tblModuleRef, tblAssemblyRef, tblTypeRef}}
	ciTypeOrMethodDef     = codedIndex{1, []tableID{tblTypeDef, tblMethodDef}}
)

type colKind uint8

const (
	colFixed colKind = iota
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind  colKind
	size  int // colFixed only
	table tableID
	coded *codedIndex
}

func fixed(size int) column { return column{kind: colFixed, size: size} }
func str() column { return column{kind: colString} }
func guid() column { return column{kind: colGUID} }
func blob() column { return column{kind: colBlob} }
func idx(t tableID) column { return column{kind: colTable, table: t} }
func coded(ci *codedIndex) column { return column{kind: colCoded, coded: ci} }

var schemas = [numTables][]column{
	tblModule:                 {fixed(2), str(), guid(), guid(), guid()},
	tblTypeRef:                {coded(&ciResolutionScope), str(), str()},
	tblTypeDef:                {fixed(4), str(), str(), coded(&ciTypeDefOrRef), idx(tblField), idx(tblMethodDef)},
	tblFieldPtr:               {idx(tblField)},
	tblField:                  {fixed(2), str(), blob()},
	tblMethodPtr:              {idx(tblMethodDef)},
	tblMethodDef:              {fixed(4), fixed(2), fixed(2), str(), blob(), idx(tblParam)},
	tblParamPtr:               {idx(tblParam)},
	tblParam:                  {fixed(2), fixed(2), str()},
	tblInterfaceImpl:          {idx(tblTypeDef), coded(&ciTypeDefOrRef)},
	tblMemberRef:              {coded(&ciMemberRefParent), str(), blob()},
	tblConstant:               {fixed(2), coded(&ciHasConstant), blob()},
	tblCustomAttribute:        {coded(&ciHasCustomAttribute), coded(&ciCustomAttributeType), blob()},
	tblFieldMarshal:           {coded(&ciHasFieldMarshal), blob()},
	tblDeclSecurity:           {fixed(2), coded(&ciHasDeclSecurity), blob()},
	tblClassLayout:            {fixed(2), fixed(4), idx(tblTypeDef)},
	tblFieldLayout:            {fixed(4), idx(tblField)},
	tblStandAloneSig:          {blob()},
	tblEventMap:               {idx(tblTypeDef), idx(tblEvent)},
	tblEventPtr:               {idx(tblEvent)},
	tblEvent:                  {fixed(2), str(), coded(&ciTypeDefOrRef)},
	tblPropertyMap:            {idx(tblTypeDef), idx(tblProperty)},
	tblPropertyPtr:            {idx(tblProperty)},
	tblProperty:               {fixed(2), str(), blob()},
	tblMethodSemantics:        {fixed(2), idx(tblMethodDef), coded(&ciHasSemantics)},
	tblMethodImpl:             {idx(tblTypeDef), coded(&ciMethodDefOrRef), coded(&ciMethodDefOrRef)},
	tblModuleRef:              {str()},
	tblTypeSpec:               {blob()},
	tblImplMap:                {fixed(2), coded(&ciMemberForwarded), str(), idx(tblModuleRef)},
	tblFieldRVA:               {fixed(4), idx(tblField)},
	tblEncLog:                 {fixed(4), fixed(4)},
	tblEncMap:                 {fixed(4)},
	tblAssembly:               {fixed(4), fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blob(), str(), str()},
	tblAssemblyProcessor:      {fixed(4)},
	tblAssemblyOS:             {fixed(4), fixed(4), fixed(4)},
	tblAssemblyRef:            {fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blob(), str(), str(), blob()},
	tblAssemblyRefProcessor:   {fixed(4), idx(tblAssemblyRef)},
	tblAssemblyRefOS:          {fixed(4), fixed(4), fixed(4), idx(tblAssemblyRef)},
	tblFile:                   {fixed(4), str(), blob()},
	tblExportedType:           {fixed(4), fixed(4), str(), str(), coded(&ciImplementation)},
	tblManifestResource:       {fixed(4), fixed(4), str(), coded(&ciImplementation)},
	tblNestedClass:            {idx(tblTypeDef), idx(tblTypeDef)},
	tblGenericParam:           {fixed(2), fixed(2), coded(&ciTypeOrMethodDef), str()},
	tblMethodSpec:             {coded(&ciMethodDefOrRef), blob()},
	tblGenericParamConstraint: {idx(tblGenericParam), coded(&ciTypeDefOrRef)},
}

// table is one decoded table's raw row storage.
type table struct {
	rows    uint32
	rowSize int
	offsets []int
	widths  []int
	data    []byte
}

// tableSet holds every table of a #~ stream along with the index widths
// needed to decode their cells.
type tableSet struct {
	tables [numTables]table
}

// layout computes column widths for every table from the row counts and heap
// size flags, then slices each table's rows out of data.
func (ts *tableSet) layout(rows [numTables]uint32, heapSizes byte, data []byte) error {
	strW, guidW, blobW := 2, 2, 2
	if heapSizes&0x01 != 0 {
		strW = 4
	}
	if heapSizes&0x02 != 0 {
		guidW = 4
	}
	if heapSizes&0x04 != 0 {
		blobW = 4
	}

	pos := 0
	for id := tableID(0); id < numTables; id++ {
		t := &ts.tables[id]
		t.rows = rows[id]
		cols := schemas[id]
		t.offsets = make([]int, len(cols))
		t.widths = make([]int, len(cols))
		for i, c := range cols {
			var w int
			switch c.kind {
			case colFixed:
				w = c.size
			case colString:
				w = strW
			case colGUID:
				w = guidW
			case colBlob:
				w = blobW
			case colTable:
				w = 2
				if rows[c.table] >= 1<<16 {
					w = 4
				}
			case colCoded:
				w = codedWidth(c.coded, rows)
			}
			t.offsets[i] = t.rowSize
			t.widths[i] = w
			t.rowSize += w
		}

		size := int(t.rows) * t.rowSize
		if size < 0 || pos+size > len(data) {
			return fmt.Errorf("%w: table 0x%02x overruns the #~ stream", ErrBadMetadata, uint8(id))
		}
		t.data = data[pos : pos+size]
		pos += size
	}
	return nil
}

func codedWidth(ci *codedIndex, rows [numTables]uint32) int {
	var maxRows uint32
	for _, t := range ci.tables {
		if t != noTable && rows[t] > maxRows {
			maxRows = rows[t]
		}
	}
	if maxRows < 1<<(16-ci.bits) {
		return 2
	}
	return 4
}

// cell reads column col of the 1-based row in table id.
func (ts *tableSet) cell(id tableID, row uint32, col int) (uint32, error) {
	t := &ts.tables[id]
	if row == 0 || row > t.rows {
		return 0, fmt.Errorf("%w: row %d out of range for table 0x%02x", ErrBadMetadata, row, uint8(id))
	}
	off := int(row-1)*t.rowSize + t.offsets[col]
	switch t.widths[col] {
	case 2:
		return uint32(binary.LittleEndian.Uint16(t.data[off:])), nil
	case 4:
		return binary.LittleEndian.Uint32(t.data[off:]), nil
	case 1:
		return uint32(t.data[off]), nil
	}
	return 0, fmt.Errorf("%w: unsupported column width %d", ErrBadMetadata, t.widths[col])
}

func (ts *tableSet) rowCount(id tableID) uint32 {
	return ts.tables[id].rows
}

// token is a decoded table reference.
type token struct {
	table tableID
	row   uint32
}

func (t token) isNil() bool { return t.row == 0 }

func decodeCoded(ci *codedIndex, v uint32) (token, error) {
	tag := v & (1<<ci.bits - 1)
	if int(tag) >= len(ci.tables) || ci.tables[tag] == noTable {
		return token{}, fmt.Errorf("%w: invalid coded index tag %d", ErrBadMetadata, tag)
	}
	return token{table: ci.tables[tag], row: v >> ci.bits}, nil
}

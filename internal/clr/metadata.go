package clr

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
)

const metadataSignature = 0x424A5342 // "BSJB"

// metadata is the parsed metadata root of one module.
type metadata struct {
	version string
	strings []byte
	blobs   []byte
	guids   []byte
	tables  tableSet
}

// readMetadata locates the CLI header through the PE data directories and
// parses the metadata root it points at. fileSize bounds every read, whatever
// the headers claim.
func readMetadata(r io.ReaderAt, fileSize int64) (*metadata, error) {
	pf, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotManaged, err)
	}
	defer pf.Close()

	var dir pe.DataDirectory
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if oh.NumberOfRvaAndSizes > clrDirectoryIdx {
			dir = oh.DataDirectory[clrDirectoryIdx]
		}
	case *pe.OptionalHeader64:
		if oh.NumberOfRvaAndSizes > clrDirectoryIdx {
			dir = oh.DataDirectory[clrDirectoryIdx]
		}
	}
	if dir.VirtualAddress == 0 {
		return nil, ErrNotManaged
	}

	cli, err := readRVA(pf, fileSize, dir.VirtualAddress, clrHeaderMinSize)
	if err != nil {
		return nil, fmt.Errorf("%w: CLI header: %v", ErrBadMetadata, err)
	}
	mdRVA := binary.LittleEndian.Uint32(cli[8:])
	mdSize := binary.LittleEndian.Uint32(cli[12:])
	if mdRVA == 0 || mdSize == 0 {
		return nil, fmt.Errorf("%w: empty metadata directory", ErrBadMetadata)
	}

	root, err := readRVA(pf, fileSize, mdRVA, mdSize)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata root: %v", ErrBadMetadata, err)
	}
	return parseMetadataRoot(root)
}

// readRVA reads size bytes at the relative virtual address rva from whichever
// section maps it. The read must fit the section's raw data as present in
// the file.
func readRVA(pf *pe.File, fileSize int64, rva, size uint32) ([]byte, error) {
	for _, s := range pf.Sections {
		span := s.VirtualSize
		if span < s.Size {
			span = s.Size
		}
		if rva < s.VirtualAddress || rva >= s.VirtualAddress+span {
			continue
		}
		off := rva - s.VirtualAddress
		if uint64(off)+uint64(size) > rawExtent(s, fileSize) {
			return nil, fmt.Errorf("rva 0x%x+%d exceeds raw data of section %s", rva, size, s.Name)
		}
		buf := make([]byte, size)
		if _, err := s.ReadAt(buf, int64(off)); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return nil, fmt.Errorf("rva 0x%x is not mapped by any section", rva)
}

// rawExtent is the number of bytes of s actually backed by the file.
func rawExtent(s *pe.Section, fileSize int64) uint64 {
	if fileSize <= int64(s.Offset) {
		return 0
	}
	return min(uint64(s.Size), uint64(fileSize)-uint64(s.Offset))
}

func parseMetadataRoot(root []byte) (*metadata, error) {
	rd := &byteReader{buf: root}

	if sig := rd.u32(); sig != metadataSignature {
		return nil, fmt.Errorf("%w: bad signature 0x%08x", ErrBadMetadata, sig)
	}
	rd.skip(4) // major, minor
	rd.skip(4) // reserved
	verLen := int(rd.u32())
	ver := rd.bytes(verLen)
	rd.skip(2) // flags
	nStreams := int(rd.u16())
	if rd.err != nil {
		return nil, fmt.Errorf("%w: truncated root header", ErrBadMetadata)
	}

	md := &metadata{version: string(bytes.TrimRight(ver, "\x00"))}
	var tablesStream []byte
	for i := 0; i < nStreams; i++ {
		off := rd.u32()
		size := rd.u32()
		name := rd.paddedString()
		if rd.err != nil {
			return nil, fmt.Errorf("%w: truncated stream header %d", ErrBadMetadata, i)
		}
		if uint64(off)+uint64(size) > uint64(len(root)) {
			return nil, fmt.Errorf("%w: stream %s overruns metadata", ErrBadMetadata, name)
		}
		data := root[off : off+size]
		switch name {
		case "#~", "#-":
			tablesStream = data
		case "#Strings":
			md.strings = data
		case "#Blob":
			md.blobs = data
		case "#GUID":
			md.guids = data
		}
	}
	if tablesStream == nil {
		return nil, fmt.Errorf("%w: no tables stream", ErrBadMetadata)
	}
	if err := md.parseTables(tablesStream); err != nil {
		return nil, err
	}
	return md, nil
}

func (md *metadata) parseTables(stream []byte) error {
	rd := &byteReader{buf: stream}
	rd.skip(4) // reserved
	rd.skip(2) // major, minor
	heapSizes := rd.u8()
	rd.skip(1) // reserved
	valid := rd.u64()
	rd.skip(8) // sorted
	if rd.err != nil {
		return fmt.Errorf("%w: truncated tables header", ErrBadMetadata)
	}
	if valid>>numTables != 0 {
		return fmt.Errorf("%w: unsupported tables present (valid=0x%x)", ErrBadMetadata, valid)
	}

	var rows [numTables]uint32
	for id := 0; id < numTables; id++ {
		if valid&(1<<uint(id)) != 0 {
			rows[id] = rd.u32()
		}
	}
	if heapSizes&0x40 != 0 {
		rd.skip(4)
	}
	if rd.err != nil {
		return fmt.Errorf("%w: truncated row counts", ErrBadMetadata)
	}
	return md.tables.layout(rows, heapSizes, stream[rd.pos:])
}

// str returns the null-terminated string at index in the #Strings heap.
func (md *metadata) str(index uint32) (string, error) {
	if index == 0 {
		return "", nil
	}
	if int(index) >= len(md.strings) {
		return "", fmt.Errorf("%w: string index %d out of range", ErrBadMetadata, index)
	}
	s := md.strings[index:]
	if n := bytes.IndexByte(s, 0); n >= 0 {
		s = s[:n]
	}
	return string(s), nil
}

// blobAt returns the length-prefixed blob at index in the #Blob heap.
func (md *metadata) blobAt(index uint32) ([]byte, error) {
	if index == 0 {
		return nil, nil
	}
	if int(index) >= len(md.blobs) {
		return nil, fmt.Errorf("%w: blob index %d out of range", ErrBadMetadata, index)
	}
	rd := &byteReader{buf: md.blobs, pos: int(index)}
	n := rd.compressed()
	b := rd.bytes(int(n))
	if rd.err != nil {
		return nil, fmt.Errorf("%w: blob %d truncated", ErrBadMetadata, index)
	}
	return b, nil
}

// cellString reads a #Strings-indexed column.
func (md *metadata) cellString(id tableID, row uint32, col int) (string, error) {
	v, err := md.tables.cell(id, row, col)
	if err != nil {
		return "", err
	}
	return md.str(v)
}

// cellBlob reads a #Blob-indexed column.
func (md *metadata) cellBlob(id tableID, row uint32, col int) ([]byte, error) {
	v, err := md.tables.cell(id, row, col)
	if err != nil {
		return nil, err
	}
	return md.blobAt(v)
}

// cellToken reads a coded-index column.
func (md *metadata) cellToken(id tableID, row uint32, col int, ci *codedIndex) (token, error) {
	v, err := md.tables.cell(id, row, col)
	if err != nil {
		return token{}, err
	}
	return decodeCoded(ci, v)
}

// byteReader is a little-endian cursor that records the first out-of-range
// read instead of failing each call.
type byteReader struct {
	buf []byte
	pos int
	err error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *byteReader) skip(n int) { r.take(n) }

func (r *byteReader) bytes(n int) []byte { return r.take(n) }

func (r *byteReader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *byteReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *byteReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *byteReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// compressed reads an ECMA-335 compressed unsigned integer (II.23.2).
func (r *byteReader) compressed() uint32 {
	b0 := r.u8()
	switch {
	case b0&0x80 == 0:
		return uint32(b0)
	case b0&0xC0 == 0x80:
		b1 := r.u8()
		return uint32(b0&0x3F)<<8 | uint32(b1)
	case b0&0xE0 == 0xC0:
		rest := r.take(3)
		if rest == nil {
			return 0
		}
		return uint32(b0&0x1F)<<24 | uint32(rest[0])<<16 | uint32(rest[1])<<8 | uint32(rest[2])
	}
	if r.err == nil {
		r.err = fmt.Errorf("invalid compressed integer lead byte 0x%02x", b0)
	}
	return 0
}

// paddedString reads a null-terminated name padded to a four byte boundary,
// as used by metadata stream headers.
func (r *byteReader) paddedString() string {
	start := r.pos
	for r.err == nil {
		b := r.u8()
		if r.err != nil {
			return ""
		}
		if b == 0 {
			break
		}
	}
	name := string(r.buf[start : r.pos-1])
	if rem := (r.pos - start) % 4; rem != 0 {
		r.skip(4 - rem)
	}
	return name
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

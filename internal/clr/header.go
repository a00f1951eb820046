// Package clr reads the parts of Windows PE images and ECMA-335 metadata that
// plugin discovery needs: whether a file is a managed binary, which types it
// declares, and which assembly-level attributes it carries.
package clr

import (
	"context"
	"encoding/binary"
	"io"
	"os"
)

const (
	dosSignature     = 0x5A4D // "MZ"
	peSignature      = 0x00004550
	lfanewOffset     = 0x3C
	coffHeaderSize   = 20
	magicPE32        = 0x10B
	magicPE32Plus    = 0x20B
	pe32CLRSkip      = 206
	pe32PlusCLRSkip  = 222
	clrDirectoryIdx  = 14
	clrHeaderMinSize = 72
)

// IsManagedBinary reports whether the file at path is a PE image with a
// nonzero CLR runtime header RVA. Every I/O or format error yields false.
func IsManagedBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	rva, err := readCLRHeaderRVA(f, info.Size())
	if err != nil {
		return false
	}
	return rva != 0
}

// IsManagedBinaryContext is IsManagedBinary with cancellation. A cancelled
// context yields false.
func IsManagedBinaryContext(ctx context.Context, path string) bool {
	if ctx.Err() != nil {
		return false
	}

	result := make(chan bool, 1)
	go func() {
		result <- IsManagedBinary(path)
	}()

	select {
	case <-ctx.Done():
		return false
	case ok := <-result:
		return ok
	}
}

// readCLRHeaderRVA walks the DOS and PE headers far enough to read the RVA of
// the CLR runtime header data directory.
func readCLRHeaderRVA(r io.ReadSeeker, length int64) (uint32, error) {
	var mz uint16
	if err := binary.Read(r, binary.LittleEndian, &mz); err != nil {
		return 0, err
	}
	if mz != dosSignature {
		return 0, ErrNotManaged
	}

	if _, err := r.Seek(lfanewOffset, io.SeekStart); err != nil {
		return 0, err
	}
	var lfanew int32
	if err := binary.Read(r, binary.LittleEndian, &lfanew); err != nil {
		return 0, err
	}
	if lfanew <= 0 || int64(lfanew) >= length {
		return 0, ErrNotManaged
	}

	if _, err := r.Seek(int64(lfanew), io.SeekStart); err != nil {
		return 0, err
	}
	var sig uint32
	if err := binary.Read(r, binary.LittleEndian, &sig); err != nil {
		return 0, err
	}
	if sig != peSignature {
		return 0, ErrNotManaged
	}

	if _, err := r.Seek(coffHeaderSize, io.SeekCurrent); err != nil {
		return 0, err
	}
	var magic uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return 0, err
	}

	var skip int64
	switch magic {
	case magicPE32:
		skip = pe32CLRSkip
	case magicPE32Plus:
		skip = pe32PlusCLRSkip
	default:
		return 0, ErrNotManaged
	}

	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if pos+skip >= length {
		return 0, ErrNotManaged
	}
	if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
		return 0, err
	}

	var rva uint32
	if err := binary.Read(r, binary.LittleEndian, &rva); err != nil {
		return 0, err
	}
	return rva, nil
}

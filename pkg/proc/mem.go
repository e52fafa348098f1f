package proc

import (
	"encoding/binary"
	"errors"
	"unicode/utf16"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

const (
	// WordSize is the size of a stack slot of the targets we analyze,
	// arguments are pushed right-to-left as 32-bit words (stdcall).
	WordSize = 4

	pageSize = 0x1000

	// maxWideStringLen bounds the number of UTF-16 code units read by
	// ReadWideString while looking for the terminator.
	maxWideStringLen = 1 << 20
)

var (
	errShortRead          = errors.New("short read")
	errShortWrite         = errors.New("short write")
	errUnterminatedString = errors.New("string is not terminated")
)

func readFull(mem MemoryReader, buf []byte, addr uint64) error {
	if addr == 0 {
		return &AccessError{Op: "read", Addr: addr, Err: ErrNilAddress}
	}
	n, err := mem.ReadMemory(buf, addr)
	if err == nil && n != len(buf) {
		err = errShortRead
	}
	if err != nil {
		var aerr *AccessError
		if errors.As(err, &aerr) {
			return err
		}
		return &AccessError{Op: "read", Addr: addr, Err: err}
	}
	return nil
}

func writeFull(mem MemoryReadWriter, addr uint64, data []byte) error {
	if addr == 0 {
		return &AccessError{Op: "write", Addr: addr, Err: ErrNilAddress}
	}
	n, err := mem.WriteMemory(addr, data)
	if err == nil && n != len(data) {
		err = errShortWrite
	}
	if err != nil {
		var aerr *AccessError
		if errors.As(err, &aerr) {
			return err
		}
		return &AccessError{Op: "write", Addr: addr, Err: err}
	}
	return nil
}

// ReadWord reads a little endian 32-bit word at addr.
func ReadWord(mem MemoryReader, addr uint64) (uint32, error) {
	var buf [WordSize]byte
	if err := readFull(mem, buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadStackWords reads n consecutive words starting at the stack pointer
// sp. On function entry the first word is the return address and the
// following ones are the arguments, in order.
func ReadStackWords(mem MemoryReader, sp uint64, n int) ([]uint32, error) {
	buf := make([]byte, n*WordSize)
	if err := readFull(mem, buf, sp); err != nil {
		return nil, err
	}
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*WordSize:])
	}
	return words, nil
}

// ReadWideUnits reads a null terminated UTF-16LE string at addr and returns
// its code units, without the terminator. Memory is read one page at a time
// so that strings ending near the end of a mapping can be read.
func ReadWideUnits(mem MemoryReader, addr uint64) ([]uint16, error) {
	var units []uint16
	cur := addr
	for len(units) < maxWideStringLen {
		chunk := int(pageSize - cur%pageSize)
		chunk &^= 1
		if chunk == 0 {
			chunk = 2
		}
		if chunk > 512 {
			chunk = 512
		}
		buf := make([]byte, chunk)
		if err := readFull(mem, buf, cur); err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(buf); i += 2 {
			u := binary.LittleEndian.Uint16(buf[i:])
			if u == 0 {
				return units, nil
			}
			units = append(units, u)
		}
		cur += uint64(chunk)
	}
	return nil, &AccessError{Op: "read", Addr: addr, Err: errUnterminatedString}
}

// ReadWideString reads a null terminated UTF-16LE string at addr.
func ReadWideString(mem MemoryReader, addr uint64) (string, error) {
	units, err := ReadWideUnits(mem, addr)
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(units)), nil
}

// WriteByte writes a single byte at addr.
func WriteByte(mem MemoryReadWriter, addr uint64, b byte) error {
	return writeFull(mem, addr, []byte{b})
}

// WriteWord writes a little endian 32-bit word at addr.
func WriteWord(mem MemoryReadWriter, addr uint64, v uint32) error {
	var buf [WordSize]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return writeFull(mem, addr, buf[:])
}

// EncodeWideString returns s encoded as UTF-16LE followed by a two byte
// null terminator.
func EncodeWideString(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2*len(units)+2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return buf
}

// WriteWideString writes s at addr as a null terminated UTF-16LE string.
// The write is not atomic: if it fails the contents of the target memory
// are undefined.
func WriteWideString(mem MemoryReadWriter, addr uint64, s string) error {
	return writeFull(mem, addr, EncodeWideString(s))
}

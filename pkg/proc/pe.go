package proc

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// Exported symbols are resolved by parsing the export directory of the
// image as it is mapped in the target, the same thing GetProcAddress does
// in-process.

const (
	dosSignature     = 0x5a4d     // "MZ"
	ntSignature      = 0x00004550 // "PE\x00\x00"
	dosLfanewOffset  = 0x3c
	exportDirSize    = 40
	maxExportNames   = 0x10000
	maxExportNameLen = 512

	defaultExportCacheSize = 64
)

var (
	errBadDOSHeader   = errors.New("bad DOS header")
	errBadNTHeader    = errors.New("bad NT header")
	errNoExports      = errors.New("image has no export directory")
	errBadExportDir   = errors.New("malformed export directory")
	errSymbolNotFound = errors.New("symbol not exported")
)

type imageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ImageHeaders is the subset of the PE headers of a mapped image that the
// export resolver needs.
type ImageHeaders struct {
	Machine       uint16
	TimeDateStamp uint32
	SizeOfImage   uint32
	Export        pe.DataDirectory
}

// ReadImageHeaders parses the DOS and NT headers of the image mapped at
// base.
func ReadImageHeaders(mem MemoryReader, base uint64) (*ImageHeaders, error) {
	var dos [0x40]byte
	if err := readFull(mem, dos[:], base); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(dos[:]) != dosSignature {
		return nil, errBadDOSHeader
	}
	lfanew := uint64(binary.LittleEndian.Uint32(dos[dosLfanewOffset:]))

	var fh pe.FileHeader
	ntbuf := make([]byte, 4+binary.Size(fh)+binary.Size(pe.OptionalHeader64{}))
	if err := readFull(mem, ntbuf, base+lfanew); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint32(ntbuf) != ntSignature {
		return nil, errBadNTHeader
	}
	rd := bytes.NewReader(ntbuf[4:])
	if err := binary.Read(rd, binary.LittleEndian, &fh); err != nil {
		return nil, err
	}

	hdr := &ImageHeaders{Machine: fh.Machine, TimeDateStamp: fh.TimeDateStamp}

	var magic uint16
	if err := binary.Read(bytes.NewReader(ntbuf[4+binary.Size(fh):]), binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	var (
		ndirs uint32
		dirs  [16]pe.DataDirectory
	)
	switch magic {
	case 0x10b:
		var oh pe.OptionalHeader32
		if err := binary.Read(rd, binary.LittleEndian, &oh); err != nil {
			return nil, err
		}
		hdr.SizeOfImage = oh.SizeOfImage
		ndirs, dirs = oh.NumberOfRvaAndSizes, oh.DataDirectory
	case 0x20b:
		var oh pe.OptionalHeader64
		if err := binary.Read(rd, binary.LittleEndian, &oh); err != nil {
			return nil, err
		}
		hdr.SizeOfImage = oh.SizeOfImage
		ndirs, dirs = oh.NumberOfRvaAndSizes, oh.DataDirectory
	default:
		return nil, fmt.Errorf("%w: unknown optional header magic %#x", errBadNTHeader, magic)
	}
	if ndirs > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
		hdr.Export = dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
	}
	return hdr, nil
}

// ExportTable maps the names exported by an image to their RVAs.
type ExportTable struct {
	// DLLName is the name the image gives itself in the export directory.
	DLLName string
	// Names maps exported names to the RVA of the function.
	Names map[string]uint32
	// Forwards maps forwarded exports to their forwarder string, e.g.
	// "NTDLL.RtlAllocateHeap".
	Forwards map[string]string
}

// exportReader reads from the export directory, which is normally read in
// a single call, falling back to the target for RVAs outside of it.
type exportReader struct {
	mem  MemoryReader
	base uint64
	rva  uint32
	data []byte
}

func (r *exportReader) inDir(rva uint32) bool {
	return rva >= r.rva && uint64(rva) < uint64(r.rva)+uint64(len(r.data))
}

func (r *exportReader) read(rva uint32, n int) ([]byte, error) {
	if r.inDir(rva) && uint64(rva-r.rva)+uint64(n) <= uint64(len(r.data)) {
		return r.data[rva-r.rva : int(rva-r.rva)+n], nil
	}
	buf := make([]byte, n)
	if err := readFull(r.mem, buf, r.base+uint64(rva)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *exportReader) cstring(rva uint32) (string, error) {
	if r.inDir(rva) {
		s := r.data[rva-r.rva:]
		if i := bytes.IndexByte(s, 0); i >= 0 {
			return string(s[:i]), nil
		}
	}
	buf := make([]byte, maxExportNameLen)
	n, _ := r.mem.ReadMemory(buf, r.base+uint64(rva))
	if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
		return string(buf[:i]), nil
	}
	return "", &AccessError{Op: "read", Addr: r.base + uint64(rva), Err: errUnterminatedString}
}

// ReadExportTable parses the export directory of the image mapped at base.
func ReadExportTable(mem MemoryReader, base uint64, hdr *ImageHeaders) (*ExportTable, error) {
	dir := hdr.Export
	if dir.VirtualAddress == 0 || dir.Size < exportDirSize {
		return nil, errNoExports
	}
	r := &exportReader{mem: mem, base: base, rva: dir.VirtualAddress, data: make([]byte, dir.Size)}
	if err := readFull(mem, r.data, base+uint64(dir.VirtualAddress)); err != nil {
		return nil, err
	}

	var ed imageExportDirectory
	if err := binary.Read(bytes.NewReader(r.data), binary.LittleEndian, &ed); err != nil {
		return nil, err
	}
	if ed.NumberOfNames > maxExportNames || ed.NumberOfFunctions > maxExportNames {
		return nil, errBadExportDir
	}

	functions, err := r.read(ed.AddressOfFunctions, int(ed.NumberOfFunctions)*4)
	if err != nil {
		return nil, err
	}
	names, err := r.read(ed.AddressOfNames, int(ed.NumberOfNames)*4)
	if err != nil {
		return nil, err
	}
	ordinals, err := r.read(ed.AddressOfNameOrdinals, int(ed.NumberOfNames)*2)
	if err != nil {
		return nil, err
	}

	et := &ExportTable{
		Names:    make(map[string]uint32, ed.NumberOfNames),
		Forwards: make(map[string]string),
	}
	if ed.Name != 0 {
		et.DLLName, _ = r.cstring(ed.Name)
	}

	for i := uint32(0); i < ed.NumberOfNames; i++ {
		ord := uint32(binary.LittleEndian.Uint16(ordinals[2*i:]))
		if ord >= ed.NumberOfFunctions {
			continue
		}
		name, err := r.cstring(binary.LittleEndian.Uint32(names[4*i:]))
		if err != nil {
			return nil, err
		}
		fnrva := binary.LittleEndian.Uint32(functions[4*ord:])
		if r.inDir(fnrva) {
			fwd, err := r.cstring(fnrva)
			if err != nil {
				return nil, err
			}
			et.Forwards[name] = fwd
			continue
		}
		et.Names[name] = fnrva
	}
	return et, nil
}

// ExportCache caches parsed export tables. Tables are keyed by image
// identity (path, link timestamp and size) and hold RVAs, so a cached table
// stays valid if the image is later mapped at a different base.
type ExportCache struct {
	cache *lru.Cache
}

// NewExportCache returns an ExportCache holding at most size tables.
func NewExportCache(size int) *ExportCache {
	if size <= 0 {
		size = defaultExportCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return &ExportCache{cache: cache}
}

// Table returns the export table of mod, reading it from the target if it
// is not cached.
func (c *ExportCache) Table(mem MemoryReader, mod *Module) (*ExportTable, error) {
	hdr, err := ReadImageHeaders(mem, mod.Base)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s|%08x|%08x", strings.ToLower(mod.Path), hdr.TimeDateStamp, hdr.SizeOfImage)
	if v, ok := c.cache.Get(key); ok {
		return v.(*ExportTable), nil
	}
	et, err := ReadExportTable(mem, mod.Base, hdr)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, et)
	return et, nil
}

// Resolve returns the address of the exported symbol in mod.
func (c *ExportCache) Resolve(mem MemoryReader, mod *Module, symbol string) (uint64, error) {
	et, err := c.Table(mem, mod)
	if err != nil {
		return 0, &SymbolResolutionError{Module: mod.Name, Symbol: symbol, Err: err}
	}
	if rva, ok := et.Names[symbol]; ok {
		return mod.Base + uint64(rva), nil
	}
	if fwd, ok := et.Forwards[symbol]; ok {
		return 0, &ForwardedExportError{Module: mod.Name, Symbol: symbol, Forwarder: fwd}
	}
	return 0, &SymbolResolutionError{Module: mod.Name, Symbol: symbol, Err: errSymbolNotFound}
}

// ParseForwarder splits a forwarder string such as "NTDLL.RtlAllocateHeap"
// into the module and the symbol implementing the export. Forwarders by
// ordinal ("NTDLL.#12") are not supported.
func ParseForwarder(fwd string) (module, symbol string, err error) {
	i := strings.LastIndexByte(fwd, '.')
	if i <= 0 || i == len(fwd)-1 {
		return "", "", fmt.Errorf("malformed forwarder %q", fwd)
	}
	module, symbol = fwd[:i], fwd[i+1:]
	if strings.HasPrefix(symbol, "#") {
		return "", "", fmt.Errorf("forwarder by ordinal %q not supported", fwd)
	}
	return module, symbol, nil
}

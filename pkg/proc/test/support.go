// Package test contains fixtures shared by the tests of the analyzer: an
// in-memory implementation of proc.Process and a builder for the PE images
// it maps.
package test

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"sort"
)

// Export is a symbol exported by a fixture image.
type Export struct {
	Name string
	// RVA of the function. Ignored if Forward is set.
	RVA uint32
	// Forward makes the export a forwarder to the given "DLL.Symbol".
	Forward string
}

const (
	fixtureLfanew    = 0x80
	fixtureExportRVA = 0x1000
	// FixtureImageSize is the size of images built by BuildImage.
	FixtureImageSize = 0x4000
)

// BuildImage returns a minimal PE32 image, laid out as it would be mapped in
// memory, whose export directory exports the given symbols. Function RVAs
// should lie outside of the export directory, e.g. >= 0x2000.
func BuildImage(dllName string, exports []Export) []byte {
	img := make([]byte, FixtureImageSize)

	binary.LittleEndian.PutUint16(img, 0x5a4d)
	binary.LittleEndian.PutUint32(img[0x3c:], fixtureLfanew)

	sorted := append([]Export(nil), exports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	// Export directory layout, all inside the directory:
	// header | functions | names | ordinals | strings
	n := uint32(len(sorted))
	funcsRVA := uint32(fixtureExportRVA + 40)
	namesRVA := funcsRVA + 4*n
	ordsRVA := namesRVA + 4*n
	strRVA := ordsRVA + 2*n

	var strs bytes.Buffer
	addString := func(s string) uint32 {
		rva := strRVA + uint32(strs.Len())
		strs.WriteString(s)
		strs.WriteByte(0)
		return rva
	}
	dllNameRVA := addString(dllName)
	nameRVAs := make([]uint32, n)
	for i, e := range sorted {
		nameRVAs[i] = addString(e.Name)
	}
	fwdRVAs := make([]uint32, n)
	for i, e := range sorted {
		if e.Forward != "" {
			fwdRVAs[i] = addString(e.Forward)
		}
	}
	dirSize := strRVA + uint32(strs.Len()) - fixtureExportRVA

	for i, e := range sorted {
		fn := e.RVA
		if e.Forward != "" {
			fn = fwdRVAs[i]
		}
		binary.LittleEndian.PutUint32(img[funcsRVA+4*uint32(i):], fn)
		binary.LittleEndian.PutUint32(img[namesRVA+4*uint32(i):], nameRVAs[i])
		binary.LittleEndian.PutUint16(img[ordsRVA+2*uint32(i):], uint16(i))
	}
	copy(img[strRVA:], strs.Bytes())

	dir := img[fixtureExportRVA:]
	binary.LittleEndian.PutUint32(dir[12:], dllNameRVA)
	binary.LittleEndian.PutUint32(dir[16:], 1)
	binary.LittleEndian.PutUint32(dir[20:], n)
	binary.LittleEndian.PutUint32(dir[24:], n)
	binary.LittleEndian.PutUint32(dir[28:], funcsRVA)
	binary.LittleEndian.PutUint32(dir[32:], namesRVA)
	binary.LittleEndian.PutUint32(dir[36:], ordsRVA)

	var nt bytes.Buffer
	nt.Write([]byte{'P', 'E', 0, 0})
	binary.Write(&nt, binary.LittleEndian, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     0,
		TimeDateStamp:        0x5f3c2a10,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      pe.IMAGE_FILE_DLL | pe.IMAGE_FILE_32BIT_MACHINE,
	})
	oh := pe.OptionalHeader32{
		Magic:               0x10b,
		ImageBase:           0x10000000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         FixtureImageSize,
		SizeOfHeaders:       0x400,
		NumberOfRvaAndSizes: 16,
	}
	oh.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{VirtualAddress: fixtureExportRVA, Size: dirSize}
	binary.Write(&nt, binary.LittleEndian, oh)
	copy(img[fixtureLfanew:], nt.Bytes())

	return img
}

package proc

import (
	"fmt"
	"strings"
)

// Module is an image (executable or DLL) mapped in the target.
type Module struct {
	// Path is the full path of the image file, as reported by the backend.
	Path string
	// Name is the base name of the image, e.g. "KERNEL32.DLL".
	Name string
	// Base is the address the image is mapped at.
	Base uint64
	// Size is the size of the mapped image, zero if unknown.
	Size uint64
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@%#x", m.Name, m.Base)
}

// Contains returns true if addr lies inside the mapped image.
func (m *Module) Contains(addr uint64) bool {
	if m.Size == 0 {
		return addr == m.Base
	}
	return addr >= m.Base && addr < m.Base+m.Size
}

// ModuleBaseName returns the last element of a Windows or Unix path.
func ModuleBaseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// MatchModuleName returns true if the module name (or path) name refers to
// the module pattern. The comparison is case insensitive and ignores the
// .dll extension on both sides, so "kernel32", "KERNEL32.DLL" and
// `C:\Windows\SysWOW64\kernel32.dll` all match each other.
func MatchModuleName(pattern, name string) bool {
	return normalizeModuleName(pattern) == normalizeModuleName(ModuleBaseName(name))
}

func normalizeModuleName(name string) string {
	name = strings.ToLower(name)
	return strings.TrimSuffix(name, ".dll")
}

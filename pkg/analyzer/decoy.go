package analyzer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/mgeeky/loffice/pkg/proc"
)

// Documents fingerprint sandboxes by listing installed products or running
// processes through WMI. Such queries are replaced with one on a harmless
// class that returns nothing interesting.
const (
	FilteredDecoy   = "SELECT Name FROM Win32_Fan WHERE Name='1'"
	UnfilteredDecoy = "SELECT Name FROM Win32_Fan"
)

// DefaultMonitoredClasses are the WMI classes whose queries are replaced.
var DefaultMonitoredClasses = []string{"Win32_Product", "Win32_Process"}

// ErrDecoyTooLong is returned by PatchQuery when the decoy is longer than
// the query it replaces and overflowing the buffer was not allowed.
var ErrDecoyTooLong = errors.New("decoy does not fit in the query buffer")

// DecoyFor returns the decoy that replaces query and true if query
// references one of classes. Queries with a filter (an equality or a LIKE)
// get a decoy with a filter matching nothing.
func DecoyFor(query string, classes []string) (string, bool) {
	q := strings.ToLower(query)
	monitored := false
	for _, class := range classes {
		if strings.Contains(q, strings.ToLower(class)) {
			monitored = true
			break
		}
	}
	if !monitored {
		return "", false
	}
	if strings.Contains(q, "=") || strings.Contains(q, "like") {
		return FilteredDecoy, true
	}
	return UnfilteredDecoy, true
}

// PatchQuery overwrites the null terminated UTF-16 query of origLen code
// units at addr with decoy and its terminator. The underlying allocation
// is never resized: unless allowOverflow is set, a decoy longer than the
// original query is refused and the memory is left untouched.
//
// If the word preceding the string holds the original length in bytes the
// string is a BSTR and its length prefix is updated as well.
func PatchQuery(mem proc.MemoryReadWriter, addr uint64, origLen int, decoy string, allowOverflow bool) error {
	n := len(utf16.Encode([]rune(decoy)))
	if n > origLen && !allowOverflow {
		return fmt.Errorf("%w: %d > %d characters", ErrDecoyTooLong, n, origLen)
	}
	if err := proc.WriteWideString(mem, addr, decoy); err != nil {
		return err
	}
	if addr < proc.WordSize {
		return nil
	}
	if prefix, err := proc.ReadWord(mem, addr-proc.WordSize); err == nil && prefix == uint32(2*origLen) {
		return proc.WriteWord(mem, addr-proc.WordSize, uint32(2*n))
	}
	return nil
}

package proc_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/mgeeky/loffice/pkg/proc"
	protest "github.com/mgeeky/loffice/pkg/proc/test"
)

func TestReadWord(t *testing.T) {
	p := protest.NewFakeProcess(1)
	p.Map(0x1000, []byte{0x00, 0x01, 0x00, 0x80})

	v, err := proc.ReadWord(p, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x80000100 {
		t.Fatalf("expected 0x80000100, got %#x", v)
	}

	_, err = proc.ReadWord(p, 0x1ffe)
	var aerr *proc.AccessError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AccessError reading past the mapping, got %v", err)
	}
	if aerr.Op != "read" || aerr.Addr != 0x1ffe {
		t.Fatalf("unexpected AccessError %#v", aerr)
	}
}

func TestReadStackWords(t *testing.T) {
	p := protest.NewFakeProcess(1)
	p.MapStack(7, 0x8000, 0xdeadbeef, 0x1111, 0x2222)

	words, err := proc.ReadStackWords(p, 0x8000, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint32{0xdeadbeef, 0x1111, 0x2222}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("word %d: expected %#x, got %#x", i, want[i], words[i])
		}
	}
}

func TestReadWideString(t *testing.T) {
	tests := []struct {
		name string
		addr uint64
		s    string
	}{
		{"ascii", 0x4000, `C:\secret.docx`},
		{"empty", 0x4000, ""},
		{"non-ascii", 0x4000, "http://пример.рф/ü"},
		// crosses a page boundary
		{"page-crossing", 0x4ff0, strings.Repeat("A", 100)},
		// longer than a single read chunk
		{"long", 0x4000, strings.Repeat("http://example.com/", 100)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := protest.NewFakeProcess(1)
			p.MapWideString(tc.addr, tc.s)
			got, err := proc.ReadWideString(p, tc.addr)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.s {
				t.Fatalf("expected %q, got %q", tc.s, got)
			}
		})
	}
}

func TestReadWideStringErrors(t *testing.T) {
	p := protest.NewFakeProcess(1)
	// no terminator before the end of the mapping
	p.Map(0x4000, bytes.Repeat([]byte{'a', 0}, 0x800))

	_, err := proc.ReadWideString(p, 0x4000)
	var aerr *proc.AccessError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AccessError, got %v", err)
	}

	_, err = proc.ReadWideString(p, 0)
	if !errors.Is(err, proc.ErrNilAddress) {
		t.Fatalf("expected ErrNilAddress, got %v", err)
	}
}

func TestWriteByte(t *testing.T) {
	p := protest.NewFakeProcess(1)
	p.Map(0x1000, []byte{1, 2, 3})
	if err := proc.WriteByte(p, 0x1001, 0xcc); err != nil {
		t.Fatal(err)
	}
	if got := p.Bytes(0x1000, 3); !bytes.Equal(got, []byte{1, 0xcc, 3}) {
		t.Fatalf("unexpected memory %x", got)
	}

	p.MapReadOnly(0x2000, []byte{0})
	err := proc.WriteByte(p, 0x2000, 1)
	var aerr *proc.AccessError
	if !errors.As(err, &aerr) || aerr.Op != "write" {
		t.Fatalf("expected write AccessError, got %v", err)
	}
}

func TestEncodeWideString(t *testing.T) {
	got := proc.EncodeWideString("Fan")
	want := []byte{'F', 0, 'a', 0, 'n', 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %x, got %x", want, got)
	}
}

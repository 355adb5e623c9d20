package buffer

import (
	"math/big"
	"testing"
)

func TestScalarRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUint8(7)
	w.WriteBool(true)
	w.WriteUint32(0xdeadbeef)
	w.WriteUint64(0x0102030405060708)
	w.WriteUTF8("hello")
	w.WriteNameList([]string{"aes256-ctr", "aes128-ctr"})

	r := New(w.Bytes())

	if v, err := r.ReadUint8(); err != nil || v != 7 {
		t.Fatalf("ReadUint8 = %v, %v", v, err)
	}
	if v, err := r.ReadBool(); err != nil || !v {
		t.Fatalf("ReadBool = %v, %v", v, err)
	}
	if v, err := r.ReadUint32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("ReadUint32 = %x, %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("ReadUint64 = %x, %v", v, err)
	}
	if s, err := r.ReadUTF8(); err != nil || s != "hello" {
		t.Fatalf("ReadUTF8 = %q, %v", s, err)
	}
	names, err := r.ReadNameList()
	if err != nil || len(names) != 2 || names[0] != "aes256-ctr" || names[1] != "aes128-ctr" {
		t.Fatalf("ReadNameList = %v, %v", names, err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected buffer fully consumed, %d bytes left", r.Len())
	}
}

func TestMPIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, 127, 128, 255, 1 << 20, 0x7fffffff}
	for _, c := range cases {
		w := NewWriter()
		w.WriteMPInt(big.NewInt(c))
		r := New(w.Bytes())
		got, err := r.ReadMPInt()
		if err != nil {
			t.Fatalf("ReadMPInt(%d): %v", c, err)
		}
		if got.Int64() != c {
			t.Fatalf("ReadMPInt(%d) = %d", c, got.Int64())
		}
	}
}

func TestMPIntHighBitPadding(t *testing.T) {
	// 0x80 alone would be read back as negative without a leading zero byte.
	v := big.NewInt(0x80)
	w := NewWriter()
	w.WriteMPInt(v)
	raw := w.Bytes()
	// uint32 length prefix + 2 bytes (0x00, 0x80)
	if len(raw) != 4+2 {
		t.Fatalf("expected 6-byte encoding, got %d: %x", len(raw), raw)
	}
	r := New(raw)
	got, err := r.ReadMPInt()
	if err != nil {
		t.Fatalf("ReadMPInt: %v", err)
	}
	if got.Cmp(v) != 0 {
		t.Fatalf("got %v want %v", got, v)
	}
}

func TestEmptyNameList(t *testing.T) {
	w := NewWriter()
	w.WriteNameList(nil)
	r := New(w.Bytes())
	names, err := r.ReadNameList()
	if err != nil {
		t.Fatalf("ReadNameList: %v", err)
	}
	if names != nil {
		t.Fatalf("expected nil, got %v", names)
	}
}

func TestShortBufferErrors(t *testing.T) {
	r := New([]byte{0, 0, 0, 5, 'h', 'i'}) // claims 5 bytes, only has 2
	if _, err := r.ReadString(); err == nil {
		t.Fatal("expected short-buffer error")
	}
}

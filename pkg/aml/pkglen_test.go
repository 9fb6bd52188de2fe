package aml

import "testing"

func TestReadPkgLenOneByteForm(t *testing.T) {
	c := newCursor([]byte{0x06})
	length, encoded, err := readPkgLen(c)
	if err != nil {
		t.Fatal(err)
	}
	if length != 6 || encoded != 1 {
		t.Fatalf("got length=%d encoded=%d", length, encoded)
	}
}

func TestReadPkgLenMultiByteForm(t *testing.T) {
	// top bits = 01 (count=1), low nibble = 0x3, then one more byte 0x10
	// value = 0x3 | (0x10 << 4) = 0x103
	c := newCursor([]byte{0x43, 0x10})
	length, encoded, err := readPkgLen(c)
	if err != nil {
		t.Fatal(err)
	}
	if encoded != 2 {
		t.Fatalf("got encoded=%d", encoded)
	}
	if length != 0x103 {
		t.Fatalf("got length=%#x", length)
	}
}

func TestReadPkgLenAcceptsFourByteForm(t *testing.T) {
	// byte count field can only be 0-3 (encoding 1-4 total bytes); the top
	// two bits are naturally in [0,3] for a single byte, so the largest
	// count, 3, must decode when its three following bytes are present.
	c := newCursor([]byte{0xC0, 0x00, 0x00, 0x00})
	if _, _, err := readPkgLen(c); err != nil {
		t.Fatalf("count=3 is valid, got error: %v", err)
	}
}

func TestReadPkgLenTruncatedInput(t *testing.T) {
	c := newCursor([]byte{0x43}) // claims one more byte, has none
	if _, _, err := readPkgLen(c); err == nil {
		t.Fatal("expected truncation error")
	}
}

package aml

import "testing"

func TestParseNameSegRejectsInvalidLeadChar(t *testing.T) {
	c := newCursor([]byte{'1', 'A', 'B', 'C'})
	if _, err := parseNameSeg(c); err == nil {
		t.Fatal("expected error for digit lead char")
	}
}

func TestParseNameSegAcceptsUnderscorePadded(t *testing.T) {
	c := newCursor([]byte("_SB_"))
	seg, err := parseNameSeg(c)
	if err != nil {
		t.Fatal(err)
	}
	if seg != "_SB_" {
		t.Fatalf("got %q", seg)
	}
}

func TestParseNameStringAbsoluteMultiSegment(t *testing.T) {
	data := append([]byte{'\\', 0x2F, 0x03}, []byte("_SB_PCI0RES_")...)
	c := newCursor(data)
	np, err := parseNameString(c)
	if err != nil {
		t.Fatal(err)
	}
	if !np.absolute {
		t.Fatal("expected absolute path")
	}
	want := []string{"_SB_", "PCI0", "RES_"}
	if len(np.segments) != len(want) {
		t.Fatalf("got %v", np.segments)
	}
	for i, s := range want {
		if np.segments[i] != s {
			t.Fatalf("segment %d: got %q want %q", i, np.segments[i], s)
		}
	}
}

func TestParseNameStringDualNamePrefix(t *testing.T) {
	data := append([]byte{0x2E}, []byte("_SB_PCI0")...)
	c := newCursor(data)
	np, err := parseNameString(c)
	if err != nil {
		t.Fatal(err)
	}
	if len(np.segments) != 2 || np.segments[0] != "_SB_" || np.segments[1] != "PCI0" {
		t.Fatalf("got %v", np.segments)
	}
}

func TestParseNameStringParentPrefixCounts(t *testing.T) {
	data := append([]byte{'^', '^'}, []byte("FOO_")...)
	c := newCursor(data)
	np, err := parseNameString(c)
	if err != nil {
		t.Fatal(err)
	}
	if np.upCount != 2 {
		t.Fatalf("got upCount=%d", np.upCount)
	}
	if len(np.segments) != 1 || np.segments[0] != "FOO_" {
		t.Fatalf("got %v", np.segments)
	}
}

func TestParseNameStringNullName(t *testing.T) {
	c := newCursor([]byte{'\\', 0x00})
	np, err := parseNameString(c)
	if err != nil {
		t.Fatal(err)
	}
	if !np.absolute || len(np.segments) != 0 {
		t.Fatalf("got %+v", np)
	}
}

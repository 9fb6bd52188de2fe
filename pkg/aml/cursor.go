// Package aml implements spec.md §4.3's AML interpreter: a prefix-encoded
// bytecode reader with PARSE/PRINT/EXEC operating modes, shaped after
// rootshaxor-gopher-os's vm.go jump-table dispatcher.
package aml

import "github.com/driftkernel/drift/pkg/kerrors"

// cursor is the AML bytecode reader: {ptr, remaining, offset} per spec.md
// §4.3 "Bytecode model". All multibyte integers are little-endian.
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data}
}

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) getU8() (byte, error) {
	if c.remaining() < 1 {
		return 0, kerrors.New(kerrors.TruncatedInput, "aml: cursor exhausted")
	}
	v := c.data[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) peekU8() (byte, error) {
	if c.remaining() < 1 {
		return 0, kerrors.New(kerrors.TruncatedInput, "aml: cursor exhausted")
	}
	return c.data[c.pos], nil
}

// ungetU8 rewinds the cursor by one byte, used when a handler peeks an
// opcode byte it turns out not to own.
func (c *cursor) ungetU8() {
	if c.pos > 0 {
		c.pos--
	}
}

func (c *cursor) getU16() (uint16, error) {
	if c.remaining() < 2 {
		return 0, kerrors.New(kerrors.TruncatedInput, "aml: cursor exhausted")
	}
	v := uint16(c.data[c.pos]) | uint16(c.data[c.pos+1])<<8
	c.pos += 2
	return v, nil
}

func (c *cursor) getU32() (uint32, error) {
	if c.remaining() < 4 {
		return 0, kerrors.New(kerrors.TruncatedInput, "aml: cursor exhausted")
	}
	v := uint32(c.data[c.pos]) | uint32(c.data[c.pos+1])<<8 |
		uint32(c.data[c.pos+2])<<16 | uint32(c.data[c.pos+3])<<24
	c.pos += 4
	return v, nil
}

func (c *cursor) getU64() (uint64, error) {
	if c.remaining() < 8 {
		return 0, kerrors.New(kerrors.TruncatedInput, "aml: cursor exhausted")
	}
	lo, err := c.getU32()
	if err != nil {
		return 0, err
	}
	hi, err := c.getU32()
	if err != nil {
		return 0, err
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

func (c *cursor) getBytes(n int) ([]byte, error) {
	if n < 0 || c.remaining() < n {
		return nil, kerrors.New(kerrors.TruncatedInput, "aml: cursor exhausted")
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

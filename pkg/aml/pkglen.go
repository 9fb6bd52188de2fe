package aml

import "github.com/driftkernel/drift/pkg/kerrors"

// maxPkgLength is spec.md §4.3's "Maximum value is (1<<28)-1".
const maxPkgLength = (1 << 28) - 1

// readPkgLen decodes a PkgLength per spec.md §4.3: the first byte's top two
// bits give the byte count (1-4); for counts > 1 the first byte's low
// nibble contributes the low four bits and each subsequent byte
// contributes the next 8 bits. It returns the decoded length (which
// includes the PkgLength encoding's own byte count, per the ACPI spec) and
// the number of bytes actually consumed for the encoding itself.
func readPkgLen(c *cursor) (length int, encodedBytes int, err error) {
	lead, err := c.getU8()
	if err != nil {
		return 0, 0, err
	}
	count := int(lead >> 6)
	if count == 0 {
		return int(lead & 0x3F), 1, nil
	}
	if count > 3 {
		return 0, 0, kerrors.New(kerrors.LengthOverflow, "aml: invalid pkglength byte count")
	}

	v := uint32(lead & 0x0F)
	for i := 0; i < count; i++ {
		b, err := c.getU8()
		if err != nil {
			return 0, 0, err
		}
		v |= uint32(b) << (4 + 8*i)
	}
	if v > maxPkgLength {
		return 0, 0, kerrors.New(kerrors.LengthOverflow, "aml: pkglength exceeds (1<<28)-1")
	}
	return int(v), count + 1, nil
}

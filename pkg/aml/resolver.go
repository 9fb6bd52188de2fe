package aml

import (
	"io"
	"os"
	"path/filepath"

	"github.com/driftkernel/drift/pkg/kerrors"
)

// TableSource locates a raw ACPI table's AML bytes by its 4-character
// signature (e.g. "DSDT", "SSDT"). Table headers (length, checksum,
// OEM IDs) are not modeled here; callers pass the table body starting
// after the standard ACPI table header, since this interpreter only
// consumes the AML byte stream itself.
type TableSource interface {
	LookupTable(signature string) ([]byte, error)
}

// StaticTableSource serves tables from an in-memory map, for tests and for
// the worked example in spec.md §8 scenario 3.
type StaticTableSource map[string][]byte

func (s StaticTableSource) LookupTable(signature string) ([]byte, error) {
	data, ok := s[signature]
	if !ok {
		return nil, kerrors.New(kerrors.NoEntry, "aml: no table named "+signature)
	}
	return data, nil
}

// aml table header size per the ACPI spec: Signature(4) Length(4)
// Revision(1) Checksum(1) OEMID(6) OEMTableID(8) OEMRevision(4)
// CreatorID(4) CreatorRevision(4).
const tableHeaderSize = 36

// SysfsTableSource reads ACPI tables exposed by the Linux kernel under
// /sys/firmware/acpi/tables, stripping the standard table header so only
// the AML definition block remains.
type SysfsTableSource struct {
	Root string // defaults to "/sys/firmware/acpi/tables" when empty
}

func (s SysfsTableSource) LookupTable(signature string) ([]byte, error) {
	root := s.Root
	if root == "" {
		root = "/sys/firmware/acpi/tables"
	}
	raw, err := os.ReadFile(filepath.Join(root, signature))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.NoEntry, "aml: read table "+signature, err)
	}
	if len(raw) < tableHeaderSize {
		return nil, kerrors.New(kerrors.TruncatedInput, "aml: table "+signature+" shorter than its header")
	}
	return raw[tableHeaderSize:], nil
}

// LoadTables parses every table a source can resolve for the given
// signatures into one shared namespace via a single Parser. A table that
// LookupTable can't find is skipped, not fatal, since SSDTs are frequently
// optional and platform-specific. A table whose parse fails stops the
// load: the partial Parser is returned with that error, and the
// signatures after it are not parsed.
func LoadTables(src TableSource, signatures []string, sink io.Writer) (*Parser, error) {
	p := NewParser(sink)
	for _, sig := range signatures {
		data, err := src.LookupTable(sig)
		if err != nil {
			continue
		}
		if err := p.ParseAML(data); err != nil {
			return p, err
		}
	}
	return p, nil
}

package aml

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/driftkernel/drift/pkg/klog"
)

// TestParseAMLWorkedExampleNamePackage is spec.md §8 scenario 3: the byte
// sequence for Name("\_SB_.PCI0.RES_", Package(1){0}) must produce a
// namespace entry at \_SB_.PCI0.RES_ holding a one-element Package whose
// sole element is Zero.
func TestParseAMLWorkedExampleNamePackage(t *testing.T) {
	data := []byte{
		0x08,                   // NameOp
		0x5C,                   // '\' root prefix
		0x2F, 0x03,             // MultiNamePrefix, count=3
		0x5F, 0x53, 0x42, 0x5F, // "_SB_"
		0x50, 0x43, 0x49, 0x30, // "PCI0"
		0x52, 0x45, 0x53, 0x5F, // "RES_"
		0x12, 0x06, // PackageOp, PkgLength=6
		0x01,       // NumElements=1
		0x0A, 0x00, // ByteConst 0
	}

	p := NewParser(nil)
	if err := p.ParseAML(data); err != nil {
		t.Fatal(err)
	}

	sb, ok := p.Root().child("_SB_")
	if !ok {
		t.Fatal("_SB_ not found")
	}
	pci0, ok := sb.(*ScopeEntity).child("PCI0")
	if !ok {
		t.Fatal("PCI0 not found")
	}
	res, ok := pci0.(*ScopeEntity).child("RES_")
	if !ok {
		t.Fatal("RES_ not found")
	}
	resScope := res.(*ScopeEntity)
	if resScope.obj == nil || resScope.obj.Type != DataTypePackage {
		t.Fatalf("RES_ should hold a Package, got %+v", resScope.obj)
	}
	if len(resScope.obj.Package) != 1 {
		t.Fatalf("want 1 element, got %d", len(resScope.obj.Package))
	}
	elem := resScope.obj.Package[0]
	if elem == nil || elem.Type != DataTypeInteger || elem.Integer != 0 {
		t.Fatalf("want Zero element, got %+v", elem)
	}
}

func TestParseAMLSkipsBIOSPadByteAtTopLevelAndLogs(t *testing.T) {
	var buf bytes.Buffer
	klog.SetOutput(&buf)
	defer klog.SetOutput(os.Stderr)

	data := []byte{
		0x01,                               // stray top-level pad byte
		0x08, 0x46, 0x4F, 0x4F, 0x5F, 0x0A, 0x2A, // Name("FOO_", 42)
	}
	p := NewParser(nil)
	if err := p.ParseAML(data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "0x01") {
		t.Fatalf("expected a log message about the skipped pad byte, got %q", buf.String())
	}
}

func TestParseAMLUnrecognizedOpcodeAbortsButRetainsPriorNamespace(t *testing.T) {
	data := []byte{
		0x08, 0x46, 0x4F, 0x4F, 0x5F, 0x0A, 0x05, // Name("FOO_", 5)
		0xF1, // unrecognized opcode
	}
	p := NewParser(nil)
	err := p.ParseAML(data)
	if err == nil {
		t.Fatal("expected an error for the unrecognized opcode")
	}
	if _, ok := p.Root().child("FOO_"); !ok {
		t.Fatal("namespace built before the failing construct should be retained")
	}
}

func TestParseAMLScopeDescendsAndRestoresCurrentScope(t *testing.T) {
	data := []byte{
		0x10, 0x0C, 0x5F, 0x53, 0x42, 0x5F, // Scope("_SB_") { ... }, pkglen=12
		0x08, 0x41, 0x41, 0x41, 0x41, 0x0A, 0x01, // Name("AAAA", 1)
	}
	p := NewParser(nil)
	if err := p.ParseAML(data); err != nil {
		t.Fatal(err)
	}
	sb, ok := p.Root().child("_SB_")
	if !ok {
		t.Fatal("_SB_ not found")
	}
	if _, ok := sb.(*ScopeEntity).child("AAAA"); !ok {
		t.Fatal("AAAA should be defined inside _SB_")
	}
	if p.cur != p.root {
		t.Fatal("current scope should be restored to root after Scope() returns")
	}
}

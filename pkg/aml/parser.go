package aml

import (
	"fmt"
	"io"

	"github.com/driftkernel/drift/pkg/kerrors"
	"github.com/driftkernel/drift/pkg/klog"
)

// Mode selects which of the three operating modes spec.md §4.3 names are
// active for a parse pass. They are flags, not mutually exclusive states,
// since PRINT can run alongside PARSE to produce disassembly as a side
// effect of namespace construction.
type Mode uint8

const (
	ModeParse Mode = 1 << iota
	ModePrint
	ModeExec
)

const opReturn = 0xA4

func init() {
	termListJumpTable[opReturn] = (*Parser).parseReturn
}

// Parser is spec.md §4.3's "mutable state {uio, it, indent, display_inline,
// cur_ns, root, flags}": uio is sink, it is c, cur_ns is cur.
type Parser struct {
	root *ScopeEntity
	cur  *ScopeEntity
	c    *cursor
	mode Mode
	sink io.Writer
	indent int

	// lastValue carries a TermArg handler's result back to parseTermArg,
	// since opHandler's uniform signature has no return value of its own.
	lastValue *DataObject

	// execCtx is non-nil only while executing a Method body (ModeExec).
	execCtx *execContext
}

// NewParser constructs a Parser rooted at the default ACPI scope
// hierarchy, ready to accept one or more ParseAML calls (one per DSDT/SSDT
// table, per spec.md §4.3's "State machine").
func NewParser(sink io.Writer) *Parser {
	return &Parser{root: defaultACPIScopes(), sink: sink}
}

// Root exposes the namespace root for Lookup/Visit callers.
func (p *Parser) Root() *ScopeEntity { return p.root }

// ParseAML parses one table's AML byte stream into the namespace, per
// spec.md §4.3's "Parse phase": NamedObj/NamespaceModifierObj definitions
// are registered; Method bodies are recorded as {offset, length, flags}
// and not executed. Errors abort the current (outermost) construct but
// the namespace already built is retained, matching "Failure semantics".
func (p *Parser) ParseAML(data []byte) error {
	p.c = newCursor(data)
	p.cur = p.root
	p.mode = ModeParse
	return p.parseTermList(len(data), true)
}

// parseTermList implements spec.md §4.3's TermList grammar: it loops over
// NamespaceModifierObj/NamedObj/Expression/Statement opcodes until end.
// topLevel gates the 0x01 BIOS-pad-byte workaround named in open question
// 4 (§9): a bare OneOp byte encountered directly under the table root is
// silently skipped rather than treated as an unrecognized construct.
func (p *Parser) parseTermList(end int, topLevel bool) error {
	for p.c.pos < end {
		if p.execCtx != nil && p.execCtx.ctrlFlow != ctrlFlowTypeNone {
			break
		}

		b, err := p.c.peekU8()
		if err != nil {
			return err
		}

		if b == opOne && topLevel {
			p.c.getU8()
			klog.Warningf("aml: skipping BIOS pad byte 0x01 at top-level offset %d", p.c.pos-1)
			continue
		}

		if h := termListJumpTable[b]; h != nil {
			p.c.getU8()
			if err := h(p); err != nil {
				return err
			}
			continue
		}

		// Not a recognized TermList-leading opcode: treat the remainder of
		// this position as a TermArg expression statement (e.g. a bare
		// method invocation used for its side effects).
		if isLeadNameChar(b) || b == '\\' || b == '^' {
			if _, err := p.parseTermArg(); err != nil {
				return err
			}
			continue
		}

		return kerrors.New(kerrors.InvalidOpcode, fmt.Sprintf("aml: unrecognized opcode %#x in TermList", b))
	}
	return nil
}

// parseTermArg implements spec.md §4.3's TermArg grammar.
func (p *Parser) parseTermArg() (*DataObject, error) {
	b, err := p.c.peekU8()
	if err != nil {
		return nil, err
	}

	if h := termArgJumpTable[b]; h != nil {
		p.c.getU8()
		p.lastValue = nil
		if err := h(p); err != nil {
			return nil, err
		}
		return p.lastValue, nil
	}

	if b == opExtPrefix {
		p.c.getU8()
		extB, err := p.c.getU8()
		if err != nil {
			return nil, err
		}
		h := extJumpTable[extB]
		if h == nil {
			return nil, kerrors.New(kerrors.InvalidOpcode, fmt.Sprintf("aml: unrecognized extended opcode %#x", extB))
		}
		p.lastValue = nil
		if err := h(p); err != nil {
			return nil, err
		}
		return p.lastValue, nil
	}

	if isLeadNameChar(b) || b == '\\' || b == '^' {
		return p.parseMethodInvocationOrRef()
	}

	return nil, kerrors.New(kerrors.InvalidOpcode, fmt.Sprintf("aml: unrecognized TermArg opcode %#x", b))
}

// parseSuperName implements spec.md §4.3's SuperName: a name, local, arg,
// DebugObj, or one of {DerefOf, Index}. This interpreter treats all of
// these as ordinary TermArg-producing references, since nothing here
// distinguishes an lvalue target from a value except during Store, which
// is outside this interpreter's implemented Statement subset.
func (p *Parser) parseSuperName() (*DataObject, error) {
	return p.parseTermArg()
}

// parseMethodInvocationOrRef implements spec.md §4.3's "Method invocation":
// on a leading name character, parse the namestring, look up the object;
// if it is a Method, consume flags&0x7 TermArg arguments.
func (p *Parser) parseMethodInvocationOrRef() (*DataObject, error) {
	np, err := parseNameString(p.c)
	if err != nil {
		return nil, err
	}
	scope, name, err := resolvePath(p.root, p.cur, np, false)
	if err != nil {
		// A forward reference to a not-yet-parsed object is common in real
		// AML (methods invoke siblings defined later in the same table);
		// tolerate it as an unresolved reference rather than aborting.
		return nil, nil
	}
	ent, _ := scope.child(name)
	if m, ok := ent.(*ScopeEntity); ok && m.typ == EntityTypeMethod {
		argc := int(m.methodFlags & 0x7)
		argVals := make([]*DataObject, 0, argc)
		for i := 0; i < argc; i++ {
			v, err := p.parseTermArg()
			if err != nil {
				return nil, err
			}
			argVals = append(argVals, v)
		}
		if p.mode&ModeExec != 0 {
			return p.invokeMethod(m, argVals)
		}
		return nil, nil
	}
	if s, ok := ent.(*ScopeEntity); ok && s.obj != nil {
		return s.obj, nil
	}
	return nil, nil
}

func (p *Parser) parseReturn() error {
	val, err := p.parseTermArg()
	if err != nil {
		return err
	}
	if p.execCtx != nil {
		p.execCtx.retVal = val
		p.execCtx.ctrlFlow = ctrlFlowTypeFnReturn
	}
	return nil
}

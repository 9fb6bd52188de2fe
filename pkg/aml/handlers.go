package aml

import (
	"fmt"
	"time"

	"github.com/driftkernel/drift/pkg/kerrors"
)

// readPkgLenEnd reads a PkgLength starting at the cursor's current position
// and returns the absolute cursor offset it bounds, clamped to the data
// length so a truncated or over-declared length degrades to "consume the
// rest of what's there" instead of failing the whole table.
func (p *Parser) readPkgLenEnd() (int, error) {
	start := p.c.pos
	length, _, err := readPkgLen(p.c)
	if err != nil {
		return 0, err
	}
	end := start + length
	if end > len(p.c.data) {
		end = len(p.c.data)
	}
	if end < p.c.pos {
		end = p.c.pos
	}
	return end, nil
}

// defineScope resolves np to a namespace entry suitable for descending into
// a TermList (Scope/Device/Processor/PowerResource/ThermalZone), reusing an
// external placeholder in place (promoting it) or reopening a matching
// existing scope, per spec.md §4.3's "Namespace resolution".
func (p *Parser) defineScope(np namePath, typ EntityType) (*ScopeEntity, error) {
	parent, name, err := resolvePath(p.root, p.cur, np, true)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return parent, nil
	}
	if existing, ok := parent.child(name); ok {
		s, ok := existing.(*ScopeEntity)
		if !ok {
			return nil, kerrors.New(kerrors.AlreadyExists, "aml: duplicate definition of "+name)
		}
		if s.external {
			if err := promote(s, typ); err != nil {
				return nil, err
			}
			return s, nil
		}
		if s.typ == typ {
			return s, nil
		}
		return nil, kerrors.New(kerrors.AlreadyExists, "aml: duplicate definition of "+name)
	}
	s := newScope(name, typ)
	parent.Append(s)
	return s, nil
}

// defineName resolves np to a fresh plain Name leaf in the current scope,
// erroring if something is already defined there.
func (p *Parser) defineName(np namePath) (*ScopeEntity, error) {
	parent, name, err := resolvePath(p.root, p.cur, np, true)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, kerrors.New(kerrors.InvalidName, "aml: Name requires a segment")
	}
	if _, ok := parent.child(name); ok {
		return nil, kerrors.New(kerrors.AlreadyExists, "aml: duplicate definition of "+name)
	}
	s := newScope(name, EntityTypeName)
	parent.Append(s)
	return s, nil
}

// --- NamespaceModifierObj / NamedObj (TermList-level) ---

// parseAlias implements AliasOp: NameString (source) NameString (alias).
// The alias is registered as a Name leaf sharing the source's data object,
// since nothing downstream distinguishes an alias from its target once
// resolved.
func (p *Parser) parseAlias() error {
	srcPath, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	aliasPath, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	var srcObj *DataObject
	if scope, name, err := resolvePath(p.root, p.cur, srcPath, false); err == nil {
		if ent, ok := scope.child(name); ok {
			if s, ok := ent.(*ScopeEntity); ok {
				srcObj = s.obj
			}
		}
	}
	if p.mode&ModeParse == 0 {
		return nil
	}
	alias, err := p.defineName(aliasPath)
	if err != nil {
		return err
	}
	alias.obj = srcObj
	return nil
}

// parseName implements NameOp: NameString TermArg(DataRefObject).
func (p *Parser) parseName() error {
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	val, err := p.parseTermArg()
	if err != nil {
		return err
	}
	if p.mode&ModeParse == 0 {
		return nil
	}
	ent, err := p.defineName(np)
	if err != nil {
		return err
	}
	ent.obj = val
	return nil
}

// parseScope implements ScopeOp: PkgLength NameString TermList.
func (p *Parser) parseScope() error {
	end, err := p.readPkgLenEnd()
	if err != nil {
		return err
	}
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	scope, err := p.scopeForDescend(np, EntityTypeScope)
	if err != nil {
		return err
	}
	saved := p.cur
	p.cur = scope
	err = p.parseTermList(end, false)
	p.cur = saved
	return err
}

// scopeForDescend resolves the scope a Scope/Device/Processor/
// PowerResource/ThermalZone block should descend into: during the Parse
// phase it defines (or reuses/promotes) the entry; during a later Exec
// pass over a Method body it only looks the entry up, since namespace
// construction already happened once and re-running it would collide with
// itself as a duplicate definition.
func (p *Parser) scopeForDescend(np namePath, typ EntityType) (*ScopeEntity, error) {
	if p.mode&ModeParse != 0 {
		return p.defineScope(np, typ)
	}
	scope, name, err := resolvePath(p.root, p.cur, np, false)
	if err != nil {
		return p.cur, nil
	}
	if name == "" {
		return scope, nil
	}
	if ent, ok := scope.child(name); ok {
		if s, ok := ent.(*ScopeEntity); ok {
			return s, nil
		}
	}
	return p.cur, nil
}

// parseMethod implements MethodOp: PkgLength NameString MethodFlags
// TermList. Per spec.md §4.3's "State machine", the body is registered as
// {offset, length, flags} and skipped, not executed, during the Parse
// phase.
func (p *Parser) parseMethod() error {
	end, err := p.readPkgLenEnd()
	if err != nil {
		return err
	}
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	flags, err := p.c.getU8()
	if err != nil {
		return err
	}
	bodyStart := p.c.pos
	if p.mode&ModeParse != 0 {
		m, err := p.defineScope(np, EntityTypeMethod)
		if err != nil {
			return err
		}
		m.methodOffset = bodyStart
		m.methodLength = end - bodyStart
		m.methodFlags = flags
	}
	p.c.pos = end
	return nil
}

// parseExtOp dispatches the 0x5B extension opcode space.
func (p *Parser) parseExtOp() error {
	extB, err := p.c.getU8()
	if err != nil {
		return err
	}
	h := extJumpTable[extB]
	if h == nil {
		return kerrors.New(kerrors.InvalidOpcode, fmt.Sprintf("aml: unrecognized extended opcode %#x", extB))
	}
	return h(p)
}

// --- 0x5B extension handlers ---

func (p *Parser) parseMutex() error {
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	if _, err := p.c.getU8(); err != nil { // SyncFlags
		return err
	}
	if p.mode&ModeParse == 0 {
		return nil
	}
	ent, err := p.defineName(np)
	if err != nil {
		return err
	}
	ent.mutex = &namedMutex{}
	return nil
}

func (p *Parser) parseOpRegion() error {
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	if _, err := p.c.getU8(); err != nil { // RegionSpace
		return err
	}
	if _, err := p.parseTermArg(); err != nil { // RegionOffset
		return err
	}
	if _, err := p.parseTermArg(); err != nil { // RegionLen
		return err
	}
	if p.mode&ModeParse == 0 {
		return nil
	}
	_, err = p.defineName(np)
	return err
}

func (p *Parser) parseField() error {
	end, err := p.readPkgLenEnd()
	if err != nil {
		return err
	}
	regionPath, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	if _, err := p.c.getU8(); err != nil { // FieldFlags
		return err
	}
	region := lastSegment(regionPath)
	return p.parseFieldList(region, end)
}

func (p *Parser) parseIndexField() error {
	end, err := p.readPkgLenEnd()
	if err != nil {
		return err
	}
	idxPath, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	if _, err := parseNameString(p.c); err != nil { // DataName
		return err
	}
	if _, err := p.c.getU8(); err != nil { // FieldFlags
		return err
	}
	region := lastSegment(idxPath)
	return p.parseFieldList(region, end)
}

func lastSegment(np namePath) string {
	if len(np.segments) == 0 {
		return rootName
	}
	return np.segments[len(np.segments)-1]
}

func (p *Parser) parseDevice() error {
	return p.parseScopeLikeExt(EntityTypeDevice, 0)
}

func (p *Parser) parseProcessor() error {
	return p.parseScopeLikeExt(EntityTypeProcessor, 6) // ProcID, PblkAddr(4), PblkLen
}

func (p *Parser) parsePowerResource() error {
	return p.parseScopeLikeExt(EntityTypePowerResource, 3) // SystemLevel, ResourceOrder(2)
}

func (p *Parser) parseThermalZone() error {
	return p.parseScopeLikeExt(EntityTypeThermalZone, 0)
}

// parseScopeLikeExt implements the common shape of Device/Processor/
// PowerResource/ThermalZone: PkgLength NameString, extraFixedBytes of
// type-specific fixed fields, then a TermList.
func (p *Parser) parseScopeLikeExt(typ EntityType, extraFixedBytes int) error {
	end, err := p.readPkgLenEnd()
	if err != nil {
		return err
	}
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	if extraFixedBytes > 0 {
		if _, err := p.c.getBytes(extraFixedBytes); err != nil {
			return err
		}
	}
	scope, err := p.scopeForDescend(np, typ)
	if err != nil {
		return err
	}
	saved := p.cur
	p.cur = scope
	err = p.parseTermList(end, false)
	p.cur = saved
	return err
}

func (p *Parser) parseAcquire() error {
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	if _, err := p.c.getU16(); err != nil { // Timeout
		return err
	}
	if p.mode&ModeExec == 0 {
		p.lastValue = integerData(0)
		return nil
	}
	m := p.lookupMutex(np)
	if m != nil {
		m.mu.Lock()
	}
	p.lastValue = integerData(0) // Zero == acquired without timeout
	return nil
}

func (p *Parser) parseRelease() error {
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	if p.mode&ModeExec == 0 {
		return nil
	}
	if m := p.lookupMutex(np); m != nil {
		m.mu.Unlock()
	}
	return nil
}

func (p *Parser) lookupMutex(np namePath) *namedMutex {
	scope, name, err := resolvePath(p.root, p.cur, np, false)
	if err != nil {
		return nil
	}
	ent, ok := scope.child(name)
	if !ok {
		return nil
	}
	s, ok := ent.(*ScopeEntity)
	if !ok {
		return nil
	}
	return s.mutex
}

func (p *Parser) parseCondRefOf() error {
	np, err := parseNameString(p.c)
	if err != nil {
		return err
	}
	_, _, resolveErr := resolvePath(p.root, p.cur, np, false)
	if err := p.parseOptionalTarget(); err != nil {
		return err
	}
	if resolveErr != nil {
		p.lastValue = integerData(0)
	} else {
		p.lastValue = integerData(1)
	}
	return nil
}

// parseOptionalTarget consumes an optional Target (SuperName or NullName)
// that several Expression opcodes carry; CondRefOf's Target write-back is
// not implemented, so the bytes are only consumed, not honored.
func (p *Parser) parseOptionalTarget() error {
	b, err := p.c.peekU8()
	if err != nil {
		return err
	}
	if b == opZero {
		p.c.getU8()
		return nil
	}
	_, err = p.parseSuperName()
	return err
}

func (p *Parser) parseFromToBCD() error {
	val, err := p.parseTermArg()
	if err != nil {
		return err
	}
	if err := p.parseOptionalTarget(); err != nil {
		return err
	}
	if val == nil || val.Type != DataTypeInteger {
		p.lastValue = integerData(0)
		return nil
	}
	p.lastValue = integerData(val.Integer) // conversion left as identity; callers treat both forms numerically
	return nil
}

func (p *Parser) parseTimer() error {
	p.lastValue = integerData(uint64(time.Now().UnixNano() / 100))
	return nil
}

// --- TermArg leaf handlers (ComputationalData, Local/Arg refs) ---

func (p *Parser) parseZero() error { p.lastValue = integerData(0); return nil }
func (p *Parser) parseOne() error  { p.lastValue = integerData(1); return nil }
func (p *Parser) parseOnes() error { p.lastValue = integerData(^uint64(0)); return nil }

func (p *Parser) parseByteConst() error {
	v, err := p.c.getU8()
	if err != nil {
		return err
	}
	p.lastValue = integerData(uint64(v))
	return nil
}

func (p *Parser) parseWordConst() error {
	v, err := p.c.getU16()
	if err != nil {
		return err
	}
	p.lastValue = integerData(uint64(v))
	return nil
}

func (p *Parser) parseDWordConst() error {
	v, err := p.c.getU32()
	if err != nil {
		return err
	}
	p.lastValue = integerData(uint64(v))
	return nil
}

func (p *Parser) parseQWordConst() error {
	v, err := p.c.getU64()
	if err != nil {
		return err
	}
	p.lastValue = integerData(v)
	return nil
}

func (p *Parser) parseString() error {
	start := p.c.pos
	for {
		b, err := p.c.getU8()
		if err != nil {
			return err
		}
		if b == 0x00 {
			p.lastValue = stringData(string(p.c.data[start : p.c.pos-1]))
			return nil
		}
	}
}

func (p *Parser) parseBuffer() error {
	end, err := p.readPkgLenEnd()
	if err != nil {
		return err
	}
	sizeObj, err := p.parseTermArg()
	if err != nil {
		return err
	}
	n := end - p.c.pos
	if n < 0 {
		n = 0
	}
	raw, err := p.c.getBytes(n)
	if err != nil {
		return err
	}
	size := len(raw)
	if sizeObj != nil && sizeObj.Type == DataTypeInteger && int(sizeObj.Integer) > size {
		size = int(sizeObj.Integer)
	}
	buf := make([]byte, size)
	copy(buf, raw)
	p.lastValue = bufferData(buf)
	return nil
}

// parsePackage implements PackageOp: PkgLength NumElements PackageElementList.
// Real firmware images sometimes over-declare PkgLength relative to the
// elements actually encoded; rather than treat that as corruption, this
// stops at whichever bound (declared element count or declared byte
// length) comes first and seeks past any remaining padding.
func (p *Parser) parsePackage() error {
	end, err := p.readPkgLenEnd()
	if err != nil {
		return err
	}
	numElements, err := p.c.getU8()
	if err != nil {
		return err
	}
	var elems []*DataObject
	for i := 0; i < int(numElements) && p.c.pos < end; i++ {
		el, err := p.parseTermArg()
		if err != nil {
			return err
		}
		elems = append(elems, el)
	}
	p.c.pos = end
	p.lastValue = packageData(elems)
	return nil
}

func (p *Parser) parseLocalObj() error {
	p.c.ungetU8()
	idx, err := p.c.getU8()
	if err != nil {
		return err
	}
	n := int(idx - opLocal0)
	if p.execCtx != nil && n < len(p.execCtx.locals) && p.execCtx.locals[n] != nil {
		p.lastValue = p.execCtx.locals[n]
		return nil
	}
	p.lastValue = integerData(0)
	return nil
}

func (p *Parser) parseArgObj() error {
	p.c.ungetU8()
	idx, err := p.c.getU8()
	if err != nil {
		return err
	}
	n := int(idx - opArg0)
	if p.execCtx != nil && n < len(p.execCtx.args) && p.execCtx.args[n] != nil {
		p.lastValue = p.execCtx.args[n]
		return nil
	}
	p.lastValue = integerData(0)
	return nil
}

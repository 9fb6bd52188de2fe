package aml

// ctrlFlowType tracks whether a TermList being executed should keep
// running, per spec.md §9's control-flow tagged union (only Return is
// implemented by this interpreter's Statement subset).
type ctrlFlowType uint8

const (
	ctrlFlowTypeNone ctrlFlowType = iota
	ctrlFlowTypeFnReturn
)

// execContext is the per-invocation state for a running Method: its
// LocalX/ArgX slots, the value handed back by a Return, and whether a
// Return has fired (so an enclosing parseTermList can stop early).
type execContext struct {
	locals   [8]*DataObject
	args     [7]*DataObject
	ctrlFlow ctrlFlowType
	retVal   *DataObject
}

// invokeMethod executes a previously-registered Method body in EXEC mode:
// it reparses the byte range parseMethod recorded, against the scope the
// method was defined in (not the call site), with a fresh execContext.
func (p *Parser) invokeMethod(m *ScopeEntity, argVals []*DataObject) (*DataObject, error) {
	savedC, savedCur, savedMode, savedExec := p.c, p.cur, p.mode, p.execCtx

	ctx := &execContext{}
	for i := 0; i < len(argVals) && i < len(ctx.args); i++ {
		ctx.args[i] = argVals[i]
	}

	p.c = &cursor{data: savedC.data, pos: m.methodOffset}
	p.cur = m.parent
	p.mode = ModeExec
	p.execCtx = ctx

	err := p.parseTermList(m.methodOffset+m.methodLength, false)

	p.c, p.cur, p.mode, p.execCtx = savedC, savedCur, savedMode, savedExec

	if err != nil {
		return nil, err
	}
	return ctx.retVal, nil
}

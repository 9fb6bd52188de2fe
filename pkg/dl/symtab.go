package dl

import "debug/elf"

// lookupOwn searches o's own dynamic symbol table via GNU hash if present,
// else SysV hash, else a linear scan — spec.md §4.2 "Symbol lookup".
func (o *Object) lookupOwn(name string) (elf.Symbol, bool) {
	accept := func(idx uint32) bool {
		if int(idx) >= len(o.dynsym) {
			return false
		}
		return o.dynsym[idx].Name == name
	}

	if o.gnuHash != nil {
		if idx := o.gnuHash.lookup(name, accept); idx >= 0 {
			return o.dynsym[idx], true
		}
		return elf.Symbol{}, false // GNU hash table is authoritative when present
	}
	if o.sysvHash != nil {
		if idx := o.sysvHash.lookup(name, accept); idx >= 0 {
			return o.dynsym[idx], true
		}
		return elf.Symbol{}, false
	}
	for _, sym := range o.dynsym {
		if sym.Name == name {
			return sym, true
		}
	}
	return elf.Symbol{}, false
}

// resolveSymbol implements the full §4.2 order: o's own table, then each
// direct dependency in declaration order. A weak symbol left undefined
// (shndx == SHN_UNDEF) is permitted to resolve to zero rather than fail.
func (o *Object) resolveSymbol(name string) (value uint64, defObj *Object, ok bool) {
	candidates := append([]*Object{o}, o.deps...)
	var weakUndefSeen bool
	for _, cand := range candidates {
		if cand.isSentinel() {
			continue
		}
		sym, found := cand.lookupOwn(name)
		if !found {
			continue
		}
		if sym.Section == elf.SHN_UNDEF {
			if elf.ST_BIND(sym.Info) == elf.STB_WEAK {
				weakUndefSeen = true
			}
			continue
		}
		return sym.Value + cand.loadBias, cand, true
	}
	if weakUndefSeen {
		return 0, nil, true
	}
	return 0, nil, false
}

package dl

import (
	"bytes"
	"debug/elf"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/driftkernel/drift/pkg/kerrors"
)

// pageAlignDown/pageAlignUp round addr/size to the host page size, per
// spec.md §4.2 "Align address down to page size; align size up."
func pageAlignDown(v uint64) uint64 {
	const pageSize = 4096
	return v &^ (pageSize - 1)
}

func pageAlignUp(v uint64) uint64 {
	const pageSize = 4096
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func prot(flags elf.ProgFlag) int {
	var p int
	if flags&elf.PF_R != 0 {
		p |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		p |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		p |= unix.PROT_EXEC
	}
	return p
}

// parse decodes raw as an ELF file and populates o's dynsym/hash/needed
// fields. It does not map anything — mapSegments does that separately so
// callers can inspect DT_NEEDED before committing memory.
func (o *Object) parse(raw []byte) error {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return kerrors.Wrap(kerrors.NoExec, "dl: not a valid ELF object", err)
	}
	o.file = f
	o.raw = raw

	for _, p := range f.Progs {
		o.phdrs = append(o.phdrs, p.ProgHeader)
		if p.Type == elf.PT_TLS {
			o.tlsMemsz = p.Memsz
			fileEnd := p.Filesz
			if fileEnd > uint64(len(raw)) {
				fileEnd = uint64(len(raw))
			}
			o.tlsFileImg = raw[p.Off : p.Off+fileEnd]
		}
	}

	syms, err := f.DynamicSymbols()
	if err == nil {
		o.dynsym = syms
	}

	if sec := f.Section(".hash"); sec != nil {
		if data, err := sec.Data(); err == nil {
			o.sysvHash = parseSysVHash(data)
		}
	}
	if sec := f.Section(".gnu.hash"); sec != nil {
		if data, err := sec.Data(); err == nil {
			o.gnuHash = parseGNUHash(data, len(o.dynsym))
		}
	}

	needed, err := f.DynString(elf.DT_NEEDED)
	if err == nil {
		o.needed = needed
	}

	return nil
}

// mapSegments performs spec.md §4.2's "Mapping" algorithm for every
// PT_LOAD: one anonymous PRIVATE reservation is mapped for the whole
// image, then each aligned segment is made writable, its file-backed
// region is copied in, and it is given its final protection. The prefix,
// suffix and BSS tail are the reservation's own zero-filled pages; no
// per-segment mmap is made.
//
// This package maps into the host process's own address space (there is
// no independent guest memory region below the process/thread core's
// kernel.AddressSpace, which only exposes a stack region): dl is the
// layer that actually owns PT_LOAD mapping, per DESIGN.md.
func (o *Object) mapSegments(preferredBase uint64) error {
	var lo, hi uint64 = ^uint64(0), 0
	for _, ph := range o.phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		start := pageAlignDown(ph.Vaddr)
		end := pageAlignUp(ph.Vaddr + ph.Memsz)
		if start < lo {
			lo = start
		}
		if end > hi {
			hi = end
		}
	}
	if hi <= lo {
		return nil // no PT_LOAD segments (e.g. a relocatable dynamic symbol table stub)
	}
	total := hi - lo

	reservation, err := unix.Mmap(-1, 0, int(total), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return kerrors.Wrap(kerrors.NoMemory, "dl: reserve image region", err)
	}
	base := uintptr(unsafe.Pointer(&reservation[0]))
	o.loadBias = base - uintptr(lo)
	o.mapped = reservation
	o.mappedBase = uintptr(lo)

	for _, ph := range o.phdrs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		segStart := pageAlignDown(ph.Vaddr)
		segSize := pageAlignUp(ph.Vaddr+ph.Memsz) - segStart
		off := int(uintptr(segStart) - uintptr(lo))

		region := reservation[off : off+int(segSize)]
		if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return kerrors.Wrap(kerrors.IoError, "dl: mprotect segment writable for init", err)
		}

		fileOff := ph.Vaddr - segStart
		fileEnd := fileOff + ph.Filesz
		if int(ph.Off+ph.Filesz) <= len(o.raw) {
			copy(region[fileOff:fileEnd], o.raw[ph.Off:ph.Off+ph.Filesz])
		}
		// Zero the prefix (page boundary to p_vaddr) and the suffix
		// (p_vaddr+p_filesz to p_vaddr+p_memsz): Go's anonymous mmap
		// already zero-fills, so there is nothing further to clear here.

		if err := unix.Mprotect(region, prot(ph.Flags)); err != nil {
			return kerrors.Wrap(kerrors.IoError, "dl: mprotect segment final protection", err)
		}
	}

	return nil
}

// unmapObject releases o's mapped image back to the host, the other half
// of mapSegments' reservation.
func unmapObject(o *Object) error {
	if err := unix.Munmap(o.mapped); err != nil {
		return kerrors.Wrap(kerrors.IoError, "dl: munmap object image", err)
	}
	o.mapped = nil
	return nil
}

// applyRelro implements "After relocations, apply mprotect(PT_GNU_RELRO
// region, READ)".
func (o *Object) applyRelro() error {
	for _, ph := range o.phdrs {
		if ph.Type != elf.PT_GNU_RELRO {
			continue
		}
		start := pageAlignDown(ph.Vaddr)
		end := pageAlignUp(ph.Vaddr + ph.Memsz)
		off := int(uintptr(start) - o.mappedBase)
		if off < 0 || off+int(end-start) > len(o.mapped) {
			continue
		}
		region := o.mapped[off : off+int(end-start)]
		if err := unix.Mprotect(region, unix.PROT_READ); err != nil {
			return kerrors.Wrap(kerrors.IoError, "dl: mprotect PT_GNU_RELRO", err)
		}
	}
	return nil
}

package kernel

import (
	"encoding/binary"

	"github.com/driftkernel/drift/pkg/kerrors"
)

// Auxiliary vector tags, spec.md §6 "Stack initialization".
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
	atEntry  = 9
	atUID    = 11
	atEUID   = 12
	atGID    = 13
	atEGID   = 14
	atRandom = 25
	atHWCap  = 16
	atHWCap2 = 26

	pageSize = 4096

	// maxStackBytes bounds argv+envp+auxv+string content; exceeding it is
	// spec.md §7's E2Big, not a NoMemory failure.
	maxStackBytes = 1 << 20
)

// auxvPair is one {tag, value} entry of the auxiliary vector.
type auxvPair struct{ Tag, Val uintptr }

// buildAuxv constructs the auxv vector spec.md §6 requires "at minimum",
// terminated by one AT_NULL,AT_NULL pair. The AT_RANDOM value is filled in
// by stackLayout once the 16 random bytes' final address is known.
func buildAuxv(img *ELFImage, creds Credentials, hwcap, hwcap2 uintptr) []auxvPair {
	return []auxvPair{
		{atEntry, img.Entry},
		{atBase, img.Base},
		{atPagesz, pageSize},
		{atPhdr, img.Phdr},
		{atPhnum, uintptr(img.Phnum)},
		{atPhent, uintptr(img.Phent)},
		{atUID, uintptr(creds.RUID)},
		{atEUID, uintptr(creds.EUID)},
		{atGID, uintptr(creds.RGID)},
		{atEGID, uintptr(creds.EGID)},
		{atRandom, 0}, // patched by stackLayout
		{atHWCap, hwcap},
		{atHWCap2, hwcap2},
		{atNull, atNull},
	}
}

// stackLayout assembles the byte image spec.md §6 describes, low to high
// address: argc, argv pointers + NULL, envp pointers + NULL, auxv pairs,
// padding to the architecture's stack alignment, and (if the architecture
// wants one) a return address slot, with string content packed above
// everything else in insertion order (argv last-to-first, then envp).
//
// Shebang resolution is expected to have already folded any interpreter
// arguments into argv before calling stackLayout; spec.md §6's "pre-argv"
// string-content group is simply argv's own leading elements in that case.
//
// ctx supplies the per-architecture alignment and return-address rules.
// Returns the assembled bytes and the absolute stack pointer (stackTop
// minus the image size) the caller should install in the new trapframe.
func stackLayout(ctx ArchContext, stackTop uintptr, argv, envp []string, auxv []auxvPair, random [16]byte) ([]byte, uintptr, error) {
	const wordSize = 8
	putWord := func(dst []byte, v uintptr) { binary.LittleEndian.PutUint64(dst, uint64(v)) }

	// order is the string-content insertion order: argv from last to
	// first, then envp, matching spec.md §6 exactly (minus the folded-in
	// pre-argv case noted above).
	order := make([]string, 0, len(argv)+len(envp))
	for i := len(argv) - 1; i >= 0; i-- {
		order = append(order, argv[i])
	}
	order = append(order, envp...)

	var stringBlock []byte
	offsets := make([]int, len(order))
	for i, s := range order {
		offsets[i] = len(stringBlock)
		stringBlock = append(stringBlock, append([]byte(s), 0)...)
	}
	randomOffset := len(stringBlock)
	stringBlock = append(stringBlock, random[:]...)

	headerWords := 1 + (len(argv) + 1) + (len(envp) + 1) + len(auxv)*2
	headerSize := headerWords * wordSize
	alignedHeaderSize := headerSize
	if rem := headerSize % int(ctx.StackAlignment()); rem != 0 {
		alignedHeaderSize += int(ctx.StackAlignment()) - rem
	}

	total := alignedHeaderSize + len(stringBlock)
	if ctx.StackReturnAddr() {
		total += wordSize
	}
	// Pad between the header and the string block so that the resulting
	// SP (stackTop - total) keeps the architecture's alignment.
	if rem := total % int(ctx.StackAlignment()); rem != 0 {
		pad := int(ctx.StackAlignment()) - rem
		alignedHeaderSize += pad
		total += pad
	}
	if total > maxStackBytes {
		return nil, 0, kerrors.New(kerrors.E2Big, "argv+envp+auxv exceeds stack size")
	}

	buf := make([]byte, total)
	stringBase := total - len(stringBlock)
	copy(buf[stringBase:], stringBlock)

	// addrOf returns the absolute address of order[i]'s NUL-terminated
	// string once the block is placed at stackTop-total.
	addrOf := func(i int) uintptr { return stackTop - uintptr(total-stringBase-offsets[i]) }
	randomAddr := stackTop - uintptr(total-stringBase-randomOffset)

	w := make([]byte, 0, headerSize)
	argc := make([]byte, wordSize)
	putWord(argc, uintptr(len(argv)))
	w = append(w, argc...)

	// argv pointers in original order; order[] holds them reversed, so
	// argv[i] lives at order index (len(argv)-1-i).
	for i := range argv {
		p := make([]byte, wordSize)
		putWord(p, addrOf(len(argv)-1-i))
		w = append(w, p...)
	}
	w = append(w, make([]byte, wordSize)...) // argv NULL

	envpBase := len(argv)
	for i := range envp {
		p := make([]byte, wordSize)
		putWord(p, addrOf(envpBase+i))
		w = append(w, p...)
	}
	w = append(w, make([]byte, wordSize)...) // envp NULL

	for _, a := range auxv {
		if a.Tag == atRandom {
			a.Val = randomAddr
		}
		tag, val := make([]byte, wordSize), make([]byte, wordSize)
		putWord(tag, a.Tag)
		putWord(val, a.Val)
		w = append(w, tag...)
		w = append(w, val...)
	}

	copy(buf[:len(w)], w)
	if ctx.StackReturnAddr() {
		// a zero return address: the process-entry trapframe never
		// actually returns through it, unlike a signal frame's restorer.
		copy(buf[alignedHeaderSize:alignedHeaderSize+wordSize], make([]byte, wordSize))
	}

	sp := stackTop - uintptr(total)
	return buf, sp, nil
}

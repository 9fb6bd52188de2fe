package aml

// Opcode constants, named per the ACPI Machine Language encoding spec.md
// §4.3 describes. Only the subset this interpreter implements is named
// here; every other single-byte or 0x5B-extended value falls through to
// the jump tables' nil entry and is treated as InvalidOpcode, matching
// spec.md §4.3 "Failure semantics": any unrecognized opcode aborts the
// current construct.
const (
	opZero   = 0x00
	opOne    = 0x01 // also the silently-skipped top-level BIOS pad byte
	opAlias  = 0x06
	opName   = 0x08
	opBytePrefix  = 0x0A
	opWordPrefix  = 0x0B
	opDWordPrefix = 0x0C
	opStringPrefix = 0x0D
	opQWordPrefix = 0x0E
	opScope  = 0x10
	opBuffer = 0x11
	opPackage = 0x12
	opMethod = 0x14
	opExtPrefix = 0x5B
	opLocal0 = 0x60
	opLocal7 = 0x67
	opArg0   = 0x68
	opArg6   = 0x6E
	opOnes   = 0xFF
)

// 0x5B extension-prefixed opcodes.
const (
	extMutex    = 0x01
	extOpRegion = 0x80
	extField    = 0x81
	extDevice   = 0x82
	extProcessor = 0x83
	extPowerRes = 0x84
	extThermalZone = 0x85
	extIndexField = 0x86
	extAcquire  = 0x23
	extRelease  = 0x27
	extCondRefOf = 0x12
	extFromBCD  = 0x28
	extToBCD    = 0x29
	extTimer    = 0x33
)

// numOpcodes sizes the primary jump table; every AML opcode byte fits in
// a single byte per spec.md's "most opcodes are one byte".
const numOpcodes = 256

// opHandler has the uniform "(state) -> Result" signature spec.md §9's
// DESIGN NOTES calls for: it consumes whatever bytes the opcode owns (the
// opcode byte itself has already been read by the dispatcher) and applies
// PARSE/PRINT/EXEC side effects via p.
type opHandler func(p *Parser) error

// termListJumpTable dispatches NamespaceModifierObj/NamedObj opcodes
// recognized directly inside a TermList (spec.md §4.3's TermList grammar).
var termListJumpTable [numOpcodes]opHandler

// extJumpTable dispatches the 0x5B-prefixed extension opcode space.
var extJumpTable [numOpcodes]opHandler

// termArgJumpTable dispatches ComputationalData and other TermArg-only
// leading bytes not already handled by termListJumpTable (constants,
// Buffer, local/arg references).
var termArgJumpTable [numOpcodes]opHandler

func init() {
	termListJumpTable[opAlias] = (*Parser).parseAlias
	termListJumpTable[opName] = (*Parser).parseName
	termListJumpTable[opScope] = (*Parser).parseScope
	termListJumpTable[opMethod] = (*Parser).parseMethod
	termListJumpTable[opExtPrefix] = (*Parser).parseExtOp

	extJumpTable[extMutex] = (*Parser).parseMutex
	extJumpTable[extOpRegion] = (*Parser).parseOpRegion
	extJumpTable[extField] = (*Parser).parseField
	extJumpTable[extDevice] = (*Parser).parseDevice
	extJumpTable[extProcessor] = (*Parser).parseProcessor
	extJumpTable[extPowerRes] = (*Parser).parsePowerResource
	extJumpTable[extThermalZone] = (*Parser).parseThermalZone
	extJumpTable[extIndexField] = (*Parser).parseIndexField
	extJumpTable[extAcquire] = (*Parser).parseAcquire
	extJumpTable[extRelease] = (*Parser).parseRelease
	extJumpTable[extCondRefOf] = (*Parser).parseCondRefOf
	extJumpTable[extFromBCD] = (*Parser).parseFromToBCD
	extJumpTable[extToBCD] = (*Parser).parseFromToBCD
	extJumpTable[extTimer] = (*Parser).parseTimer

	termArgJumpTable[opZero] = (*Parser).parseZero
	termArgJumpTable[opOne] = (*Parser).parseOne
	termArgJumpTable[opOnes] = (*Parser).parseOnes
	termArgJumpTable[opBytePrefix] = (*Parser).parseByteConst
	termArgJumpTable[opWordPrefix] = (*Parser).parseWordConst
	termArgJumpTable[opDWordPrefix] = (*Parser).parseDWordConst
	termArgJumpTable[opQWordPrefix] = (*Parser).parseQWordConst
	termArgJumpTable[opStringPrefix] = (*Parser).parseString
	termArgJumpTable[opBuffer] = (*Parser).parseBuffer
	termArgJumpTable[opPackage] = (*Parser).parsePackage
	for i := byte(opLocal0); i <= opLocal7; i++ {
		termArgJumpTable[i] = (*Parser).parseLocalObj
	}
	for i := byte(opArg0); i <= opArg6; i++ {
		termArgJumpTable[i] = (*Parser).parseArgObj
	}
}

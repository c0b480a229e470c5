package cofi

import (
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// decodedInsn is everything the builder needs out of one decode step: the
// x86asm record (for length/operand shape) plus the raw opcode/ModR.M
// fields the classifier matches against, recovered directly from the
// instruction's own bytes. x86asm.Inst does not expose a single semantic
// "instruction ID" the way Capstone's cs_insn.id does, so classification
// here works from the encoding itself — the same (opcode, modrm, prefix)
// triple spec.md §4.2 specifies, just sourced differently.
type decodedInsn struct {
	Addr IP
	Len  int
	Inst x86asm.Inst
	Raw  []byte // the instruction's encoded bytes, for the redqueen observer

	escape   bool // true if this is a 0x0F-escaped two-byte opcode
	opcode   byte // primary opcode byte, or the second byte when escape
	modrm    byte
	hasModRM bool
}

// legacy prefix bytes that may precede the opcode: segment overrides,
// operand/address-size overrides, lock and repeat prefixes.
var legacyPrefixes = map[byte]bool{
	0xF0: true, 0xF2: true, 0xF3: true,
	0x2E: true, 0x36: true, 0x3E: true, 0x26: true, 0x64: true, 0x65: true,
	0x66: true, 0x67: true,
}

func decodeAt(code []byte, addr IP, mode int) (decodedInsn, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return decodedInsn{}, err
	}
	raw := code[:inst.Len]

	i := 0
	for i < len(raw) && legacyPrefixes[raw[i]] {
		i++
	}
	if mode == 64 && i < len(raw) && raw[i] >= 0x40 && raw[i] <= 0x4F {
		i++ // REX prefix
	}

	d := decodedInsn{Addr: addr, Len: inst.Len, Inst: inst, Raw: raw}
	if i >= len(raw) {
		return d, nil
	}
	if raw[i] == 0x0F {
		d.escape = true
		i++
	}
	if i >= len(raw) {
		return d, nil
	}
	d.opcode = raw[i]
	i++
	if i < len(raw) {
		d.modrm = raw[i]
		d.hasModRM = true
	}
	return d, nil
}

func (d decodedInsn) modrmReg() int { return int(d.modrm>>3) & 0x7 }

// tableEntry mirrors the source's cofi_ins{opcode, modrm, opcode_prefix}
// triple. reqReg == -1 means "ignore ModR/M" (IGN_MOD_RM); reqFullModRM, if
// set, requires an exact ModR/M byte match instead (used only by the two
// VMX instructions, which share a 0x0F 0x01 opcode and are disambiguated by
// their whole ModR/M byte, not just the reg field).
type tableEntry struct {
	name          string
	escape        bool
	opcode        byte
	reqReg        int
	reqFullModRM  int // -1 = not used
	needsModRM    bool
}

func ignoreModRM(name string, escape bool, opcode byte) tableEntry {
	return tableEntry{name: name, escape: escape, opcode: opcode, reqReg: -1, reqFullModRM: -1}
}

func reqReg(name string, opcode byte, reg int) tableEntry {
	return tableEntry{name: name, opcode: opcode, reqReg: reg, reqFullModRM: -1, needsModRM: true}
}

func reqFullModRM(name string, escape bool, opcode byte, modrm int) tableEntry {
	return tableEntry{name: name, escape: escape, opcode: opcode, reqReg: -1, reqFullModRM: modrm, needsModRM: true}
}

// cbLookup — CONDITIONAL_BRANCH, the source's 22 entries expressed as 6
// rules: the 16 Jcc condition codes (in both their short 0x7X and near
// 0x0F 0x8X encodings, which collapse to one byte-range rule each since the
// class doesn't depend on which encoding was used), LOOP/LOOPE/LOOPNE, and
// the JCXZ/JECXZ/JRCXZ family (opcode 0xE3, disambiguated only by
// address-size prefix — same class regardless).
var cbLookup = []tableEntry{
	ignoreModRM("Jcc(short)", false, 0x70), // matches the whole 0x70-0x7F run, see classify()
	ignoreModRM("Jcc(near)", true, 0x80),   // matches the whole 0x0F 0x80-0x8F run, see classify()
	ignoreModRM("LOOPNE", false, 0xE0),
	ignoreModRM("LOOPE", false, 0xE1),
	ignoreModRM("LOOP", false, 0xE2),
	ignoreModRM("JCXZ/JECXZ/JRCXZ", false, 0xE3),
}

// udbLookup — UNCONDITIONAL_DIRECT_BRANCH, 3 entries.
var udbLookup = []tableEntry{
	ignoreModRM("JMP rel32", false, 0xE9),
	ignoreModRM("JMP rel8", false, 0xEB),
	ignoreModRM("CALL rel32", false, 0xE8),
}

// ibLookup — INDIRECT_BRANCH, 2 entries: group-5 opcode 0xFF, disambiguated
// by the ModR/M reg field (/4 = JMP r/m, /2 = CALL r/m).
var ibLookup = []tableEntry{
	reqReg("JMP r/m", 0xFF, 4),
	reqReg("CALL r/m", 0xFF, 2),
}

// nrLookup — NEAR_RET, 2 entries.
var nrLookup = []tableEntry{
	ignoreModRM("RET", false, 0xC3),
	ignoreModRM("RET imm16", false, 0xC2),
}

// ftLookup — FAR_TRANSFERS, 19 entries.
var ftLookup = []tableEntry{
	ignoreModRM("INT3", false, 0xCC),
	ignoreModRM("INT imm8", false, 0xCD),
	ignoreModRM("INT1/ICEBP", false, 0xF1),
	ignoreModRM("INTO", false, 0xCE),
	ignoreModRM("IRET", false, 0xCF),
	ignoreModRM("IRETD", false, 0xCF),
	ignoreModRM("IRETQ", false, 0xCF),
	ignoreModRM("JMP ptr16:32", false, 0xEA),
	reqReg("JMP far r/m", 0xFF, 5),
	ignoreModRM("CALL ptr16:32", false, 0x9A),
	reqReg("CALL far r/m", 0xFF, 3),
	ignoreModRM("RET far imm16", false, 0xCA),
	ignoreModRM("RET far", false, 0xCB),
	ignoreModRM("SYSCALL", true, 0x05),
	ignoreModRM("SYSENTER", true, 0x34),
	ignoreModRM("SYSEXIT", true, 0x35),
	ignoreModRM("SYSRET", true, 0x07),
	reqFullModRM("VMLAUNCH", true, 0x01, 0xC2),
	reqFullModRM("VMRESUME", true, 0x01, 0xC3),
}

// classifierTables are consulted in this order; the first table with a
// matching entry determines the class. No match yields NoCOFI.
var classifierTables = []struct {
	class COFIClass
	table []tableEntry
}{
	{ConditionalBranch, cbLookup},
	{UnconditionalDirectBranch, udbLookup},
	{IndirectBranch, ibLookup},
	{NearRet, nrLookup},
	{FarTransfer, ftLookup},
}

func (e tableEntry) matches(d decodedInsn) bool {
	if e.escape != d.escape {
		return false
	}
	switch e.opcode {
	case 0x70:
		if d.escape || d.opcode < 0x70 || d.opcode > 0x7F {
			return false
		}
	case 0x80:
		if !d.escape || d.opcode < 0x80 || d.opcode > 0x8F {
			return false
		}
	default:
		if d.opcode != e.opcode {
			return false
		}
	}
	if e.needsModRM && !d.hasModRM {
		return false
	}
	if e.reqFullModRM >= 0 && int(d.modrm) != e.reqFullModRM {
		return false
	}
	if e.reqReg >= 0 && d.modrmReg() != e.reqReg {
		return false
	}
	return true
}

// classify implements spec.md §4.2: the ordered lookup-table scan.
func classify(d decodedInsn) COFIClass {
	for _, group := range classifierTables {
		for _, entry := range group.table {
			if entry.matches(d) {
				return group.class
			}
		}
	}
	return NoCOFI
}

// hexToBin mirrors the source's fast_strtoull: parse a hex string with an
// optional 0x/0X prefix, no sign handling. Kept as a literal port — see
// SPEC_FULL.md §4 and §4.2 for why target addresses round-trip through
// text instead of being taken directly from the decoded displacement.
func hexToBin(s string) uint64 {
	var result uint64
	i := 0
	if len(s) > 1 && (s[1] == 'x' || s[1] == 'X') {
		i = 2
	}
	for ; i < len(s); i++ {
		c := s[i]
		result = result<<4 + hexNibble(c)
	}
	return result
}

func hexNibble(c byte) uint64 {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0')
	case c >= 'a' && c <= 'f':
		return uint64(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return uint64(c-'A') + 10
	default:
		return 0
	}
}

// directBranchTarget resolves the absolute target of a direct conditional
// or unconditional branch. x86asm decodes the displacement as a raw
// x86asm.Rel; the target is formatted as hex text and re-parsed through
// hexToBin to preserve the source's hex_to_bin(insn->op_str) round trip.
func directBranchTarget(d decodedInsn) (IP, bool) {
	for _, arg := range d.Inst.Args {
		if arg == nil {
			break
		}
		rel, ok := arg.(x86asm.Rel)
		if !ok {
			continue
		}
		target := uint64(d.Addr) + uint64(d.Len) + uint64(int64(rel))
		return IP(hexToBin(formatHex(target))), true
	}
	return 0, false
}

func formatHex(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	var buf [18]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	i -= 2
	buf[i], buf[i+1] = '0', 'x'
	return string(buf[i:])
}

// argIndexName extracts the register name an operand is "indexed" by, the
// way the source's asm_operand_t.index field does double duty: for a plain
// register operand it is that register's name, for a memory operand it is
// the memory index register's name (empty if there isn't one).
func argIndexName(arg x86asm.Arg) string {
	switch a := arg.(type) {
	case x86asm.Reg:
		return strings.ToLower(a.String())
	case x86asm.Mem:
		if a.Index == 0 {
			return ""
		}
		return strings.ToLower(a.Index.String())
	default:
		return ""
	}
}

func indexNameHas(arg x86asm.Arg, substr string) bool {
	name := argIndexName(arg)
	return name != "" && strings.Contains(name, substr)
}

package cofi

import (
	"golang.org/x/arch/x86/x86asm"
)

// RedqueenObserver is C6, an optional side channel fed from the same
// classification pass the graph builder already runs. It never influences
// graph construction or trace replay; a session with no observer attached
// runs identically. Method names follow the collaborator names spec.md §6
// lists for this component.
type RedqueenObserver interface {
	// SetRQInstruction marks ip as a comparison-like instruction worth
	// tainting for input-to-coverage correlation: CMP, CALL, one of
	// LEA/ADD/SUB whose memory operand has the shape of a table or
	// struct-offset computation, or an XOR whose two operands differ.
	SetRQInstruction(ip IP)
	// SetSEInstruction marks ip as worth tracking for stack/register
	// extraction: RET, POP, or any instruction addressing memory, except
	// NOP and the all-zero two-byte instruction pattern uninitialized
	// memory commonly decodes as.
	SetSEInstruction(ip IP)
	// RegisterTransition records that execution actually moved from src to
	// dst. The follower calls it for each taken/not-taken conditional
	// branch outcome while transition mode is on, and InformTargetIP calls
	// it when it resolves a pending indirect-branch/near-ret hint; direct
	// jumps and straight-line moves are not reported.
	RegisterTransition(src, dst IP)
}

// observeClassify runs the redqueen shape filters over a freshly classified
// instruction. It is called once per classification pass, the same moment
// C2 runs, regardless of which COFI class the instruction received.
func (s *Session) observeClassify(d decodedInsn, class COFIClass) {
	if s.redqueen == nil {
		return
	}
	if isRQInteresting(d) {
		s.redqueen.SetRQInstruction(d.Addr)
	}
	if isSEInteresting(d) {
		s.redqueen.SetSEInstruction(d.Addr)
	}
}

func isRQInteresting(d decodedInsn) bool {
	switch d.Inst.Op {
	case x86asm.CMP:
		return true
	case x86asm.LEA:
		mem, ok := firstMemArg(d.Inst)
		return ok && leaShapeInteresting(mem)
	case x86asm.ADD:
		mem, ok := firstMemArg(d.Inst)
		return ok && addShapeInteresting(mem)
	case x86asm.SUB:
		mem, ok := firstMemArg(d.Inst)
		return ok && memShapeInteresting(mem, 0xff)
	case x86asm.XOR:
		return d.Inst.Args[0] != nil && d.Inst.Args[1] != nil && d.Inst.Args[0] != d.Inst.Args[1]
	}
	return isCallLike(d)
}

func isSEInteresting(d decodedInsn) bool {
	if d.Inst.Op == x86asm.NOP {
		return false
	}
	if len(d.Raw) == 2 && d.Raw[0] == 0x00 && d.Raw[1] == 0x00 {
		return false
	}
	switch d.Inst.Op {
	case x86asm.RET, x86asm.POP:
		return true
	}
	_, ok := firstMemArg(d.Inst)
	return ok
}

// isCallLike checks the opcode/ModR.M fields directly rather than trust a
// specific x86asm.Op constant for the far-call forms, the same way the core
// classifier resolves CALL r/m and CALL far r/m (see ibLookup/ftLookup).
func isCallLike(d decodedInsn) bool {
	if d.escape {
		return false
	}
	switch d.opcode {
	case 0xE8, 0x9A:
		return true
	case 0xFF:
		if !d.hasModRM {
			return false
		}
		reg := d.modrmReg()
		return reg == 2 || reg == 3
	}
	return false
}

func firstMemArg(inst x86asm.Inst) (x86asm.Mem, bool) {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if mem, ok := arg.(x86asm.Mem); ok {
			return mem, true
		}
	}
	return x86asm.Mem{}, false
}

// memShapeInteresting is the shared shape filter behind
// is_interesting_{add,sub}_at: a scaled index makes the computed value
// depend on more than a fixed offset, a base of bp/sp usually means
// ordinary frame-relative addressing rather than a data-dependent
// computation, and a displacement past threshold is what marks the operand
// as carrying a large enough fixed offset to be worth tainting.
func memShapeInteresting(mem x86asm.Mem, threshold int64) bool {
	if mem.Scale > 1 {
		return false
	}
	if mem.Index != 0 {
		return false
	}
	if mem.Base != 0 && (indexNameHas(mem.Base, "bp") || indexNameHas(mem.Base, "sp")) {
		return false
	}
	return mem.Disp > threshold
}

// addShapeInteresting is is_interessting_add_at: the same shape filter as
// SUB but with a larger threshold (0x7fff) and an extra high-byte guard —
// a displacement whose second-lowest byte is 0xff is excluded, the same way
// the source rejects it.
func addShapeInteresting(mem x86asm.Mem) bool {
	if !memShapeInteresting(mem, 0x7fff) {
		return false
	}
	return (mem.Disp>>8)&0xff != 0xff
}

// leaShapeInteresting is is_interessting_lea_at: unlike ADD/SUB this wants
// a base-less, index-present computation with a negative displacement whose
// magnitude exceeds 0xff and a unit scale — the shape of a table lookup
// through a raw index rather than frame-relative addressing. bp/rip index
// registers are excluded for the same reason ADD/SUB exclude a bp/sp base.
func leaShapeInteresting(mem x86asm.Mem) bool {
	if mem.Scale != 1 {
		return false
	}
	if mem.Base != 0 {
		return false
	}
	if mem.Index == 0 {
		return false
	}
	if indexNameHas(mem.Index, "bp") || indexNameHas(mem.Index, "rip") {
		return false
	}
	if mem.Disp >= 0 {
		return false
	}
	return -mem.Disp > 0xff
}

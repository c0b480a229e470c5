// Package cofi reconstructs the sequence of executed basic blocks inside a
// monitored guest address range from an Intel Processor Trace
// taken/not-taken stream, by lazily disassembling the range into a
// persistent control-flow graph keyed by instruction address.
package cofi

import "fmt"

// IP is a 64-bit guest linear address.
type IP uint64

// kernelExtendBound is the PT IP-compression threshold: any value below it
// that is used as a branch target is sign-extended to the canonical kernel
// form by OR-ing with kernelExtendMask.
const (
	kernelExtendBound uint64 = 0x1_0000_0000
	kernelExtendMask  uint64 = 0xFFFF_FFFF_0000_0000
)

// signExtendKernel mirrors the PT driver quirk the surrounding fuzzer does
// not unpack: IPs that PT reported with the high 32 bits cleared are
// canonicalized to negative (kernel-space) addresses before graph lookup.
func signExtendKernel(ip IP) IP {
	if uint64(ip) < kernelExtendBound {
		return IP(uint64(ip) | kernelExtendMask)
	}
	return ip
}

func (ip IP) String() string {
	return fmt.Sprintf("0x%x", uint64(ip))
}

// COFIClass is one of the six control-flow-of-instruction classes an
// instruction is mapped to by the classifier (C2).
type COFIClass int

const (
	// NoCOFI is straight-line code: execution falls through to the next
	// instruction unconditionally.
	NoCOFI COFIClass = iota
	// ConditionalBranch is Jcc/LOOP*/JCXZ-family: the follower consumes one
	// TNT bit to decide taken vs. not-taken.
	ConditionalBranch
	// UnconditionalDirectBranch is a direct near JMP/CALL with a
	// relative-encoded, statically known target.
	UnconditionalDirectBranch
	// IndirectBranch is a near indirect JMP/CALL whose target is only known
	// from an out-of-band PT target-IP packet.
	IndirectBranch
	// NearRet is a near RET; like IndirectBranch its target arrives
	// out-of-band.
	NearRet
	// FarTransfer covers far JMP/CALL/RET, INT*, IRET*, SYS*, and
	// VMLAUNCH/VMRESUME — opaque to PT at this layer.
	FarTransfer
)

func (c COFIClass) String() string {
	switch c {
	case NoCOFI:
		return "NO_COFI"
	case ConditionalBranch:
		return "CONDITIONAL_BRANCH"
	case UnconditionalDirectBranch:
		return "UNCONDITIONAL_DIRECT_BRANCH"
	case IndirectBranch:
		return "INDIRECT_BRANCH"
	case NearRet:
		return "NEAR_RET"
	case FarTransfer:
		return "FAR_TRANSFERS"
	default:
		return "UNKNOWN_COFI_CLASS"
	}
}

// Node is the unit stored in the COFI graph (C3). While the builder is still
// extending a straight-line run, the run's node is already in the graph and
// its Addr and Size follow each decoded instruction; once a COFI-classified
// instruction ends the run, Addr, Size, Class and Target are not mutated
// again.
// Fallthrough and TargetRef are weak, non-owning links into the same graph:
// the graph is the sole owner of every Node and nodes are never freed
// individually, only released in bulk when the owning Session closes.
type Node struct {
	Addr   IP
	Size   uint8
	Class  COFIClass
	Target IP // valid only for ConditionalBranch / UnconditionalDirectBranch

	Fallthrough *Node
	TargetRef   *Node
}

// pageSize is the guest page size assumed by the memory view and builder.
const pageSize = 4096

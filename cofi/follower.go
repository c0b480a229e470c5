package cofi

// Trace is C5: replay a TNT stream against the COFI graph starting at
// entryIP, calling handler for every edge the walk crosses. A single call
// ends at the first indirect branch, near ret, far transfer, or TNT/range
// inconsistency it reaches — it never blocks waiting for an out-of-band
// target, and never consumes a hint recorded by an earlier call itself
// (that only happens through InformTargetIP).
//
// handler is invoked with entryIP (sign-extended) once at the start, then
// once per ConditionalBranch resolution (the taken target or the
// not-taken fall-through address — never both, and never the branch's own
// address), and once more for an IndirectBranch/NearRet's own address (a
// preserved quirk, see the dispatch case below). NoCOFI and
// UnconditionalDirectBranch transitions are silent: the walk passes
// through them without calling handler, the way spec.md §4.4 only emits a
// handler call for a dispatch that actually decides between alternatives.
//
// It returns true for every clean stop: a far transfer, an indirect
// branch or near ret (the out-of-band target arrives later via
// InformTargetIP, followed by another Trace call starting there), or the
// trace leaving the monitored range with the TNT stream exactly exhausted.
// It returns false for an observed inconsistency: the TNT stream running
// out mid ConditionalBranch, or the trace leaving the monitored range
// while TNT still has bits left. A non-nil error is returned only for a
// FatalError: unreachable guest memory, or a waypoint that still can't be
// resolved after both builder passes.
func (s *Session) Trace(entryIP IP, tnt TNTSource, handler func(IP)) (bool, error) {
	node, outOfRange, err := s.lookupLadder(entryIP)
	if err != nil {
		return false, err
	}
	if outOfRange {
		return tnt.Remaining() == 0, nil
	}
	handler(signExtendKernel(entryIP))

	for {
		switch node.Class {
		case NoCOFI:
			next, outOfRange, err := s.resolveFallthrough(node)
			if err != nil {
				return false, err
			}
			if outOfRange {
				return tnt.Remaining() == 0, nil
			}
			node = next

		case ConditionalBranch:
			switch tnt.Next() {
			case Taken:
				target := node.Target
				if s.redqueen != nil && s.transitionMode {
					s.redqueen.RegisterTransition(node.Addr, target)
				}
				handler(target)
				next, outOfRange, err := s.resolveTarget(node)
				if err != nil {
					return false, err
				}
				if outOfRange {
					return tnt.Remaining() == 0, nil
				}
				node = next
			case NotTaken:
				fallAddr := node.Addr + IP(node.Size)
				if s.redqueen != nil && s.transitionMode {
					s.redqueen.RegisterTransition(node.Addr, fallAddr)
				}
				handler(fallAddr)
				next, outOfRange, err := s.resolveFallthrough(node)
				if err != nil {
					return false, err
				}
				if outOfRange {
					return tnt.Remaining() == 0, nil
				}
				node = next
			default: // TNTEmpty: stream exhausted mid-branch, always failure.
				return false, nil
			}

		case UnconditionalDirectBranch:
			next, outOfRange, err := s.resolveTarget(node)
			if err != nil {
				return false, err
			}
			if outOfRange {
				return tnt.Remaining() == 0, nil
			}
			node = next

		case IndirectBranch, NearRet:
			// BROKEN, preserved verbatim (see DESIGN.md, open question
			// decision 1): this emits the branch's own address rather
			// than the eventual target, which isn't known here at all —
			// it arrives out of band through InformTargetIP, which is
			// what actually notifies an attached observer and clears
			// this hint. This call ends immediately.
			handler(node.Addr)
			s.pendingHint = node.Addr
			s.havePending = true
			return true, nil

		case FarTransfer:
			return true, nil

		default:
			return false, fatalf("trace", "unclassified node at %s", node.Addr)
		}
	}
}

// resolveTarget lazily fills in TargetRef for a conditional or
// unconditional direct branch node, per spec.md §4.3's note that C4 never
// eagerly resolves it. Once set to a resolved node it is never reassigned.
func (s *Session) resolveTarget(node *Node) (*Node, bool, error) {
	if node.TargetRef != nil {
		return node.TargetRef, false, nil
	}
	next, outOfRange, err := s.lookupLadder(node.Target)
	if err != nil || outOfRange {
		return nil, outOfRange, err
	}
	node.TargetRef = next
	return next, false, nil
}

// resolveFallthrough lazily fills in Fallthrough for a node whose
// straight-line run was truncated at the edge of whatever the builder had
// mapped at the time, per spec.md §4.4's "populating it through the lookup
// ladder if null" for both NO_COFI and the conditional branch's NOT_TAKEN
// path. Once set it is never reassigned.
func (s *Session) resolveFallthrough(node *Node) (*Node, bool, error) {
	if node.Fallthrough != nil {
		return node.Fallthrough, false, nil
	}
	next, outOfRange, err := s.lookupLadder(node.Addr + IP(node.Size))
	if err != nil || outOfRange {
		return nil, outOfRange, err
	}
	node.Fallthrough = next
	return next, false, nil
}

// lookupLadder is the address resolution path spec.md §4.4 describes:
// sign-extend, bound-check, consult the graph, and fall back to the
// builder (first a single page, then two pages) before giving up. Every IP
// that reaches here is being resolved as a branch target or fall-through,
// which is exactly the case the kernel sign-extension quirk applies to —
// unlike InformTargetIP, whose argument is stored as given (see
// SPEC_FULL.md §6 and DESIGN.md, open question decision 2).
//
// The second return value reports an out-of-range address. This is never a
// FatalError: spec.md §7 treats it as a routine inconsistency the caller
// resolves against how much of the TNT stream is left, not as a
// caller/data contract violation.
func (s *Session) lookupLadder(ip IP) (*Node, bool, error) {
	ip = signExtendKernel(ip)
	if ip < s.minAddr || ip > s.maxAddr {
		return nil, true, nil
	}
	if n, ok := s.graph.get(ip); ok {
		return n, false, nil
	}

	first, err := s.build(ip, false)
	if err != nil {
		return nil, false, err
	}
	if needsSecondPass(first) {
		first, err = s.build(ip, true)
		if err != nil {
			return nil, false, err
		}
	}
	if needsSecondPass(first) {
		return nil, false, fatalf("lookup", "no waypoint resolved at %s after two builder passes", ip)
	}
	s.logf("resolved %s", ip)
	return first, false, nil
}

// needsSecondPass reports whether a builder pass left its first node
// genuinely incomplete: either it decoded nothing at all (the entry
// instruction didn't fit in the window), or it is still a straight-line
// run that ran off the end of the window before reaching a COFI
// instruction. A node that already reached a COFI class is a complete
// waypoint regardless of whether anything follows it within the same
// builder pass — ConditionalBranch, UnconditionalDirectBranch,
// IndirectBranch, NearRet, and FarTransfer nodes never need their own
// Fallthrough populated by the builder; the follower resolves it lazily,
// on demand, only for the classes that actually use it.
func needsSecondPass(n *Node) bool {
	return n == nil || (n.Class == NoCOFI && n.Fallthrough == nil)
}

// InformTargetIP delivers the out-of-band target address for the most
// recently recorded indirect-branch/near-ret hint, the way the surrounding
// fuzzer's PT parser reports a target-IP packet. If a hint is pending, an
// attached observer is notified of (hint -> ip) and the hint is cleared —
// gated only on an observer being installed, not on transition mode, since
// this is the one notification the source fires unconditionally whenever a
// hint is pending; ip is used exactly as given, with no sign-extension
// applied (see lookupLadder's doc comment, open question 2). With nothing
// pending this is a no-op — there is no hint to resolve against.
func (s *Session) InformTargetIP(ip IP) {
	hint, ok := s.takePendingHint()
	if !ok {
		return
	}
	if s.redqueen != nil {
		s.redqueen.RegisterTransition(hint, ip)
	}
}

func (s *Session) takePendingHint() (IP, bool) {
	if !s.havePending {
		return 0, false
	}
	ip := s.pendingHint
	s.havePending = false
	return ip, true
}

// Flush discards a pending indirect-branch/near-ret hint without resolving
// it, for when no out-of-band target will ever arrive for it. Idempotent:
// calling it with nothing pending is a no-op.
func (s *Session) Flush() {
	s.havePending = false
}

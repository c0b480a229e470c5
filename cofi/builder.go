package cofi

// build is C4: a linear disassembly pass starting at entryIP that extends
// the COFI graph (C3) until it either runs off the end of the mapped
// window, falls off the monitored range, or splices into an
// already-resolved node. It returns the first node the pass produced or
// adopted, which may already have been present in the graph.
//
// Straight-line runs are compressed the way spec.md §4.3 describes: while
// consecutive instructions classify as NoCOFI, they all write into the same
// node (whose Addr/Size/Class keep tracking the latest instruction seen),
// and every address in the run is mapped to that one node. The node's
// identity only becomes final once a COFI-classified instruction — or the
// end of the window — settles it.
func (s *Session) build(entryIP IP, acrossPage bool) (*Node, error) {
	code, release, err := s.acquireCodeWindow(entryIP, acrossPage)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		current    *Node
		first      *Node
		lastNoCOfi bool
		addr       = entryIP
		buf        = code
	)

	for len(buf) > 0 {
		if addr > s.maxAddr {
			break
		}

		if existing, ok := s.graph.get(addr); ok {
			if existing.Fallthrough != nil {
				if current != nil {
					current.Fallthrough = existing
				}
				if first == nil {
					first = existing
				}
				return first, nil
			}
			// Present but not yet resolved: pick up the decode from here
			// without reclassifying it, per spec.md §4.3 step 2d.
			current = existing
			if first == nil {
				first = current
			}
			lastNoCOfi = existing.Class == NoCOFI
			if int(existing.Size) > len(buf) {
				break
			}
			addr += IP(existing.Size)
			buf = buf[existing.Size:]
			continue
		}

		d, derr := decodeAt(buf, addr, s.wordWidth)
		if derr != nil {
			break
		}

		class := classify(d)
		s.observeClassify(d, class)

		if !lastNoCOfi {
			predecessor := current
			current = &Node{Addr: addr, Size: uint8(d.Len), Class: NoCOFI}
			if predecessor != nil {
				predecessor.Fallthrough = current
			}
			if first == nil {
				first = current
			}
		}

		if class == NoCOFI {
			current.Addr = addr
			current.Size = uint8(d.Len)
			s.graph.putAt(addr, current)
			lastNoCOfi = true
		} else {
			current.Addr = addr
			current.Size = uint8(d.Len)
			current.Class = class
			if class == ConditionalBranch || class == UnconditionalDirectBranch {
				if target, ok := directBranchTarget(d); ok {
					current.Target = target
				}
			}
			s.graph.putAt(addr, current)
			lastNoCOfi = false
		}

		addr += IP(d.Len)
		buf = buf[d.Len:]
	}

	return first, nil
}

// acquireCodeWindow obtains the byte window build() decodes from. A single
// page (acrossPage false) is the common case; the two-page scratch read
// (acrossPage true) only runs when the first pass left the entry node's
// fall-through unresolved, which happens when the run reaches the end of
// its page without completing.
func (s *Session) acquireCodeWindow(entryIP IP, acrossPage bool) (code []byte, release func(), err error) {
	if !acrossPage {
		page, mapErr := s.mem.Map(entryIP)
		if mapErr != nil {
			return nil, nil, fatalf("build", "map entry page at %s: %w", entryIP, mapErr)
		}
		return page, func() { s.mem.Unmap(page) }, nil
	}

	size := 2*pageSize - int(pageOffset(entryIP))
	buf, readErr := s.mem.Read(entryIP, size)
	if readErr != nil {
		return nil, nil, fatalf("build", "read two pages at %s: %w", entryIP, readErr)
	}
	return buf, func() {}, nil
}

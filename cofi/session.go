package cofi

import "fmt"

// TNTResult is one bit (or the absence of one) pulled off a TNT stream.
type TNTResult int

const (
	// TNTEmpty means the stream has no more bits; the follower treats
	// running out mid-ConditionalBranch as a failed trace (Trace returns
	// false with a nil error), not as a FatalError.
	TNTEmpty TNTResult = iota
	Taken
	NotTaken
)

// TNTSource is C5's only required collaborator: a sequence of taken/not-
// taken decisions, consumed one bit per ConditionalBranch node the
// follower crosses.
type TNTSource interface {
	Next() TNTResult
	Remaining() int
}

// SliceTNTSource is a reference TNTSource over a pre-recorded bit sequence,
// used by tests and by cmd/coficore-trace's synthetic replay mode.
type SliceTNTSource struct {
	bits []TNTResult
	pos  int
}

func NewSliceTNTSource(bits []TNTResult) *SliceTNTSource {
	return &SliceTNTSource{bits: bits}
}

func (s *SliceTNTSource) Next() TNTResult {
	if s.pos >= len(s.bits) {
		return TNTEmpty
	}
	b := s.bits[s.pos]
	s.pos++
	return b
}

func (s *SliceTNTSource) Remaining() int {
	if s.pos >= len(s.bits) {
		return 0
	}
	return len(s.bits) - s.pos
}

// DebugSink receives a line per address the lookup ladder resolves through
// a builder pass (cached graph hits are not logged) when a session is
// opened WithDebugSink. It is the Go replacement for the
// source's compile-time DEBUG_PT preprocessor guard (see SPEC_FULL.md §12).
type DebugSink interface {
	Debugf(format string, args ...any)
}

// Session is C1 through C6 wired together: one monitored address range,
// one COFI graph, and an optional redqueen observer. It runs single-
// threaded and cooperatively; a Session is not safe for concurrent use
// from multiple goroutines without external synchronization.
type Session struct {
	mem       MemoryView
	minAddr   IP
	maxAddr   IP
	wordWidth int

	graph graph

	redqueen       RedqueenObserver
	debug          DebugSink
	debugEnabled   bool
	transitionMode bool

	pendingHint IP
	havePending bool
}

// SetDebug toggles whether a Session emits to its DebugSink, mirroring the
// source's debug_flow/debug_disass macro guards (see SPEC_FULL.md §12).
// It has no effect when no DebugSink is attached.
func (s *Session) SetDebug(enabled bool) { s.debugEnabled = enabled }

// SetTransitionMode toggles whether a RedqueenObserver's RegisterTransition
// is called at all, matching the source's redqueen_state.trace_mode
// distinction from whether an observer is installed (see SPEC_FULL.md
// §12). SetRQInstruction/SetSEInstruction always fire when an observer is
// attached; RegisterTransition additionally requires this.
func (s *Session) SetTransitionMode(enabled bool) { s.transitionMode = enabled }

// Option configures a Session at Open time. There is no config file or
// environment-variable layer (spec.md §6): every knob is a functional
// option, the way the rest of this package's collaborators are wired in
// directly by the caller.
type Option func(*Session)

// WithRedqueen attaches C6. Without it, classification runs exactly the
// same, just without the side-channel calls.
func WithRedqueen(obs RedqueenObserver) Option {
	return func(s *Session) { s.redqueen = obs }
}

// WithDebugSink attaches a line-oriented debug log.
func WithDebugSink(sink DebugSink) Option {
	return func(s *Session) { s.debug = sink }
}

// WithWordWidth overrides the decode mode (32 or 64); sessions default to
// 64-bit.
func WithWordWidth(bits int) Option {
	return func(s *Session) { s.wordWidth = bits }
}

// WithHashGraph forces the general-purpose map-backed C3 implementation
// even when the address range would fit the dense array. Useful for tests
// that want the two back-ends to behave identically on the same input.
func WithHashGraph() Option {
	return func(s *Session) { s.graph = newHashGraph() }
}

// Open creates a Session monitoring [minAddr, maxAddr] backed by mem. The
// dense array C3 back-end is selected automatically when the range fits
// within maxDenseRange; WithHashGraph overrides that choice.
func Open(mem MemoryView, minAddr, maxAddr IP, opts ...Option) (*Session, error) {
	if maxAddr < minAddr {
		return nil, fmt.Errorf("cofi: max_addr %s below min_addr %s", maxAddr, minAddr)
	}
	s := &Session{
		mem:          mem,
		minAddr:      minAddr,
		maxAddr:      maxAddr,
		wordWidth:    64,
		debugEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.graph == nil {
		if uint64(maxAddr-minAddr) <= maxDenseRange {
			s.graph = newDenseGraph(minAddr, maxAddr)
		} else {
			s.graph = newHashGraph()
		}
	}
	return s, nil
}

// Close releases the session's resources. The graph holds no external
// handles, so this is currently only meaningful for symmetry with Open and
// for callers that want a single place to stop using a session.
func (s *Session) Close() error { return nil }

func (s *Session) logf(format string, args ...any) {
	if s.debug != nil && s.debugEnabled {
		s.debug.Debugf(format, args...)
	}
}

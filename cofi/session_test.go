package cofi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsInvertedRange(t *testing.T) {
	mem := NewFlatMemoryView(0, make([]byte, 16))
	_, err := Open(mem, 0x2000, 0x1000)
	assert.Error(t, err)
}

func TestWithWordWidthOption(t *testing.T) {
	mem := NewFlatMemoryView(0, make([]byte, 16))
	sess, err := Open(mem, 0, 0x1000, WithWordWidth(32))
	require.NoError(t, err)
	assert.Equal(t, 32, sess.wordWidth)
}

func TestDefaultWordWidthIs64(t *testing.T) {
	mem := NewFlatMemoryView(0, make([]byte, 16))
	sess, err := Open(mem, 0, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 64, sess.wordWidth)
}

func TestSliceTNTSourceExhaustion(t *testing.T) {
	src := NewSliceTNTSource([]TNTResult{Taken, NotTaken})
	assert.Equal(t, 2, src.Remaining())
	assert.Equal(t, Taken, src.Next())
	assert.Equal(t, 1, src.Remaining())
	assert.Equal(t, NotTaken, src.Next())
	assert.Equal(t, 0, src.Remaining())
	assert.Equal(t, TNTEmpty, src.Next())
}

type recordingDebugSink struct {
	lines []string
}

func (r *recordingDebugSink) Debugf(format string, args ...any) {
	r.lines = append(r.lines, format)
}

func TestWithDebugSinkReceivesResolvedLookups(t *testing.T) {
	img := make([]byte, pageSize)
	for i := range img {
		img[i] = 0xCC
	}
	// Above the kernel sign-extension threshold (ip.go's kernelExtendBound);
	// lookupLadder sign-extends the entry IP too, so a lower base would be
	// rewritten to a canonical kernel address and fail the range check.
	const base = IP(0x100005000)
	mem := NewFlatMemoryView(base, img)
	sink := &recordingDebugSink{}
	sess, err := Open(mem, base, base+IP(pageSize)-1, WithDebugSink(sink))
	require.NoError(t, err)

	_, err = sess.Trace(base, NewSliceTNTSource(nil), func(IP) {})
	require.NoError(t, err)
	assert.NotEmpty(t, sink.lines)
}

package cofi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRQInterestingCmpAlwaysTriggers(t *testing.T) {
	// cmp eax, ebx
	d, err := decodeAt([]byte{0x39, 0xD8}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isRQInteresting(d))
}

func TestIsRQInterestingLeaBaselessNegativeDisplacement(t *testing.T) {
	// lea eax, [rdx*1-0x200]: no base, index present, disp negative and
	// past 0xff in magnitude — the table-lookup shape the filter wants.
	d, err := decodeAt([]byte{0x8D, 0x04, 0x15, 0x00, 0xFE, 0xFF, 0xFF}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isRQInteresting(d))
}

func TestIsRQInterestingLeaRejectsBasePresent(t *testing.T) {
	// lea eax, [rax+0x10]: an ordinary base+disp computation, not the
	// base-less indexed shape the filter wants.
	d, err := decodeAt([]byte{0x8D, 0x40, 0x10}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isRQInteresting(d))
}

func TestIsRQInterestingAddRejectsFramePointerBase(t *testing.T) {
	// add eax, [rbp+0x10000] — base is rbp, rejected regardless of
	// displacement size.
	d, err := decodeAt([]byte{0x03, 0x85, 0x00, 0x00, 0x01, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isRQInteresting(d))
}

func TestIsRQInterestingAddRejectsSmallDisplacement(t *testing.T) {
	// add eax, [rax+0x1000]: 0x1000 doesn't clear add's 0x7fff threshold.
	d, err := decodeAt([]byte{0x03, 0x80, 0x00, 0x10, 0x00, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isRQInteresting(d))
}

func TestIsRQInterestingAddAcceptsLargeDisplacement(t *testing.T) {
	// add eax, [rax+0x10000]: clears 0x7fff and its high byte isn't 0xff.
	d, err := decodeAt([]byte{0x03, 0x80, 0x00, 0x00, 0x01, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isRQInteresting(d))
}

func TestIsRQInterestingAddRejectsHighByteGuard(t *testing.T) {
	// add eax, [rax+0xff00]: clears 0x7fff but its high byte is 0xff.
	d, err := decodeAt([]byte{0x03, 0x80, 0x00, 0xFF, 0x00, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isRQInteresting(d))
}

func TestIsRQInterestingSubRejectsSmallDisplacement(t *testing.T) {
	// sub eax, [rax+0x10]: 0x10 doesn't clear sub's 0xff threshold.
	d, err := decodeAt([]byte{0x2B, 0x40, 0x10}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isRQInteresting(d))
}

func TestIsRQInterestingSubAcceptsLargeDisplacement(t *testing.T) {
	// sub eax, [rax+0x100]: clears sub's 0xff threshold.
	d, err := decodeAt([]byte{0x2B, 0x80, 0x00, 0x01, 0x00, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isRQInteresting(d))
}

func TestIsRQInterestingXorUnequalOperandsIsInteresting(t *testing.T) {
	// xor eax, ebx
	d, err := decodeAt([]byte{0x31, 0xD8}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isRQInteresting(d))
}

func TestIsRQInterestingXorEqualOperandsIsNot(t *testing.T) {
	// xor eax, eax — the zeroing idiom, explicitly excluded.
	d, err := decodeAt([]byte{0x31, 0xC0}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isRQInteresting(d))
}

func TestIsRQInterestingCallLike(t *testing.T) {
	d, err := decodeAt([]byte{0xE8, 0x00, 0x00, 0x00, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isRQInteresting(d))
}

func TestIsRQInterestingPlainArithmeticIsNot(t *testing.T) {
	// add eax, ebx (register-only, no memory operand)
	d, err := decodeAt([]byte{0x01, 0xD8}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isRQInteresting(d))
}

func TestIsSEInterestingRetAndPop(t *testing.T) {
	ret, err := decodeAt([]byte{0xC3}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isSEInteresting(ret))

	pop, err := decodeAt([]byte{0x58}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isSEInteresting(pop))
}

func TestIsSEInterestingMemoryOperand(t *testing.T) {
	// mov eax, [rax]
	d, err := decodeAt([]byte{0x8B, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.True(t, isSEInteresting(d))
}

func TestIsSEInterestingExcludesNop(t *testing.T) {
	d, err := decodeAt([]byte{0x90}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isSEInteresting(d))
}

func TestIsSEInterestingExcludesAllZeroTwoByteInstruction(t *testing.T) {
	// add [rax], al -- the all-zero encoding uninitialized memory commonly
	// decodes as, excluded even though it does address memory.
	d, err := decodeAt([]byte{0x00, 0x00}, 0x1000, 64)
	require.NoError(t, err)
	assert.False(t, isSEInteresting(d))
}

// recordingObserver is a RedqueenObserver test double that records every
// call it receives, for use as a Session's WithRedqueen option.
type recordingObserver struct {
	rq          []IP
	se          []IP
	transitions [][2]IP
}

func (r *recordingObserver) SetRQInstruction(ip IP) { r.rq = append(r.rq, ip) }
func (r *recordingObserver) SetSEInstruction(ip IP) { r.se = append(r.se, ip) }
func (r *recordingObserver) RegisterTransition(src, dst IP) {
	r.transitions = append(r.transitions, [2]IP{src, dst})
}

func TestSessionInvokesRedqueenDuringClassification(t *testing.T) {
	img := make([]byte, pageSize)
	for i := range img {
		img[i] = 0xCC
	}
	// cmp eax, ebx ; ret
	copy(img, []byte{0x39, 0xD8, 0xC3})

	// Above the kernel sign-extension threshold; see the comment in
	// follower_test.go's newCondBranchSession for why.
	const base = IP(0x100003000)
	mem := NewFlatMemoryView(base, img)
	obs := &recordingObserver{}
	sess, err := Open(mem, base, base+IP(pageSize)-1, WithRedqueen(obs))
	require.NoError(t, err)

	sess.InformTargetIP(base + 3)
	_, err = sess.Trace(base, NewSliceTNTSource(nil), func(IP) {})
	require.NoError(t, err)

	assert.Contains(t, obs.rq, base)
	assert.Contains(t, obs.se, base+2)
}

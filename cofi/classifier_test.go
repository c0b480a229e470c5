package cofi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStraightLine(t *testing.T) {
	// mov eax, 1 ; add eax, 2
	code := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0x83, 0xC0, 0x02}
	d, err := decodeAt(code, 0x1000, 64)
	require.NoError(t, err)
	assert.Equal(t, NoCOFI, classify(d))
}

func TestClassifyConditionalBranchShort(t *testing.T) {
	// jz +5
	code := []byte{0x74, 0x05}
	d, err := decodeAt(code, 0x1000, 64)
	require.NoError(t, err)
	assert.Equal(t, ConditionalBranch, classify(d))
}

func TestClassifyConditionalBranchNear(t *testing.T) {
	// jnz rel32 (0F 85)
	code := []byte{0x0F, 0x85, 0x10, 0x00, 0x00, 0x00}
	d, err := decodeAt(code, 0x1000, 64)
	require.NoError(t, err)
	assert.Equal(t, ConditionalBranch, classify(d))
}

func TestClassifyLoopAndJcxz(t *testing.T) {
	for _, op := range []byte{0xE0, 0xE1, 0xE2, 0xE3} {
		code := []byte{op, 0x05}
		d, err := decodeAt(code, 0x1000, 64)
		require.NoError(t, err)
		assert.Equal(t, ConditionalBranch, classify(d), "opcode %#x", op)
	}
}

func TestClassifyUnconditionalDirectBranch(t *testing.T) {
	cases := [][]byte{
		{0xE9, 0x00, 0x01, 0x00, 0x00}, // jmp rel32
		{0xEB, 0x10},                   // jmp rel8
		{0xE8, 0x00, 0x01, 0x00, 0x00}, // call rel32
	}
	for _, code := range cases {
		d, err := decodeAt(code, 0x1000, 64)
		require.NoError(t, err)
		assert.Equal(t, UnconditionalDirectBranch, classify(d))
	}
}

func TestClassifyIndirectBranch(t *testing.T) {
	// jmp rax (FF /4), call rax (FF /2)
	cases := []struct {
		code []byte
	}{
		{[]byte{0xFF, 0xE0}}, // jmp rax: modrm 11 100 000
		{[]byte{0xFF, 0xD0}}, // call rax: modrm 11 010 000
	}
	for _, c := range cases {
		d, err := decodeAt(c.code, 0x1000, 64)
		require.NoError(t, err)
		assert.Equal(t, IndirectBranch, classify(d))
	}
}

func TestClassifyNearRet(t *testing.T) {
	for _, code := range [][]byte{{0xC3}, {0xC2, 0x04, 0x00}} {
		d, err := decodeAt(code, 0x1000, 64)
		require.NoError(t, err)
		assert.Equal(t, NearRet, classify(d))
	}
}

func TestClassifyFarTransfer(t *testing.T) {
	cases := [][]byte{
		{0xCC},             // int3
		{0xCD, 0x80},       // int 0x80
		{0x0F, 0x05},       // syscall
		{0x0F, 0x34},       // sysenter
		{0xCF},             // iret
		{0xFF, 0x28},       // jmp far [rax] (FF /5): modrm 00 101 000
		{0xFF, 0x18},       // call far [rax] (FF /3): modrm 00 011 000
	}
	for _, code := range cases {
		d, err := decodeAt(code, 0x1000, 64)
		require.NoError(t, err)
		assert.Equal(t, FarTransfer, classify(d), "code % x", code)
	}
}

func TestDirectBranchTargetResolution(t *testing.T) {
	// jmp rel8 +0x10 at 0x1000, instruction length 2 -> target 0x1012
	code := []byte{0xEB, 0x10}
	d, err := decodeAt(code, 0x1000, 64)
	require.NoError(t, err)
	target, ok := directBranchTarget(d)
	require.True(t, ok)
	assert.Equal(t, IP(0x1012), target)
}

func TestHexToBinRoundTrip(t *testing.T) {
	assert.Equal(t, uint64(0x1234), hexToBin("0x1234"))
	assert.Equal(t, uint64(0xabcd), hexToBin("0xABCD"))
	assert.Equal(t, uint64(0), hexToBin("0x0"))
}

func TestSignExtendKernel(t *testing.T) {
	assert.Equal(t, IP(0xFFFFFFFF80001000), signExtendKernel(IP(0x80001000)))
	assert.Equal(t, IP(0x1_0000_1000), signExtendKernel(IP(0x1_0000_1000)))
}

//go:build amd64

package stub

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestThunkEncoding(t *testing.T) {
	block := make([]byte, thunkSize)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(block)))
	entry := base + 0x4000

	require.NoError(t, encodeThunk(block, 42, entry))

	// First instruction loads the binding id into r11.
	inst, err := x86asm.Decode(block, 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.MOV, inst.Op)
	assert.Equal(t, x86asm.R11, inst.Args[0])
	assert.Equal(t, x86asm.Imm(42), inst.Args[1])
	assert.Equal(t, thunkJumpOff, inst.Len)

	// Second transfers to the shared entry.
	jmp, err := x86asm.Decode(block[inst.Len:], 64)
	require.NoError(t, err)
	assert.Equal(t, x86asm.JMP, jmp.Op)

	id, got, ok := DecodeThunk(block, base)
	require.True(t, ok)
	assert.EqualValues(t, 42, id)
	assert.Equal(t, entry, got)
}

func TestDecodeThunkRejectsForeignBytes(t *testing.T) {
	_, _, ok := DecodeThunk([]byte{0x55, 0x48, 0x89, 0xe5}, 0x1000)
	assert.False(t, ok)

	short := make([]byte, 4)
	_, _, ok = DecodeThunk(short, 0x1000)
	assert.False(t, ok)
}

func TestTrapSled(t *testing.T) {
	block := make([]byte, sledSize)
	fillTrapSled(block)
	for _, b := range block {
		assert.Equal(t, byte(0xcc), b)
	}
}

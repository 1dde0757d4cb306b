package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArenaAllocate(t *testing.T) {
	a := NewArena(1 << 16)

	require.NoError(t, a.BeginMutate())

	block, err := a.Allocate(64)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.GreaterOrEqual(t, len(block), 64)
	assert.NotZero(t, BlockAddr(block))

	// Inside the mutate window the pages are writable.
	for i := range block {
		block[i] = 0xcc
	}

	second, err := a.Allocate(64)
	require.NoError(t, err)
	assert.NotEqual(t, BlockAddr(block), BlockAddr(second))

	a.Free(second)
	a.Free(block)
	require.NoError(t, a.EndMutate())
}

func TestArenaImmutablePanics(t *testing.T) {
	a := NewArena(1 << 16)

	require.NoError(t, a.BeginMutate())
	block, err := a.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, a.EndMutate())

	// Sealed pages must never be handed out for writing.
	assert.Panics(t, func() { _, _ = a.Allocate(32) })
	assert.Panics(t, func() { a.Free(block) })

	require.NoError(t, a.BeginMutate())
	a.Free(block)
	require.NoError(t, a.EndMutate())
}

func TestArenaMutateBeforeFirstAllocation(t *testing.T) {
	a := NewArena(1 << 12)

	// BeginMutate ahead of the first allocation is allowed; the mapping
	// comes up writable.
	require.NoError(t, a.BeginMutate())
	require.NoError(t, a.EndMutate())

	require.NoError(t, a.BeginMutate())
	block, err := a.Allocate(16)
	require.NoError(t, err)
	a.Free(block)
	require.NoError(t, a.EndMutate())
}

package frame

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modkit-go/modkit/sig"
)

func TestValueBits(t *testing.T) {
	assert := assert.New(t)

	p := PointerValue(0xdeadbeef)
	assert.Equal(sig.Pointer, p.Class())
	assert.Equal(uintptr(0xdeadbeef), p.Pointer())

	f := Float32Value(123.456)
	assert.Equal(uint64(0x42f6e979), f.Bits())
	assert.Equal(float32(123.456), f.Float32())

	d := Float64Value(123.456)
	assert.Equal(math.Float64bits(123.456), d.Bits())
	assert.Equal(123.456, d.Float64())
}

func TestNewShapesFrame(t *testing.T) {
	assert := assert.New(t)

	d := sig.Instance(sig.Pointer, sig.Float32, sig.Pointer).Returning(sig.Float32)
	f := New(d)

	assert.Len(f.Args, 3)
	assert.Equal(sig.Pointer, f.Args[0].Class())
	assert.Equal(sig.Float32, f.Args[1].Class())
	assert.Equal(sig.Float32, f.Result.Class())
	assert.Nil(f.Fault)
	assert.False(f.SkipOriginal)
}

func TestPackCall_LanePlacement(t *testing.T) {
	assert := assert.New(t)

	// Pointer and float arguments use independent lane files.
	d := sig.Static(sig.Pointer, sig.Float32, sig.Pointer)
	f := New(d)
	require.NoError(t, f.SetArgs(
		PointerValue(0x1000),
		Float32Value(123.456),
		PointerValue(0x2000),
	))

	var r Registers
	require.NoError(t, PackCall(d, f, &r))

	assert.Equal(uintptr(0x1000), r.GP[0])
	assert.Equal(uintptr(0x2000), r.GP[1])
	assert.Equal(uint64(0x42f6e979), r.FP[0])
	assert.Empty(r.Stack)
}

func TestPackCall_InstanceLane(t *testing.T) {
	assert := assert.New(t)

	d := sig.Instance(sig.Pointer).Returning(sig.Pointer)
	f := New(d)
	f.Instance = 0xabc
	require.NoError(t, f.SetArgs(PointerValue(0xdef)))

	var r Registers
	require.NoError(t, PackCall(d, f, &r))

	assert.Equal(uintptr(0xabc), r.GP[0])
	assert.Equal(uintptr(0xdef), r.GP[1])
}

func TestPackCall_StackSpill(t *testing.T) {
	assert := assert.New(t)

	n := maxGPLanes + 3
	params := make([]sig.Class, n)
	vals := make([]Value, n)
	for i := range params {
		params[i] = sig.Pointer
		vals[i] = PointerValue(uintptr(0x100 + i))
	}

	d := sig.Static(params...)
	f := New(d)
	require.NoError(t, f.SetArgs(vals...))

	var r Registers
	require.NoError(t, PackCall(d, f, &r))

	assert.Len(r.Stack, 3)
	assert.Equal(uint64(0x100+maxGPLanes), r.Stack[0])

	// And back out.
	out := New(d)
	UnpackCall(d, &r, out)
	for i := range vals {
		assert.Equal(vals[i].Pointer(), out.Args[i].Pointer(), "arg %d", i)
	}
}

func TestPackCall_Arity(t *testing.T) {
	d := sig.Static(sig.Pointer, sig.Pointer)
	f := New(sig.Static(sig.Pointer))

	var r Registers
	err := PackCall(d, f, &r)
	assert.ErrorIs(t, err, ErrArity)
}

func TestCallRoundTrip(t *testing.T) {
	assert := assert.New(t)

	d := sig.Instance(sig.Float64, sig.Pointer, sig.Float32).Returning(sig.Float64)
	f := New(d)
	f.Instance = 0x7777
	require.NoError(t, f.SetArgs(
		Float64Value(2.5),
		PointerValue(0x8888),
		Float32Value(-1.0),
	))

	var r Registers
	require.NoError(t, PackCall(d, f, &r))

	out := New(d)
	UnpackCall(d, &r, out)

	assert.Equal(uintptr(0x7777), out.Instance)
	assert.Equal(2.5, out.Args[0].Float64())
	assert.Equal(uintptr(0x8888), out.Args[1].Pointer())
	assert.Equal(float32(-1.0), out.Args[2].Float32())
}

func TestReturnLanes(t *testing.T) {
	t.Run("pointer result", func(t *testing.T) {
		d := sig.Static().Returning(sig.Pointer)
		f := New(d)
		f.Result = PointerValue(0x1234)

		var r Registers
		PackReturn(d, f, &r)
		assert.Equal(t, uintptr(0x1234), r.RetGP)

		out := New(d)
		UnpackReturn(d, &r, out)
		assert.Equal(t, uintptr(0x1234), out.Result.Pointer())
	})

	t.Run("float32 result", func(t *testing.T) {
		d := sig.Static().Returning(sig.Float32)
		f := New(d)
		f.Result = Float32Value(60.0)

		var r Registers
		PackReturn(d, f, &r)
		assert.Equal(t, uint64(math.Float32bits(60.0)), r.RetFP)
		assert.Zero(t, r.RetGP)
	})

	t.Run("void leaves lanes alone", func(t *testing.T) {
		d := sig.Static(sig.Pointer)
		f := New(d)

		var r Registers
		PackReturn(d, f, &r)
		assert.Zero(t, r.RetGP)
		assert.Zero(t, r.RetFP)
	})
}

func TestFaultCrossesAsValue(t *testing.T) {
	assert := assert.New(t)

	d := sig.Static().Returning(sig.Pointer)
	f := New(d)
	f.Fault = &Fault{Object: 0x42, Message: "NullReferenceException"}

	var r Registers
	PackReturn(d, f, &r)
	assert.NotNil(r.Fault)

	out := New(d)
	UnpackReturn(d, &r, out)
	assert.Equal(f.Fault, out.Fault)
	assert.Contains(out.Fault.Error(), "NullReferenceException")
}

func TestSetArgs(t *testing.T) {
	d := sig.Static(sig.Pointer, sig.Float32)
	f := New(d)

	err := f.SetArgs(PointerValue(1))
	assert.ErrorIs(t, err, ErrArity)

	err = f.SetArgs(PointerValue(1), Float64Value(2))
	assert.ErrorIs(t, err, ErrClass)

	assert.NoError(t, f.SetArgs(PointerValue(1), Float32Value(2)))
}

func TestFaultFromPanic(t *testing.T) {
	orig := &Fault{Message: "keep me"}
	assert.Same(t, orig, FaultFromPanic(orig))

	f := FaultFromPanic(errors.New("boom"))
	assert.Equal(t, "boom", f.Message)

	f = FaultFromPanic(fmt.Sprintf("index %d out of range", 9))
	assert.Contains(t, f.Message, "out of range")
}

func TestRegistersReset(t *testing.T) {
	r := Registers{Stack: []uint64{1, 2, 3}, RetGP: 9}
	r.GP[0] = 5
	r.Fault = &Fault{Message: "x"}

	r.Reset()
	assert.Zero(t, r.GP[0])
	assert.Zero(t, r.RetGP)
	assert.Nil(t, r.Fault)
	assert.Empty(t, r.Stack)
}

package advice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/sig"
)

func TestArgsAccessors(t *testing.T) {
	desc := sig.Instance(sig.Pointer, sig.Float32, sig.Float64).Returning(sig.Float32)
	f := frame.New(desc)
	f.Instance = 0x10
	require.NoError(t, f.SetArgs(
		frame.PointerValue(0x20),
		frame.Float32Value(1.25),
		frame.Float64Value(2.5),
	))
	f.Result = frame.Float32Value(9)

	a := &Args{frame: f, binds: []Binding{Instance(), Arg(0), Arg(1), Arg(2), Result()}}
	assert.Equal(t, 5, a.Len())

	assert.Equal(t, uintptr(0x10), a.Pointer(0))
	assert.Equal(t, uintptr(0x20), a.Pointer(1))
	assert.Equal(t, float32(1.25), a.Float32(2))
	assert.Equal(t, 2.5, a.Float64(3))
	assert.Equal(t, float32(9), a.Float32(4))

	a.SetPointer(1, 0x30)
	assert.Equal(t, uintptr(0x30), f.Args[0].Pointer())

	a.SetFloat32(2, 4.5)
	assert.Equal(t, float32(4.5), f.Args[1].Float32())

	a.SetFloat64(3, 8.25)
	assert.Equal(t, 8.25, f.Args[2].Float64())

	a.SetFloat32(4, 11)
	assert.Equal(t, float32(11), f.Result.Float32())
}

func TestArgsClassMismatchPanics(t *testing.T) {
	desc := sig.Instance(sig.Float32)
	f := frame.New(desc)
	require.NoError(t, f.SetArgs(frame.Float32Value(1)))

	a := &Args{frame: f, binds: []Binding{Instance(), Arg(0)}}

	assert.Panics(t, func() { a.Pointer(1) }, "float argument read as pointer")
	assert.Panics(t, func() { a.Float64(1) }, "float32 argument read as float64")
	assert.Panics(t, func() { a.Float32(0) }, "instance slot read as float")
	assert.Panics(t, func() { a.SetPointer(0, 1) }, "instance slot written")
	assert.Panics(t, func() { a.Pointer(2) }, "undeclared binding")
}

func TestValidateBindings(t *testing.T) {
	instFloat := sig.Instance(sig.Float32).Returning(sig.Float32)
	staticVoid := sig.Static(sig.Pointer)

	tests := []struct {
		name  string
		binds []Binding
		desc  sig.Descriptor
		ok    bool
	}{
		{"instance arg result", []Binding{Instance(), Arg(0), Result()}, instFloat, true},
		{"instance on static", []Binding{Instance()}, staticVoid, false},
		{"arg out of range", []Binding{Arg(1)}, staticVoid, false},
		{"negative arg", []Binding{Arg(-1)}, staticVoid, false},
		{"result on void", []Binding{Result()}, staticVoid, false},
		{"empty", nil, staticVoid, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateBindings(tc.binds, tc.desc)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

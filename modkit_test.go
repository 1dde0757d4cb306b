package modkit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modkit-go/modkit"
	"github.com/modkit-go/modkit/advice"
	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/patch"
	"github.com/modkit-go/modkit/sig"
	"github.com/modkit-go/modkit/simrt"
)

// attach brings up the full stack over a simulated host runtime and wires
// the runtime's call routing to it.
func attach(t *testing.T) (*modkit.System, *simrt.Runtime) {
	t.Helper()

	rt, err := simrt.New(1 << 17)
	require.NoError(t, err)

	s, err := modkit.Attach(
		modkit.WithBridge(rt),
		modkit.WithCaller(rt),
		modkit.WithArena(rt.Arena()),
	)
	require.NoError(t, err)

	rt.Connect(simrt.StubResolverFunc(func(addr uintptr) (simrt.Dispatcher, bool) {
		b, ok := s.Stubs().BindingAt(addr)
		if !ok {
			return nil, false
		}
		return b, true
	}), s.Hooks())

	t.Cleanup(func() { s.Detach() })
	return s, rt
}

type fovMod struct{ fallback float32 }

func (m *fovMod) Name() string { return "fovmod" }

func (m *fovMod) Advice() []patch.Decl {
	return []patch.Decl{{
		Target: patch.ByName("UnityEngine", "UnityEngine", "Camera", "get_fieldOfView", 0),
		Kind:   advice.KindPostfix,
		Bind:   []advice.Binding{advice.Result()},
		Postfix: func(a *advice.Args) {
			if a.Float32(0) < m.fallback {
				a.SetFloat32(0, m.fallback)
			}
		},
	}}
}

func TestAttachRequiresBridge(t *testing.T) {
	_, err := modkit.Attach()
	assert.ErrorIs(t, err, modkit.ErrNoBridge)
}

func TestAttachIsExclusive(t *testing.T) {
	s, rt := attach(t)

	_, err := modkit.Attach(modkit.WithBridge(rt))
	assert.ErrorIs(t, err, modkit.ErrAttached)

	require.NoError(t, s.Detach())
	assert.ErrorIs(t, s.Detach(), modkit.ErrNotAttached)

	// The slot is free again after Detach.
	s2, err := modkit.Attach(modkit.WithBridge(rt), modkit.WithArena(rt.Arena()))
	require.NoError(t, err)
	require.NoError(t, s2.Detach())
}

func TestEndToEnd(t *testing.T) {
	s, rt := attach(t)

	cam := rt.DefineClass("UnityEngine", "UnityEngine", "Camera")
	fov, err := cam.DefineMethod("get_fieldOfView",
		sig.Instance().Returning(sig.Float32),
		func(f *frame.Frame) { f.Result = frame.Float32Value(60) })
	require.NoError(t, err)
	before := fov.Bytes()

	rep := s.Register(&fovMod{fallback: 90})
	require.Equal(t, 1, rep.Applied)
	assert.Equal(t, 1, s.Hooks().Count())

	res, fault, err := rt.CallMethod(fov, 0xc0ffee)
	require.NoError(t, err)
	require.Nil(t, fault)
	assert.Equal(t, float32(90), res.Float32())

	require.NoError(t, s.Detach())
	assert.Equal(t, before, fov.Bytes(), "detach restored the entry bytes")

	res, _, err = rt.CallMethod(fov, 0xc0ffee)
	require.NoError(t, err)
	assert.Equal(t, float32(60), res.Float32())
}

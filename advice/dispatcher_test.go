package advice

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/sig"
)

func prefixEntry(mod string, fn PrefixFunc, binds ...Binding) *Entry {
	return &Entry{Kind: KindPrefix, Mod: mod, Seq: NextSeq(), Bind: binds, Prefix: fn}
}

func postfixEntry(mod string, fn PostfixFunc, binds ...Binding) *Entry {
	return &Entry{Kind: KindPostfix, Mod: mod, Seq: NextSeq(), Bind: binds, Postfix: fn}
}

func finalizerEntry(mod string, fn FinalizerFunc, binds ...Binding) *Entry {
	return &Entry{Kind: KindFinalizer, Mod: mod, Seq: NextSeq(), Bind: binds, Finalizer: fn}
}

func TestRunOrder(t *testing.T) {
	d := NewDispatcher()
	desc := sig.Static(sig.Pointer).Returning(sig.Pointer)

	var trace []string
	l := NewList(
		prefixEntry("a", func(*Args) bool { trace = append(trace, "pre-a"); return true }),
		postfixEntry("b", func(*Args) { trace = append(trace, "post-b") }),
		prefixEntry("c", func(*Args) bool { trace = append(trace, "pre-c"); return true }),
		finalizerEntry("d", func(_ *Args, flt *frame.Fault) *frame.Fault {
			trace = append(trace, "fin-d")
			return flt
		}),
		postfixEntry("e", func(*Args) { trace = append(trace, "post-e") }),
	)

	f := frame.New(desc)
	require.NoError(t, f.SetArgs(frame.PointerValue(1)))
	out := d.Run(l, f, func(*frame.Frame) error {
		trace = append(trace, "original")
		return nil
	})

	assert.True(t, out.OriginalRan)
	assert.False(t, out.Skipped)
	assert.Equal(t, []string{"pre-a", "pre-c", "original", "post-b", "post-e", "fin-d"}, trace)
}

func TestRunPrefixVeto(t *testing.T) {
	d := NewDispatcher()
	desc := sig.Instance().Returning(sig.Pointer)

	var trace []string
	l := NewList(
		prefixEntry("one", func(*Args) bool { trace = append(trace, "one"); return true }),
		prefixEntry("veto", func(*Args) bool { trace = append(trace, "veto"); return false }),
		prefixEntry("never", func(*Args) bool { trace = append(trace, "never"); return true }),
		postfixEntry("post", func(*Args) { trace = append(trace, "post") }),
	)

	f := frame.New(desc)
	f.Instance = 0x1
	out := d.Run(l, f, func(*frame.Frame) error {
		trace = append(trace, "original")
		return nil
	})

	assert.True(t, out.Skipped)
	assert.Equal(t, "veto", out.SkippedBy)
	assert.False(t, out.OriginalRan)
	assert.True(t, f.SkipOriginal)

	// The remaining prefixes and the original stay skipped; the postfix
	// still runs.
	assert.Equal(t, []string{"one", "veto", "post"}, trace)
}

func TestRunPostfixCumulative(t *testing.T) {
	d := NewDispatcher()
	desc := sig.Static().Returning(sig.Pointer)

	l := NewList(
		postfixEntry("add", func(a *Args) { a.SetPointer(0, a.Pointer(0)+10) }, Result()),
		postfixEntry("double", func(a *Args) { a.SetPointer(0, a.Pointer(0)*2) }, Result()),
	)

	f := frame.New(desc)
	d.Run(l, f, func(f *frame.Frame) error {
		f.Result = frame.PointerValue(100)
		return nil
	})

	// (100 + 10) * 2: the second postfix sees the first one's write.
	assert.Equal(t, uintptr(220), f.Result.Pointer())
}

func TestRunFinalizerChain(t *testing.T) {
	d := NewDispatcher()
	desc := sig.Static()

	t.Run("replace then clear", func(t *testing.T) {
		var saw []string
		l := NewList(
			finalizerEntry("wrap", func(_ *Args, flt *frame.Fault) *frame.Fault {
				saw = append(saw, flt.Message)
				return frame.Faultf("wrapped: %s", flt.Message)
			}),
			finalizerEntry("clear", func(_ *Args, flt *frame.Fault) *frame.Fault {
				saw = append(saw, flt.Message)
				return nil
			}),
		)

		f := frame.New(desc)
		d.Run(l, f, func(f *frame.Frame) error {
			f.Fault = frame.Faultf("boom")
			return nil
		})

		assert.Equal(t, []string{"boom", "wrapped: boom"}, saw)
		assert.Nil(t, f.Fault)
	})

	t.Run("keep", func(t *testing.T) {
		l := NewList(
			finalizerEntry("keep", func(_ *Args, flt *frame.Fault) *frame.Fault { return flt }),
		)

		f := frame.New(desc)
		d.Run(l, f, func(f *frame.Frame) error {
			f.Fault = frame.Faultf("standing")
			return nil
		})

		require.NotNil(t, f.Fault)
		assert.Equal(t, "standing", f.Fault.Message)
	})

	t.Run("mint on success", func(t *testing.T) {
		l := NewList(
			finalizerEntry("mint", func(_ *Args, flt *frame.Fault) *frame.Fault {
				assert.Nil(t, flt)
				return frame.Faultf("injected")
			}),
		)

		f := frame.New(desc)
		d.Run(l, f, func(*frame.Frame) error { return nil })

		require.NotNil(t, f.Fault)
		assert.Equal(t, "injected", f.Fault.Message)
	})
}

func TestRunOriginalPanicBecomesFault(t *testing.T) {
	d := NewDispatcher()
	f := frame.New(sig.Static())

	postRan := false
	l := NewList(postfixEntry("post", func(*Args) { postRan = true }))

	out := d.Run(l, f, func(*frame.Frame) error {
		panic("access violation")
	})

	assert.True(t, out.OriginalRan)
	assert.True(t, postRan)
	require.NotNil(t, f.Fault)
	assert.Contains(t, f.Fault.Message, "access violation")
}

func TestRunOriginalErrorBecomesFault(t *testing.T) {
	d := NewDispatcher()
	f := frame.New(sig.Static())

	d.Run(NewList(), f, func(*frame.Frame) error {
		return errors.New("no code at entry")
	})

	require.NotNil(t, f.Fault)
	assert.Contains(t, f.Fault.Message, "no code at entry")
}

func TestRunPrefixPanic(t *testing.T) {
	d := NewDispatcher()
	f := frame.New(sig.Static())

	originalRan := false
	l := NewList(
		prefixEntry("bad", func(*Args) bool { panic("prefix bug") }),
	)

	out := d.Run(l, f, func(*frame.Frame) error {
		originalRan = true
		return nil
	})

	// A panicking prefix vetoes and the panic becomes the frame fault.
	assert.True(t, out.Skipped)
	assert.Equal(t, "bad", out.SkippedBy)
	assert.False(t, originalRan)
	require.NotNil(t, f.Fault)
	assert.Contains(t, f.Fault.Message, "prefix bug")
}

func TestRunPostfixPanicContained(t *testing.T) {
	d := NewDispatcher()
	f := frame.New(sig.Static())

	secondRan := false
	l := NewList(
		postfixEntry("explode", func(*Args) { panic("postfix bug") }),
		postfixEntry("after", func(*Args) { secondRan = true }),
	)

	assert.NotPanics(t, func() { d.Run(l, f, nil) })
	assert.True(t, secondRan)
	require.NotNil(t, f.Fault)
	assert.Contains(t, f.Fault.Message, "postfix bug")
}

func TestRunFinalizerPanicContained(t *testing.T) {
	d := NewDispatcher()
	f := frame.New(sig.Static())

	var second *frame.Fault
	l := NewList(
		finalizerEntry("explode", func(*Args, *frame.Fault) *frame.Fault {
			panic("finalizer bug")
		}),
		finalizerEntry("after", func(_ *Args, flt *frame.Fault) *frame.Fault {
			second = flt
			return flt
		}),
	)

	assert.NotPanics(t, func() { d.Run(l, f, nil) })
	require.NotNil(t, second)
	assert.Contains(t, second.Message, "finalizer bug")
	require.NotNil(t, f.Fault)
}

func TestListAppendImmutable(t *testing.T) {
	e1 := prefixEntry("m1", func(*Args) bool { return true })
	l1 := NewList(e1)
	l2 := l1.Append(prefixEntry("m2", func(*Args) bool { return true }))

	assert.Equal(t, 1, l1.Len())
	assert.Equal(t, 2, l2.Len())
	assert.Equal(t, "m1", l2.Prefixes[0].Mod)
	assert.Equal(t, "m2", l2.Prefixes[1].Mod)
}

// Package stub builds the executable glue between patched native entries and
// Go dispatch code. Stubs come in shape-keyed pairs: a call-out stub carries
// calls out of native code into the dispatcher, a call-through stub carries
// calls from advice back into the original body. Unrelated targets with the
// same call shape share one pair; everything per target lives in a Binding,
// reached through a tiny per-target thunk that is the hook's detour.
package stub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/hook"
	"github.com/modkit-go/modkit/sig"
)

var (
	ErrNotConnected = errors.New("stub not connected")
	ErrNoCaller     = errors.New("no native caller configured")
)

// RunFunc is the per-binding dispatch body. It receives the unpacked call
// frame and leaves its results in it.
type RunFunc func(*frame.Frame)

// Toggle is the view of a hook the dispatch path needs: the lock-free
// enabled flag. *hook.Hook satisfies it.
type Toggle interface {
	Enabled() bool
}

// Cache hands out stub pairs and bindings. Creation is mutex-guarded; the
// dispatch path resolves bindings through an atomic index snapshot.
type Cache struct {
	log    *logger.Logger
	arena  *hook.Arena
	caller frame.Caller

	mu       sync.Mutex
	outs     map[string]*CallOut
	throughs map[string]*CallThrough
	nextID   atomic.Uint64

	bindings atomic.Pointer[bindingIndex]
}

type bindingIndex struct {
	byEntry map[uintptr]*Binding
	byID    map[uint64]*Binding
}

// NewCache builds a cache allocating thunks and entries from arena and
// running call-throughs via caller.
func NewCache(arena *hook.Arena, caller frame.Caller) *Cache {
	c := &Cache{
		log:      logger.NewLogger(coloransi.Color(coloransi.ColorPurple, coloransi.Black, "stubs")),
		arena:    arena,
		caller:   caller,
		outs:     make(map[string]*CallOut),
		throughs: make(map[string]*CallThrough),
	}
	c.bindings.Store(&bindingIndex{
		byEntry: make(map[uintptr]*Binding),
		byID:    make(map[uint64]*Binding),
	})
	return c
}

// CallOut is the shared per-shape entry for calls leaving native code. The
// entry block starts out as a trap sled; executing it without the platform
// glue in place faults immediately instead of running garbage.
type CallOut struct {
	desc      sig.Descriptor
	entry     []byte
	entryAddr uintptr
}

func (co *CallOut) Descriptor() sig.Descriptor { return co.desc }

// Entry returns the shared entry address.
func (co *CallOut) Entry() uintptr { return co.entryAddr }

// CallOut returns the call-out stub for desc, building it on first use.
func (c *Cache) CallOut(desc sig.Descriptor) (*CallOut, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := desc.Key()
	if co, ok := c.outs[key]; ok {
		return co, nil
	}

	if err := c.arena.BeginMutate(); err != nil {
		return nil, fmt.Errorf("call-out %s: %w", key, err)
	}
	defer c.arena.EndMutate()

	block, err := c.arena.Allocate(sledSize)
	if err != nil {
		return nil, fmt.Errorf("call-out %s: %w", key, err)
	}
	fillTrapSled(block)

	co := &CallOut{desc: desc, entry: block, entryAddr: hook.BlockAddr(block)}
	c.outs[key] = co
	c.log.Debugln("Call-out stub for shape", key, "at", fmt.Sprintf("%#x", co.entryAddr))
	return co, nil
}

// CallThrough is the shared per-shape path back into the original body.
// Advice hands it a frame; lane placement stays in the frame package.
type CallThrough struct {
	desc   sig.Descriptor
	caller frame.Caller
}

func (ct *CallThrough) Descriptor() sig.Descriptor { return ct.desc }

// CallThrough returns the call-through stub for desc, building it on first
// use.
func (c *Cache) CallThrough(desc sig.Descriptor) *CallThrough {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := desc.Key()
	if ct, ok := c.throughs[key]; ok {
		return ct
	}
	ct := &CallThrough{desc: desc, caller: c.caller}
	c.throughs[key] = ct
	return ct
}

// Call runs the body behind trampoline with f's instance and arguments,
// placing the return value and any fault back into f.
func (ct *CallThrough) Call(trampoline uintptr, f *frame.Frame) error {
	if ct.caller == nil {
		return ErrNoCaller
	}

	var regs frame.Registers
	if err := frame.PackCall(ct.desc, f, &regs); err != nil {
		return err
	}
	if err := ct.caller.Invoke(trampoline, &regs); err != nil {
		return err
	}
	frame.UnpackReturn(ct.desc, &regs, f)
	return nil
}

type conn struct {
	hook       Toggle
	trampoline uintptr
	run        RunFunc
	trace      func(*frame.Registers)
}

// Binding ties one hooked target to the stub pair for its shape. The thunk
// loads the binding id and transfers to the shared entry, giving shared code
// a per-target identity with no allocation at call time.
type Binding struct {
	id        uint64
	target    uintptr
	desc      sig.Descriptor
	thunk     []byte
	thunkAddr uintptr
	entryAddr uintptr

	conn   atomic.Pointer[conn]
	calls  atomic.Uint64
	frames atomic.Uint64

	cache *Cache
}

func (b *Binding) ID() uint64                 { return b.id }
func (b *Binding) Target() uintptr            { return b.target }
func (b *Binding) Descriptor() sig.Descriptor { return b.desc }

// Detour returns the thunk address, which is what the hook patches the
// target to jump to.
func (b *Binding) Detour() uintptr { return b.thunkAddr }

// SharedEntry returns the per-shape entry the thunk transfers to.
func (b *Binding) SharedEntry() uintptr { return b.entryAddr }

// Calls counts every dispatch, enabled or not.
func (b *Binding) Calls() uint64 { return b.calls.Load() }

// Frames counts only dispatches that built a call frame. A disabled hook
// never moves this counter.
func (b *Binding) Frames() uint64 { return b.frames.Load() }

func (b *Binding) Connected() bool { return b.conn.Load() != nil }

// Bind carves the per-target thunk for co's shape. The returned binding is
// inert until Connect supplies the hook and dispatch body; a call arriving
// before that reports ErrNotConnected.
func (c *Cache) Bind(co *CallOut, target uintptr) (*Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.arena.BeginMutate(); err != nil {
		return nil, fmt.Errorf("bind %#x: %w", target, err)
	}
	defer c.arena.EndMutate()

	block, err := c.arena.Allocate(thunkSize)
	if err != nil {
		return nil, fmt.Errorf("bind %#x: %w", target, err)
	}

	id := c.nextID.Add(1)
	if err := encodeThunk(block, id, co.entryAddr); err != nil {
		c.arena.Free(block)
		return nil, fmt.Errorf("bind %#x: %w", target, err)
	}

	b := &Binding{
		id:        id,
		target:    target,
		desc:      co.desc,
		thunk:     block,
		thunkAddr: hook.BlockAddr(block),
		entryAddr: co.entryAddr,
		cache:     c,
	}
	c.publish(func(ix *bindingIndex) {
		ix.byEntry[b.thunkAddr] = b
		ix.byID[id] = b
	})

	c.log.Debugln("Bound target", fmt.Sprintf("%#x", target), "to stub", id)
	return b, nil
}

// Unbind drops b from the index and frees its thunk. The hook on b's target
// must be removed first; a patched entry jumping into a freed thunk is
// unrecoverable.
func (c *Cache) Unbind(b *Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.publish(func(ix *bindingIndex) {
		delete(ix.byEntry, b.thunkAddr)
		delete(ix.byID, b.id)
	})

	c.arena.BeginMutate()
	c.arena.Free(b.thunk)
	c.arena.EndMutate()

	b.thunk = nil
	b.conn.Store(nil)
}

// publish rebuilds the lock-free binding index. Callers hold c.mu.
func (c *Cache) publish(mutate func(*bindingIndex)) {
	cur := c.bindings.Load()
	next := &bindingIndex{
		byEntry: make(map[uintptr]*Binding, len(cur.byEntry)+1),
		byID:    make(map[uint64]*Binding, len(cur.byID)+1),
	}
	for k, v := range cur.byEntry {
		next.byEntry[k] = v
	}
	for k, v := range cur.byID {
		next.byID[k] = v
	}
	mutate(next)
	c.bindings.Store(next)
}

// BindingAt resolves a thunk address. Lock-free; the platform glue and the
// simulated runtime route arriving calls through it.
func (c *Cache) BindingAt(addr uintptr) (*Binding, bool) {
	b, ok := c.bindings.Load().byEntry[addr]
	return b, ok
}

// BindingByID resolves a binding id. Lock-free.
func (c *Cache) BindingByID(id uint64) (*Binding, bool) {
	b, ok := c.bindings.Load().byID[id]
	return b, ok
}

// Connect arms the binding: hk gates dispatch, trampoline reaches the
// original body, run receives the unpacked frame for every enabled call.
// trace, when non-nil, sees the raw register image before dispatch.
func (b *Binding) Connect(hk Toggle, trampoline uintptr, run RunFunc, trace func(*frame.Registers)) {
	b.conn.Store(&conn{hook: hk, trampoline: trampoline, run: run, trace: trace})
}

// Dispatch services one call that arrived at the binding's thunk. The
// register image is the live call: argument lanes in, return lanes and the
// fault slot out.
func (b *Binding) Dispatch(regs *frame.Registers) error {
	b.calls.Add(1)

	cn := b.conn.Load()
	if cn == nil {
		return fmt.Errorf("stub %d target %#x: %w", b.id, b.target, ErrNotConnected)
	}

	// Disabled hooks forward the untouched register image straight to the
	// original body. No frame is built on this path.
	if !cn.hook.Enabled() {
		if b.cache.caller == nil {
			return fmt.Errorf("stub %d target %#x: %w", b.id, b.target, ErrNoCaller)
		}
		return b.cache.caller.Invoke(cn.trampoline, regs)
	}

	if cn.trace != nil {
		cn.trace(regs)
	}

	b.frames.Add(1)
	f := frame.New(b.desc)
	frame.UnpackCall(b.desc, regs, f)
	cn.run(f)
	frame.PackReturn(b.desc, f, regs)
	return nil
}

// Stats summarizes the cache for diagnostics.
type Stats struct {
	Shapes   int
	Bindings int
	Calls    uint64
	Frames   uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	ix := c.bindings.Load()
	s := Stats{Shapes: len(c.outs), Bindings: len(ix.byEntry)}
	for _, b := range ix.byEntry {
		s.Calls += b.calls.Load()
		s.Frames += b.frames.Load()
	}
	return s
}

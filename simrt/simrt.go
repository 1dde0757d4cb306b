// Package simrt is a simulated host runtime for exercising the interception
// stack without a live game process. It lays out a synthetic module image in
// real executable memory, carves method entries with decodable prologues
// into it, and routes calls the way the hardware would: by following the
// bytes actually installed at an entry. Hooked methods therefore detour for
// real, trampolines genuinely lead back to original bodies, and a
// mis-declared call shape corrupts argument lanes end to end.
package simrt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/modkit-go/modkit/bridge"
	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/hook"
	"github.com/modkit-go/modkit/sig"
)

const (
	methodBodySize = 64
	carveAlign     = 16
)

// Handler is the behavior of a simulated method. It sees the call through
// the same frame type advice does; what it leaves in the frame becomes the
// call's results. A panic is recovered into the frame's fault slot,
// mirroring the host runtime's exception out-parameter.
type Handler func(*frame.Frame)

// Runtime is the simulated world: a module image, classes, and methods. It
// implements bridge.Bridge for metadata and frame.Caller for control
// transfers.
type Runtime struct {
	log   *logger.Logger
	arena *hook.Arena

	module []byte
	base   uintptr

	mu         sync.RWMutex
	used       int
	classes    map[string]*Class
	byClass    map[bridge.Class]*Class
	methods    map[bridge.Method]*Method
	byAddr     map[uintptr]*Method
	nextClass  uintptr
	nextMethod uintptr

	// Wired by Connect before the first call; the dispatch path reads them
	// without locks.
	stubs StubResolver
	hooks HookResolver
}

// StubResolver and HookResolver are the two lookups Invoke needs from the
// interception stack. Declared as single-method views so the runtime stays
// importable from that stack's own tests; the stub cache and the hook
// registry satisfy them through thin adapters (see Connect).
type StubResolver interface {
	BindingAt(addr uintptr) (Dispatcher, bool)
}

// Dispatcher services one call that arrived at a stub thunk.
type Dispatcher interface {
	Dispatch(regs *frame.Registers) error
}

type HookResolver interface {
	TargetOfTrampoline(addr uintptr) (uintptr, bool)
}

// StubResolverFunc adapts a lookup function to StubResolver.
type StubResolverFunc func(addr uintptr) (Dispatcher, bool)

func (fn StubResolverFunc) BindingAt(addr uintptr) (Dispatcher, bool) { return fn(addr) }

// New maps a synthetic module image of moduleSize bytes. The image starts
// out filled with trap instructions; DefineMethod carves entries into it.
func New(moduleSize int) (*Runtime, error) {
	// The arena also feeds the trampolines and thunks carved for hooks on
	// this image, plus allocator headers; map it with room to spare.
	arenaSize := moduleSize*2 + 1<<12

	rt := &Runtime{
		log:     logger.NewLogger(coloransi.Color(coloransi.ColorWhite, coloransi.Black, "simrt")),
		arena:   hook.NewArena(arenaSize),
		classes: make(map[string]*Class),
		byClass: make(map[bridge.Class]*Class),
		methods: make(map[bridge.Method]*Method),
		byAddr:  make(map[uintptr]*Method),
	}

	if err := rt.arena.BeginMutate(); err != nil {
		return nil, fmt.Errorf("simrt: map module image: %w", err)
	}
	module, err := rt.arena.Allocate(moduleSize)
	if err != nil {
		rt.arena.EndMutate()
		return nil, fmt.Errorf("simrt: map module image: %w", err)
	}
	fillTrap(module)
	rt.arena.EndMutate()

	rt.module = module
	rt.base = hook.BlockAddr(module)
	rt.log.Infoln("Module image at", fmt.Sprintf("%#x", rt.base), "size", len(module))
	return rt, nil
}

// Class is a defined type in the simulated module.
type Class struct {
	rt        *Runtime
	handle    bridge.Class
	assembly  string
	namespace string
	name      string
	methods   map[string][]*Method
}

func (c *Class) Name() string { return c.name }

// DefineClass registers a type. Defining the same triple twice returns the
// existing class.
func (rt *Runtime) DefineClass(assembly, namespace, name string) *Class {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	key := assembly + "|" + namespace + "|" + name
	if c, ok := rt.classes[key]; ok {
		return c
	}

	rt.nextClass++
	c := &Class{
		rt:        rt,
		handle:    bridge.Class(rt.nextClass),
		assembly:  assembly,
		namespace: namespace,
		name:      name,
		methods:   make(map[string][]*Method),
	}
	rt.classes[key] = c
	rt.byClass[c.handle] = c
	return c
}

// Method is one carved entry in the module image.
type Method struct {
	rt      *Runtime
	handle  bridge.Method
	cls     *Class
	name    string
	desc    sig.Descriptor
	addr    uintptr
	body    []byte
	handler Handler
	calls   atomic.Uint64
}

func (m *Method) Name() string               { return m.name }
func (m *Method) Address() uintptr           { return m.addr }
func (m *Method) Descriptor() sig.Descriptor { return m.desc }

// RVA returns the method's offset from the module base.
func (m *Method) RVA() uint64 { return uint64(m.addr - m.rt.base) }

// Calls counts handler executions. A skipped original does not move it.
func (m *Method) Calls() uint64 { return m.calls.Load() }

// Bytes returns a copy of the method's entry bytes as they currently are in
// memory, patched or not.
func (m *Method) Bytes() []byte {
	out := make([]byte, len(m.body))
	copy(out, m.body)
	return out
}

// DefineMethod carves an entry into the module image and registers the
// method. The entry gets a real, decodable prologue; the handler supplies
// the behavior when control reaches the body.
func (c *Class) DefineMethod(name string, desc sig.Descriptor, handler Handler) (*Method, error) {
	rt := c.rt

	rt.mu.Lock()
	defer rt.mu.Unlock()

	offset := (rt.used + carveAlign - 1) &^ (carveAlign - 1)
	if offset+methodBodySize > len(rt.module) {
		return nil, errors.New("simrt: module image full")
	}
	body := rt.module[offset : offset+methodBodySize : offset+methodBodySize]
	rt.used = offset + methodBodySize

	if err := rt.arena.BeginMutate(); err != nil {
		return nil, fmt.Errorf("simrt: carve %s.%s: %w", c.name, name, err)
	}
	writeMethodBody(body)
	rt.arena.EndMutate()

	rt.nextMethod++
	m := &Method{
		rt:      rt,
		handle:  bridge.Method(rt.nextMethod),
		cls:     c,
		name:    name,
		desc:    desc,
		addr:    rt.base + uintptr(offset),
		body:    body,
		handler: handler,
	}
	c.methods[name] = append(c.methods[name], m)
	rt.methods[m.handle] = m
	rt.byAddr[m.addr] = m

	rt.log.Debugln("Defined", c.name+"."+name, "at", fmt.Sprintf("%#x", m.addr), "shape", desc.Key())
	return m, nil
}

// MethodAtRVA returns the method carved at base+rva.
func (rt *Runtime) MethodAtRVA(rva uint64) (*Method, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	m, ok := rt.byAddr[rt.base+uintptr(rva)]
	return m, ok
}

// FindClass implements bridge.Bridge.
func (rt *Runtime) FindClass(assembly, namespace, name string) (bridge.Class, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	c, ok := rt.classes[assembly+"|"+namespace+"|"+name]
	if !ok {
		return 0, fmt.Errorf("%s/%s.%s: %w", assembly, namespace, name, bridge.ErrClassNotFound)
	}
	return c.handle, nil
}

// FindMethod implements bridge.Bridge, matching name and declared parameter
// count the way the host runtime's lookup does.
func (rt *Runtime) FindMethod(cls bridge.Class, name string, paramCount int) (bridge.Method, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	c, ok := rt.byClass[cls]
	if !ok {
		return 0, fmt.Errorf("class handle %#x: %w", uintptr(cls), bridge.ErrClassNotFound)
	}
	for _, m := range c.methods[name] {
		if m.desc.NumParams() == paramCount {
			return m.handle, nil
		}
	}
	return 0, fmt.Errorf("%s.%s/%d: %w", c.name, name, paramCount, bridge.ErrMethodNotFound)
}

// DescribeMethod implements bridge.Bridge.
func (rt *Runtime) DescribeMethod(h bridge.Method) (bridge.MethodInfo, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	m, ok := rt.methods[h]
	if !ok {
		return bridge.MethodInfo{}, fmt.Errorf("method handle %#x: %w", uintptr(h), bridge.ErrMethodNotFound)
	}

	info := bridge.MethodInfo{
		Address:    m.addr,
		Name:       m.name,
		ParamCount: m.desc.NumParams(),
		IsStatic:   !m.desc.HasThis(),
		HasReturn:  false,
		ReturnTag:  bridge.TagVoid,
	}
	for i := 0; i < m.desc.NumParams(); i++ {
		info.ParamTags = append(info.ParamTags, sig.TagFor(m.desc.Param(i)))
	}
	if ret, ok := m.desc.Return(); ok {
		info.HasReturn = true
		info.ReturnTag = sig.TagFor(ret)
	}
	return info, nil
}

// ModuleBase implements bridge.Bridge.
func (rt *Runtime) ModuleBase() uintptr { return rt.base }

// Arena exposes the runtime's code arena. Sharing it with the interception
// stack keeps generated thunks and trampolines within branch range of the
// simulated module image on every platform.
func (rt *Runtime) Arena() *hook.Arena { return rt.arena }

// CallMethod is "the game calls this method": it packs the arguments and
// transfers control at the method's entry, so an installed hook is honored.
// It returns the result slot and the fault that crossed back, if any.
func (rt *Runtime) CallMethod(m *Method, instance uintptr, args ...frame.Value) (frame.Value, *frame.Fault, error) {
	if !m.desc.HasThis() && instance != 0 {
		return frame.Value{}, nil, errors.New("simrt: static method takes no instance")
	}

	f := frame.New(m.desc)
	f.Instance = instance
	if err := f.SetArgs(args...); err != nil {
		return frame.Value{}, nil, err
	}

	var regs frame.Registers
	if err := frame.PackCall(m.desc, f, &regs); err != nil {
		return frame.Value{}, nil, err
	}
	if err := rt.Invoke(m.addr, &regs); err != nil {
		return frame.Value{}, nil, err
	}

	out := frame.New(m.desc)
	frame.UnpackReturn(m.desc, &regs, out)
	return out.Result, out.Fault, nil
}

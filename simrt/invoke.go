package simrt

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/hook"
)

// maxFollow bounds how many detour/trampoline transfers one call may take
// before Invoke reports a routing loop instead of spinning.
const maxFollow = 8

var (
	ErrNoCode      = errors.New("simrt: no code at entry")
	ErrRoutingLoop = errors.New("simrt: control transfer loop")
)

// Connect wires the runtime to the interception stack so Invoke can route
// arriving calls: stubs resolves thunk addresses to dispatch bindings, hooks
// maps trampoline addresses back to their hooked targets. Either may be nil
// when that half of the stack is not in play.
func (rt *Runtime) Connect(stubs StubResolver, hooks HookResolver) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.stubs = stubs
	rt.hooks = hooks
}

// Invoke implements frame.Caller: it transfers control to entry with the
// register image in regs, the way the hardware would. Routing follows the
// bytes actually in memory:
//
//   - a stub thunk hands the call to its binding's Dispatch
//   - a trampoline runs the hooked target's original body
//   - a method entry whose bytes carry a patch jump follows the jump; an
//     unpatched entry runs the method body
//
// A hooked method therefore detours for real, and a disabled hook's
// straight-through path reaches the original the same way an enabled one's
// call-through does.
func (rt *Runtime) Invoke(entry uintptr, regs *frame.Registers) error {
	return rt.invoke(entry, regs, 0)
}

func (rt *Runtime) invoke(entry uintptr, regs *frame.Registers, depth int) error {
	if depth >= maxFollow {
		return fmt.Errorf("%w at %#x", ErrRoutingLoop, entry)
	}

	rt.mu.RLock()
	stubs, hooks := rt.stubs, rt.hooks
	rt.mu.RUnlock()

	if stubs != nil {
		if d, ok := stubs.BindingAt(entry); ok {
			return d.Dispatch(regs)
		}
	}
	if hooks != nil {
		if target, ok := hooks.TargetOfTrampoline(entry); ok {
			return rt.runBody(target, regs)
		}
	}

	rt.mu.RLock()
	m := rt.byAddr[entry]
	rt.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("%w: %#x", ErrNoCode, entry)
	}

	view := unsafe.Slice((*byte)(unsafe.Pointer(m.addr)), len(m.body))
	if dest, ok := hook.JumpTarget(view, m.addr); ok {
		return rt.invoke(dest, regs, depth+1)
	}
	return rt.runBody(m.addr, regs)
}

// runBody executes the method carved at addr: arguments come out of the
// register image per the method's true shape, the handler runs, results and
// any fault go back in. A handler panic becomes the call's fault, mirroring
// the host runtime's exception out-parameter.
func (rt *Runtime) runBody(addr uintptr, regs *frame.Registers) error {
	rt.mu.RLock()
	m := rt.byAddr[addr]
	rt.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("%w: trampoline leads to %#x", ErrNoCode, addr)
	}

	m.calls.Add(1)

	f := frame.New(m.desc)
	frame.UnpackCall(m.desc, regs, f)
	rt.runHandler(m, f)
	frame.PackReturn(m.desc, f, regs)
	return nil
}

func (rt *Runtime) runHandler(m *Method, f *frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			f.Fault = frame.FaultFromPanic(r)
			rt.log.Debugln("Handler fault in", m.cls.name+"."+m.name+":", f.Fault.Message)
		}
	}()
	if m.handler != nil {
		m.handler(f)
	}
}

package patch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/modkit-go/modkit/advice"
	"github.com/modkit-go/modkit/bridge"
	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/hook"
	"github.com/modkit-go/modkit/sig"
	"github.com/modkit-go/modkit/stub"
)

// TargetBinding is the installed state for one unique address: one hook, one
// stub binding, and the advice list, republished copy-on-write as mods
// register. The dispatch body reads the list through a single atomic load;
// calls already in flight finish on the snapshot they started with.
type TargetBinding struct {
	addr   uintptr
	desc   sig.Descriptor
	label  string
	handle hook.Handle
	tramp  uintptr

	sb      *stub.Binding
	through *stub.CallThrough
	disp    *advice.Dispatcher

	advice atomic.Pointer[advice.List]
}

func (tb *TargetBinding) Address() uintptr            { return tb.addr }
func (tb *TargetBinding) Handle() hook.Handle         { return tb.handle }
func (tb *TargetBinding) Descriptor() sig.Descriptor  { return tb.desc }
func (tb *TargetBinding) Label() string               { return tb.label }
func (tb *TargetBinding) Trampoline() uintptr         { return tb.tramp }
func (tb *TargetBinding) Stub() *stub.Binding         { return tb.sb }
func (tb *TargetBinding) AdviceCount() int            { return tb.advice.Load().Len() }

// run is the stub dispatch body: snapshot the advice list, drive the state
// machine, reach the original through the call-through stub.
func (tb *TargetBinding) run(f *frame.Frame) {
	tb.disp.Run(tb.advice.Load(), f, tb.callOriginal)
}

func (tb *TargetBinding) callOriginal(f *frame.Frame) error {
	return tb.through.Call(tb.tramp, f)
}

// Registry applies provider declarations. Registration is cold and
// mutex-guarded; nothing here is touched on the dispatch path.
type Registry struct {
	log    *logger.Logger
	bridge bridge.Bridge
	hooks  *hook.Registry
	stubs  *stub.Cache
	disp   *advice.Dispatcher

	mu       sync.Mutex
	bindings map[uintptr]*TargetBinding
}

func NewRegistry(b bridge.Bridge, hooks *hook.Registry, stubs *stub.Cache, disp *advice.Dispatcher) *Registry {
	return &Registry{
		log:      logger.NewLogger(coloransi.Color(coloransi.ColorOrange, coloransi.Black, "patch")),
		bridge:   b,
		hooks:    hooks,
		stubs:    stubs,
		disp:     disp,
		bindings: make(map[uintptr]*TargetBinding),
	}
}

// Register applies every declaration of every provider. A declaration that
// cannot be applied is skipped loudly and never aborts the pass; one mod's
// bad target must not take down another's.
func (r *Registry) Register(providers ...Provider) *Report {
	rep := &Report{}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range providers {
		for _, d := range p.Advice() {
			if err := r.apply(p.Name(), d, rep); err != nil {
				rep.Skipped++
				reason := fmt.Sprintf("%s %s: %v", p.Name(), d.Target, err)
				if d.Note != "" {
					reason += " (" + d.Note + ")"
				}
				rep.Reasons = append(rep.Reasons, reason)
				r.log.Warn("Skipping advice: ", reason)
				continue
			}
			rep.Applied++
		}
	}

	r.log.Infoln("Registration pass:", rep.String())
	return rep
}

func (r *Registry) apply(mod string, d Decl, rep *Report) error {
	addr, desc, label, err := r.resolve(d.Target)
	if err != nil {
		return err
	}

	if err := advice.ValidateBindings(d.Bind, desc); err != nil {
		return err
	}

	e := &advice.Entry{
		Kind:      d.Kind,
		Mod:       mod,
		Name:      d.Name,
		Seq:       advice.NextSeq(),
		Bind:      d.Bind,
		Prefix:    d.Prefix,
		Postfix:   d.Postfix,
		Finalizer: d.Finalizer,
	}
	if err := checkEntryFunc(e); err != nil {
		return err
	}

	tb, ok := r.bindings[addr]
	if !ok {
		tb, err = r.install(addr, desc, label, rep)
		if err != nil {
			return err
		}
		r.bindings[addr] = tb
	} else if !tb.desc.Equal(desc) {
		return fmt.Errorf("shape conflict: target already bound as %s, declared %s", tb.desc, desc)
	}

	tb.advice.Store(tb.advice.Load().Append(e))
	return nil
}

func checkEntryFunc(e *advice.Entry) error {
	set := 0
	if e.Prefix != nil {
		set++
	}
	if e.Postfix != nil {
		set++
	}
	if e.Finalizer != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("declaration must set exactly one advice function, has %d", set)
	}

	switch e.Kind {
	case advice.KindPrefix:
		if e.Prefix == nil {
			return errors.New("prefix advice without a prefix function")
		}
	case advice.KindPostfix:
		if e.Postfix == nil {
			return errors.New("postfix advice without a postfix function")
		}
	case advice.KindFinalizer:
		if e.Finalizer == nil {
			return errors.New("finalizer advice without a finalizer function")
		}
	default:
		return fmt.Errorf("unknown advice kind %v", e.Kind)
	}
	return nil
}

// resolve turns a target recipe into an address, a call shape, and a label.
func (r *Registry) resolve(t Target) (uintptr, sig.Descriptor, string, error) {
	switch t.kind {
	case byName:
		cls, err := r.bridge.FindClass(t.assembly, t.namespace, t.typeName)
		if err != nil {
			return 0, sig.Descriptor{}, "", err
		}
		m, err := r.bridge.FindMethod(cls, t.method, t.params)
		if err != nil {
			return 0, sig.Descriptor{}, "", err
		}
		info, err := r.bridge.DescribeMethod(m)
		if err != nil {
			return 0, sig.Descriptor{}, "", err
		}
		desc, err := sig.FromMethod(info)
		if err != nil {
			return 0, sig.Descriptor{}, "", err
		}
		return info.Address, desc, t.String(), nil

	case byRVA:
		if t.sig == "" {
			return 0, sig.Descriptor{}, "", errors.New("rva target carries no signature string")
		}
		desc, err := sig.Parse(t.sig)
		if err != nil {
			return 0, sig.Descriptor{}, "", err
		}
		base := r.bridge.ModuleBase()
		if base == 0 {
			return 0, sig.Descriptor{}, "", errors.New("module base unknown")
		}
		return base + uintptr(t.rva), desc, t.String(), nil

	case byPointer:
		if t.sig == "" {
			return 0, sig.Descriptor{}, "", errors.New("raw pointer target carries no signature string")
		}
		desc, err := sig.Parse(t.sig)
		if err != nil {
			return 0, sig.Descriptor{}, "", err
		}
		return t.ptr, desc, t.String(), nil
	}
	return 0, sig.Descriptor{}, "", fmt.Errorf("unknown target kind %d", t.kind)
}

// install hooks one address for the first advice that lands on it.
func (r *Registry) install(addr uintptr, desc sig.Descriptor, label string, rep *Report) (*TargetBinding, error) {
	co, err := r.stubs.CallOut(desc)
	if err != nil {
		return nil, err
	}
	sb, err := r.stubs.Bind(co, addr)
	if err != nil {
		return nil, err
	}

	handle, tramp, err := r.hooks.CreateHook(addr, sb.Detour(),
		hook.WithDescription(label), hook.WithSignature(desc))
	if err != nil {
		r.stubs.Unbind(sb)
		return nil, err
	}
	hk, err := r.hooks.Get(handle)
	if err != nil {
		r.stubs.Unbind(sb)
		return nil, err
	}

	tb := &TargetBinding{
		addr:    addr,
		desc:    desc,
		label:   label,
		handle:  handle,
		tramp:   tramp,
		sb:      sb,
		through: r.stubs.CallThrough(desc),
		disp:    r.disp,
	}
	tb.advice.Store(advice.NewList())

	sb.Connect(hk, tramp, tb.run, func(regs *frame.Registers) {
		r.hooks.LogCall(handle, regs)
	})

	rep.Hooks++
	r.log.Infoln("Patched", label, "at", fmt.Sprintf("%#x", addr), "shape", desc.Key())
	return tb, nil
}

// BindingCount reports the number of patched addresses.
func (r *Registry) BindingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bindings)
}

// Binding returns the installed state for addr.
func (r *Registry) Binding(addr uintptr) (*TargetBinding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tb, ok := r.bindings[addr]
	return tb, ok
}

// Bindings returns the installed bindings ordered by address.
func (r *Registry) Bindings() []*TargetBinding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*TargetBinding, 0, len(r.bindings))
	for _, tb := range r.bindings {
		out = append(out, tb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// DetachAll removes every installed hook and clears the bindings. Hooks come
// out before their thunks are freed, so no patched entry ever points at
// freed code.
func (r *Registry) DetachAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for addr, tb := range r.bindings {
		if err := r.hooks.RemoveHook(tb.handle); err != nil {
			errs = append(errs, err)
		}
		r.stubs.Unbind(tb.sb)
		delete(r.bindings, addr)
	}
	return errors.Join(errs...)
}

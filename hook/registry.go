package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/sig"
)

// Sentinel argument values used by the trampoline self-test.
const (
	sentinelGP  uintptr = 0x5afe0000
	sentinelF32         = float32(123.456)
	sentinelF64         = 2718.281828
)

// Registry owns every installed hook. Install, remove, and toggle are
// serialized behind its mutex; that path is cold. The enabled flag of each
// hook is read lock-free on the dispatch path.
type Registry struct {
	log    *logger.Logger
	arena  *Arena
	caller frame.Caller
	base   uintptr

	mu       sync.RWMutex
	hooks    map[Handle]*Hook
	byTarget map[uintptr]Handle
	byTramp  map[uintptr]Handle

	nextID  atomic.Int64
	lastErr atomic.Int64
	debug   atomic.Bool
}

// NewRegistry builds a registry allocating code from arena. caller performs
// synthetic calls for ValidateTrampoline and may be nil. moduleBase anchors
// RVA hooking and may be zero when unknown.
func NewRegistry(arena *Arena, caller frame.Caller, moduleBase uintptr) *Registry {
	return &Registry{
		log:      logger.NewLogger(coloransi.Color(coloransi.ColorTeal, coloransi.Black, "hooks")),
		arena:    arena,
		caller:   caller,
		base:     moduleBase,
		hooks:    make(map[Handle]*Hook),
		byTarget: make(map[uintptr]Handle),
		byTramp:  make(map[uintptr]Handle),
	}
}

func (r *Registry) fail(code Code, err error) (Handle, uintptr, error) {
	r.lastErr.Store(int64(code))
	return Handle(-int64(code)), 0, err
}

// CreateHook patches target's entry with a jump to detour and returns the
// handle plus the trampoline address through which the original can still be
// called. The new hook starts enabled. On failure nothing is left installed
// and the returned handle carries the negated error code.
func (r *Registry) CreateHook(target, detour uintptr, opts ...Option) (Handle, uintptr, error) {
	r.lastErr.Store(int64(CodeOK))

	if target == 0 || detour == 0 {
		return r.fail(CodeNullArgument, fmt.Errorf("create hook: %w", ErrNullArgument))
	}
	// The prologue decode below reads up to maxPrologue bytes, so the
	// whole window must be mapped, not just the patch site.
	if err := probeExecutable(target, maxPrologue); err != nil {
		return r.fail(CodeNotExecutable, fmt.Errorf("create hook %#x: %w", target, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byTarget[target]; ok {
		return r.fail(CodeAlreadyHooked, fmt.Errorf("create hook %#x: %w (handle %d)", target, ErrAlreadyHooked, prev))
	}

	// Size the patch on whole instructions so the jump never splits one.
	entryView := unsafe.Slice((*byte)(unsafe.Pointer(target)), maxPrologue)
	patchLen, err := prologueLength(entryView)
	if err != nil {
		return r.fail(CodeDecodeFailed, fmt.Errorf("create hook %#x: %w", target, err))
	}

	h := &Hook{
		target:   target,
		detour:   detour,
		patchLen: patchLen,
		saved:    append([]byte(nil), entryView[:patchLen]...),
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := r.buildTrampoline(h, entryView[:patchLen]); err != nil {
		return r.fail(CodeRelocateFailed, fmt.Errorf("create hook %#x: %w", target, err))
	}

	// Patch the entry last; nothing is published until this succeeds.
	patchView := entryView[:patchLen:patchLen]
	if err := mprotect(patchView, mprotectRWX); err != nil {
		r.dropTrampoline(h)
		return r.fail(CodeProtectFailed, fmt.Errorf("create hook %#x: unprotect entry: %w", target, err))
	}
	jumpErr := EncodeJump(patchView, detour)
	if err := mprotect(patchView, mprotectRX); err != nil {
		r.log.Warn("Failed to reseal entry page: ", err)
	}
	cacheflush(patchView)
	if jumpErr != nil {
		r.dropTrampoline(h)
		return r.fail(CodeRangeExceeded, fmt.Errorf("create hook %#x: %w", target, jumpErr))
	}

	h.handle = Handle(r.nextID.Add(1))
	h.enabled.Store(true)
	r.hooks[h.handle] = h
	r.byTarget[h.target] = h.handle
	r.byTramp[h.trampoline] = h.handle

	r.log.Infoln("Installed", h.String())

	return h.handle, h.trampoline, nil
}

// CreateHookByRVA hooks moduleBase+rva. This is the documented fallback when
// symbolic names are obfuscated: beyond the mapped-executable probe there is
// no way to tell a real function entry from the middle of one, so a wrong
// RVA surfaces as corrupted control flow at call time, not here.
func (r *Registry) CreateHookByRVA(rva uint64, detour uintptr, opts ...Option) (Handle, uintptr, error) {
	if r.base == 0 {
		return r.fail(CodeNoModuleBase, fmt.Errorf("create hook by rva %#x: %w", rva, ErrNoModuleBase))
	}
	return r.CreateHook(r.base+uintptr(rva), detour, opts...)
}

// CreateHookByPointer hooks a raw address. Same contract as CreateHook.
func (r *Registry) CreateHookByPointer(target, detour uintptr, opts ...Option) (Handle, uintptr, error) {
	return r.CreateHook(target, detour, opts...)
}

// buildTrampoline fills h.tramp with the relocated prologue followed by a
// jump back to the first unpatched instruction.
func (r *Registry) buildTrampoline(h *Hook, prologue []byte) error {
	if err := r.arena.BeginMutate(); err != nil {
		return fmt.Errorf("trampoline arena: %w", err)
	}
	defer r.arena.EndMutate()

	block, err := r.arena.Allocate(len(prologue) + jumpLen + 16)
	if err != nil {
		return fmt.Errorf("trampoline arena: %w", err)
	}

	code, err := relocate(prologue, block)
	if err != nil {
		r.arena.Free(block)
		return err
	}

	if err := EncodeJump(block[len(code):], h.target+uintptr(h.patchLen)); err != nil {
		r.arena.Free(block)
		return err
	}
	cacheflush(block)

	h.tramp = block
	h.trampoline = BlockAddr(block)
	return nil
}

func (r *Registry) dropTrampoline(h *Hook) {
	if h.tramp == nil {
		return
	}
	r.arena.BeginMutate()
	r.arena.Free(h.tramp)
	r.arena.EndMutate()
	h.tramp = nil
	h.trampoline = 0
}

// Get returns the hook for a handle.
func (r *Registry) Get(h Handle) (*Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hk, ok := r.hooks[h]
	if !ok {
		return nil, fmt.Errorf("hook %d: %w", h, ErrBadHandle)
	}
	return hk, nil
}

// SetEnabled toggles the dispatch fast path. The hook's addresses never
// change; a disabled hook's detour forwards straight to the trampoline.
func (r *Registry) SetEnabled(h Handle, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hk, ok := r.hooks[h]
	if !ok {
		r.lastErr.Store(int64(CodeBadHandle))
		return fmt.Errorf("set enabled %d: %w", h, ErrBadHandle)
	}
	hk.enabled.Store(enabled)
	r.log.Infoln("Hook", h, "enabled:", enabled)
	return nil
}

// Enabled reports the flag; false for unknown handles.
func (r *Registry) Enabled(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hk, ok := r.hooks[h]
	return ok && hk.enabled.Load()
}

// RemoveHook restores the saved bytes and frees the trampoline. The handle
// is permanently invalid afterwards; ids are never reused.
func (r *Registry) RemoveHook(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(h)
}

func (r *Registry) removeLocked(h Handle) error {
	hk, ok := r.hooks[h]
	if !ok {
		r.lastErr.Store(int64(CodeBadHandle))
		return fmt.Errorf("remove hook %d: %w", h, ErrBadHandle)
	}

	patchView := unsafe.Slice((*byte)(unsafe.Pointer(hk.target)), hk.patchLen)
	if err := mprotect(patchView, mprotectRWX); err != nil {
		r.lastErr.Store(int64(CodeProtectFailed))
		return fmt.Errorf("remove hook %d: unprotect entry: %w", h, err)
	}
	copy(patchView, hk.saved)
	if err := mprotect(patchView, mprotectRX); err != nil {
		r.log.Warn("Failed to reseal entry page: ", err)
	}
	cacheflush(patchView)

	trampoline := hk.trampoline
	r.dropTrampoline(hk)
	hk.enabled.Store(false)

	delete(r.hooks, h)
	delete(r.byTarget, hk.target)
	delete(r.byTramp, trampoline)

	r.log.Infoln("Removed hook", h, "target", fmt.Sprintf("%#x", hk.target))
	return nil
}

// RemoveAll removes every hook, keeping going past individual failures.
func (r *Registry) RemoveAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]Handle, 0, len(r.hooks))
	for h := range r.hooks {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	var errs []error
	for _, h := range handles {
		if err := r.removeLocked(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count reports the number of installed hooks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Snapshot returns the installed hooks ordered by handle.
func (r *Registry) Snapshot() []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Hook, 0, len(r.hooks))
	for _, hk := range r.hooks {
		out = append(out, hk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// TargetOfTrampoline maps a trampoline address back to its hook's target.
// Call connectors use it to route trampoline entries to original bodies.
func (r *Registry) TargetOfTrampoline(addr uintptr) (uintptr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byTramp[addr]
	if !ok {
		return 0, false
	}
	return r.hooks[h].target, true
}

// LastError returns the code of the most recent failed operation, CodeOK
// after a success.
func (r *Registry) LastError() Code {
	return Code(r.lastErr.Load())
}

// SetDebug toggles per-call tracing and dump disassembly.
func (r *Registry) SetDebug(enabled bool) { r.debug.Store(enabled) }

func (r *Registry) DebugEnabled() bool { return r.debug.Load() }

// LogCall traces one dispatched call when debug is enabled. The dispatch
// path calls this before running advice.
func (r *Registry) LogCall(h Handle, regs *frame.Registers) {
	if !r.debug.Load() {
		return
	}

	r.mu.RLock()
	hk := r.hooks[h]
	r.mu.RUnlock()
	if hk == nil {
		return
	}

	label := hk.desc
	if label == "" {
		label = fmt.Sprintf("%#x", hk.target)
	}
	r.log.Debugln("call", hk.handle, label,
		"gp0", fmt.Sprintf("%#x", regs.GP[0]),
		"gp1", fmt.Sprintf("%#x", regs.GP[1]),
		"fp0", fmt.Sprintf("%#x", regs.FP[0]))
}

// ValidateTrampoline is the opt-in self-test for a hook's call shape. A
// mis-declared descriptor corrupts arguments silently instead of crashing,
// so this checks the declared shape against the shape the hook was built
// with, then packs sentinel values for the declared shape and exercises the
// trampoline with a synthetic call.
func (r *Registry) ValidateTrampoline(trampoline uintptr, declared sig.Descriptor) error {
	r.lastErr.Store(int64(CodeOK))

	r.mu.RLock()
	var hk *Hook
	if h, ok := r.byTramp[trampoline]; ok {
		hk = r.hooks[h]
	}
	r.mu.RUnlock()

	if hk == nil {
		r.lastErr.Store(int64(CodeValidateFailed))
		return fmt.Errorf("validate trampoline %#x: %w", trampoline, ErrBadHandle)
	}
	if hk.hasSig && !hk.sig.Equal(declared) {
		r.lastErr.Store(int64(CodeValidateFailed))
		return fmt.Errorf("validate trampoline %#x: %w: built for %q, declared %q",
			trampoline, ErrSignatureMismatch, hk.sig, declared)
	}
	if r.caller == nil {
		r.lastErr.Store(int64(CodeNoCaller))
		return fmt.Errorf("validate trampoline %#x: %w", trampoline, ErrNoCaller)
	}

	f := frame.New(declared)
	if declared.HasThis() {
		f.Instance = sentinelGP
	}
	for i := 0; i < declared.NumParams(); i++ {
		switch declared.Param(i) {
		case sig.Float32:
			f.Args[i] = frame.Float32Value(sentinelF32)
		case sig.Float64:
			f.Args[i] = frame.Float64Value(sentinelF64)
		default:
			f.Args[i] = frame.PointerValue(sentinelGP + uintptr(i) + 1)
		}
	}

	var regs frame.Registers
	if err := frame.PackCall(declared, f, &regs); err != nil {
		r.lastErr.Store(int64(CodeValidateFailed))
		return fmt.Errorf("validate trampoline %#x: %w", trampoline, err)
	}
	if err := r.caller.Invoke(trampoline, &regs); err != nil {
		r.lastErr.Store(int64(CodeValidateFailed))
		return fmt.Errorf("validate trampoline %#x: synthetic call: %w", trampoline, err)
	}
	if regs.Fault != nil {
		r.lastErr.Store(int64(CodeValidateFailed))
		return fmt.Errorf("validate trampoline %#x: synthetic call faulted: %v", trampoline, regs.Fault)
	}

	r.log.Infoln("Trampoline", fmt.Sprintf("%#x", trampoline), "validated for", declared.Key())
	return nil
}

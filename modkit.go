package modkit

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/modkit-go/modkit/advice"
	"github.com/modkit-go/modkit/bridge"
	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/hook"
	"github.com/modkit-go/modkit/patch"
	"github.com/modkit-go/modkit/stub"
)

// DefaultArenaSize is the code arena mapping used when no option overrides
// it. Trampolines and thunks are small; a megabyte covers thousands of
// hooks.
const DefaultArenaSize = 1 << 20

var (
	ErrAttached    = errors.New("modkit: already attached")
	ErrNotAttached = errors.New("modkit: not attached")
	ErrNoBridge    = errors.New("modkit: no bridge configured")
)

type config struct {
	bridge    bridge.Bridge
	caller    frame.Caller
	arena     *hook.Arena
	arenaSize int
	debug     bool
}

// Option adjusts Attach.
type Option func(*config)

// WithBridge supplies the runtime services used to resolve targets and
// metadata. Required.
func WithBridge(b bridge.Bridge) Option {
	return func(c *config) { c.bridge = b }
}

// WithCaller supplies the native control-transfer glue used by
// call-throughs and the trampoline self-test. Without one, hooks still
// install and remove but nothing can reach an original body.
func WithCaller(cl frame.Caller) Option {
	return func(c *config) { c.caller = cl }
}

// WithArena reuses an existing code arena instead of mapping a new one.
// Sharing the arena that holds the target code keeps generated jumps within
// branch range.
func WithArena(a *hook.Arena) Option {
	return func(c *config) { c.arena = a }
}

// WithArenaSize sets the mapping size for a freshly created arena.
func WithArenaSize(n int) Option {
	return func(c *config) { c.arenaSize = n }
}

// WithDebug starts the hook registry with per-call tracing and dump
// disassembly on.
func WithDebug(enabled bool) Option {
	return func(c *config) { c.debug = enabled }
}

// System is the attached interception stack.
type System struct {
	log     *logger.Logger
	bridge  bridge.Bridge
	arena   *hook.Arena
	hooks   *hook.Registry
	stubs   *stub.Cache
	disp    *advice.Dispatcher
	patches *patch.Registry
}

var (
	attachMu sync.Mutex
	attached *System
)

// Attach constructs the interception stack and claims the process slot.
// A second Attach without an intervening Detach fails.
func Attach(opts ...Option) (*System, error) {
	attachMu.Lock()
	defer attachMu.Unlock()

	if attached != nil {
		return nil, ErrAttached
	}

	cfg := config{arenaSize: DefaultArenaSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bridge == nil {
		return nil, ErrNoBridge
	}

	arena := cfg.arena
	if arena == nil {
		arena = hook.NewArena(cfg.arenaSize)
	}

	hooks := hook.NewRegistry(arena, cfg.caller, cfg.bridge.ModuleBase())
	hooks.SetDebug(cfg.debug)
	stubs := stub.NewCache(arena, cfg.caller)
	disp := advice.NewDispatcher()

	s := &System{
		log:     logger.NewLogger(coloransi.Color(coloransi.Cyan, coloransi.Black, "modkit")),
		bridge:  cfg.bridge,
		arena:   arena,
		hooks:   hooks,
		stubs:   stubs,
		disp:    disp,
		patches: patch.NewRegistry(cfg.bridge, hooks, stubs, disp),
	}
	s.logAttachBanner()

	attached = s
	return s, nil
}

func (s *System) logAttachBanner() {
	pid := os.Getpid()
	line := fmt.Sprintf("attached pid %d", pid)
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if name, err := p.Name(); err == nil {
			line += " " + name
		}
		if exe, err := p.Exe(); err == nil {
			line += " exe " + exe
		}
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			line += fmt.Sprintf(" rss %d KiB", mi.RSS/1024)
		}
	}
	if base := s.bridge.ModuleBase(); base != 0 {
		line += fmt.Sprintf(" module base %#x", base)
	}
	s.log.Infoln(line)
}

func (s *System) Hooks() *hook.Registry          { return s.hooks }
func (s *System) Stubs() *stub.Cache             { return s.stubs }
func (s *System) Patches() *patch.Registry       { return s.patches }
func (s *System) Bridge() bridge.Bridge          { return s.bridge }
func (s *System) Arena() *hook.Arena             { return s.arena }
func (s *System) Dispatcher() *advice.Dispatcher { return s.disp }

// Register applies the providers' declarations through the patch registry.
func (s *System) Register(providers ...patch.Provider) *patch.Report {
	return s.patches.Register(providers...)
}

// Detach tears the stack down: patches come out first so no patched entry
// is left pointing at a freed thunk, then any hooks installed directly
// through the registry. The process slot is released even when individual
// removals fail; those failures are reported.
func (s *System) Detach() error {
	attachMu.Lock()
	defer attachMu.Unlock()

	if attached != s {
		return ErrNotAttached
	}

	err := errors.Join(s.patches.DetachAll(), s.hooks.RemoveAll())
	attached = nil
	s.log.Infoln("detached")
	return err
}

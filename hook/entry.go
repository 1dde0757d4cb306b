package hook

import (
	"fmt"
	"sync/atomic"

	"github.com/modkit-go/modkit/sig"
)

// Hook is one installed detour. Address fields are fixed for the life of the
// hook; only the enabled flag changes, and it is read lock-free on the
// dispatch path.
type Hook struct {
	handle     Handle
	target     uintptr
	detour     uintptr
	trampoline uintptr

	tramp    []byte // arena block backing the trampoline
	saved    []byte // original target bytes, restored on remove
	patchLen int

	enabled atomic.Bool

	desc   string
	sig    sig.Descriptor
	hasSig bool
}

func (h *Hook) Handle() Handle      { return h.handle }
func (h *Hook) Target() uintptr     { return h.target }
func (h *Hook) Detour() uintptr     { return h.detour }
func (h *Hook) Trampoline() uintptr { return h.trampoline }
func (h *Hook) Description() string { return h.desc }
func (h *Hook) PatchLen() int       { return h.patchLen }

// Enabled is safe to call from the dispatch path.
func (h *Hook) Enabled() bool { return h.enabled.Load() }

// Signature returns the call shape recorded at create time, if any.
func (h *Hook) Signature() (sig.Descriptor, bool) { return h.sig, h.hasSig }

// SavedBytes returns a copy of the original target bytes.
func (h *Hook) SavedBytes() []byte {
	out := make([]byte, len(h.saved))
	copy(out, h.saved)
	return out
}

func (h *Hook) String() string {
	state := "disabled"
	if h.Enabled() {
		state = "enabled"
	}
	label := h.desc
	if label == "" {
		label = "-"
	}
	return fmt.Sprintf("hook %d target=%#x detour=%#x trampoline=%#x %s %s",
		h.handle, h.target, h.detour, h.trampoline, state, label)
}

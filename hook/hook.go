// Package hook installs, removes, and toggles native detours. A hook
// overwrites the first instructions of a target function with a jump to a
// detour and keeps a trampoline
// (the relocated original prologue followed by a jump back) through which
// the original can still be called. All code blocks live in a protected
// executable arena owned by the registry.
package hook

import (
	"errors"
	"fmt"

	"github.com/modkit-go/modkit/sig"
)

// Code is the numeric error class kept for the last-error debug surface.
// Ranges: 1-99 lifecycle, 100-199 arguments, 200-299 resolution, 300-399
// hook operations, 400-499 memory.
type Code int

const (
	CodeOK Code = 0

	CodeNotAttached Code = 1

	CodeNullArgument Code = 100
	CodeBadSignature Code = 101

	CodeNoModuleBase Code = 200

	CodeCreateFailed   Code = 300
	CodeAlreadyHooked  Code = 301
	CodeBadHandle      Code = 302
	CodeValidateFailed Code = 303
	CodeNoCaller       Code = 304

	CodeNotExecutable  Code = 400
	CodeProtectFailed  Code = 401
	CodeArenaFailed    Code = 402
	CodeDecodeFailed   Code = 403
	CodeRelocateFailed Code = 404
	CodeRangeExceeded  Code = 405
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotAttached:
		return "not attached"
	case CodeNullArgument:
		return "null argument"
	case CodeBadSignature:
		return "bad signature"
	case CodeNoModuleBase:
		return "module base unknown"
	case CodeCreateFailed:
		return "create failed"
	case CodeAlreadyHooked:
		return "already hooked"
	case CodeBadHandle:
		return "bad handle"
	case CodeValidateFailed:
		return "validate failed"
	case CodeNoCaller:
		return "no caller"
	case CodeNotExecutable:
		return "not executable"
	case CodeProtectFailed:
		return "protect failed"
	case CodeArenaFailed:
		return "arena failed"
	case CodeDecodeFailed:
		return "decode failed"
	case CodeRelocateFailed:
		return "relocate failed"
	case CodeRangeExceeded:
		return "range exceeded"
	}
	return fmt.Sprintf("code %d", int(c))
}

var (
	ErrNullArgument      = errors.New("null argument")
	ErrAlreadyHooked     = errors.New("target already hooked")
	ErrNotExecutable     = errors.New("target is not mapped executable")
	ErrBadHandle         = errors.New("invalid hook handle")
	ErrNoCaller          = errors.New("no native caller configured")
	ErrNoModuleBase      = errors.New("module base unknown")
	ErrSignatureMismatch = errors.New("signature does not match hook")
)

// Handle identifies one installed hook. Handles are positive, monotonic, and
// never reused. A failed create returns the negated error code as the
// handle, so callers that only check the sign still see the class of
// failure.
type Handle int64

func (h Handle) Valid() bool { return h > 0 }

// Code recovers the error class from a failed create's handle.
func (h Handle) Code() Code {
	if h >= 0 {
		return CodeOK
	}
	return Code(-h)
}

// Option adjusts a hook at create time.
type Option func(*Hook)

// WithDescription attaches a human-readable label shown in the debug dump.
func WithDescription(s string) Option {
	return func(h *Hook) { h.desc = s }
}

// WithSignature records the call shape the hook was built for. The recorded
// shape is what ValidateTrampoline checks a declared shape against.
func WithSignature(d sig.Descriptor) Option {
	return func(h *Hook) {
		h.sig = d
		h.hasSig = true
	}
}

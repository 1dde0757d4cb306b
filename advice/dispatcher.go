package advice

import (
	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"

	"github.com/modkit-go/modkit/frame"
)

// Dispatcher runs the advice around one native call. It owns the fault
// policy at this boundary: nothing an advice function does, panics included,
// unwinds into native code. Faults travel in the frame as values.
type Dispatcher struct {
	log *logger.Logger
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		log: logger.NewLogger(coloransi.Color(coloransi.ColorLimeGreen, coloransi.Black, "advice")),
	}
}

// Outcome reports what one dispatch did.
type Outcome struct {
	// Skipped is set when a prefix vetoed the original.
	Skipped   bool
	SkippedBy string

	OriginalRan bool
}

// Run drives the dispatch order over f:
//
//  1. prefixes in Seq order; the first veto stops the remaining prefixes
//     and the original
//  2. the original, unless vetoed; a fault it raises lands in the frame
//  3. postfixes in Seq order, always; each sees its predecessors' writes
//  4. finalizers in Seq order, always, exactly once each, threading the
//     standing fault
//
// original runs the callee behind the hook; its error return covers call
// mechanics, not callee faults.
func (d *Dispatcher) Run(l *List, f *frame.Frame, original func(*frame.Frame) error) Outcome {
	var out Outcome

	for _, e := range l.Prefixes {
		if !d.runPrefix(e, f) {
			f.SkipOriginal = true
			out.Skipped = true
			out.SkippedBy = e.Label()
			break
		}
	}

	if !f.SkipOriginal {
		d.runOriginal(f, original)
		out.OriginalRan = true
	}

	for _, e := range l.Postfixes {
		d.runPostfix(e, f)
	}

	for _, e := range l.Finalizers {
		f.Fault = d.runFinalizer(e, f, f.Fault)
	}

	return out
}

// runPrefix reports whether dispatch proceeds. A panicking prefix records a
// fault and vetoes.
func (d *Dispatcher) runPrefix(e *Entry, f *frame.Frame) (proceed bool) {
	defer func() {
		if r := recover(); r != nil {
			flt := frame.FaultFromPanic(r)
			d.log.Warn("Prefix panic in ", e.Label(), ": ", flt.Message)
			f.Fault = flt
			proceed = false
		}
	}()
	return e.Prefix(&Args{frame: f, binds: e.Bind})
}

func (d *Dispatcher) runOriginal(f *frame.Frame, original func(*frame.Frame) error) {
	defer func() {
		if r := recover(); r != nil {
			f.Fault = frame.FaultFromPanic(r)
		}
	}()

	if original == nil {
		return
	}
	if err := original(f); err != nil {
		f.Fault = frame.Faultf("original call failed: %v", err)
	}
}

// runPostfix records a panic as the standing fault and moves on; the
// remaining postfixes still run.
func (d *Dispatcher) runPostfix(e *Entry, f *frame.Frame) {
	defer func() {
		if r := recover(); r != nil {
			flt := frame.FaultFromPanic(r)
			d.log.Warn("Postfix panic in ", e.Label(), ": ", flt.Message)
			f.Fault = flt
		}
	}()
	e.Postfix(&Args{frame: f, binds: e.Bind})
}

// runFinalizer returns the fault that stands after e. A panicking finalizer
// is a framework-level failure: it is logged and its panic becomes the
// standing fault, but it never unwinds further.
func (d *Dispatcher) runFinalizer(e *Entry, f *frame.Frame, cur *frame.Fault) (next *frame.Fault) {
	defer func() {
		if r := recover(); r != nil {
			flt := frame.FaultFromPanic(r)
			d.log.Warn("Finalizer panic in ", e.Label(), " (framework fault): ", flt.Message)
			next = flt
		}
	}()
	return e.Finalizer(&Args{frame: f, binds: e.Bind}, cur)
}

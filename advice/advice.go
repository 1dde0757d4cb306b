// Package advice defines the units of interception behavior and the
// dispatcher that runs them around a native call. An advice function never
// sees registers or metadata: it receives a bound view of the call frame,
// declared slot by slot when the advice is registered. There is no
// reflection and no parameter-name sniffing; a binding that does not match
// the target's shape is rejected at registration, and a bound accessor used
// with the wrong class panics.
package advice

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/modkit-go/modkit/frame"
	"github.com/modkit-go/modkit/sig"
)

// Kind places an advice in the dispatch order.
type Kind uint8

const (
	// KindPrefix runs before the original and may veto it.
	KindPrefix Kind = iota
	// KindPostfix runs after the original, cumulative with earlier
	// postfixes.
	KindPostfix
	// KindFinalizer runs last and owns the standing fault.
	KindFinalizer
)

func (k Kind) String() string {
	switch k {
	case KindPrefix:
		return "prefix"
	case KindPostfix:
		return "postfix"
	case KindFinalizer:
		return "finalizer"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Slot names the part of the frame a binding addresses.
type Slot uint8

const (
	SlotInstance Slot = iota
	SlotArg
	SlotResult
)

// Binding declares one value an advice function receives: a frame slot,
// plus the argument index when the slot is SlotArg.
type Binding struct {
	Slot Slot
	Arg  int
}

// Instance binds the instance pointer.
func Instance() Binding { return Binding{Slot: SlotInstance} }

// Arg binds the i-th declared argument.
func Arg(i int) Binding { return Binding{Slot: SlotArg, Arg: i} }

// Result binds the return slot.
func Result() Binding { return Binding{Slot: SlotResult} }

// ValidateBindings checks every binding against the call shape it will be
// dispatched over.
func ValidateBindings(binds []Binding, d sig.Descriptor) error {
	for i, b := range binds {
		switch b.Slot {
		case SlotInstance:
			if !d.HasThis() {
				return fmt.Errorf("binding %d: instance slot on a static call", i)
			}
		case SlotArg:
			if b.Arg < 0 || b.Arg >= d.NumParams() {
				return fmt.Errorf("binding %d: argument %d out of range, shape %s has %d",
					i, b.Arg, d.Key(), d.NumParams())
			}
		case SlotResult:
			if _, ok := d.Return(); !ok {
				return fmt.Errorf("binding %d: result slot on a void call", i)
			}
		default:
			return fmt.Errorf("binding %d: unknown slot %d", i, b.Slot)
		}
	}
	return nil
}

// PrefixFunc runs before the original. Returning false vetoes the call: the
// remaining prefixes and the original are skipped, postfixes and finalizers
// still run.
type PrefixFunc func(*Args) bool

// PostfixFunc runs after the original, seeing the result left by the
// original or by earlier postfixes.
type PostfixFunc func(*Args)

// FinalizerFunc observes the standing fault and decides what stands next:
// returning what it was given keeps the fault, returning another replaces
// it, returning nil clears it.
type FinalizerFunc func(*Args, *frame.Fault) *frame.Fault

// Entry is one registered advice: identity, dispatch order, bindings, and
// the function for its kind.
type Entry struct {
	Kind Kind
	Mod  string
	Name string
	Seq  uint64
	Bind []Binding

	Prefix    PrefixFunc
	Postfix   PostfixFunc
	Finalizer FinalizerFunc
}

// Label identifies the entry in logs and outcomes.
func (e *Entry) Label() string {
	if e.Name == "" {
		return e.Mod
	}
	return e.Mod + "." + e.Name
}

var seqCounter atomic.Uint64

// NextSeq issues process-wide advice sequence numbers. Within a kind,
// dispatch order is issue order.
func NextSeq() uint64 { return seqCounter.Add(1) }

// List is an immutable dispatch plan: entries grouped by kind, each group in
// Seq order. Registration publishes a new List; calls already in flight keep
// the one they started with.
type List struct {
	Prefixes   []*Entry
	Postfixes  []*Entry
	Finalizers []*Entry
}

// NewList groups and orders entries into a List.
func NewList(entries ...*Entry) *List {
	l := &List{}
	for _, e := range entries {
		switch e.Kind {
		case KindPrefix:
			l.Prefixes = append(l.Prefixes, e)
		case KindPostfix:
			l.Postfixes = append(l.Postfixes, e)
		case KindFinalizer:
			l.Finalizers = append(l.Finalizers, e)
		}
	}
	bySeq := func(es []*Entry) {
		sort.Slice(es, func(i, j int) bool { return es[i].Seq < es[j].Seq })
	}
	bySeq(l.Prefixes)
	bySeq(l.Postfixes)
	bySeq(l.Finalizers)
	return l
}

// Append derives a new List with e added. The receiver is not modified.
func (l *List) Append(e *Entry) *List {
	all := make([]*Entry, 0, l.Len()+1)
	all = append(all, l.Prefixes...)
	all = append(all, l.Postfixes...)
	all = append(all, l.Finalizers...)
	all = append(all, e)
	return NewList(all...)
}

func (l *List) Len() int {
	return len(l.Prefixes) + len(l.Postfixes) + len(l.Finalizers)
}

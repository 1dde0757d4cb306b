// Package patch turns declared advice into installed hooks. Providers
// declare what to intercept and with which advice; the registry resolves
// targets through the bridge, installs at most one hook per unique address,
// and maintains the per-target advice lists the dispatcher runs. Nothing is
// discovered by scanning: a mod states every target and every binding.
package patch

import (
	"fmt"

	"github.com/modkit-go/modkit/advice"
)

type targetKind uint8

const (
	byName targetKind = iota
	byRVA
	byPointer
)

// Target names a method to intercept. Name targets resolve through runtime
// metadata. RVA and pointer targets are the escape hatch for obfuscated
// binaries; they carry their call shape as a signature string because no
// metadata exists to derive it from.
type Target struct {
	kind targetKind

	assembly  string
	namespace string
	typeName  string
	method    string
	params    int

	rva uint64
	ptr uintptr
	sig string
}

// ByName targets a method through metadata: assembly, namespace, type,
// method name, and declared parameter count.
func ByName(assembly, namespace, typeName, method string, paramCount int) Target {
	return Target{
		kind:      byName,
		assembly:  assembly,
		namespace: namespace,
		typeName:  typeName,
		method:    method,
		params:    paramCount,
	}
}

// ByRVA targets module base + rva with an explicit signature string (see
// sig.Parse).
func ByRVA(rva uint64, signature string) Target {
	return Target{kind: byRVA, rva: rva, sig: signature}
}

// ByPointer targets an absolute address with an explicit signature string.
func ByPointer(ptr uintptr, signature string) Target {
	return Target{kind: byPointer, ptr: ptr, sig: signature}
}

func (t Target) String() string {
	switch t.kind {
	case byName:
		qualified := t.typeName
		if t.namespace != "" {
			qualified = t.namespace + "." + t.typeName
		}
		return fmt.Sprintf("%s:%s.%s/%d", t.assembly, qualified, t.method, t.params)
	case byRVA:
		return fmt.Sprintf("rva:%#x", t.rva)
	default:
		return fmt.Sprintf("ptr:%#x", t.ptr)
	}
}

// Decl is one declared advice: where, when, what. Exactly one of Prefix,
// Postfix, Finalizer must be set, agreeing with Kind.
type Decl struct {
	Target Target
	Kind   advice.Kind
	Name   string
	Bind   []advice.Binding

	Prefix    advice.PrefixFunc
	Postfix   advice.PostfixFunc
	Finalizer advice.FinalizerFunc

	// Note is free-form and surfaces in skip reports.
	Note string
}

// Provider is the registration surface a mod implements.
type Provider interface {
	// Name labels the mod in logs and advice identities.
	Name() string

	// Advice returns the mod's declarations. Called once per Register
	// pass.
	Advice() []Decl
}

// Report summarizes one Register pass.
type Report struct {
	Applied int
	Skipped int
	// Hooks counts hooks created by this pass; advice stacking onto
	// already-patched targets does not move it.
	Hooks   int
	Reasons []string
}

func (r *Report) String() string {
	return fmt.Sprintf("applied %d, skipped %d, hooks %d", r.Applied, r.Skipped, r.Hooks)
}

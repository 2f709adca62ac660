package codelet

import "github.com/cuemby/fluxrt/pkg/handle"

// Variant is one element of a task description (§9 design note: "replace
// the C-style tag stream with a builder-style task description"). The
// admission path consumes a slice of variants once.
type Variant interface{ variant() }

type bufferVariant struct {
	Handle *handle.Handle
	Mode   handle.Mode
}

func (bufferVariant) variant() {}

type valueVariant struct{ Data []byte }

func (valueVariant) variant() {}

type callbackVariant struct{ Fn func(error) }

func (callbackVariant) variant() {}

type priorityVariant struct{ N int }

func (priorityVariant) variant() {}

type schedCtxVariant struct{ ID string }

func (schedCtxVariant) variant() {}

type tagVariant struct{ Tag string }

func (tagVariant) variant() {}

type localityVariant struct{ Arch Arch }

func (localityVariant) variant() {}

type ssendVariant struct{}

func (ssendVariant) variant() {}

// Buffer declares a (handle, mode) access, replacing the READ/WRITE/
// READ_WRITE/SCRATCH/REDUCTION/COMMUTE tags.
func Buffer(h *handle.Handle, mode handle.Mode) Variant { return bufferVariant{Handle: h, Mode: mode} }

// Value declares a by-value argument (BY_VALUE(ptr,size)).
func Value(data []byte) Variant { return valueVariant{Data: data} }

// Callback declares the task's completion callback (CALLBACK(fn)); the
// CALLBACK_ARG tag from the C API is folded in by closing over it.
func Callback(fn func(error)) Variant { return callbackVariant{Fn: fn} }

// Priority declares task priority (PRIORITY(int)).
func Priority(n int) Variant { return priorityVariant{N: n} }

// SchedCtx pins the task to a named scheduling context (SCHED_CTX(id)).
func SchedCtx(id string) Variant { return schedCtxVariant{ID: id} }

// Tag attaches an application-assigned tag for tag_wait (§GLOSSARY Tag).
func Tag(tag string) Variant { return tagVariant{Tag: tag} }

// Locality hints a preferred architecture (LOCALITY).
func Locality(arch Arch) Variant { return localityVariant{Arch: arch} }

// SSend requests synchronous send semantics in distributed mode (SSEND).
func SSend() Variant { return ssendVariant{} }

// Task is the application-visible task description (§3.2): a codelet
// reference, an ordered list of (handle, mode) pairs as declared (not yet
// sorted/deduped — that happens in pkg/job), by-value arguments, and the
// optional priority/tag/callback/scheduling-context.
type Task struct {
	Codelet  *Codelet
	Buffers  []Buffer_
	Values   [][]byte
	Priority int
	Tag      string
	SchedCtx string
	Locality Arch
	SSend    bool
	Callback func(error)
}

// Buffer_ is a declared (handle, mode) pair in a Task, in declaration order
// and with duplicates not yet coalesced.
type Buffer_ struct {
	Handle *handle.Handle
	Mode   handle.Mode
}

// New builds a Task from a codelet and a sequence of variants, the
// Go-native equivalent of the C variadic tag stream terminated by zero.
// Duplicate handle references are not coalesced here — that is the ordered
// buffer list's job (pkg/job), a single linear pass over the sorted list.
func New(cl *Codelet, variants ...Variant) *Task {
	t := &Task{Codelet: cl}
	for _, v := range variants {
		switch vv := v.(type) {
		case bufferVariant:
			t.Buffers = append(t.Buffers, Buffer_{Handle: vv.Handle, Mode: vv.Mode})
		case valueVariant:
			t.Values = append(t.Values, vv.Data)
		case callbackVariant:
			t.Callback = vv.Fn
		case priorityVariant:
			t.Priority = vv.N
		case schedCtxVariant:
			t.SchedCtx = vv.ID
		case tagVariant:
			t.Tag = vv.Tag
		case localityVariant:
			t.Locality = vv.Arch
		case ssendVariant:
			t.SSend = true
		}
	}
	return t
}

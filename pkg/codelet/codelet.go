// Package codelet defines the codelet/task-description surface: a function
// bundle with per-architecture implementations, and a Go-native replacement
// for the C variadic tag stream (spec.md §9 design note) for building task
// descriptions.
package codelet

import "github.com/cuemby/fluxrt/pkg/handle"

// Arch tags a worker architecture (§3.4 Worker).
type Arch string

const (
	CPU      Arch = "cpu"
	CUDA     Arch = "cuda"
	OpenCL   Arch = "opencl"
	MIC      Arch = "mic"
	SCC      Arch = "scc"
	MPISlave Arch = "mpi_slave"
)

// ExecContext is passed to a kernel implementation at execution time: the
// acquired buffers (in task-declaration order, not the internal sorted
// order) and any by-value arguments.
type ExecContext struct {
	Buffers  []*handle.Handle
	Values   [][]byte
	Arch     Arch
	WorkerID string
}

// KernelFunc is one architecture's implementation of a codelet.
type KernelFunc func(ctx *ExecContext) error

// Codelet declares a function bundle: per-architecture implementations and
// the expected buffer count (§GLOSSARY Codelet).
type Codelet struct {
	Name            string
	NBuffers        int
	Implementations map[Arch]KernelFunc
}

// SupportsArch reports whether the codelet has an implementation for arch.
func (c *Codelet) SupportsArch(arch Arch) bool {
	_, ok := c.Implementations[arch]
	return ok
}

// AnySupportedArch reports whether the codelet has an implementation for at
// least one of the given architectures, and returns the first match.
func (c *Codelet) AnySupportedArch(archs []Arch) (Arch, bool) {
	for _, a := range archs {
		if c.SupportsArch(a) {
			return a, true
		}
	}
	return "", false
}

// Package gpu defines the host-visible GPU backend contract: backends are
// runtime-selected through this interface, with shader/kernel internals
// kept out of this package entirely. A NullBackend satisfies the interface
// for builds without accelerator support, so `-gpu` with no device
// compiled in still makes forward progress instead of failing outright.
package gpu

import (
	"errors"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/jump"
)

// ErrBackendUnavailable reports that the requested accelerator is missing.
// Fatal at start.
var ErrBackendUnavailable = errors.New("gpu: requested backend is unavailable")

// Config mirrors the original's allocate() configuration.
type Config struct {
	ThreadsPerGroup      int
	Groups               int
	IterationsPerDispatch int
	JumpCount            int
	DPMask               uint64
	MaxFound             int
}

// DPItem is one ring-buffer entry: 14 32-bit words on the wire (8 for x, 4
// for distance, 2 for the originating kangaroo index), decoded into
// friendlier Go fields by the adapter before it reaches internal/engine.
type DPItem struct {
	X        [4]uint64 // 4 limbs, little-endian, reconstructed from 8 u32 words.
	Dist     [2]uint64 // 2 limbs, from 4 u32 words.
	GroupIdx uint32
	LaneIdx  uint32
}

// Backend is the contract any compute accelerator must
// satisfy. The CPU walker (internal/herd.Group.Step) and a GPU backend
// share the same step semantics and the same hash-table ingestion path;
// only how the step is executed differs.
type Backend interface {
	Init() error
	Allocate(cfg Config) error
	UploadJumps(table *jump.Table) error
	UploadKangaroos(herdState []herd.Kangaroo) error
	DownloadKangaroos() ([]herd.Kangaroo, error)
	RunOnce() error
	ReadDP() ([]DPItem, int, error) // items, droppedByOverflow, error
	ResetDPCount() error
	Shutdown() error
}

// Select resolves the -gpu/-gpuId CLI flags to a Backend. Real accelerator
// backends (e.g. a CUDA or Metal adapter) register themselves via
// RegisterBackend from an accelerator-specific build tag; without one
// compiled in, any id other than "" or "null" (both of which select the
// NullBackend) resolves to ErrBackendUnavailable —
// fatal at start, with no fallback.
func Select(id string) (Backend, error) {
	if id == "" || id == "null" {
		return NewNullBackend(), nil
	}
	factory, ok := registry[id]
	if !ok {
		return nil, ErrBackendUnavailable
	}
	return factory()
}

var registry = map[string]func() (Backend, error){}

// RegisterBackend lets a build-tag-gated accelerator package register
// itself under an id without this package importing it directly — the
// inversion of control that runtime backend selection calls for.
func RegisterBackend(id string, factory func() (Backend, error)) {
	registry[id] = factory
}

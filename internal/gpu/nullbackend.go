package gpu

import (
	"fmt"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/jump"
	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// NullBackend is the Backend used when no accelerator is compiled in or
// requested. Rather than doing nothing, it runs the exact same
// herd.Group.Step the CPU walker pool uses, batched into herd.GroupSize
// lanes — which makes it a genuine reference implementation of the
// contract: --wcheck mode diffs a real GPU against this and gets a
// meaningful parity signal, and `-gpu` with no device still makes forward
// progress instead of failing outright.
type NullBackend struct {
	cfg     Config
	table   *jump.Table
	groups  []*herd.Group
	ring    []DPItem
	dropped int
}

// NewNullBackend returns an unconfigured NullBackend; Allocate must be
// called before use.
func NewNullBackend() *NullBackend {
	return &NullBackend{}
}

func (b *NullBackend) Init() error { return nil }

func (b *NullBackend) Allocate(cfg Config) error {
	if cfg.Groups <= 0 || cfg.ThreadsPerGroup <= 0 {
		return fmt.Errorf("gpu: invalid config %+v", cfg)
	}
	b.cfg = cfg
	b.groups = make([]*herd.Group, cfg.Groups)
	for i := range b.groups {
		b.groups[i] = herd.NewGroup(false)
	}
	log.GpuLog.Infof("null backend allocated: %d groups x %d threads", cfg.Groups, cfg.ThreadsPerGroup)
	return nil
}

func (b *NullBackend) UploadJumps(table *jump.Table) error {
	b.table = table
	return nil
}

func (b *NullBackend) UploadKangaroos(herdState []herd.Kangaroo) error {
	perGroup := herd.GroupSize
	need := len(b.groups) * perGroup
	if len(herdState) > need {
		return fmt.Errorf("gpu: herd of %d exceeds capacity %d", len(herdState), need)
	}
	for i, k := range herdState {
		g := i / perGroup
		lane := i % perGroup
		b.groups[g].K[lane] = k
	}
	return nil
}

func (b *NullBackend) DownloadKangaroos() ([]herd.Kangaroo, error) {
	out := make([]herd.Kangaroo, 0, len(b.groups)*herd.GroupSize)
	for _, g := range b.groups {
		out = append(out, g.K[:]...)
	}
	return out, nil
}

func (b *NullBackend) RunOnce() error {
	if b.table == nil {
		return fmt.Errorf("gpu: jumps not uploaded")
	}
	for gi, g := range b.groups {
		for iter := 0; iter < b.cfg.IterationsPerDispatch; iter++ {
			dps := g.Step(b.table, b.cfg.DPMask)
			for _, dp := range dps {
				item := DPItem{
					X:        fieldToLimbs(&dp.X),
					Dist:     distToLimbs(&dp.D),
					GroupIdx: uint32(gi),
					LaneIdx:  uint32(dp.LaneIdx),
				}
				if len(b.ring) >= b.cfg.MaxFound {
					b.dropped++
					continue
				}
				b.ring = append(b.ring, item)
			}
		}
	}
	if b.dropped > 0 {
		log.GpuLog.Warnf("ring overflow: %d DPs dropped this dispatch", b.dropped)
	}
	return nil
}

func (b *NullBackend) ReadDP() ([]DPItem, int, error) {
	items := b.ring
	dropped := b.dropped
	b.ring = nil
	b.dropped = 0
	return items, dropped, nil
}

func (b *NullBackend) ResetDPCount() error {
	b.ring = nil
	b.dropped = 0
	return nil
}

func (b *NullBackend) Shutdown() error { return nil }

func fieldToLimbs(f *secp.Field) [4]uint64 {
	b := secp.FieldBytes(f)
	return [4]uint64{
		beU64(b[24:32]), beU64(b[16:24]), beU64(b[8:16]), beU64(b[0:8]),
	}
}

func distToLimbs(s *secp.Scalar) [2]uint64 {
	hi, lo := secp.ScalarToUint128(s)
	return [2]uint64{lo, hi}
}

func beU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// Package engine is the orchestrator: it owns the worker pool, the
// endOfSearch flag, the periodic save scheduler and the progress ticker,
// wiring together internal/jump, internal/herd, internal/hashtable,
// internal/resolver, internal/snapshot and internal/gpu. It is the Go
// analogue of btcsuite/btcd's
// mining/cpuminer.CPUMiner: a fixed pool of worker goroutines plus a
// speed-monitor goroutine, coordinated with channels and atomics instead of
// the original's raw pthread/mutex pairing.
package engine

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/secp-kangaroo/kangaroo/internal/gpu"
	"github.com/secp-kangaroo/kangaroo/internal/hashtable"
	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/jump"
	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/resolver"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
	"github.com/secp-kangaroo/kangaroo/internal/snapshot"
)

// Config bundles everything the orchestrator needs to start a search.
type Config struct {
	RangeStart   *big.Int
	RangeEnd     *big.Int
	PubKey       secp.Point
	DPBits       uint32
	UseSymmetry  bool
	NumWorkers   int
	SaveInterval time.Duration
	WorkFilePath string // empty disables periodic saving.
	MaxStepMult  float64 // 0 disables the abort-on-maxStep timeout.
	GPU          gpu.Backend // nil disables the GPU lane entirely.
	GPUGroups    int
	SplitMode    bool
	PartitionDir string
	HPerPart     uint32
	IncludeTime  bool // whether saved work files carry elapsed wall-clock time.

	// DPEmit, if non-nil, is called with every DP a local worker produces,
	// in addition to the normal local ingestion — the hook internal/netdist's
	// client side uses to stream this process's walk to a distribution
	// server. nil means this process searches standalone.
	DPEmit func(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8)
}

// Outcome is what Run returns: either a recovered key or an abort reason.
type Outcome struct {
	Found   bool
	Aborted bool
	Key     *big.Int
	Steps   uint64
	Elapsed time.Duration
}

// Engine is one running search. It is not reusable across searches.
type Engine struct {
	cfg Config

	jumps  *jump.Table
	table  *hashtable.Table
	dpMask uint64

	// target is Q re-centred to the start of the walked interval: Q minus
	// rangeStart*G, and, under symmetry, minus an additional
	// (rangeWidth/2)*G so the wild herd also walks [0, bound) like the
	// tame herd. symmetryOffset is what Resolve adds back on top of
	// rangeStart to undo that extra shift.
	target         secp.Point
	bound          *big.Int
	symmetryOffset *big.Int

	flusher *snapshot.Flusher
	tracker *snapshot.SplitTracker
	dedup   *lru.Cache

	groups   []*herd.Group
	counters []atomic.Uint64
	waiting  []atomic.Bool

	endOfSearch atomic.Bool
	saveRequest atomic.Bool
	aborted     atomic.Bool

	foundMu sync.Mutex
	found   *big.Int

	// pendingHerd holds kangaroo state loaded by ResumeFromSnapshot until
	// Run seeds it into the live groups; nil for a fresh search.
	pendingHerd []snapshot.KangarooState

	startTime time.Time
	wg        sync.WaitGroup
}

// New builds an Engine ready to Run. It computes the jump table up front,
// which can fail with ErrJumpTableBad.
func New(cfg Config) (*Engine, error) {
	width := new(big.Int).Sub(cfg.RangeEnd, cfg.RangeStart)
	rangeBits := width.BitLen()
	if rangeBits == 0 {
		rangeBits = 1
	}

	table, err := jump.Build(rangeBits, cfg.UseSymmetry)
	if err != nil {
		return nil, err
	}

	bound := new(big.Int).Set(width)
	symOffset := big.NewInt(0)
	shift := new(big.Int).Set(cfg.RangeStart)
	if cfg.UseSymmetry {
		half := new(big.Int).Rsh(width, 1)
		symOffset = half
		shift = new(big.Int).Add(cfg.RangeStart, half)
	}
	shiftScalar := secp.ScalarFromBig(shift)
	shiftPoint := secp.ScalarBaseMul(&shiftScalar)
	target := secp.AddAffine(cfg.PubKey, shiftPoint.Negate())

	dpMask := uint64(0)
	if cfg.DPBits > 0 && cfg.DPBits <= 64 {
		dpMask = ^uint64(0) << (64 - cfg.DPBits)
	}

	e := &Engine{
		cfg:            cfg,
		jumps:          table,
		table:          hashtable.New(),
		dpMask:         dpMask,
		target:         target,
		bound:          bound,
		symmetryOffset: symOffset,
		dedup:          resolver.NewDedupCache(),
		groups:         make([]*herd.Group, cfg.NumWorkers),
		counters:       make([]atomic.Uint64, cfg.NumWorkers+gpuSlot(cfg)),
		waiting:        make([]atomic.Bool, cfg.NumWorkers+gpuSlot(cfg)),
	}
	if cfg.WorkFilePath != "" {
		e.flusher = snapshot.NewFlusher(cfg.WorkFilePath)
	}
	if cfg.SplitMode {
		e.tracker = snapshot.NewSplitTracker()
	}
	return e, nil
}

// ResumeFromSnapshot rehydrates the hash table (and, if present, the live
// herd) from a previously loaded work file payload. It must be called
// before Run.
func (e *Engine) ResumeFromSnapshot(p snapshot.Payload) {
	e.table.LoadBuckets(p.Buckets, p.BucketCnt)
	log.OrchLog.Infof("resumed from snapshot: %d DPs, totalCount=%d", p.BucketCnt, p.Header.TotalCount)
	if len(p.Kangaroos) == 0 {
		return
	}
	// Once Run seeds the workers' groups, the kangaroos fill them in order,
	// GroupSize per group; stash them for Run to consume.
	e.pendingHerd = p.Kangaroos
}

// Run starts NumWorkers walker goroutines plus the save scheduler, the
// progress ticker and the gap scanner, and blocks until a solution is
// found, the search is aborted (-maxStep), or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) Outcome {
	e.startTime = time.Now()

	var expectedOps *big.Float
	if e.cfg.MaxStepMult > 0 {
		expectedOps = estimateExpectedOps(e.bound, e.cfg.UseSymmetry)
	}

	for i := 0; i < e.cfg.NumWorkers; i++ {
		kind := herd.Tame
		if i%2 == 1 {
			kind = herd.Wild
		}
		g := herd.NewGroup(e.cfg.UseSymmetry)
		seedGroup(g, kind, e.bound, e.target)
		e.groups[i] = g
	}
	e.consumePendingHerd()

	stopProgress := make(chan struct{})
	stopGapScan := make(chan struct{})
	var tickerWG sync.WaitGroup
	tickerWG.Add(2)
	go func() { defer tickerWG.Done(); e.progressLoop(stopProgress) }()
	go func() { defer tickerWG.Done(); e.gapScanLoop(stopGapScan) }()

	var saveWG sync.WaitGroup
	stopSave := make(chan struct{})
	if e.flusher != nil && e.cfg.SaveInterval > 0 {
		saveWG.Add(1)
		go func() { defer saveWG.Done(); e.saveLoop(stopSave) }()
	}

	e.wg.Add(e.cfg.NumWorkers)
	for i := 0; i < e.cfg.NumWorkers; i++ {
		go e.worker(ctx, i, expectedOps)
	}

	if e.cfg.GPU != nil {
		e.wg.Add(1)
		go e.gpuWorker(ctx)
	}

	go func() {
		<-ctx.Done()
		e.endOfSearch.Store(true)
	}()

	e.wg.Wait()
	close(stopProgress)
	close(stopGapScan)
	tickerWG.Wait()
	close(stopSave)
	saveWG.Wait()

	elapsed := time.Since(e.startTime)
	e.foundMu.Lock()
	key := e.found
	e.foundMu.Unlock()

	return Outcome{
		Found:   key != nil,
		Aborted: e.aborted.Load() && key == nil,
		Key:     key,
		Steps:   e.totalSteps(),
		Elapsed: elapsed,
	}
}

func gpuSlot(cfg Config) int {
	if cfg.GPU != nil {
		return 1
	}
	return 0
}

// gpuWorker drives the GPU backend's Init/Allocate/Upload/RunOnce/ReadDP
// cycle, routing every DP it reads back through the same ingest path the
// CPU workers use. It counts against the same waiting/saveRequest barrier
// (at slot NumWorkers) so a periodic save pauses the accelerator exactly
// like any other lane.
func (e *Engine) gpuWorker(ctx context.Context) {
	defer e.wg.Done()
	slot := e.cfg.NumWorkers
	backend := e.cfg.GPU

	groups := e.cfg.GPUGroups
	if groups <= 0 {
		groups = 1
	}
	if err := backend.Init(); err != nil {
		log.GpuLog.Errorf("gpu init failed: %v", err)
		e.endOfSearch.Store(true)
		return
	}
	if err := backend.Allocate(gpu.Config{
		ThreadsPerGroup:       herd.GroupSize,
		Groups:                groups,
		IterationsPerDispatch: 1,
		DPMask:                e.dpMask,
		MaxFound:              herd.GroupSize * groups,
	}); err != nil {
		log.GpuLog.Errorf("gpu allocate failed: %v", err)
		e.endOfSearch.Store(true)
		return
	}
	if err := backend.UploadJumps(e.jumps); err != nil {
		log.GpuLog.Errorf("gpu upload jumps failed: %v", err)
		e.endOfSearch.Store(true)
		return
	}

	herdState := make([]herd.Kangaroo, 0, groups*herd.GroupSize)
	for gi := 0; gi < groups; gi++ {
		g := herd.NewGroup(e.cfg.UseSymmetry)
		kind := herd.Tame
		if gi%2 == 1 {
			kind = herd.Wild
		}
		seedGroup(g, kind, e.bound, e.target)
		herdState = append(herdState, g.K[:]...)
	}
	if err := backend.UploadKangaroos(herdState); err != nil {
		log.GpuLog.Errorf("gpu upload kangaroos failed: %v", err)
		e.endOfSearch.Store(true)
		return
	}

	for !e.endOfSearch.Load() {
		if e.saveRequest.Load() {
			e.waiting[slot].Store(true)
			for e.saveRequest.Load() && !e.endOfSearch.Load() {
				time.Sleep(time.Millisecond)
			}
			e.waiting[slot].Store(false)
		}
		if e.endOfSearch.Load() {
			return
		}

		if err := backend.RunOnce(); err != nil {
			log.GpuLog.Errorf("gpu dispatch failed: %v", err)
			e.endOfSearch.Store(true)
			return
		}
		items, dropped, err := backend.ReadDP()
		if err != nil {
			log.GpuLog.Errorf("gpu read DPs failed: %v", err)
			e.endOfSearch.Store(true)
			return
		}
		if dropped > 0 {
			log.GpuLog.Warnf("gpu ring dropped %d DPs this dispatch", dropped)
		}
		e.counters[slot].Add(uint64(groups * herd.GroupSize))

		for _, item := range items {
			x := limbsToField(item.X)
			d := limbsToScalar(item.Dist)
			// Whole groups are homogeneously tame/wild (gpuWorker seeds gi%2
			// above), so GroupIdx — not LaneIdx, which only selects a
			// kangaroo inside the group — is what determines kind here.
			kind := herd.Tame
			if item.GroupIdx%2 == 1 {
				kind = herd.Wild
			}
			dp := herd.DP{X: x, D: d, Kind: kind, LaneIdx: int(item.LaneIdx)}
			e.ingest(dp, nil)
			if e.endOfSearch.Load() {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func limbsToField(limbs [4]uint64) secp.Field {
	var b [32]byte
	for i, limb := range limbs {
		off := 24 - i*8
		for j := 0; j < 8; j++ {
			b[off+j] = byte(limb >> (56 - 8*j))
		}
	}
	return secp.FieldFromBytes(&b)
}

func limbsToScalar(limbs [2]uint64) secp.Scalar {
	return secp.Uint128ToScalar(limbs[1], limbs[0])
}

func seedGroup(g *herd.Group, kind herd.Kind, bound *big.Int, target secp.Point) {
	for i := range g.K {
		if kind == herd.Tame {
			g.SeedTame(i, bound)
		} else {
			g.SeedWild(i, target, bound)
		}
	}
}

func (e *Engine) consumePendingHerd() {
	if len(e.pendingHerd) == 0 {
		return
	}
	perGroup := herd.GroupSize
	for idx, k := range e.pendingHerd {
		g := idx / perGroup
		lane := idx % perGroup
		if g >= len(e.groups) {
			break
		}
		e.groups[g].Rehydrate(lane, k.X, k.Y, k.D, k.Kind, k.SymClass)
	}
	e.pendingHerd = nil
}

// worker is the per-thread step loop: the outer iteration plus the
// suspension-point and collision-handling responsibilities assigned to
// each walker.
func (e *Engine) worker(ctx context.Context, id int, expectedOps *big.Float) {
	defer e.wg.Done()
	g := e.groups[id]

	for !e.endOfSearch.Load() {
		if e.saveRequest.Load() {
			e.waiting[id].Store(true)
			for e.saveRequest.Load() && !e.endOfSearch.Load() {
				time.Sleep(time.Millisecond)
			}
			e.waiting[id].Store(false)
		}
		if e.endOfSearch.Load() {
			return
		}

		dps := g.Step(e.jumps, e.dpMask)
		e.counters[id].Add(uint64(herd.GroupSize))

		for _, dp := range dps {
			e.ingest(dp, g)
			if e.endOfSearch.Load() {
				return
			}
		}

		if expectedOps != nil && e.cfg.MaxStepMult > 0 {
			limit := new(big.Float).Mul(expectedOps, big.NewFloat(e.cfg.MaxStepMult))
			if new(big.Float).SetUint64(e.totalSteps()).Cmp(limit) > 0 {
				e.aborted.Store(true)
				e.endOfSearch.Store(true)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ingest routes one emitted DP through the hash table and, on a genuine
// inter-herd collision, the resolver.
func (e *Engine) ingest(dp herd.DP, g *herd.Group) {
	if e.cfg.DPEmit != nil {
		e.cfg.DPEmit(&dp.X, &dp.D, dp.Kind, dp.SymClass)
	}

	status, prev := e.table.Add(&dp.X, &dp.D, dp.Kind, dp.SymClass)

	if e.tracker != nil && status == hashtable.StatusOK {
		e.tracker.MarkDirty(hashtable.BucketIndexOf(&dp.X))
	}

	switch status {
	case hashtable.StatusCollision:
		e.resolveCollision(dp.D, prev, dp.Kind)
		// Whether or not it verified, the kangaroo that produced this
		// later entry is reset.
		if !e.endOfSearch.Load() {
			e.resetLane(g, dp.LaneIdx)
		}
	case hashtable.StatusDup:
		// Two same-kind walkers converged on the same fingerprint: the
		// kangaroo that just produced this DP is now redundant with an
		// existing entry and is reset to diversify coverage, per the
		// reading recorded in DESIGN.md.
		e.resetLane(g, dp.LaneIdx)
	}
}

// resolveCollision turns a just-confirmed inter-herd collision (newD,
// prevEntry) into a candidate private key via internal/resolver, and
// records it as the search's result if it verifies.
func (e *Engine) resolveCollision(newD secp.Scalar, prev hashtable.Entry, newKind herd.Kind) *big.Int {
	tameD, wildD := newD, secp.Uint128ToScalar(prev.DHi, prev.DLo)
	if newKind != herd.Tame {
		tameD, wildD = secp.Uint128ToScalar(prev.DHi, prev.DLo), newD
	}
	res := resolver.Resolve(&tameD, &wildD, e.target, e.cfg.RangeStart, e.symmetryOffset, e.dedup)
	if !res.Found {
		return nil
	}
	e.foundMu.Lock()
	if e.found == nil {
		e.found = res.K
	}
	e.foundMu.Unlock()
	e.endOfSearch.Store(true)
	log.OrchLog.Infof("Priv: 0x%064x", res.K)
	return res.K
}

// IngestRemote feeds one DP received over internal/netdist through the same
// hash table and collision path a local worker's DP would take. It has no
// herd.Group lane to reset on a dup/collision, since the kangaroo that
// produced this point is walking on a different process entirely.
func (e *Engine) IngestRemote(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8) (bool, *big.Int) {
	status, prev := e.table.Add(x, d, kind, symClass)
	if e.tracker != nil && status == hashtable.StatusOK {
		e.tracker.MarkDirty(hashtable.BucketIndexOf(x))
	}
	if status != hashtable.StatusCollision {
		return false, nil
	}
	key := e.resolveCollision(*d, prev, kind)
	return key != nil, key
}

func (e *Engine) resetLane(g *herd.Group, laneIdx int) {
	// The GPU lane has no single local herd.Group to reset into (its
	// kangaroos live in device/backend memory across possibly several
	// groups), so a GPU kangaroo that produced a dup or collision is not
	// reset and keeps walking.
	if g == nil {
		return
	}
	g.Reset(laneIdx, e.bound, e.target)
}

func (e *Engine) totalSteps() uint64 {
	var total uint64
	for i := range e.counters {
		total += e.counters[i].Load()
	}
	return total
}

// progressLoop logs throughput periodically — the orchestrator's progress
// ticker. Rich console rendering is out of scope here; this only produces
// the structured log line
// internal/log.OrchLog routes wherever the caller configured it, the way
// btcd's cpuminer.speedMonitor logs hashes/sec rather than drawing a UI.
func (e *Engine) progressLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var lastSteps uint64
	lastTime := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			steps := e.totalSteps()
			dt := now.Sub(lastTime).Seconds()
			rate := float64(steps-lastSteps) / dt
			log.OrchLog.Infof("%.2f Mkey/s, %d DPs, %d steps, %s elapsed",
				rate/1e6, e.table.Count(), steps, time.Since(e.startTime).Round(time.Second))
			lastSteps = steps
			lastTime = now
		}
	}
}

// gapScanLoop is the background gap scanner: it periodically samples
// stored DP distances under the hash table's lock and flags sub-ranges
// that look under-covered.
func (e *Engine) gapScanLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.scanForGaps()
		}
	}
}

func (e *Engine) scanForGaps() {
	buckets, count := e.table.CaptureBucketHeaders()
	if count < 16 {
		return
	}
	var distances []*big.Int
	const sampleBuckets = 4096
	step := len(buckets) / sampleBuckets
	if step < 1 {
		step = 1
	}
	for i := 0; i < len(buckets); i += step {
		for _, item := range buckets[i].Items {
			d := secp.Uint128ToScalar(item.DHi, item.DLo)
			distances = append(distances, secp.ScalarToBig(&d))
		}
	}
	if len(distances) < 8 {
		return
	}
	sort.Slice(distances, func(i, j int) bool { return distances[i].Cmp(distances[j]) < 0 })

	width := new(big.Float).SetInt(e.bound)
	maxGap := new(big.Int)
	for i := 1; i < len(distances); i++ {
		gap := new(big.Int).Sub(distances[i], distances[i-1])
		if gap.Cmp(maxGap) > 0 {
			maxGap = gap
		}
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(maxGap), width)
	if f, _ := ratio.Float64(); f > 0.05 {
		log.OrchLog.Warnf("possible coverage gap: largest sampled inter-DP distance is %.1f%% of the range width", f*100)
	}
}

// saveLoop is the periodic save scheduler: every SaveInterval it raises
// saveRequest, waits for every worker to acknowledge, captures a payload,
// releases the workers, and hands the payload to the Flusher.
func (e *Engine) saveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if e.endOfSearch.Load() {
				return
			}
			e.saveOnce()
		}
	}
}

func (e *Engine) saveOnce() {
	e.saveRequest.Store(true)
	for {
		allWaiting := true
		for i := range e.waiting {
			if !e.waiting[i].Load() {
				allWaiting = false
				break
			}
		}
		if allWaiting || e.endOfSearch.Load() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	var herdState []snapshot.KangarooState
	for _, g := range e.groups {
		for i := range g.K {
			k := g.K[i]
			herdState = append(herdState, snapshot.KangarooState{
				X: k.X, Y: k.Y, D: k.D, Kind: k.Kind, SymClass: k.SymClass,
			})
		}
	}

	header := snapshot.Header{
		DPBits:     e.cfg.DPBits,
		TotalCount: e.totalSteps(),
	}
	if e.cfg.IncludeTime {
		header.TotalTime = time.Since(e.startTime).Seconds()
	}
	rs := secp.ScalarFromBig(e.cfg.RangeStart)
	re := secp.ScalarFromBig(e.cfg.RangeEnd)
	header.RangeStart = secp.ScalarBytes(&rs)
	header.RangeEnd = secp.ScalarBytes(&re)
	qxb := secp.FieldBytes(&e.cfg.PubKey.X)
	qyb := secp.FieldBytes(&e.cfg.PubKey.Y)
	header.Qx, header.Qy = qxb, qyb

	payload := snapshot.Capture(e.table, header, herdState)

	if e.tracker != nil && e.cfg.PartitionDir != "" {
		go func() {
			hPerPart := e.cfg.HPerPart
			if hPerPart == 0 {
				hPerPart = snapshot.HPerPart
			}
			if err := snapshot.FlushPartitions(e.cfg.PartitionDir, payload.Buckets, e.tracker, hPerPart); err != nil {
				log.SnapLog.Errorf("split flush incomplete: %v", err)
			} else {
				e.table.Reset()
			}
		}()
	}

	e.saveRequest.Store(false)

	if e.flusher != nil {
		e.flusher.TryFlush(payload)
	}
}

// estimateExpectedOps gives the -maxStep multiplier something to compare
// against: the classic kangaroo expected-operation count is
// 2.08*sqrt(rangeWidth), scaled by 0.7 (about 1/sqrt(2)) under symmetry.
func estimateExpectedOps(bound *big.Int, useSymmetry bool) *big.Float {
	f := new(big.Float).SetInt(bound)
	f.Sqrt(f)
	f.Mul(f, big.NewFloat(2.08))
	if useSymmetry {
		f.Mul(f, big.NewFloat(0.7))
	}
	return f
}

// Command kangaroo is the CLI entry point: it parses the flags in config.go,
// resolves one of the maintenance modes (--wcheck, --winfo, --wpartcreate,
// --wm/--wmdir) or a live search, and wires the parsed configuration into
// internal/engine. Structured the way btcd's cmd/addblock/main.go drives
// its own loadConfig-then-dispatch flow.
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"time"

	rangecfg "github.com/secp-kangaroo/kangaroo/internal/config"
	"github.com/secp-kangaroo/kangaroo/internal/engine"
	"github.com/secp-kangaroo/kangaroo/internal/gpu"
	"github.com/secp-kangaroo/kangaroo/internal/hashtable"
	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/jump"
	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/netdist"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
	"github.com/secp-kangaroo/kangaroo/internal/snapshot"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 on success (including an
// acknowledged --maxstep abort), -1 on a user or configuration error.
func run() int {
	cfg, err := loadConfig()
	if err != nil {
		return -1
	}
	if cfg.LogFile != "" {
		if err := log.InitLogRotator(cfg.LogFile); err != nil {
			fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
			return -1
		}
		defer log.LogRotator.Close()
	}

	switch {
	case cfg.WorkInfo != "":
		return runInfo(cfg)
	case cfg.WorkPartition != "":
		return runPartCreate(cfg)
	case cfg.WorkMergeDir != "":
		return runMergeDir(cfg)
	case cfg.WorkMergeA != "":
		return runMerge(cfg)
	case cfg.WorkCheck:
		return runWCheck(cfg)
	case cfg.Check:
		return runSelfCheck()
	}

	return runSearch(cfg)
}

// runInfo implements --winfo: print a work file's header and exit.
func runInfo(cfg *config) int {
	s, err := snapshot.InfoString(cfg.WorkInfo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	fmt.Print(s)
	return 0
}

// runPartCreate implements --wpartcreate: lay out an empty partitioned work
// directory and exit. The header carries only dpBits; the range and pubkey
// fields stay zero, since partition flushes write partNN files and never
// rewrite the header.
func runPartCreate(cfg *config) int {
	hPerPart := cfg.HPerPart
	if hPerPart == 0 {
		hPerPart = snapshot.HPerPart
	}
	header := snapshot.Header{DPBits: cfg.DPBits}
	if err := snapshot.CreatePartitionDir(cfg.WorkPartition, header, hPerPart); err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	return 0
}

// runMerge implements --wm/--wm2/--wmout: merge exactly two work files.
// Any inter-file collision is logged, not resolved — resolving it requires
// the original target pubkey and range, which a bare merge has no need to
// ask for; a subsequent --wi load-and-resume run will rediscover and
// resolve it during the walk.
func runMerge(cfg *config) int {
	if cfg.WorkMergeB == "" || cfg.WorkMergeOut == "" {
		fmt.Fprintln(os.Stderr, "kangaroo: --wm requires --wm2 and --wmout")
		return -1
	}
	onCollision := func(tame, wild hashtable.Entry) {
		log.SnapLog.Infof("merge: inter-file collision tame=%x wild=%x", tame.FPHi, wild.FPHi)
	}
	if err := snapshot.Merge(cfg.WorkMergeA, cfg.WorkMergeB, cfg.WorkMergeOut, onCollision); err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	return 0
}

// runMergeDir implements --wmdir: merge every work file in a directory.
func runMergeDir(cfg *config) int {
	if cfg.WorkMergeOut == "" {
		fmt.Fprintln(os.Stderr, "kangaroo: --wmdir requires --wmout")
		return -1
	}
	if err := snapshot.MergeDir(cfg.WorkMergeDir, cfg.WorkMergeOut); err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	return 0
}

// runSelfCheck implements --check: a quick sanity pass over the secp256k1
// wrapper (internal/secp) itself, independent of any walking — k=1 must
// recover G, scalar negation and batch inversion must round-trip.
func runSelfCheck() int {
	one := secp.ScalarFromBig(big.NewInt(1))
	if !secp.ScalarBaseMul(&one).Equals(secp.G()) {
		fmt.Fprintln(os.Stderr, "kangaroo: self-check FAILED: 1*G != G")
		return -1
	}

	five := secp.ScalarFromBig(big.NewInt(5))
	negFive := secp.NegScalar(&five)
	sum := secp.AddScalars(&five, &negFive)
	if secp.ScalarToBig(&sum).Sign() != 0 {
		fmt.Fprintln(os.Stderr, "kangaroo: self-check FAILED: x + (-x) != 0")
		return -1
	}

	vals := make([]secp.Field, 4)
	for i := range vals {
		s := secp.ScalarFromBig(big.NewInt(int64(i + 2)))
		p := secp.ScalarBaseMul(&s)
		vals[i] = p.X
	}
	orig := append([]secp.Field{}, vals...)
	secp.BatchInvert(vals)
	for i := range vals {
		secp.BatchInvert(vals[i : i+1])
		if secp.FieldBytes(&vals[i]) != secp.FieldBytes(&orig[i]) {
			fmt.Fprintln(os.Stderr, "kangaroo: self-check FAILED: batch inversion did not round-trip")
			return -1
		}
	}

	fmt.Println("self-check OK")
	return 0
}

// runWCheck implements --wcheck: diff the CPU walker against the selected
// GPU/null backend over a handful of steps from identical starting state,
// a parity self-check mode.
func runWCheck(cfg *config) int {
	const steps = 8
	table, err := jump.Build(64, cfg.Symmetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}

	cpuGroup := herd.NewGroup(cfg.Symmetry)
	bound := new(big.Int).Lsh(big.NewInt(1), 64)
	for i := range cpuGroup.K {
		cpuGroup.SeedTame(i, bound)
	}

	backend, err := gpu.Select(cfg.GPUId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	if err := backend.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	if err := backend.Allocate(gpu.Config{
		ThreadsPerGroup:       herd.GroupSize,
		Groups:                1,
		IterationsPerDispatch: 1,
		MaxFound:              herd.GroupSize,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	if err := backend.UploadJumps(table); err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	if err := backend.UploadKangaroos(cpuGroup.K[:]); err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}

	mismatches := 0
	for s := 0; s < steps; s++ {
		cpuGroup.Step(table, 0)
		if err := backend.RunOnce(); err != nil {
			fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
			return -1
		}
		gpuHerd, err := backend.DownloadKangaroos()
		if err != nil {
			fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
			return -1
		}
		for i := range cpuGroup.K {
			cpuPoint := secp.Point{X: cpuGroup.K[i].X, Y: cpuGroup.K[i].Y}
			gpuPoint := secp.Point{X: gpuHerd[i].X, Y: gpuHerd[i].Y}
			if !cpuPoint.Equals(gpuPoint) {
				mismatches++
			}
		}
	}

	if mismatches > 0 {
		fmt.Fprintf(os.Stderr, "kangaroo: wcheck FAILED: %d lane mismatches over %d steps\n", mismatches, steps)
		return -1
	}
	fmt.Println("wcheck OK: CPU and backend step functions agree")
	return 0
}

// runSearch resolves the range/pubkey(s) to attack, builds an
// engine.Engine per target, and runs them in sequence — batch mode for a
// config file with multiple pubkey lines.
func runSearch(cfg *config) int {
	searches, err := resolveSearches(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		return -1
	}
	if cfg.Server && len(searches) != 1 {
		fmt.Fprintln(os.Stderr, "kangaroo: --server requires exactly one target")
		return -1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var backend gpu.Backend
	if cfg.GPU {
		backend, err = gpu.Select(cfg.GPUId)
		if err != nil {
			fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
			return -1
		}
	}

	var netClient *netdist.Client
	if cfg.Client != "" {
		netClient = netdist.NewClient(cfg.Client, cfg.ServerPort, time.Duration(cfg.NetTimeout)*time.Millisecond)
		go func() {
			if err := netClient.Run(ctx); err != nil {
				log.NdisLog.Errorf("distribution client stopped: %v", err)
			}
		}()
	}

	for _, s := range searches {
		var dpEmit func(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8)
		if netClient != nil {
			dpEmit = netClient.SendDP
		}

		eng, err := engine.New(engine.Config{
			RangeStart:   s.RangeStart,
			RangeEnd:     s.RangeEnd,
			PubKey:       s.PubKey,
			DPBits:       cfg.DPBits,
			UseSymmetry:  cfg.Symmetry,
			NumWorkers:   cfg.Threads,
			SaveInterval: time.Duration(cfg.SaveInterval) * time.Second,
			WorkFilePath: cfg.Workfile,
			MaxStepMult:  cfg.MaxStep,
			GPU:          backend,
			GPUGroups:    cfg.GPUGrid,
			SplitMode:    cfg.WorkSplit,
			PartitionDir: cfg.WorkSplitDir,
			HPerPart:     cfg.HPerPart,
			IncludeTime:  cfg.WorkTime,
			DPEmit:       dpEmit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
			return -1
		}

		runCtx := ctx
		if netClient != nil {
			var cancelSearch context.CancelFunc
			runCtx, cancelSearch = context.WithCancel(ctx)
			go func() {
				select {
				case key := <-netClient.SolutionCh:
					log.NdisLog.Infof("solution received from distribution server: 0x%064x", key)
					cancelSearch()
				case <-runCtx.Done():
				}
			}()
			defer cancelSearch()
		}

		if cfg.WorkIn != "" {
			payload, err := snapshot.LoadWork(cfg.WorkIn)
			if err != nil {
				fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
				return -1
			}
			eng.ResumeFromSnapshot(payload)
		}

		if cfg.Server {
			netServer := netdist.NewServer(fmt.Sprintf(":%d", cfg.ServerPort), eng.IngestRemote)
			go func() {
				if err := netServer.ListenAndServe(ctx); err != nil {
					log.NdisLog.Errorf("distribution server stopped: %v", err)
				}
			}()
		}

		outcome := eng.Run(runCtx)
		switch {
		case outcome.Found:
			fmt.Printf("Priv: 0x%064x\n", outcome.Key)
		case outcome.Aborted:
			fmt.Println("Aborted")
		default:
			fmt.Println("stopped")
		}
	}

	return 0
}

// resolveSearches picks the range/pubkey source exactly once: --config, or
// the ephemeral --start-*/--end-*/--pubkey flags. loadConfig already
// rejected any combination of more than one.
func resolveSearches(cfg *config) ([]rangecfg.Search, error) {
	if cfg.ConfigFile != "" {
		return rangecfg.LoadRangeFile(cfg.ConfigFile)
	}
	s, err := rangecfg.EphemeralRange(cfg.StartDec, cfg.EndDec, cfg.StartHex, cfg.EndHex, cfg.PubKey)
	if err != nil {
		return nil, err
	}
	return []rangecfg.Search{s}, nil
}

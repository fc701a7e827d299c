// Copied in spirit from btcsuite/btcd's cmd/addblock/config.go: a flat
// go-flags struct plus a loadConfig that fills in defaults, parses argv,
// and cross-validates mutually exclusive options before anything else
// starts.
package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	flags "github.com/jessevdk/go-flags"

	"github.com/secp-kangaroo/kangaroo/internal/log"
)

const (
	defaultDPBits       = 16
	defaultSaveInterval = 300
	defaultGPUGroups    = 0
	defaultServerPort   = 17403
	defaultNetTimeoutMs = 1000
)

// config mirrors the full CLI surface.
type config struct {
	Threads int    `short:"t" long:"threads" description:"Number of CPU worker threads (0 = GOMAXPROCS)"`
	DPBits  uint32 `short:"d" long:"dpbits" description:"Distinguished-point bit count"`

	GPU     bool   `long:"gpu" description:"Enable the GPU compute backend"`
	GPUId   string `long:"gpuId" description:"GPU backend id to load (empty/\"null\" runs the CPU-backed reference backend)"`
	GPUGrid int    `short:"g" long:"gpugroups" description:"Number of GPU kangaroo groups"`

	Workfile     string `short:"w" long:"workfile" description:"Path to save/resume a work file"`
	SaveInterval int    `short:"i" long:"saveinterval" description:"Seconds between periodic work-file saves"`
	WorkIn       string `long:"wi" description:"Load a work file and resume from it"`
	WorkSplit    bool   `long:"wsplit" description:"Save in partitioned/split mode instead of one monolithic file"`
	WorkSplitDir string `long:"wsplitdir" description:"Directory for partitioned work files"`
	WorkTime     bool   `long:"wt" description:"Include elapsed time in saved work files"`

	WorkMergeA   string `long:"wm" description:"Merge two work files: first path (pairs with --wm2)"`
	WorkMergeB   string `long:"wm2" description:"Merge two work files: second path"`
	WorkMergeOut string `long:"wmout" description:"Destination path for --wm/--wmdir merges"`
	WorkMergeDir string `long:"wmdir" description:"Merge every work file in this directory"`

	WorkCheck     bool   `long:"wcheck" description:"Run the CPU/GPU step-function parity self-check and exit"`
	WorkInfo      string `long:"winfo" description:"Print a work file's header and exit"`
	WorkPartition string `long:"wpartcreate" description:"Create an empty partitioned work directory and exit"`
	HPerPart      uint32 `long:"hperpart" description:"Buckets per partition file for --wpartcreate"`

	Server     bool   `short:"s" long:"server" description:"Run as a distribution server"`
	Client     string `short:"c" long:"connect" description:"Connect to a distribution server at this host"`
	ServerPort int    `long:"sp" description:"Distribution server port"`
	NetTimeout int    `long:"nt" description:"Distribution client batch-send interval, in milliseconds"`

	Symmetry bool `short:"m" long:"symmetry" description:"Enable the negation-symmetry optimization"`

	StartDec string `long:"start-dec" description:"Range start, decimal"`
	EndDec   string `long:"end-dec" description:"Range end, decimal"`
	StartHex string `long:"start-hex" description:"Range start, hex"`
	EndHex   string `long:"end-hex" description:"Range end, hex"`
	PubKey   string `long:"pubkey" description:"Target public key, compressed or uncompressed hex"`

	ConfigFile string `short:"o" long:"config" description:"Path to a range/pubkey config file"`
	IniFile    string `short:"C" long:"inifile" description:"Path to an INI file of default flag values, overridden by any flag given on the command line"`

	Check      bool    `long:"check" description:"Run the internal self-test suite and exit"`
	MaxStep    float64 `long:"maxstep" description:"Abort the search after this multiple of the expected operation count"`
	DebugLevel string `long:"debuglevel" description:"Log level for all subsystems, or subsystem=level pairs separated by commas"`
	LogFile    string `long:"logfile" description:"Path to a rotating log file"`
}

func defaultConfig() config {
	return config{
		Threads:      runtime.NumCPU(),
		DPBits:       defaultDPBits,
		SaveInterval: defaultSaveInterval,
		GPUGrid:      defaultGPUGroups,
		ServerPort:   defaultServerPort,
		NetTimeout:   defaultNetTimeoutMs,
		DebugLevel:   "info",
		HPerPart:     0, // 0 means "use snapshot.HPerPart"
	}
}

// loadConfig parses argv into a config and cross-validates it the way
// btcd's loadConfig does: count mutually exclusive option groups, reject
// invalid combinations, and write the flags help text to stderr on error.
//
// Like btcd's own loadConfig, this is a two-pass parse: a pre-parse picks
// out --inifile/-C (ignoring every other flag and any parse error, since
// those are re-validated below), then an INI parse over that file seeds
// cfg's defaults, and finally the real flags.Parse runs so anything given
// on the command line still wins over the INI file.
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	var preCfg config
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	_, _ = preParser.Parse()

	parser := flags.NewParser(&cfg, flags.Default)
	if preCfg.IniFile != "" {
		if err := flags.NewIniParser(parser).ParseFile(preCfg.IniFile); err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
				return nil, err
			}
		}
	}

	_, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, err
	}

	// DebugLevel is either a single level for every subsystem or a
	// comma-separated list of subsystem=level pairs.
	for _, part := range strings.Split(cfg.DebugLevel, ",") {
		subsystem, level := "all", part
		if i := strings.Index(part, "="); i >= 0 {
			subsystem, level = part[:i], part[i+1:]
		}
		if err := log.SetLogLevels(subsystem, level); err != nil {
			fmt.Fprintf(os.Stderr, "kangaroo: %v\n", err)
		}
	}

	if cfg.Server && cfg.Client != "" {
		return nil, fmt.Errorf("--server and --connect are mutually exclusive")
	}

	numRangeForms := 0
	if cfg.StartDec != "" || cfg.EndDec != "" {
		numRangeForms++
	}
	if cfg.StartHex != "" || cfg.EndHex != "" {
		numRangeForms++
	}
	if cfg.ConfigFile != "" {
		numRangeForms++
	}
	if numRangeForms > 1 {
		return nil, fmt.Errorf("--config, --start-dec/--end-dec and --start-hex/--end-hex are mutually exclusive")
	}

	if cfg.WorkMergeDir != "" && (cfg.WorkMergeA != "" || cfg.WorkMergeB != "") {
		return nil, fmt.Errorf("--wmdir and --wm/--wm2 are mutually exclusive")
	}

	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}

	return &cfg, nil
}

// Package log wires up the per-subsystem loggers shared by every package in
// the kangaroo engine. Callers use the exported per-subsystem logger
// variables (JumpLog, HerdLog, ...) directly.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter duplicates log output to stdout and to the rotator, exactly the
// way btcd's internal/log.logWriter does.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if LogRotator != nil {
		LogRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = btclog.NewBackend(logWriter{})

	// LogRotator is the rotating file sink. It is nil until InitLogRotator
	// is called, matching btcd's deferred initialization of the log file.
	LogRotator *rotator.Rotator

	// Subsystem loggers. One per package that emits engine-level
	// diagnostics; add a line here and to subsystemLoggers when a new
	// package needs its own level.
	JumpLog = backendLog.Logger("JUMP")
	HerdLog = backendLog.Logger("HERD")
	HashLog = backendLog.Logger("HASH")
	RslvLog = backendLog.Logger("RSLV")
	SnapLog = backendLog.Logger("SNAP")
	OrchLog = backendLog.Logger("ORCH")
	GpuLog  = backendLog.Logger("GPUB")
	NdisLog = backendLog.Logger("NDIS")
	ConfLog = backendLog.Logger("CONF")
)

// subsystemLoggers maps each subsystem identifier to its logger instance.
var subsystemLoggers = map[string]btclog.Logger{
	"JUMP": JumpLog,
	"HERD": HerdLog,
	"HASH": HashLog,
	"RSLV": RslvLog,
	"SNAP": SnapLog,
	"ORCH": OrchLog,
	"GPUB": GpuLog,
	"NDIS": NdisLog,
	"CONF": ConfLog,
}

// loggerVars lets SetLogWriter swap the package-level logger variables
// themselves, not just subsystemLoggers' copies of them.
var loggerVars = map[string]*btclog.Logger{
	"JUMP": &JumpLog,
	"HERD": &HerdLog,
	"HASH": &HashLog,
	"RSLV": &RslvLog,
	"SNAP": &SnapLog,
	"ORCH": &OrchLog,
	"GPUB": &GpuLog,
	"NDIS": &NdisLog,
	"CONF": &ConfLog,
}

// InitLogRotator initializes the rotating file logger that writes to
// logFile. It must be called before the subsystem loggers produce output
// that should land in the log file, matching btcd's initLogRotator.
func InitLogRotator(logFile string) error {
	logDir := filepath.Dir(logFile)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	LogRotator = r
	return nil
}

// SetLogWriter directs every subsystem logger at w instead of the default
// stdout+rotator writer. Used by tests to capture output. It replaces the
// loggers in place, rather than handing back fresh ones, so every package
// that already captured JumpLog/HerdLog/etc. at init time observes the
// switch too.
func SetLogWriter(w io.Writer) {
	backendLog = btclog.NewBackend(w)
	for tag, logger := range subsystemLoggers {
		fresh := backendLog.Logger(tag)
		fresh.SetLevel(logger.Level())
		subsystemLoggers[tag] = fresh
		*loggerVars[tag] = fresh
	}
}

// SetLogLevels sets the log level for the named subsystem to levelStr,
// returning an error for an unknown level or subsystem. Specifying "all" as
// the subsystem applies levelStr to all of them.
func SetLogLevels(subsystemID, levelStr string) error {
	level, ok := btclog.LevelFromString(levelStr)
	if !ok {
		return fmt.Errorf("invalid log level %q", levelStr)
	}

	if subsystemID == "all" {
		for _, logger := range subsystemLoggers {
			logger.SetLevel(level)
		}
		return nil
	}

	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return fmt.Errorf("unknown subsystem %q", subsystemID)
	}
	logger.SetLevel(level)
	return nil
}

// SupportedSubsystems returns the subsystem identifiers that can be passed
// to SetLogLevels, for a -debuglevel=? usage message.
func SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for tag := range subsystemLoggers {
		subsystems = append(subsystems, tag)
	}
	return subsystems
}

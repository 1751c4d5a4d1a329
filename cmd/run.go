package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ZeduloTech/hardwarePrefetching/internal/bandwidth"
	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
	"github.com/ZeduloTech/hardwarePrefetching/internal/config"
	"github.com/ZeduloTech/hardwarePrefetching/internal/controller"
	"github.com/ZeduloTech/hardwarePrefetching/internal/coordinator"
	"github.com/ZeduloTech/hardwarePrefetching/internal/kernelhelper"
	"github.com/ZeduloTech/hardwarePrefetching/internal/msr"
	"github.com/ZeduloTech/hardwarePrefetching/internal/report"
)

// validateFlags runs in cobra's PreRunE, before the command's main body,
// matching this codebase's own PersistentPreRunE/PreRunE validation
// split: flag-shape errors are caught here, before any device is opened.
func validateFlags(cmd *cobra.Command, args []string) error {
	if err := configureLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	cfg, err := buildConfig(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	gConfig = cfg
	return nil
}

var gConfig config.Config

// buildConfig assembles a Config from defaults, then an optional YAML
// file, then explicit CLI flags (the file only fills in what the flags
// didn't set), then validates the result.
func buildConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	changed := changedFlagSet(cmd)

	if flagConfigFile != "" {
		if err := config.LoadYAMLFile(flagConfigFile, &cfg, changed); err != nil {
			return cfg, err
		}
	}

	if changed[flagCoreFirstName] {
		cfg.CoreFirst = flagCoreFirst
	}
	if changed[flagCoreLastName] {
		cfg.CoreLast = flagCoreLast
	}
	if changed[flagTickSecsName] {
		cfg.TickIntervalSeconds = flagTickSecs
	}
	if changed[flagAlgorithmName] {
		cfg.Algorithm = config.Algorithm(flagAlgorithm)
	}
	if changed[flagAggrName] {
		cfg.Aggressiveness = flagAggr
	}
	if changed[flagBWTargetName] {
		cfg.BandwidthTargetMBs = flagBWTarget
	}
	if changed[flagBWModeName] {
		cfg.BandwidthMode = config.BandwidthMode(flagBWMode)
	}
	if changed[flagPrioritiesName] {
		priorities, err := parsePriorities(flagPriorities)
		if err != nil {
			return cfg, err
		}
		cfg.Priorities = priorities
	}
	if changed[flagEpsilonName] {
		cfg.Epsilon = flagEpsilon
	}
	if changed[flagGammaName] {
		cfg.Gamma = flagGamma
	}
	if changed[flagCName] {
		cfg.C = flagC
	}
	if changed[flagArmConfigName] {
		cfg.ArmConfigID = flagArmConfig
	}
	if changed[flagRewardName] {
		cfg.RewardType = flagReward
	}
	if changed[flagDynamicSDName] {
		cfg.DynamicSD = config.DynamicSDMode(flagDynamicSD)
	}
	if changed[flagSDWindowName] {
		cfg.SDWindow = flagSDWindow
	}
	if changed[flagSDThreshName] {
		cfg.SDThreshold = flagSDThresh
	}
	if changed[flagSDPenaltyKName] {
		cfg.SDPenaltyK = flagSDPenaltyK
	}
	if changed[flagLogLevelName] {
		cfg.LogLevel = flagLogLevel
	}
	if changed[flagLogTargetName] {
		cfg.LogTarget = config.LogTarget(flagLogTarget)
	}
	cfg.ConfigFile = flagConfigFile
	if changed[flagMetricsAddrName] {
		cfg.MetricsAddr = flagMetricsAddr
	}
	if changed[flagReportFileName] {
		cfg.ReportFile = flagReportFile
	}
	if changed[flagReportFmtName] {
		cfg.ReportFormat = flagReportFormat
	}
	if changed[flagKernelHelperName] {
		cfg.KernelHelperPath = flagKernelHelper
	}

	autoDetectCoreRange(&cfg)
	autoDetectBandwidthTarget(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// autoDetectCoreRange fills in core_first/core_last when the user left
// them at the -1 sentinel, per §4.7's "auto-detect efficiency cores"
// default. Full topology discovery (efficiency vs. performance cores) is
// out of scope (§1); this substitutes the simplest honest approximation
// available without it: every core the Go runtime reports.
func autoDetectCoreRange(cfg *config.Config) {
	if cfg.CoreFirst >= 0 && cfg.CoreLast >= 0 {
		return
	}
	cfg.CoreFirst = 0
	cfg.CoreLast = runtime.NumCPU() - 1
	if cfg.CoreLast < cfg.CoreFirst {
		cfg.CoreLast = cfg.CoreFirst
	}
}

// autoDetectBandwidthTarget fills in bandwidth_target_mb_s for the
// auto-fraction mode. DMI/BIOS bandwidth discovery is out of scope
// (§1); this uses a conservative, documented constant in its place.
const fallbackMaxDRAMBandwidthMBs = 20000
const autoFraction = 0.70

func autoDetectBandwidthTarget(cfg *config.Config) {
	if cfg.BandwidthMode != config.BandwidthModeAutoFrac {
		return
	}
	if cfg.BandwidthTargetMBs != 0 {
		return
	}
	cfg.BandwidthTargetMBs = uint32(float64(fallbackMaxDRAMBandwidthMBs) * autoFraction)
}

func parsePriorities(pairs []string) (map[int]uint32, error) {
	out := make(map[int]uint32, len(pairs))
	for _, pair := range pairs {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, common.NewConfigError("priority", "expected core_id:priority, got "+pair)
		}
		coreID, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, common.NewConfigError("priority", "invalid core id in "+pair)
		}
		priority, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, common.NewConfigError("priority", "invalid priority in "+pair)
		}
		out[coreID] = uint32(priority)
	}
	return out, nil
}

// configureLogging selects slog's handler the way this codebase's root
// command does: JSON to a file or syslog, human-readable to stdout,
// chosen by the log-target flag.
func configureLogging() error {
	opts := &slog.HandlerOptions{Level: slogLevel(flagLogLevel)}
	switch config.LogTarget(flagLogTarget) {
	case config.LogTargetSyslog:
		handler, err := newSyslogHandler(opts)
		if err != nil {
			return fmt.Errorf("failed to create syslog handler: %w", err)
		}
		slog.SetDefault(slog.New(handler))
	case config.LogTargetFile:
		var err error
		gLogFile, err = os.OpenFile(common.AppName+".log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(gLogFile, opts)))
	default:
		// A human is watching an interactive terminal: keep the readable
		// text handler. Piped to a file or log collector, emit the same
		// structured JSON the file/syslog targets use, so downstream
		// tooling doesn't have to parse the text format. Mirrors the
		// teacher's own tty-detection-before-choosing-output-mode pattern.
		if term.IsTerminal(int(os.Stdout.Fd())) {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
		} else {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
		}
	}
	return nil
}

func slogLevel(level int) slog.Level {
	switch {
	case level <= 0:
		return slog.LevelError
	case level == 1:
		return slog.LevelWarn
	case level >= 4:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// runController wires the resolved Config into an accessor, probe,
// controller, and Coordinator, runs the control loop to completion, and
// exports the tick-history report if configured.
func runController(cmd *cobra.Command, args []string) error {
	cfg := gConfig
	slog.Info("starting up", slog.String("app", common.AppName), slog.Int("pid", os.Getpid()), slog.String("algorithm", string(cfg.Algorithm)))
	defer terminate()

	accessor, safeMSR, err := buildAccessor(cfg)
	if err != nil {
		return err
	}

	probe := bandwidth.Select(bandwidth.DetectRDTMonitoring(), coreRange(cfg), cfg.TickIntervalSeconds)

	ctrl, err := buildController(cfg)
	if err != nil {
		return err
	}

	co := coordinator.New(cfg, accessor, probe, ctrl, safeMSR)
	if cfg.MetricsAddr != "" {
		co.EnableMetrics(cfg.MetricsAddr)
	}

	history, err := co.Run()
	if err != nil {
		return err
	}

	if cfg.ReportFile != "" {
		if err := exportReport(cfg, history); err != nil {
			slog.Error("failed to write tick-history report", slog.String("error", err.Error()))
		}
	}
	slog.Info("shutdown complete")
	return nil
}

func coreRange(cfg config.Config) []int {
	cores := make([]int, 0, cfg.CoreLast-cfg.CoreFirst+1)
	for i := cfg.CoreFirst; i <= cfg.CoreLast; i++ {
		cores = append(cores, i)
	}
	return cores
}

// buildAccessor selects the direct /dev/cpu/N/msr backend, or the
// kernel-helper proc-file client when --kernel-helper is set (§6), and
// returns the safe (restore-to-default) MSR value for shutdown.
func buildAccessor(cfg config.Config) (msr.Accessor, uint64, error) {
	safe := controller.DefaultLadder()[0]
	if cfg.KernelHelperPath != "" {
		client, err := kernelhelper.Open(cfg.KernelHelperPath)
		if err != nil {
			return nil, 0, err
		}
		return &kernelhelper.Accessor{Client: client}, safe, nil
	}
	for i := cfg.CoreFirst; i <= cfg.CoreLast; i++ {
		if err := msr.ValidateDevice(i); err != nil {
			return nil, 0, err
		}
	}
	return msr.NewDeviceAccessor(), safe, nil
}

func buildController(cfg config.Config) (controller.Controller, error) {
	switch cfg.Algorithm {
	case config.AlgorithmHeur0:
		return &controller.HeurController{
			Ladder:       controller.DefaultLadder(),
			Aggr:         cfg.Aggressiveness,
			MarginUpFrac: 0.10,
			MarginDnFrac: 0.05,
			Target:       cfg.BandwidthTargetMBs,
		}, nil
	case config.AlgorithmHeurPrio:
		return &controller.HeurController{
			Ladder:         controller.DefaultLadder(),
			Aggr:           cfg.Aggressiveness,
			MarginUpFrac:   0.10,
			MarginDnFrac:   0.05,
			Target:         cfg.BandwidthTargetMBs,
			PriorityScaled: true,
		}, nil
	case config.AlgorithmMAB:
		return controller.NewMABController(controller.DefaultArmTable(), controller.MABController{
			Epsilon:     cfg.Epsilon,
			Gamma:       cfg.Gamma,
			C:           cfg.C,
			RewardType:  controller.RewardType(cfg.RewardType),
			DynamicSD:   dynamicSDFromConfig(cfg.DynamicSD),
			SDWindow:    cfg.SDWindow,
			SDThreshold: cfg.SDThreshold,
			SDPenaltyK:  cfg.SDPenaltyK,
			Target:      cfg.BandwidthTargetMBs,
		}), nil
	default:
		return nil, common.NewConfigError("algorithm", "unknown algorithm "+string(cfg.Algorithm))
	}
}

func dynamicSDFromConfig(m config.DynamicSDMode) controller.DynamicSD {
	switch m {
	case config.DynamicSDOn:
		return controller.SDOn
	case config.DynamicSDStep:
		return controller.SDStep
	default:
		return controller.SDOff
	}
}

func exportReport(cfg config.Config, history *report.History) error {
	data, err := report.Create(cfg.ReportFormat, history)
	if err != nil {
		return err
	}
	return os.WriteFile(cfg.ReportFile, data, 0644)
}

func terminate() {
	if gLogFile != nil {
		if err := gLogFile.Close(); err != nil {
			slog.Error("error closing log file", slog.String("error", err.Error()))
		}
	}
}

// syslogHandler is a slog.Handler backed by the local syslog daemon,
// mirroring this codebase's own root-command syslog handler.
type syslogHandler struct {
	writer    *syslog.Writer
	level     slog.Leveler
	addSource bool
}

func newSyslogHandler(opts *slog.HandlerOptions) (*syslogHandler, error) {
	writer, err := syslog.New(syslog.LOG_INFO|syslog.LOG_USER, filepath.Base(os.Args[0]))
	if err != nil {
		return nil, err
	}
	return &syslogHandler{writer: writer, level: opts.Level, addSource: opts.AddSource}, nil
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	msg := fmt.Sprintf("level=%s msg=%q", r.Level.String(), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%q", a.Key, a.Value)
		return true
	})
	switch r.Level {
	case slog.LevelDebug:
		return h.writer.Debug(msg)
	case slog.LevelWarn:
		return h.writer.Warning(msg)
	case slog.LevelError:
		return h.writer.Err(msg)
	default:
		return h.writer.Info(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *syslogHandler) WithGroup(name string) slog.Handler       { return h }

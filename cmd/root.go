// Package cmd provides the command line interface for the prefetcher
// controller.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
	"github.com/ZeduloTech/hardwarePrefetching/internal/config"
)

var examples = []string{
	fmt.Sprintf("  Run with defaults on an auto-detected core range:      $ %s", common.AppName),
	fmt.Sprintf("  Monitor cores 0-15 with the MAB controller:            $ %s --core-first 0 --core-last 15 --algorithm MAB", common.AppName),
	fmt.Sprintf("  Cap DRAM bandwidth at 8000 MB/s with HEUR_PRIO:        $ %s --algorithm HEUR_PRIO --bandwidth-mode set --bandwidth-target 8000", common.AppName),
	fmt.Sprintf("  Export a Prometheus endpoint and a tick-history XLSX:  $ %s --metrics-addr :9107 --report-file history.xlsx --report-format xlsx", common.AppName),
}

var rootCmd = &cobra.Command{
	Use:     common.AppName,
	Short:   "Dynamic hardware-prefetcher controller",
	Long:    "Samples per-core PMU counters and aggregate memory bandwidth each tick, then reprograms prefetcher-control MSRs per module using a threshold heuristic or a contextual bandit.",
	Example: strings.Join(examples, "\n"),
	PreRunE: validateFlags,
	RunE:    runController,
	Version: gVersion,
}

var gVersion = "0.1.0"

var gLogFile *os.File

var (
	flagCoreFirst  int
	flagCoreLast   int
	flagTickSecs   float64
	flagAlgorithm  string
	flagAggr       float64
	flagBWTarget   uint32
	flagBWMode     string
	flagPriorities []string // "core:priority" pairs
	flagEpsilon    float64
	flagGamma      float64
	flagC          float64
	flagArmConfig  int
	flagReward     int
	flagDynamicSD  string
	flagSDWindow   int
	flagSDThresh   float64
	flagSDPenaltyK float64
	flagLogLevel   int
	flagLogTarget  string
	flagConfigFile string
	flagMetricsAddr string
	flagReportFile   string
	flagReportFormat string
	flagKernelHelper string
)

const (
	flagCoreFirstName   = "core-first"
	flagCoreLastName    = "core-last"
	flagTickSecsName    = "tick-interval"
	flagAlgorithmName   = "algorithm"
	flagAggrName        = "aggressiveness"
	flagBWTargetName    = "bandwidth-target"
	flagBWModeName      = "bandwidth-mode"
	flagPrioritiesName  = "priority"
	flagEpsilonName     = "epsilon"
	flagGammaName       = "gamma"
	flagCName           = "c"
	flagArmConfigName   = "arm-configuration"
	flagRewardName      = "reward"
	flagDynamicSDName   = "dynamic-sd"
	flagSDWindowName    = "sd-window"
	flagSDThreshName    = "sd-threshold"
	flagSDPenaltyKName  = "sd-penalty-k"
	flagLogLevelName    = "log-level"
	flagLogTargetName   = "log-target"
	flagConfigFileName  = "config-file"
	flagMetricsAddrName = "metrics-addr"
	flagReportFileName  = "report-file"
	flagReportFmtName   = "report-format"
	flagKernelHelperName = "kernel-helper"
)

func init() {
	rootCmd.Flags().IntVar(&flagCoreFirst, flagCoreFirstName, -1, "first monitored core (inclusive); -1 auto-detects")
	rootCmd.Flags().IntVar(&flagCoreLast, flagCoreLastName, -1, "last monitored core (inclusive); -1 auto-detects")
	rootCmd.Flags().Float64Var(&flagTickSecs, flagTickSecsName, 1.0, "tick interval in seconds, clamped to [0.0001, 60]")
	rootCmd.Flags().StringVar(&flagAlgorithm, flagAlgorithmName, string(config.AlgorithmHeur0), "controller algorithm: HEUR0, HEUR_PRIO, MAB")
	rootCmd.Flags().Float64Var(&flagAggr, flagAggrName, 1.0, "HEUR step-size scaling factor, in [0.1, 5.0]")
	rootCmd.Flags().Uint32Var(&flagBWTarget, flagBWTargetName, 0, "DRAM bandwidth target in MB/s")
	rootCmd.Flags().StringVar(&flagBWMode, flagBWModeName, string(config.BandwidthModeAutoFrac), "bandwidth target mode: set, auto-fraction (self-test is not yet implemented)")
	rootCmd.Flags().StringSliceVar(&flagPriorities, flagPrioritiesName, nil, "per-core priority override, repeatable, format core_id:priority")
	rootCmd.Flags().Float64Var(&flagEpsilon, flagEpsilonName, 0.1, "MAB epsilon, in [0,1]")
	rootCmd.Flags().Float64Var(&flagGamma, flagGammaName, 0.959, "MAB reward decay gamma, in (0,1)")
	rootCmd.Flags().Float64Var(&flagC, flagCName, 0.0006, "MAB UCB exploration constant")
	rootCmd.Flags().IntVar(&flagArmConfig, flagArmConfigName, 0, "MAB arm table selection id")
	rootCmd.Flags().IntVar(&flagReward, flagRewardName, 0, "MAB reward type: 0=IPC, 1=IPC_OVER_BANDWIDTH, 2=SD_PENALIZED")
	rootCmd.Flags().StringVar(&flagDynamicSD, flagDynamicSDName, string(config.DynamicSDOff), "MAB sliding-window IPC std-dev context: OFF, ON, STEP")
	rootCmd.Flags().IntVar(&flagSDWindow, flagSDWindowName, 16, "sliding window length for dynamic_sd")
	rootCmd.Flags().Float64Var(&flagSDThresh, flagSDThreshName, 0.01, "STEP-mode rate-limit threshold on sigma delta")
	rootCmd.Flags().Float64Var(&flagSDPenaltyK, flagSDPenaltyKName, 1.0, "SD_PENALIZED reward penalty coefficient k")
	rootCmd.Flags().IntVar(&flagLogLevel, flagLogLevelName, 3, "log verbosity, 0-4")
	rootCmd.Flags().StringVar(&flagLogTarget, flagLogTargetName, string(config.LogTargetStdout), "log target: stdout, file, syslog")
	rootCmd.Flags().StringVar(&flagConfigFile, flagConfigFileName, "", "optional YAML config file, layered under explicit flags")
	rootCmd.Flags().StringVar(&flagMetricsAddr, flagMetricsAddrName, "", "Prometheus /metrics listen address, e.g. :9107; empty disables")
	rootCmd.Flags().StringVar(&flagReportFile, flagReportFileName, "", "tick-history report output path; empty disables")
	rootCmd.Flags().StringVar(&flagReportFormat, flagReportFmtName, "csv", "tick-history report format: csv, json, xlsx")
	rootCmd.Flags().StringVar(&flagKernelHelper, flagKernelHelperName, "", "kernel-helper proc-file path, e.g. /proc/dpf_ctl; empty uses direct MSR access")
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// changedFlagSet returns the set of flag names the user actually passed
// on the command line, so YAML-file values only fill in what wasn't set.
func changedFlagSet(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = true
	})
	return changed
}

// Package config holds the typed configuration surface (§4.7): the
// options recognized by the CLI and optional YAML file, and the
// validation that turns bad input into typed ConfigErrors at startup.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/ZeduloTech/hardwarePrefetching/internal/common"
)

// Algorithm selects the control algorithm (§4.7 "algorithm").
type Algorithm string

const (
	AlgorithmHeur0    Algorithm = "HEUR0"
	AlgorithmHeurPrio Algorithm = "HEUR_PRIO"
	AlgorithmMAB      Algorithm = "MAB"
)

// BandwidthMode selects how the bandwidth target is determined.
type BandwidthMode string

const (
	BandwidthModeSet         BandwidthMode = "set"
	BandwidthModeAutoFrac    BandwidthMode = "auto-fraction"
	BandwidthModeSelfTest    BandwidthMode = "self-test"
)

// DynamicSDMode mirrors controller.DynamicSD as a config-layer string so
// the YAML/CLI surface doesn't need to import the controller package.
type DynamicSDMode string

const (
	DynamicSDOff  DynamicSDMode = "OFF"
	DynamicSDOn   DynamicSDMode = "ON"
	DynamicSDStep DynamicSDMode = "STEP"
)

// LogTarget selects where structured log lines go.
type LogTarget string

const (
	LogTargetStdout LogTarget = "stdout"
	LogTargetFile   LogTarget = "file"
	LogTargetSyslog LogTarget = "syslog"
)

// Config is the fully-resolved, validated configuration for one run,
// assembled by layering an optional YAML file under explicit CLI flags
// (§4.7, final paragraph).
type Config struct {
	CoreFirst int
	CoreLast  int

	TickIntervalSeconds float64

	Algorithm      Algorithm
	Aggressiveness float64

	BandwidthTargetMBs uint32
	BandwidthMode      BandwidthMode

	// Priorities maps core_id -> priority in [0,99]; cores absent from the
	// map default to 50.
	Priorities map[int]uint32

	Epsilon      float64
	Gamma        float64
	C            float64
	ArmConfigID  int
	RewardType   int
	DynamicSD    DynamicSDMode
	SDWindow     int
	SDThreshold  float64
	SDPenaltyK   float64

	LogLevel  int
	LogTarget LogTarget

	ConfigFile string

	MetricsAddr string

	ReportFile   string
	ReportFormat string

	KernelHelperPath string
}

// Default returns a Config populated with the §4.7 defaults; the CLI
// layer overwrites fields the user actually set.
func Default() Config {
	return Config{
		CoreFirst:           -1, // sentinel: auto-detect
		CoreLast:            -1,
		TickIntervalSeconds: 1.0,
		Algorithm:           AlgorithmHeur0,
		Aggressiveness:      1.0,
		BandwidthMode:       BandwidthModeAutoFrac,
		Priorities:          map[int]uint32{},
		Epsilon:             0.1,
		Gamma:               0.959,
		C:                   0.0006,
		ArmConfigID:         0,
		RewardType:          0,
		DynamicSD:           DynamicSDOff,
		SDWindow:            16,
		SDThreshold:         0.01,
		SDPenaltyK:          1.0,
		LogLevel:            3,
		LogTarget:           LogTargetStdout,
	}
}

// fileConfig is the YAML-file shape. Every field is a pointer so the
// merge step can tell "absent" apart from "explicitly zero".
type fileConfig struct {
	CoreFirst           *int               `yaml:"core_first"`
	CoreLast            *int               `yaml:"core_last"`
	TickIntervalSeconds *float64           `yaml:"tick_interval_seconds"`
	Algorithm           *string            `yaml:"algorithm"`
	Aggressiveness      *float64           `yaml:"aggressiveness"`
	BandwidthTargetMBs  *uint32            `yaml:"bandwidth_target_mb_s"`
	BandwidthMode       *string            `yaml:"bandwidth_mode"`
	Priorities          map[int]uint32     `yaml:"priorities"`
	Epsilon             *float64           `yaml:"epsilon"`
	Gamma               *float64           `yaml:"gamma"`
	C                   *float64           `yaml:"c"`
	ArmConfigID         *int               `yaml:"arm_configuration"`
	RewardType          *int               `yaml:"reward_type"`
	DynamicSD           *string            `yaml:"dynamic_sd"`
	SDWindow            *int               `yaml:"sd_window"`
	SDThreshold         *float64           `yaml:"sd_threshold"`
	SDPenaltyK          *float64           `yaml:"sd_penalty_k"`
	LogLevel            *int               `yaml:"log_level"`
	LogTarget           *string            `yaml:"log_target"`
	MetricsAddr         *string            `yaml:"metrics_addr"`
	ReportFile          *string            `yaml:"report_file"`
	ReportFormat        *string            `yaml:"report_format"`
	KernelHelperPath    *string            `yaml:"kernel_helper_path"`
}

// LoadYAMLFile reads a YAML config file and applies its values into cfg,
// but only for fields the caller has not already set on the command
// line (tracked via changedFlags; a flag name present in that set wins
// over the file). This mirrors the flag/config layering this codebase's
// command surface uses for its own targets.yaml.
func LoadYAMLFile(path string, cfg *Config, changedFlags map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return common.NewConfigError("config-file", err.Error())
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return common.NewConfigError("config-file", "invalid YAML: "+err.Error())
	}

	set := func(flag string) bool { return !changedFlags[flag] }

	if fc.CoreFirst != nil && set("core-first") {
		cfg.CoreFirst = *fc.CoreFirst
	}
	if fc.CoreLast != nil && set("core-last") {
		cfg.CoreLast = *fc.CoreLast
	}
	if fc.TickIntervalSeconds != nil && set("tick-interval") {
		cfg.TickIntervalSeconds = *fc.TickIntervalSeconds
	}
	if fc.Algorithm != nil && set("algorithm") {
		cfg.Algorithm = Algorithm(*fc.Algorithm)
	}
	if fc.Aggressiveness != nil && set("aggressiveness") {
		cfg.Aggressiveness = *fc.Aggressiveness
	}
	if fc.BandwidthTargetMBs != nil && set("bandwidth-target") {
		cfg.BandwidthTargetMBs = *fc.BandwidthTargetMBs
	}
	if fc.BandwidthMode != nil && set("bandwidth-mode") {
		cfg.BandwidthMode = BandwidthMode(*fc.BandwidthMode)
	}
	if len(fc.Priorities) > 0 && set("priority") {
		cfg.Priorities = fc.Priorities
	}
	if fc.Epsilon != nil && set("epsilon") {
		cfg.Epsilon = *fc.Epsilon
	}
	if fc.Gamma != nil && set("gamma") {
		cfg.Gamma = *fc.Gamma
	}
	if fc.C != nil && set("c") {
		cfg.C = *fc.C
	}
	if fc.ArmConfigID != nil && set("arm-configuration") {
		cfg.ArmConfigID = *fc.ArmConfigID
	}
	if fc.RewardType != nil && set("reward") {
		cfg.RewardType = *fc.RewardType
	}
	if fc.DynamicSD != nil && set("dynamic-sd") {
		cfg.DynamicSD = DynamicSDMode(*fc.DynamicSD)
	}
	if fc.SDWindow != nil && set("sd-window") {
		cfg.SDWindow = *fc.SDWindow
	}
	if fc.SDThreshold != nil && set("sd-threshold") {
		cfg.SDThreshold = *fc.SDThreshold
	}
	if fc.SDPenaltyK != nil && set("sd-penalty-k") {
		cfg.SDPenaltyK = *fc.SDPenaltyK
	}
	if fc.LogLevel != nil && set("log-level") {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogTarget != nil && set("log-target") {
		cfg.LogTarget = LogTarget(*fc.LogTarget)
	}
	if fc.MetricsAddr != nil && set("metrics-addr") {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	if fc.ReportFile != nil && set("report-file") {
		cfg.ReportFile = *fc.ReportFile
	}
	if fc.ReportFormat != nil && set("report-format") {
		cfg.ReportFormat = *fc.ReportFormat
	}
	if fc.KernelHelperPath != nil && set("kernel-helper") {
		cfg.KernelHelperPath = *fc.KernelHelperPath
	}
	return nil
}

var validAlgorithms = map[Algorithm]bool{AlgorithmHeur0: true, AlgorithmHeurPrio: true, AlgorithmMAB: true}
var validBandwidthModes = map[BandwidthMode]bool{BandwidthModeSet: true, BandwidthModeAutoFrac: true}
var validDynamicSD = map[DynamicSDMode]bool{DynamicSDOff: true, DynamicSDOn: true, DynamicSDStep: true}
var validLogTargets = map[LogTarget]bool{LogTargetStdout: true, LogTargetFile: true, LogTargetSyslog: true}

// Validate checks every field against §4.7/§7's constraints, returning
// the first ConfigError found. TickIntervalSeconds is clamped rather
// than rejected, per §4.3.
func (c *Config) Validate() error {
	if c.CoreFirst >= 0 && c.CoreLast >= 0 && c.CoreFirst > c.CoreLast {
		return common.NewConfigError("core-range", "core-first must be <= core-last")
	}
	if c.CoreFirst >= 0 && c.CoreLast < 0 {
		return common.NewConfigError("core-range", "core-last must be set when core-first is set")
	}
	c.TickIntervalSeconds = common.ClampTickInterval(c.TickIntervalSeconds)
	if !validAlgorithms[c.Algorithm] {
		return common.NewConfigError("algorithm", "must be one of HEUR0, HEUR_PRIO, MAB")
	}
	if c.Aggressiveness < 0.1 || c.Aggressiveness > 5.0 {
		return common.NewConfigError("aggressiveness", "must be in [0.1, 5.0]")
	}
	if c.BandwidthMode == BandwidthModeSelfTest {
		return common.NewConfigError("bandwidth-mode", "self-test is not implemented by this build; use set or auto-fraction")
	}
	if !validBandwidthModes[c.BandwidthMode] {
		return common.NewConfigError("bandwidth-mode", "must be one of set, auto-fraction")
	}
	if c.BandwidthMode == BandwidthModeSet && c.BandwidthTargetMBs == 0 {
		return common.NewConfigError("bandwidth-target", "required when bandwidth-mode is set")
	}
	for core, p := range c.Priorities {
		if p > 99 {
			return common.NewConfigError("priority", "core priority out of range [0,99] for core "+strconv.Itoa(core))
		}
	}
	if c.Epsilon < 0 || c.Epsilon > 1 {
		return common.NewConfigError("epsilon", "must be in [0, 1]")
	}
	if c.Gamma <= 0 || c.Gamma >= 1 {
		return common.NewConfigError("gamma", "must be in (0, 1)")
	}
	if c.C < 0 {
		return common.NewConfigError("c", "must be >= 0")
	}
	if !validDynamicSD[c.DynamicSD] {
		return common.NewConfigError("dynamic-sd", "must be one of OFF, ON, STEP")
	}
	if !validLogTargets[c.LogTarget] {
		return common.NewConfigError("log-target", "must be one of stdout, file, syslog")
	}
	if c.ReportFile != "" {
		switch c.ReportFormat {
		case "csv", "json", "xlsx":
		default:
			return common.NewConfigError("report-format", "must be one of csv, json, xlsx")
		}
	}
	return nil
}

// Priority returns the configured priority for a core, defaulting to 50
// (§3 "priority ∈ [0,99] (default 50)").
func (c *Config) Priority(coreID int) uint32 {
	if p, ok := c.Priorities[coreID]; ok {
		return p
	}
	return 50
}

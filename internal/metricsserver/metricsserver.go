// Package metricsserver is the optional Prometheus /metrics exporter
// (§2.10), grounded on this codebase's own metrics-subcommand server:
// one gauge vector per signal, registered once, updated once per tick,
// served on a background HTTP listener that the coordinator starts only
// when --metrics-addr is set.
package metricsserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZeduloTech/hardwarePrefetching/internal/core"
)

const metricPrefix = "prefetchctl_"

// Server owns the registered gauges and the background HTTP listener.
type Server struct {
	coreIPC       *prometheus.GaugeVec
	bandwidth     prometheus.Gauge
	moduleLevel   *prometheus.GaugeVec
	moduleArm     *prometheus.GaugeVec
	banditReward  *prometheus.GaugeVec

	httpServer *http.Server
}

// New builds and registers every gauge. Safe to call once per process;
// registering twice (e.g. in tests) panics, matching promauto behavior
// elsewhere in this codebase's metrics package.
func New() *Server {
	s := &Server{
		coreIPC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "core_ipc",
			Help: "Instructions per cycle for the last tick, per core.",
		}, []string{"core_id"}),
		bandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "bandwidth_mb_s",
			Help: "Aggregate memory bandwidth observed over the last tick, in MB/s.",
		}),
		moduleLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "module_ladder_level",
			Help: "Current HEUR ladder level, per module.",
		}, []string{"module_id"}),
		moduleArm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricPrefix + "module_arm_index",
			Help: "Current MAB arm index, per module.",
		}, []string{"module_id"}),
	}
	s.banditReward = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: metricPrefix + "bandit_reward",
		Help: "MAB reward credited on the most recent tick to the arm applied on the tick before, labeled with the arm index selected on the most recent tick.",
	}, []string{"arm_index"})
	prometheus.MustRegister(s.coreIPC, s.bandwidth, s.moduleLevel, s.moduleArm, s.banditReward)
	return s
}

// Start begins serving /metrics in the background. Returns immediately;
// errors from ListenAndServe after startup are logged, not returned,
// mirroring this codebase's own startPrometheusServer.
func (s *Server) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	slog.Info("starting Prometheus metrics server", slog.String("address", addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
}

// Stop shuts the HTTP listener down with a bounded deadline.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("error shutting down metrics server", slog.String("error", err.Error()))
	}
}

// Update pushes one tick's observations into the gauges.
func (s *Server) Update(sample core.TickSample, modules map[uint32]*core.ModuleState, armRewards map[int]float64) {
	s.bandwidth.Set(float64(sample.BandwidthMBs))
	for _, c := range sample.Cores {
		s.coreIPC.WithLabelValues(strconv.Itoa(int(c.CoreID))).Set(c.IPC)
	}
	for id, ms := range modules {
		s.moduleLevel.WithLabelValues(strconv.Itoa(int(id))).Set(float64(ms.CurrentLadderLevel))
		s.moduleArm.WithLabelValues(strconv.Itoa(int(id))).Set(float64(ms.CurrentArmIndex))
	}
	for arm, reward := range armRewards {
		s.banditReward.WithLabelValues(strconv.Itoa(arm)).Set(reward)
	}
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ClusterState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testenv_cluster_state",
			Help: "Lifecycle state of each cluster (0 configured .. 4 stopped)",
		},
		[]string{"cluster"},
	)

	ProcessesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "testenv_processes_running",
			Help: "Number of live supervised processes by cluster and role",
		},
		[]string{"cluster", "role"},
	)

	PortsLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "testenv_ports_leased",
			Help: "Number of ports currently held by port leases",
		},
	)

	// Supervisor metrics
	ProcessStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testenv_process_starts_total",
			Help: "Total number of server processes spawned by role",
		},
		[]string{"role"},
	)

	ProcessExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testenv_process_exits_total",
			Help: "Total number of server process exits by role and reason",
		},
		[]string{"role", "reason"},
	)

	// Orchestrator metrics
	ReadinessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testenv_readiness_duration_seconds",
			Help:    "Time until a readiness probe succeeded",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"probe"},
	)

	ReadinessTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testenv_readiness_timeouts_total",
			Help: "Total number of readiness probes that timed out",
		},
		[]string{"probe"},
	)

	EmergencyStopsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "testenv_emergency_stops_total",
			Help: "Total number of emergency stops triggered by the liveness checker",
		},
	)

	// Command facade metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testenv_commands_total",
			Help: "Total number of platform commands by command and status",
		},
		[]string{"command", "status"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testenv_command_duration_seconds",
			Help:    "Platform command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(ClusterState)
	prometheus.MustRegister(ProcessesRunning)
	prometheus.MustRegister(PortsLeased)
	prometheus.MustRegister(ProcessStartsTotal)
	prometheus.MustRegister(ProcessExitsTotal)
	prometheus.MustRegister(ReadinessDuration)
	prometheus.MustRegister(ReadinessTimeoutsTotal)
	prometheus.MustRegister(EmergencyStopsTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

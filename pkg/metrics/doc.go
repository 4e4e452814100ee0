/*
Package metrics provides Prometheus metrics and status endpoints for the test
environment.

All metrics are package-level collectors registered with the default registry
at init, named with the testenv_ prefix:

	testenv_cluster_state{cluster}                lifecycle state per cluster
	testenv_processes_running{cluster,role}       live supervised processes
	testenv_ports_leased                          ports held by port leases
	testenv_process_starts_total{role}            spawned server processes
	testenv_process_exits_total{role,reason}      exits: killed, crashed, startup
	testenv_readiness_duration_seconds{probe}     time to readiness per probe
	testenv_readiness_timeouts_total{probe}       probes that hit their ceiling
	testenv_emergency_stops_total                 liveness checker emergencies
	testenv_commands_total{command,status}        facade commands by outcome
	testenv_command_duration_seconds{command}     facade command latency

Handler exposes them for scraping; the CLI mounts it next to the /health and
/ready handlers when started with --metrics-addr.

# Component health

A Collector samples every registered Source (a provisioned cluster) on a
ticker, updating the process gauges and one health component per cluster and
role ("primary/node"). GetReadiness turns ready once all components declared
with SetCriticalComponents are registered and healthy.

# Timing

	timer := metrics.NewTimer()
	err := probe()
	timer.ObserveDurationVec(metrics.ReadinessDuration, "node")
*/
package metrics

/*
Package log provides structured logging for the test environment using zerolog.

A single global Logger is shared by every harness package. Init replaces it
with a logger writing either JSON lines or human-readable console output at
the configured level. Packages derive child loggers carrying a component field
rather than logging through the global logger directly:

	logger := log.WithComponent("supervisor")
	logger.Info().Str("binary", path).Msg("discovered server binary")

Cluster-scoped packages (provisioner, orchestrator, fixture) use WithCluster so
that log lines of concurrently running clusters in a multi-cluster suite can be
told apart:

	logger := log.WithCluster("orchestrator", "remote_0")

# Levels

Debug is used for per-command façade tracing and probe iterations, Info for
lifecycle milestones (cluster started, process spawned), Warn for best-effort
teardown failures and Error for emergency stops and processes that refused to
die after SIGKILL.

Until Init is called the global logger writes console output to stderr at the
info level.
*/
package log

/*
Package lifecycle brings provisioned clusters up and down.

The Orchestrator starts the roles of each cluster in a fixed order. Every
step waits on a readiness probe before the next one begins:

	http proxies       GET /api answers 200
	clocks             ports accept connections
	master cells       each cell answers, secondaries are registered at the primary
	(OnMastersStarted hook)
	nodes              //sys/cluster_nodes lists every node as online
	schedulers         one scheduler is connected, sees the primary cell and every node
	controller agents  every agent connected after the start
	rpc proxies        //sys/rpc_proxies lists every proxy as alive

A probe that reaches its ceiling (see Policies) dumps the captured stderrs
and fails with *supervisor.StartupError.

Once every cluster is running the connection of each one is published
under //sys/clusters of all of them, and one LivenessChecker per cluster
polls for processes exiting on their own. The first such exit stops every
cluster and terminates the harness with ExitCodeEmergency.

A Restarter kills a set of roles and starts them again with the same
probes, which is how tests exercise snapshot revive and transaction abort
handling.
*/
package lifecycle

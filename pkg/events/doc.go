/*
Package events provides the in-memory broker carrying lifecycle notifications
between harness components.

The supervisor publishes process events, the orchestrator publishes cluster
state transitions and probe results, and the liveness checker publishes the
emergency event before it stops a cluster. Tests and the CLI subscribe to
observe a run without polling.

# Delivery

	Publish ──► eventCh (256) ──► broadcast loop ──► Subscriber (64 each)

Publishing is asynchronous. A subscriber whose buffer is full misses events;
no publisher ever waits for a slow consumer. Stop closes every subscriber
channel, so consumers can range over them:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventProcessExited, events.EventClusterEmergency)
	go func() {
		for ev := range sub {
			log.Warn().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()

	broker.Publish(events.New(events.EventProcessExited, "primary", "node-0 exited").
		With("process", "node-0"))

A nil *Broker is valid for Publish and Stop, which lets components treat the
broker as optional.

# Event types

	process.started           a server process passed warmup
	process.killed            the supervisor killed a process group
	process.exited            a process exited without being killed
	process.startup_failed    a process died during warmup
	cluster.state             a cluster changed lifecycle state
	cluster.emergency         the liveness checker fired
	cluster.roles_restarted   a Restarter brought its roles back
	probe.passed              a readiness probe succeeded
	probe.timed_out           a readiness probe hit its ceiling
*/
package events

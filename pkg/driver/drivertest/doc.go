// Package drivertest provides an in-memory Platform served through
// driver.Driver, for tests that need a cluster without starting binaries.
//
// The fake keeps a Cypress tree with attributes, links and document nodes,
// master transactions and locks, accounts, users and groups, static and
// dynamic tables, and a scheduler that runs user jobs as real shell
// processes on registered nodes. Orchid subtrees of nodes, schedulers and
// controller agents are synthesized from its state, so code polling them
// behaves as it would against a live cluster.
//
//	p := drivertest.New(drivertest.Options{Nodes: 3, Schedulers: 1, ControllerAgents: 1})
//	defer p.Close()
//	registry := driver.NewRegistry(p.Factory())
//
// Faults can be armed to make commands fail before or after they apply,
// which is how retry and mutation-id handling is tested.
package drivertest

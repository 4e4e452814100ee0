/*
Package driver connects the harness to a running Platform.

A Driver executes one command per Request and returns a Response future.
Two transports exist. HTTPDriver speaks the HTTP proxy protocol: the
method follows the command descriptor, parameters go in X-YT-Parameters as
YSON and the outcome comes back in X-YT-Error, as a header or a trailer.
GRPCDriver talks to a relay Server that fronts another driver, usually the
HTTP driver of a cluster started elsewhere. Both report Platform failures
as *Error trees and delivery failures wrapped in ErrTransport, so callers
can tell a rejected command from a lost one.

# Commands

The descriptor table (Lookup) names every command together with its input
and output data types and whether it mutates state. Drivers use it to pick
encodings; the relay server uses it to enforce read-only mode.

# Registry

A Registry holds the drivers of every cluster of a run, one per master
cell, built in parallel from the generated driver documents:

	reg := driver.NewRegistry(nil)
	if err := reg.InitDrivers(ctx, types.PrimaryClusterName, set.Docs(types.RoleDriver)); err != nil {
		return err
	}
	defer reg.Terminate()
*/
package driver

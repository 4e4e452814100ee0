/*
Package types defines the data model shared by the test environment packages.

ClusterSpec is the declarative description of one cluster: how many masters,
nodes, schedulers, controller agents and proxies it has, which cell tag its
primary master cell uses, which roles start lazily and which config patches
apply on top of the default templates. A spec is validated once by the
provisioner and never mutated afterwards; the runtime side of a cluster lives
in provision.Instance.

Role names double as config document keys, binary suffixes (split layout) and
command line switches (monolithic layout):

	types.RoleControllerAgent.Flag()         // "--controller-agent"
	types.RoleControllerAgent.BinarySuffix() // "controller-agent"

StartOrder is the strict dependency order used by the orchestrator; every stop
path walks the same list backwards.
*/
package types

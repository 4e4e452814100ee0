/*
Package config generates the per-role config documents of a cluster.

Every role starts from an embedded YSON template (templates/<role>.yson).
Generate fills in ports, cross-role address lists, store locations and
logging writers, applies the controller agent limits, then deep-merges the
ClusterSpec patches of each role and finally runs the optional ModifyFunc
over the whole Set:

	set, err := config.Generate(config.Input{
		Spec:   &spec,
		Ports:  lease.Ports(),
		Layout: l,
		ABI:    abi,
	})
	paths, err := config.Write(set, l.Paths)

Documents are written as pretty YSON, except HTTP proxy configs which are
JSON with attributes encoded as {"$attributes": ..., "$value": ...}.

File names are deterministic: master-<cell>-<peer>.yson, node-<i>.yson,
scheduler-<i>.yson, controller_agent-<i>.yson, clock-<i>.yson,
rpc_proxy-<i>.yson, driver-<cell>.yson and http_proxy-<i>.json.
*/
package config

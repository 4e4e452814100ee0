/*
Package provision composes port allocation, sandbox layout, config
generation and the process supervisor into a cluster Instance.

Prepare does everything short of starting processes:

 1. kill process groups left in the sandbox pid file by an earlier run
 2. lease PortCount ports
 3. build the sandbox tree and point run_latest at it
 4. generate and write one config per instance
 5. write configs/logrotate.conf listing every log file

Teardown kills services in reverse start order, removes the pid file and
releases the lease exactly once. Archive moves a finished run to the
storage root after dropping runtime data.

Sandboxes are laid out per run:

	<sandbox root>/<suite>/<run id>/            primary cluster
	<sandbox root>/<suite>/<run id>/remote_0/   first remote cluster
	<sandbox root>/<suite>/run_latest           symlink to the newest run
*/
package provision

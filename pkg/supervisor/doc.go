/*
Package supervisor spawns and kills Platform server processes.

# Binary discovery

Discover scans a PATH-style search path for one of two layouts:

	monolithic   platform-server --<role> --config <path> [--pdeath-signal SIGTERM]
	split        platform-server-<role> [--pdeathsig 9] --config <path>

The split layout needs at least the master, node and scheduler binaries.
Each binary's version comes from the first line of its --version output and
is reduced to a major.minor ABI; binaries disagreeing on it yield a
*VersionMismatchError.

# Processes

Every server runs in its own session so that killing the group also reaps
helpers it forked. Stdin and stdout go to /dev/null; stderr goes to
stderrs/stderr.<name>, appended to across restarts with a separator line.
Run waits out a warmup period and reports an early exit as *StartupError
carrying the captured stderr. Surviving pids are appended to the run's pid
file so that a later run can KillStale them.

Processes are grouped into services (one per role, or per master cell) which
Kill takes down together: SIGKILL to the process group, then a short grace
period for the reaper. When cgroups are enabled and a writable v1 freezer
hierarchy exists, each process also gets its own freezer cgroup which is
frozen, emptied, thawed and removed on kill.
*/
package supervisor

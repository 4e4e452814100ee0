/*
Package health provides the probes behind readiness and liveness checks.

A Checker performs one probe and reports a Result. Three kinds exist:

	HTTPChecker   GET a URL and accept a status range (proxy GET /api == 200)
	TCPChecker    open a TCP connection (clock and rpc ports)
	FuncChecker   run an arbitrary func(ctx) error, used for the probes that
	              issue Platform commands through a driver

Checkers never block past the context they are given. The lifecycle package
repeats them through wait.For until they pass or their policy ceiling is hit:

	probe := health.NewHTTPChecker("http://" + proxy + "/api").ExpectStatus(200)
	err := wait.For(ctx, "http proxy", policy, func(ctx context.Context) (bool, error) {
		r := probe.Check(ctx)
		return r.Healthy, r.Err()
	})

All runs checkers in sequence and fails on the first unhealthy one.
*/
package health

// Package wait implements bounded polling: evaluate a condition on an
// interval until it holds, and fail with *TimeoutError carrying the last
// observation when the policy ceiling passes. Intervals are driven by
// cenkalti/backoff, either constant or growing toward MaxInterval.
package wait

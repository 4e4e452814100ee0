package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)

	if d := timer.Duration(); d < 20*time.Millisecond {
		t.Errorf("Timer.Duration() = %v, want >= 20ms", d)
	}
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "test_probe_duration_seconds",
			Help: "Test probe duration",
		},
		[]string{"probe"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "master")
	timer.ObserveDurationVec(vec, "master")
	timer.ObserveDurationVec(vec, "node")

	if n := testutil.CollectAndCount(vec); n != 2 {
		t.Errorf("expected 2 label series, got %d", n)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_command_duration_seconds",
		Help: "Test command duration",
	})

	NewTimer().ObserveDuration(histogram)

	if n := testutil.CollectAndCount(histogram); n != 1 {
		t.Errorf("expected 1 series, got %d", n)
	}
}

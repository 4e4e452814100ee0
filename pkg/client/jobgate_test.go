package client_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/wait"
)

func runJob(t *testing.T, id, command string) <-chan error {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), "YT_JOB_ID="+id)
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return done
}

func TestJobGateParksAndResumes(t *testing.T) {
	gate, err := client.NewJobGate(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { gate.Close() })
	ctx := context.Background()
	p := wait.DefaultPolicy.Within(5 * time.Second)

	first := runJob(t, "j1", gate.Wrap("true"))
	second := runJob(t, "j2", gate.Wrap("true"))
	require.NoError(t, gate.WaitStarted(ctx, p, "j1", "j2"))

	started, err := gate.Started()
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, started)

	select {
	case <-first:
		t.Fatal("parked job finished before resume")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, gate.Resume("j1"))
	assert.True(t, gate.Resumed("j1"))
	assert.False(t, gate.Resumed("j2"))
	select {
	case err := <-first:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed job did not finish")
	}

	require.NoError(t, gate.ResumeAll())
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish after ResumeAll")
	}
}

func TestJobGateEvents(t *testing.T) {
	gate, err := client.NewJobGate("")
	require.NoError(t, err)
	ctx := context.Background()
	p := wait.DefaultPolicy.Within(5 * time.Second)

	done := runJob(t, "j1", gate.WaitCmd("go")+" && "+gate.NotifyCmd("finished"))
	require.NoError(t, gate.Notify("go"))
	require.NoError(t, gate.WaitEvent(ctx, "finished", p))
	assert.NoError(t, <-done)

	err = gate.WaitEvent(ctx, "never", wait.DefaultPolicy.Within(200*time.Millisecond))
	assert.True(t, wait.IsTimeout(err), "got %v", err)

	dir := gate.Dir()
	require.NoError(t, gate.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

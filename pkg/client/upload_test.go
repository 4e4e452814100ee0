package client_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/testenv/pkg/client"
	"github.com/cuemby/testenv/pkg/driver/drivertest"
)

func rowsOf(n int) []any {
	rows := make([]any, n)
	for i := range rows {
		rows[i] = map[string]any{"i": int64(i)}
	}
	return rows
}

func TestChunkedTableUpload(t *testing.T) {
	c, p := newClient(t, drivertest.Options{}, client.WithUpload(client.ChunkedUpload{Parts: 2}))
	ctx := context.Background()
	_, err := c.Create(ctx, "table", "//tmp/t")
	require.NoError(t, err)

	require.NoError(t, c.WriteTable(ctx, "//tmp/t", rowsOf(5)))
	assert.Equal(t, 3, p.CallCount("write_table"))

	rows, err := c.ReadTable(ctx, "//tmp/t")
	require.NoError(t, err)
	assert.Equal(t, rowsOf(5), rows)

	// an empty body still truncates the table
	require.NoError(t, c.WriteTable(ctx, "//tmp/t", nil))
	rows, err = c.ReadTable(ctx, "//tmp/t")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestChunkedFileUpload(t *testing.T) {
	c, p := newClient(t, drivertest.Options{}, client.WithUpload(client.ChunkedUpload{Parts: 1}))
	ctx := context.Background()
	_, err := c.Create(ctx, "file", "//tmp/f")
	require.NoError(t, err)

	data := bytes.Repeat([]byte("0123456789abcdef"), (2*client.FileBlockSize+100)/16)
	require.NoError(t, c.WriteFile(ctx, "//tmp/f", data))
	assert.Equal(t, 3, p.CallCount("write_file"))

	got, err := c.ReadFile(ctx, "//tmp/f")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFaultyUpload(t *testing.T) {
	faulty := &client.FaultyUpload{FailAt: 3}
	c, p := newClient(t, drivertest.Options{}, client.WithUpload(faulty))
	ctx := context.Background()
	_, err := c.Create(ctx, "table", "//tmp/t")
	require.NoError(t, err)

	err = c.WriteTable(ctx, "//tmp/t", rowsOf(5))
	assert.True(t, errors.Is(err, client.ErrInjectedUpload), "got %v", err)
	assert.Equal(t, 3, faulty.Sent())
	assert.Equal(t, 2, p.CallCount("write_table"))

	rows, err := c.ReadTable(ctx, "//tmp/t")
	require.NoError(t, err)
	assert.Equal(t, rowsOf(2), rows, "chunks before the failure stay written")
}

func TestFaultyUploadCustomError(t *testing.T) {
	boom := errors.New("boom")
	faulty := &client.FaultyUpload{Inner: client.SingleUpload{}, FailAt: 1, Err: boom}
	c, p := newClient(t, drivertest.Options{}, client.WithUpload(faulty))
	ctx := context.Background()
	_, err := c.Create(ctx, "file", "//tmp/f")
	require.NoError(t, err)

	err = c.WriteFile(ctx, "//tmp/f", []byte("data"))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, p.CallCount("write_file"))
}

func TestSingleUploadJoinsParts(t *testing.T) {
	var chunks [][]byte
	send := func(_ context.Context, chunk []byte, appendChunk bool) error {
		assert.False(t, appendChunk)
		chunks = append(chunks, chunk)
		return nil
	}
	require.NoError(t, client.SingleUpload{}.Upload(context.Background(), send, [][]byte{[]byte("a"), []byte("b")}))
	assert.Equal(t, [][]byte{[]byte("ab")}, chunks)
}

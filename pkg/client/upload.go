package client

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// SendFunc transmits one chunk of an upload. appendChunk is set for every
// chunk after the first.
type SendFunc func(ctx context.Context, chunk []byte, appendChunk bool) error

// UploadStrategy decides how the parts of a file or table body are sent.
// Table bodies are split per row and file bodies per block, so a strategy
// may regroup parts freely.
type UploadStrategy interface {
	Upload(ctx context.Context, send SendFunc, parts [][]byte) error
}

// SingleUpload sends the whole body in one request
type SingleUpload struct{}

func (SingleUpload) Upload(ctx context.Context, send SendFunc, parts [][]byte) error {
	return send(ctx, bytes.Join(parts, nil), false)
}

// ChunkedUpload sends Parts parts per request
type ChunkedUpload struct {
	Parts int
}

func (u ChunkedUpload) Upload(ctx context.Context, send SendFunc, parts [][]byte) error {
	size := u.Parts
	if size < 1 {
		size = 1
	}
	if len(parts) == 0 {
		return send(ctx, nil, false)
	}
	for i := 0; i < len(parts); i += size {
		end := min(i+size, len(parts))
		if err := send(ctx, bytes.Join(parts[i:end], nil), i > 0); err != nil {
			return err
		}
	}
	return nil
}

// ErrInjectedUpload is returned by FaultyUpload at its failure point
var ErrInjectedUpload = errors.New("injected upload failure")

// FaultyUpload wraps another strategy and fails the FailAt-th chunk,
// counting from 1, without sending it
type FaultyUpload struct {
	Inner  UploadStrategy
	FailAt int
	// Err replaces ErrInjectedUpload
	Err error

	mu   sync.Mutex
	sent int
}

func (u *FaultyUpload) Upload(ctx context.Context, send SendFunc, parts [][]byte) error {
	inner := u.Inner
	if inner == nil {
		inner = ChunkedUpload{Parts: 1}
	}
	return inner.Upload(ctx, func(ctx context.Context, chunk []byte, appendChunk bool) error {
		u.mu.Lock()
		u.sent++
		fail := u.sent == u.FailAt
		u.mu.Unlock()
		if fail {
			if u.Err != nil {
				return u.Err
			}
			return ErrInjectedUpload
		}
		return send(ctx, chunk, appendChunk)
	}, parts)
}

// Sent returns how many chunks reached the failure check
func (u *FaultyUpload) Sent() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent
}

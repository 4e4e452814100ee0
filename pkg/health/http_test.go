package health

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		expect  int
		healthy bool
	}{
		{"api ready", http.StatusOK, 200, true},
		{"proxy still starting", http.StatusServiceUnavailable, 200, false},
		{"non exact status", http.StatusNoContent, 200, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api", r.URL.Path)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := NewHTTPChecker(server.URL + "/api").ExpectStatus(tt.expect).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Equal(t, tt.healthy, result.Err() == nil)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPCheckerHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "value" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithHeader("X-Test", "value").Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(server.URL).Type())
}

func TestHTTPCheckerTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	result := NewHTTPChecker("http://127.0.0.1:1/api").Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestTCPChecker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()

	checker := NewTCPChecker(addr).WithTimeout(200 * time.Millisecond)
	assert.True(t, checker.Check(context.Background()).Healthy)
	assert.Equal(t, CheckTypeTCP, checker.Type())

	require.NoError(t, l.Close())
	assert.False(t, checker.Check(context.Background()).Healthy)
}

func TestFuncChecker(t *testing.T) {
	calls := 0
	ok := NewFuncChecker("master", func(ctx context.Context) error {
		calls++
		return nil
	})
	bad := NewFuncChecker("nodes", func(ctx context.Context) error {
		return errors.New("1 of 2 online")
	})

	assert.True(t, ok.Check(context.Background()).Healthy)

	r := bad.Check(context.Background())
	assert.False(t, r.Healthy)
	assert.True(t, strings.HasPrefix(r.Message, "nodes: "))

	combined := All("cluster", ok, bad, ok)
	assert.ErrorContains(t, combined.Check(context.Background()).Err(), "1 of 2 online")
	// Stops at the first failure
	assert.Equal(t, 2, calls)

	assert.False(t, (&FuncChecker{Name: "empty"}).Check(context.Background()).Healthy)
}

func TestFuncCheckerTimeout(t *testing.T) {
	slow := NewFuncChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}).WithTimeout(20 * time.Millisecond)

	r := slow.Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Contains(t, r.Message, "deadline")
}

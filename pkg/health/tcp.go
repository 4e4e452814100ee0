package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker succeeds once a TCP connection to Address can be opened
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker with a one second dial timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: time.Second,
	}
}

// Check dials the address
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return finish(start, false, fmt.Sprintf("connect %s: %v", t.Address, err))
	}
	_ = conn.Close()

	return finish(start, true, fmt.Sprintf("%s accepts connections", t.Address))
}

// Type returns CheckTypeTCP
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	t.Timeout = timeout
	return t
}

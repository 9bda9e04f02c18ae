package rpc

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattjoyce/herald/internal/protocol"
)

// RPCError is an error object returned by the peer.
type RPCError = protocol.RPCError

// ErrClosed is returned by Call once the table has been closed.
var ErrClosed = errors.New("connection closed")

// TimeoutError reports that no response arrived before the request deadline.
type TimeoutError struct {
	Method   string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %ss", e.Method, FormatSeconds(e.Duration))
}

// Timeout lets callers treat the error like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// TransportError reports a read or write failure on the connection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FormatSeconds renders d as seconds with the shortest exact decimal form,
// e.g. 100ms -> "0.1", 5m -> "300".
func FormatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

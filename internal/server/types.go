// Package server defines utility helpers that are reused across client and
// hub logic.
package server

import (
	"errors"
	"strings"
)

var (
	errClientClosed   = errors.New("client closed")
	errSendBufferFull = errors.New("client send buffer full")
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}

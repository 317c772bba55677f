// Package ipcclient implements the hook side of the NDJSON-over-Unix-
// socket protocol: connect, write one line, read one line, map failures
// to the three error classes the hook orchestrator needs to choose an
// exit code.
package ipcclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"telereach/internal/protocol"
)

// Error classes the hook orchestrator (C8) maps to exit codes. The first
// two are expected when the bot daemon simply isn't running and must
// never be surfaced to the user; ErrTimeout means the bot did not answer
// within the timeout. Any other failure is returned wrapped, unclassified,
// and is the unexpected case worth a warn-level log line.
var (
	ErrSocketNotFound = errors.New("ipcclient: socket not found")
	ErrConnRefused    = errors.New("ipcclient: connection refused")
	ErrTimeout        = errors.New("ipcclient: timed out waiting for response")
)

// SendRequest connects to socketPath, writes req as a single NDJSON
// line, half-closes the write side, and reads exactly one NDJSON line
// back, bounded by timeout. It never writes to stdout; all diagnostics
// are the caller's to log to stderr.
func SendRequest(ctx context.Context, socketPath string, req protocol.IpcRequest, timeout time.Duration) (protocol.IpcResponse, error) {
	deadline := time.Now().Add(timeout)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return protocol.IpcResponse{}, classifyDialError(err)
	}
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return protocol.IpcResponse{}, fmt.Errorf("ipcclient: unexpected connection type %T", conn)
	}

	_ = conn.SetDeadline(deadline)

	data, err := json.Marshal(req)
	if err != nil {
		return protocol.IpcResponse{}, fmt.Errorf("ipcclient: marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := unixConn.Write(data); err != nil {
		return protocol.IpcResponse{}, fmt.Errorf("ipcclient: write request: %w", err)
	}
	if err := unixConn.CloseWrite(); err != nil {
		return protocol.IpcResponse{}, fmt.Errorf("ipcclient: half-close: %w", err)
	}

	reader := bufio.NewReader(unixConn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		if os.IsTimeout(err) || errors.Is(err, os.ErrDeadlineExceeded) {
			return protocol.IpcResponse{}, ErrTimeout
		}
		return protocol.IpcResponse{}, fmt.Errorf("ipcclient: read response: %w", err)
	}

	var resp protocol.IpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.IpcResponse{}, fmt.Errorf("ipcclient: malformed response: %w", err)
	}

	return resp, nil
}

func classifyDialError(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return ErrSocketNotFound
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("ipcclient: dial: %w", err)
}

// Package ipcserver implements the bot side of the NDJSON-over-Unix-
// socket protocol: bind, stale-socket detection, a bounded accept loop,
// and one strictly-ordered read→dispatch→await→write lifecycle per
// connection.
package ipcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"telereach/internal/protocol"
	"telereach/internal/registry"
)

// DefaultMaxConnections bounds concurrent in-flight connections (spec §9:
// a bound is mandatory, 50 is a reasonable default).
const DefaultMaxConnections = 50

const staleCheckTimeout = 200 * time.Millisecond

// ErrAlreadyRunning is returned by Listen when a live bot is already
// bound to the configured socket path.
var ErrAlreadyRunning = errors.New("ipcserver: another instance is already running")

// Dispatcher hands a freshly parsed IpcRequest off to the Telegram
// fan-out layer and returns a registry.Handle to await its resolution.
// Implemented by internal/telegram.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.IpcRequest) (registry.Handle, error)

	// Finalize edits every message belonging to snap to append suffix and
	// drop its inline keyboard. Called once per resolution, including
	// ones the server itself resolves (per-request timeout).
	Finalize(ctx context.Context, snap registry.Snapshot, suffix string)
}

// Server owns the Unix socket listener and the bounded accept loop.
type Server struct {
	socketPath string
	timeout    time.Duration
	reg        *registry.Registry
	dispatcher Dispatcher
	log        *zap.SugaredLogger
	maxConns   int

	listener *net.UnixListener
	sem      chan struct{}
}

// New constructs a Server. It does not bind the socket; call Listen.
func New(socketPath string, timeout time.Duration, reg *registry.Registry, dispatcher Dispatcher, log *zap.SugaredLogger, maxConns int) *Server {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	return &Server{
		socketPath: socketPath,
		timeout:    timeout,
		reg:        reg,
		dispatcher: dispatcher,
		log:        log,
		maxConns:   maxConns,
		sem:        make(chan struct{}, maxConns),
	}
}

// Listen performs stale-socket detection, then binds the Unix listener.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.socketPath); err == nil {
		if staleErr := detectStale(s.socketPath); staleErr != nil {
			return staleErr
		}
		// Stale: unlink before binding.
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ipcserver: unlink stale socket: %w", err)
		}
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipcserver: resolve socket address: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		// A race against a concurrent starter collapses to the same
		// "already running" outcome the synchronous probe would have
		// reported; the spec accepts this as best-effort.
		return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}
	s.listener = ln
	return nil
}

// detectStale performs the synchronous, short-timeout client-style
// connect described in spec §4.3, classifying the socket path's state
// into "live" (ErrAlreadyRunning), "stale" (nil, caller unlinks), or
// "other I/O error" (returned as-is).
func detectStale(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, staleCheckTimeout)
	if err == nil {
		conn.Close()
		return ErrAlreadyRunning
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	// Connection refused (no listener behind the stale file) also means
	// stale, not "another instance is running".
	if isConnRefused(err) {
		return nil
	}
	return fmt.Errorf("ipcserver: probing existing socket: %w", err)
}

// Close unlinks the socket file and stops the listener. Safe to call
// even if Listen was never called or already failed.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	_ = os.Remove(s.socketPath)
	return err
}

// Serve runs the accept loop until ctx is cancelled. Individual
// connection errors never propagate out of this loop.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warnw("accept failed", "error", err)
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
			go s.handleConn(ctx, conn)
		default:
			s.log.Warnw("connection bound reached, rejecting", "max", s.maxConns)
			conn.Close()
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer func() { <-s.sem }()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req protocol.IpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.log.Warnw("malformed ipc request, closing connection", "error", err)
		return
	}
	if id, err := protocol.ParseRequestID(req.RequestID); err != nil {
		s.log.Warnw("malformed request_id, closing connection", "error", err)
		return
	} else {
		req.RequestID = id
	}

	handle, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		s.log.Errorw("dispatch failed", "request_id", req.RequestID, "error", err)
		return
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	// No ctx.Done() branch here: shutdown resolves every pending request
	// through registry.CancelAll() rather than cancelling this select, so
	// an in-flight handler always has a response to write and exit with
	// (spec §4.7/P6) instead of returning silently out from under a
	// waiting hook.
	var resp protocol.IpcResponse
	select {
	case resp = <-handle.Wait():
	case <-timer.C:
		resp = protocol.TimeoutResponse(req.RequestID)
		if snap, ok := s.reg.Resolve(req.RequestID, resp); ok {
			go s.dispatcher.Finalize(context.Background(), snap, protocol.StatusSuffix(protocol.DecisionTimeout))
		}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(data)
}

// Package hook implements the ephemeral half of telereach (C8): read
// one HookInput from stdin, ask the running bot daemon for a decision
// over the Unix socket, and write the matching HookOutput to stdout.
// Exit codes follow spec §7: 0 means stdout carries a decision, 1 means
// fall back to the host assistant's own prompt. No other code is ever
// used, and nothing but a single JSON object ever reaches stdout.
package hook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"telereach/internal/config"
	"telereach/internal/ipcclient"
	"telereach/internal/protocol"
)

const (
	exitDecision = 0
	exitFallback = 1
)

// Deps lets tests substitute stdin/stdout and the socket round trip
// without touching the real filesystem or a live bot.
type Deps struct {
	Stdin  io.Reader
	Stdout io.Writer
	Send   func(ctx context.Context, socketPath string, req protocol.IpcRequest, timeout time.Duration) (protocol.IpcResponse, error)
}

// Run executes exactly one hook invocation and returns the process exit
// code. It never panics on malformed input and never writes anything
// but a single JSON object (or nothing at all) to Stdout.
func Run(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, deps Deps) int {
	raw, err := io.ReadAll(deps.Stdin)
	if err != nil {
		log.Warnw("reading stdin failed", "error", err)
		return exitFallback
	}

	var in protocol.HookInput
	if len(raw) == 0 {
		log.Warnw("empty stdin")
		return exitFallback
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		log.Warnw("parsing hook input failed", "error", err)
		return exitFallback
	}

	req := protocol.IpcRequest{
		RequestID:             protocol.NewRequestID(),
		ToolName:              in.ToolName,
		ToolInput:             in.ToolInput,
		CWD:                   in.CWD,
		SessionID:             in.SessionID,
		PermissionSuggestions: in.PermissionSuggestions,
	}

	timeout := time.Duration(cfg.ClientTimeoutSeconds()) * time.Second
	resp, err := deps.Send(ctx, cfg.SocketPath, req, timeout)
	if err != nil {
		logSendError(log, err)
		return exitFallback
	}

	out, ok := resp.ToHookOutput()
	if !ok {
		// Timeout: no stdout, per spec §4.8/S5.
		return exitFallback
	}

	data, err := json.Marshal(out)
	if err != nil {
		log.Errorw("marshaling hook output failed", "error", err)
		return exitFallback
	}
	if _, err := deps.Stdout.Write(data); err != nil {
		log.Errorw("writing hook output failed", "error", err)
		return exitFallback
	}
	return exitDecision
}

// logSendError distinguishes the three connect-error classes spec §4.2
// calls out: socket-not-found and connection-refused are the expected
// "bot isn't running" case and stay quiet; a client-side timeout is
// logged at info level; anything else is worth a warning since it may
// indicate a misconfiguration.
func logSendError(log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, ipcclient.ErrSocketNotFound), errors.Is(err, ipcclient.ErrConnRefused):
		log.Debugw("bot is not running", "error", err)
	case errors.Is(err, ipcclient.ErrTimeout):
		log.Infow("bot did not respond in time", "error", err)
	default:
		log.Warnw("ipc round trip failed", "error", err)
	}
}

// NewDeps wires the real stdin/stdout and ipcclient.SendRequest for
// production use.
func NewDeps(stdin io.Reader, stdout io.Writer) Deps {
	return Deps{Stdin: stdin, Stdout: stdout, Send: ipcclient.SendRequest}
}

// Package protocol defines the wire shapes that cross the hook/bot
// boundary: the host assistant's hook I/O envelope, and the NDJSON
// request/response pair exchanged over the Unix socket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Decision is the closed set of outcomes a pending permission request can
// resolve to. It is a tagged variant; comparisons must go through this
// type, never through raw strings picked out of JSON.
type Decision string

const (
	DecisionAllow       Decision = "Allow"
	DecisionDeny        Decision = "Deny"
	DecisionAlwaysAllow Decision = "AlwaysAllow"
	DecisionReply       Decision = "Reply"
	DecisionTimeout     Decision = "Timeout"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAlwaysAllow, DecisionReply, DecisionTimeout:
		return true
	}
	return false
}

// PermissionSuggestion is forwarded verbatim by the host assistant. The
// core only ever reads Type/Tool; the rest rides along as opaque JSON.
type PermissionSuggestion struct {
	Type string `json:"type"`
	Tool string `json:"tool"`
	Rest map[string]any `json:"-"`
}

// MarshalJSON flattens Rest back alongside Type/Tool so suggestions
// round-trip byte-for-byte (modulo key order) through the core.
func (p PermissionSuggestion) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Rest)+2)
	for k, v := range p.Rest {
		m[k] = v
	}
	m["type"] = p.Type
	m["tool"] = p.Tool
	return json.Marshal(m)
}

func (p *PermissionSuggestion) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if v, ok := m["type"].(string); ok {
		p.Type = v
		delete(m, "type")
	}
	if v, ok := m["tool"].(string); ok {
		p.Tool = v
		delete(m, "tool")
	}
	p.Rest = m
	return nil
}

// HookInput is read verbatim from the host assistant's stdin.
type HookInput struct {
	SessionID             string                  `json:"session_id"`
	CWD                   string                  `json:"cwd"`
	ToolName              string                  `json:"tool_name"`
	ToolInput             json.RawMessage         `json:"tool_input"`
	PermissionSuggestions []PermissionSuggestion  `json:"permission_suggestions"`
}

// hookDecisionAllow / hookDecisionDeny are the two shapes a HookOutput's
// decision field can take. Nullability on fields is explicit.
type hookDecisionAllow struct {
	Behavior           string                  `json:"behavior"`
	UpdatedPermissions []PermissionSuggestion  `json:"updatedPermissions,omitempty"`
}

type hookDecisionDeny struct {
	Behavior string `json:"behavior"`
	Message  string `json:"message"`
}

// HookOutput is written verbatim to the host assistant's stdout.
type HookOutput struct {
	HookSpecificOutput struct {
		HookEventName string `json:"hookEventName"`
		Decision      any    `json:"decision"`
	} `json:"hookSpecificOutput"`
}

func newHookOutput(decision any) HookOutput {
	var out HookOutput
	out.HookSpecificOutput.HookEventName = "PermissionRequest"
	out.HookSpecificOutput.Decision = decision
	return out
}

// AllowOutput builds the stdout payload for an Allow/AlwaysAllow decision.
func AllowOutput(updatedPermissions []PermissionSuggestion) HookOutput {
	return newHookOutput(hookDecisionAllow{Behavior: "allow", UpdatedPermissions: updatedPermissions})
}

// DenyOutput builds the stdout payload for a Deny/Reply decision.
func DenyOutput(message string) HookOutput {
	return newHookOutput(hookDecisionDeny{Behavior: "deny", Message: message})
}

// IpcRequest is the single NDJSON line the hook sends to the bot.
type IpcRequest struct {
	RequestID             string                 `json:"request_id"`
	ToolName              string                 `json:"tool_name"`
	ToolInput             json.RawMessage        `json:"tool_input"`
	CWD                   string                 `json:"cwd"`
	SessionID             string                 `json:"session_id"`
	PermissionSuggestions []PermissionSuggestion `json:"permission_suggestions"`
}

// NewRequestID generates a fresh UUIDv4 rendered as the canonical
// 36-character lowercase hyphenated form the protocol requires.
func NewRequestID() string {
	return uuid.New().String()
}

// ParseRequestID validates strict UUIDv4 form and re-renders it lowercase,
// so two different textual encodings of the same id never correlate as
// distinct pending requests.
func ParseRequestID(s string) (string, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("invalid request id %q: not in 36-character hyphenated form", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid request id %q: %w", s, err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("invalid request id %q: not a version 4 UUID", s)
	}
	return id.String(), nil
}

// IpcResponse is the single NDJSON line the bot sends back to the hook.
type IpcResponse struct {
	RequestID             string                 `json:"request_id"`
	Decision              Decision               `json:"decision"`
	Message               *string                `json:"message,omitempty"`
	UserMessage           *string                `json:"user_message,omitempty"`
	AlwaysAllowSuggestion *PermissionSuggestion  `json:"always_allow_suggestion,omitempty"`
}

func strp(s string) *string { return &s }

func AllowResponse(requestID string) IpcResponse {
	return IpcResponse{RequestID: requestID, Decision: DecisionAllow}
}

func DenyResponse(requestID, message string) IpcResponse {
	return IpcResponse{RequestID: requestID, Decision: DecisionDeny, Message: strp(message)}
}

func AlwaysAllowResponse(requestID string, suggestion *PermissionSuggestion) IpcResponse {
	return IpcResponse{RequestID: requestID, Decision: DecisionAlwaysAllow, AlwaysAllowSuggestion: suggestion}
}

func ReplyResponse(requestID, userMessage string) IpcResponse {
	return IpcResponse{RequestID: requestID, Decision: DecisionReply, UserMessage: strp(userMessage)}
}

func TimeoutResponse(requestID string) IpcResponse {
	return IpcResponse{RequestID: requestID, Decision: DecisionTimeout}
}

// StatusSuffix is the text appended to a Telegram message once its
// request resolves, replacing the inline keyboard. One fixed suffix per
// Decision, so every chat sees the same outcome regardless of which
// chat (if any) actually tapped a button.
func StatusSuffix(d Decision) string {
	switch d {
	case DecisionAllow:
		return "✅ Approved"
	case DecisionDeny:
		return "❌ Denied"
	case DecisionAlwaysAllow:
		return "🔓 Always Allowed"
	case DecisionReply:
		return "💬 Replied"
	case DecisionTimeout:
		return "⏱️ Timed out"
	default:
		return ""
	}
}

// ToHookOutput maps an IpcResponse's decision to the stdout payload the
// hook must emit, per the hook orchestration contract. ok is false for
// Timeout, where the hook must write nothing to stdout.
func (r IpcResponse) ToHookOutput() (out HookOutput, ok bool) {
	switch r.Decision {
	case DecisionAllow:
		return AllowOutput(nil), true
	case DecisionDeny:
		msg := ""
		if r.Message != nil {
			msg = *r.Message
		}
		return DenyOutput(msg), true
	case DecisionAlwaysAllow:
		var perms []PermissionSuggestion
		if r.AlwaysAllowSuggestion != nil {
			perms = []PermissionSuggestion{*r.AlwaysAllowSuggestion}
		}
		return AllowOutput(perms), true
	case DecisionReply:
		msg := ""
		if r.UserMessage != nil {
			msg = *r.UserMessage
		}
		return DenyOutput("User replied: " + msg), true
	default:
		return HookOutput{}, false
	}
}

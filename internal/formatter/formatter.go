// Package formatter renders an IPC request into the Telegram HTML
// message text the fan-out step sends, the way the teacher's
// HtmlFormatter turns an audit entry into Telegram markup.
package formatter

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"telereach/internal/protocol"
)

const maxMessageLen = 3500

// Escape neutralizes Telegram HTML parse-mode special characters. Used
// on every piece of untrusted text (cwd, tool name, tool input) before
// it is embedded in a message.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// PermissionRequest renders an IpcRequest into the message body a chat
// sees, without the later status suffix (that's appended at Finalize
// time, against OriginalText).
func PermissionRequest(req protocol.IpcRequest) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "🔐 <b>Permission Request</b>\n\n")
	fmt.Fprintf(&buf, "<b>Tool:</b> %s\n", Escape(req.ToolName))
	fmt.Fprintf(&buf, "<b>Dir:</b> <code>%s</code>\n", Escape(filepath.Base(req.CWD)))

	if summary := summarizeToolInput(req.ToolName, req.ToolInput); summary != "" {
		text := summary
		if len(text) > maxMessageLen {
			text = text[:maxMessageLen] + "...[TRUNCATED]"
		}
		fmt.Fprintf(&buf, "\n<pre>%s</pre>", Escape(text))
	}

	return buf.String()
}

// summarizeToolInput extracts a human-sized preview from the opaque
// tool_input payload. The core never interprets tool_input's shape
// beyond this best-effort rendering (spec §4.1): unknown tools, or
// input that isn't a JSON object, still get *something* shown.
func summarizeToolInput(toolName string, raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}

	switch toolName {
	case "Bash":
		if cmd, ok := fields["command"].(string); ok {
			return cmd
		}
	case "Read", "Write", "Edit":
		if path, ok := fields["file_path"].(string); ok {
			return path
		}
	case "Grep", "Glob":
		if pattern, ok := fields["pattern"].(string); ok {
			return pattern
		}
	}

	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(data)
}

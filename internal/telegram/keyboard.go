package telegram

import (
	"fmt"

	"github.com/go-telegram/bot/models"

	"telereach/internal/protocol"
)

const maxCallbackDataBytes = 64

const (
	actionAllow       = "allow"
	actionDeny        = "deny"
	actionAlwaysAllow = "always_allow"
	actionReply       = "reply"
)

// callbackData encodes a button's action as "<request_id>:<action>".
// request_id is a fixed 36-byte UUIDv4, so the longest action name
// ("always_allow", 12 bytes) still leaves headroom under Telegram's
// 64-byte callback_data ceiling (P5); the panic catches a regression
// before it ships a button Telegram would silently refuse to render.
func callbackData(requestID, action string) string {
	data := requestID + ":" + action
	if len(data) > maxCallbackDataBytes {
		panic(fmt.Sprintf("telegram: callback_data %q exceeds %d bytes", data, maxCallbackDataBytes))
	}
	return data
}

// decisionKeyboard builds the inline keyboard for a permission request.
// The Always Allow button only appears when there's actually a
// suggestion it could apply — with permission_suggestions empty,
// tapping it would have nothing to always-allow (spec §6/§8).
func decisionKeyboard(requestID string, suggestions []protocol.PermissionSuggestion) models.InlineKeyboardMarkup {
	row := []models.InlineKeyboardButton{
		{Text: "✅ Allow", CallbackData: callbackData(requestID, actionAllow)},
		{Text: "❌ Deny", CallbackData: callbackData(requestID, actionDeny)},
		{Text: "💬 Reply", CallbackData: callbackData(requestID, actionReply)},
	}
	if len(suggestions) > 0 {
		row = append(row, models.InlineKeyboardButton{Text: "🔓 Always Allow", CallbackData: callbackData(requestID, actionAlwaysAllow)})
	}
	return models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{row}}
}

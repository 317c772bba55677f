// Package telegram is the fan-out/edit dispatcher (C5) and the
// callback/message state machine (C6): it turns a pending IpcRequest
// into a message in every authorized chat, and turns whatever happens
// in those chats back into an IpcResponse.
package telegram

import (
	"context"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"

	"telereach/internal/formatter"
	"telereach/internal/protocol"
	"telereach/internal/registry"
)

// api is the slice of *bot.Bot's surface Telegram actually calls.
// Isolating it lets tests exercise Dispatch/Finalize/OnCallbackQuery
// against a fake, without a live bot token or network.
type api interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Telegram owns every chat-facing side effect: sending the permission
// request, editing it once resolved, and running the two-step reply
// sub-flow. It implements ipcserver.Dispatcher.
type Telegram struct {
	api            api
	allowedChatIDs []int64
	reg            *registry.Registry
	log            *zap.SugaredLogger

	replyMu    sync.Mutex
	replyState map[int64]string // chat id -> request id awaiting a free-text reply
}

// New wraps a live *bot.Bot. allowedChatIDs is the closed set of chats
// telereach will ever send to or accept action from.
func New(b *bot.Bot, allowedChatIDs []int64, reg *registry.Registry, log *zap.SugaredLogger) *Telegram {
	return &Telegram{
		api:            b,
		allowedChatIDs: allowedChatIDs,
		reg:            reg,
		log:            log,
		replyState:     make(map[int64]string),
	}
}

func (tg *Telegram) isAllowed(chatID int64) bool {
	for _, id := range tg.allowedChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// Dispatch implements ipcserver.Dispatcher. It sends the formatted
// request with its decision keyboard to every allowed chat and
// registers a pending entry for the replies that come back. If every
// send failed, it returns a synchronous deny instead — no pending
// entry is ever created for a request nobody could see (spec §4.5).
func (tg *Telegram) Dispatch(ctx context.Context, req protocol.IpcRequest) (registry.Handle, error) {
	text := formatter.PermissionRequest(req)
	keyboard := decisionKeyboard(req.RequestID, req.PermissionSuggestions)

	var sent []registry.SentMessage
	for _, chatID := range tg.allowedChatIDs {
		msg, err := tg.api.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:      chatID,
			Text:        text,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: keyboard,
		})
		if err != nil {
			tg.log.Warnw("send permission request failed", "chat_id", chatID, "request_id", req.RequestID, "error", err)
			continue
		}
		sent = append(sent, registry.SentMessage{ChatID: chatID, MessageID: msg.ID})
	}

	if len(sent) == 0 {
		tg.log.Errorw("fan-out reached no chat, denying synchronously", "request_id", req.RequestID)
		return registry.Immediate(protocol.DenyResponse(req.RequestID, "telereach: no authorized chat could be reached")), nil
	}

	handle, err := tg.reg.Register(req.RequestID, text, req.PermissionSuggestions)
	if err != nil {
		return registry.Handle{}, err
	}
	tg.reg.AttachSentMessages(req.RequestID, sent)
	return handle, nil
}

// Finalize implements ipcserver.Dispatcher. It edits every chat's copy
// of the message to append suffix and drop the decision keyboard.
// Individual edit failures are logged and otherwise swallowed: by the
// time Finalize runs the hook already has its answer, so a Telegram
// edit failing changes nothing about the outcome.
func (tg *Telegram) Finalize(ctx context.Context, snap registry.Snapshot, suffix string) {
	finalText := snap.OriginalText + "\n\n" + suffix
	for _, sm := range snap.SentMessages {
		_, err := tg.api.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:      sm.ChatID,
			MessageID:   sm.MessageID,
			Text:        finalText,
			ParseMode:   models.ParseModeHTML,
			ReplyMarkup: models.InlineKeyboardMarkup{},
		})
		if err != nil {
			tg.log.Warnw("finalize edit failed", "chat_id", sm.ChatID, "message_id", sm.MessageID, "error", err)
		}
	}
}

// HandleUpdate is the bot's single default handler: it routes a
// callback-query update and a message update to their respective
// handlers and ignores everything else (channel posts, edits, etc).
func (tg *Telegram) HandleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	switch {
	case update.CallbackQuery != nil:
		tg.OnCallbackQuery(ctx, update.CallbackQuery)
	case update.Message != nil:
		tg.OnMessage(ctx, update.Message)
	}
}

// OnCallbackQuery implements the button half of the state machine:
// Allow, Deny, Always Allow and the first step of Reply. An
// unauthorized chat is rejected with zero state mutation (I5/P3); a
// callback for a request that already resolved gets an "already
// handled" alert rather than a second resolution (I2).
func (tg *Telegram) OnCallbackQuery(ctx context.Context, cq *models.CallbackQuery) {
	chatID, ok := callbackChatID(cq)
	if !ok {
		return
	}

	if !tg.isAllowed(chatID) {
		tg.answer(ctx, cq.ID, "Not authorized", true)
		return
	}

	requestID, action, ok := parseCallbackData(cq.Data)
	if !ok {
		tg.answer(ctx, cq.ID, "Malformed action", true)
		return
	}

	switch action {
	case actionAllow:
		tg.resolveFromButton(ctx, cq.ID, requestID, protocol.AllowResponse(requestID))
	case actionDeny:
		tg.resolveFromButton(ctx, cq.ID, requestID, protocol.DenyResponse(requestID, "Denied by user via Telegram"))
	case actionAlwaysAllow:
		tg.resolveFromButton(ctx, cq.ID, requestID, protocol.AlwaysAllowResponse(requestID, tg.firstSuggestion(requestID)))
	case actionReply:
		tg.beginReply(ctx, cq.ID, chatID, requestID)
	default:
		tg.answer(ctx, cq.ID, "Unknown action", true)
	}
}

func (tg *Telegram) firstSuggestion(requestID string) *protocol.PermissionSuggestion {
	snap, ok := tg.reg.Lookup(requestID)
	if !ok || len(snap.Suggestions) == 0 {
		return nil
	}
	s := snap.Suggestions[0]
	return &s
}

// resolveFromButton resolves requestID with resp and answers the
// callback query accordingly. A resolve that fails (already resolved,
// or an unknown/stale id) means a second button tap raced a first one,
// or the server already timed the request out; either way the tap is a
// no-op, surfaced to the tapper as an alert rather than a crash.
func (tg *Telegram) resolveFromButton(ctx context.Context, callbackQueryID, requestID string, resp protocol.IpcResponse) {
	snap, ok := tg.reg.Resolve(requestID, resp)
	if !ok {
		tg.answer(ctx, callbackQueryID, "This request has already been handled", true)
		return
	}
	tg.answer(ctx, callbackQueryID, "", false)
	go tg.Finalize(context.Background(), snap, protocol.StatusSuffix(resp.Decision))
}

// beginReply starts the two-step Reply flow: the tap itself resolves
// nothing, it only arms replyState so the next free-text message from
// this chat is treated as the reply body.
func (tg *Telegram) beginReply(ctx context.Context, callbackQueryID string, chatID int64, requestID string) {
	if _, ok := tg.reg.Lookup(requestID); !ok {
		tg.answer(ctx, callbackQueryID, "This request has already been handled", true)
		return
	}

	tg.replyMu.Lock()
	tg.replyState[chatID] = requestID
	tg.replyMu.Unlock()

	tg.answer(ctx, callbackQueryID, "Send your reply as a message", false)
	_, _ = tg.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        "Reply to this message with what you'd like the assistant to do instead:",
		ReplyMarkup: &models.ForceReply{ForceReply: true},
	})
}

// OnMessage implements the second step of the Reply sub-flow: a
// free-text message from a chat with an armed replyState resolves the
// associated request. Everything else (no armed state, an unauthorized
// chat, an empty reply) is ignored or re-prompted, never resolved.
func (tg *Telegram) OnMessage(ctx context.Context, msg *models.Message) {
	if msg == nil {
		return
	}
	chatID := msg.Chat.ID
	if !tg.isAllowed(chatID) {
		return
	}

	tg.replyMu.Lock()
	requestID, waiting := tg.replyState[chatID]
	if waiting {
		delete(tg.replyState, chatID)
	}
	tg.replyMu.Unlock()

	if !waiting {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		// Re-arm rather than resolve with an empty reply (L3).
		tg.replyMu.Lock()
		tg.replyState[chatID] = requestID
		tg.replyMu.Unlock()
		_, _ = tg.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: "Reply can't be empty, try again:"})
		return
	}

	snap, ok := tg.reg.Resolve(requestID, protocol.ReplyResponse(requestID, text))
	if !ok {
		_, _ = tg.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: "That request was already handled."})
		return
	}
	go tg.Finalize(context.Background(), snap, protocol.StatusSuffix(protocol.DecisionReply))
}

func (tg *Telegram) answer(ctx context.Context, callbackQueryID, text string, showAlert bool) {
	if _, err := tg.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackQueryID,
		Text:            text,
		ShowAlert:       showAlert,
	}); err != nil {
		tg.log.Warnw("answer callback query failed", "error", err)
	}
}

// callbackChatID pulls the originating chat id out of a callback
// query's message, which Telegram may report as either a full Message
// or, once it's aged out of the edit window, an InaccessibleMessage.
func callbackChatID(cq *models.CallbackQuery) (int64, bool) {
	if cq == nil {
		return 0, false
	}
	if m := cq.Message.Message; m != nil {
		return m.Chat.ID, true
	}
	if m := cq.Message.InaccessibleMessage; m != nil {
		return m.Chat.ID, true
	}
	return 0, false
}

func parseCallbackData(data string) (requestID, action string, ok bool) {
	idx := strings.LastIndex(data, ":")
	if idx < 0 {
		return "", "", false
	}
	requestID, action = data[:idx], data[idx+1:]
	if _, err := protocol.ParseRequestID(requestID); err != nil {
		return "", "", false
	}
	return requestID, action, true
}

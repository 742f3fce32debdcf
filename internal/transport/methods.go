package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/maneesh/permastore/internal/chunker"
	"github.com/maneesh/permastore/internal/models"
)

// MaxDeleteBatch is the most ids deleteMessages accepts in one call
const MaxDeleteBatch = 100

// Transport is the set of messaging operations the delivery and gating code relies on
type Transport interface {
	CopyItem(ctx context.Context, dest int64, source models.ContentRef) (int64, error)
	SendText(ctx context.Context, dest int64, text string) (int64, error)
	DeleteMessages(ctx context.Context, dest int64, ids []int64) error
	QueryMembership(ctx context.Context, group string, userID int64) (bool, error)
	Relay(ctx context.Context, relayChat int64, source models.ContentRef) (models.ContentRef, error)
}

var _ Transport = (*Client)(nil)

// CopyItem copies a stored message into dest and returns the new message id
func (c *Client) CopyItem(ctx context.Context, dest int64, source models.ContentRef) (int64, error) {
	params := map[string]any{
		"chat_id":      dest,
		"from_chat_id": source.ChatID,
		"message_id":   source.MessageID,
	}
	var result messageIDResult
	if err := c.call(ctx, "copyMessage", params, &result); err != nil {
		return 0, err
	}
	return result.MessageID, nil
}

// SendText sends a plain text message and returns its id
func (c *Client) SendText(ctx context.Context, dest int64, text string) (int64, error) {
	msg, err := c.SendMessage(ctx, dest, text, nil)
	if err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// SendMessage sends text with an optional inline keyboard
func (c *Client) SendMessage(ctx context.Context, dest int64, text string, markup *InlineKeyboardMarkup) (*Message, error) {
	params := map[string]any{
		"chat_id": dest,
		"text":    text,
	}
	if markup != nil {
		params["reply_markup"] = markup
	}
	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditText replaces the text and keyboard of a message the bot sent
func (c *Client) EditText(ctx context.Context, chatID, messageID int64, text string, markup *InlineKeyboardMarkup) error {
	params := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if markup != nil {
		params["reply_markup"] = markup
	}
	return c.call(ctx, "editMessageText", params, nil)
}

// DeleteMessages deletes ids from dest in chunks of MaxDeleteBatch.
// Every chunk is attempted; the errors of failed chunks are joined.
func (c *Client) DeleteMessages(ctx context.Context, dest int64, ids []int64) error {
	var errs []error
	for _, chunk := range chunker.Split(ids, MaxDeleteBatch) {
		params := map[string]any{
			"chat_id":     dest,
			"message_ids": chunk,
		}
		if err := c.call(ctx, "deleteMessages", params, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteMessage deletes a single message
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	params := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	return c.call(ctx, "deleteMessage", params, nil)
}

// QueryMembership reports whether userID belongs to group, given as "@name" or a numeric id.
// A user the API has never seen in the group is a definitive non-member, not an error.
func (c *Client) QueryMembership(ctx context.Context, group string, userID int64) (bool, error) {
	params := map[string]any{
		"chat_id": chatParam(group),
		"user_id": userID,
	}
	var member ChatMember
	if err := c.call(ctx, "getChatMember", params, &member); err != nil {
		var transportErr *Error
		if errors.As(err, &transportErr) && transportErr.Kind == KindNotFound &&
			strings.Contains(strings.ToLower(transportErr.Description), "user not found") {
			return false, nil
		}
		return false, err
	}
	return member.Member(), nil
}

// Relay forwards source into relayChat and returns where the relayed copy lives
func (c *Client) Relay(ctx context.Context, relayChat int64, source models.ContentRef) (models.ContentRef, error) {
	params := map[string]any{
		"chat_id":      relayChat,
		"from_chat_id": source.ChatID,
		"message_id":   source.MessageID,
	}
	var msg Message
	if err := c.call(ctx, "forwardMessage", params, &msg); err != nil {
		return models.ContentRef{}, err
	}
	return models.ContentRef{ChatID: relayChat, MessageID: msg.MessageID}, nil
}

// GetUpdates long-polls for updates after offset
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// AnswerCallback acknowledges a button press, optionally showing text
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	params := map[string]any{
		"callback_query_id": callbackID,
	}
	if text != "" {
		params["text"] = text
		params["show_alert"] = alert
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// GetMe returns the bot's own user
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.call(ctx, "getMe", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ResolveChat turns "@name" or a numeric id into a chat id
func (c *Client) ResolveChat(ctx context.Context, ident string) (int64, error) {
	if id, err := strconv.ParseInt(strings.TrimSpace(ident), 10, 64); err == nil {
		return id, nil
	}
	var chat Chat
	if err := c.call(ctx, "getChat", map[string]any{"chat_id": chatParam(ident)}, &chat); err != nil {
		return 0, fmt.Errorf("failed to resolve chat %q: %w", ident, err)
	}
	return chat.ID, nil
}

func chatParam(ident string) any {
	ident = strings.TrimSpace(ident)
	if id, err := strconv.ParseInt(ident, 10, 64); err == nil {
		return id
	}
	return "@" + strings.TrimPrefix(ident, "@")
}

package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/maneesh/permastore/internal/minting"
	"github.com/maneesh/permastore/internal/models"
	"github.com/maneesh/permastore/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleUpload relays an admin's media into the relay chat and appends it to their batch
func (d *Dispatcher) handleUpload(ctx context.Context, msg *transport.Message) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Int64("uploader_id", msg.From.ID))

	if !d.opts.IsAdmin(msg.From.ID) {
		d.reply(ctx, msg.Chat.ID, adminOnlyText, nil)
		return
	}

	status := d.reply(ctx, msg.Chat.ID, uploadingText, nil)
	update := func(text string, markup *transport.InlineKeyboardMarkup) {
		if status == nil {
			d.reply(ctx, msg.Chat.ID, text, markup)
			return
		}
		if err := d.deps.Bot.EditText(ctx, status.Chat.ID, status.MessageID, text, markup); err != nil {
			d.logger.Warn("failed to update upload status", "chat_id", status.Chat.ID, "error", err)
		}
	}

	relayed, err := d.deps.Bot.Relay(ctx, d.opts.RelayChat, models.ContentRef{ChatID: msg.Chat.ID, MessageID: msg.MessageID})
	if err != nil {
		span.RecordError(err)
		d.logger.Error("failed to relay upload", "uploader_id", msg.From.ID, "error", err)
		update(uploadFailText, nil)
		return
	}

	batch, err := d.deps.Batches.Append(ctx, msg.From.ID, relayed)
	if err != nil {
		span.RecordError(err)
		d.logger.Error("failed to append to batch", "uploader_id", msg.From.ID, "error", err)
		update(uploadFailText, nil)
		return
	}
	d.metrics.BatchAppend()

	update(batchUpdatedText(len(batch)), transport.Keyboard(
		transport.InlineKeyboardButton{Text: "🔗 Get Free Link", CallbackData: "get_free_link"},
		transport.InlineKeyboardButton{Text: "➕ Add More File", CallbackData: "add_more_files"},
		transport.InlineKeyboardButton{Text: "❌ Close", CallbackData: "close_batch"},
	))
}

// handleGetLink mints the caller's batch and shows the share link
func (d *Dispatcher) handleGetLink(ctx context.Context, cb *transport.CallbackQuery) {
	link, err := d.deps.Minter.MintLink(ctx, cb.From.ID)
	switch {
	case errors.Is(err, minting.ErrEmptyBatch):
		d.answer(ctx, cb, emptyBatchAlert, true)
		return
	case err != nil:
		d.logger.Error("failed to mint link", "uploader_id", cb.From.ID, "error", err)
		d.answer(ctx, cb, mintFailedAlert, true)
		return
	}

	d.edit(ctx, cb, linkText(len(link.Refs), d.shareLink(link.Token)), nil)
	d.answer(ctx, cb, "", false)
}

// handleClose drops the caller's pending batch
func (d *Dispatcher) handleClose(ctx context.Context, cb *transport.CallbackQuery) {
	if err := d.deps.Batches.Clear(ctx, cb.From.ID); err != nil {
		d.logger.Error("failed to clear batch", "uploader_id", cb.From.ID, "error", err)
		d.answer(ctx, cb, uploadFailText, true)
		return
	}
	d.edit(ctx, cb, closedText, nil)
	d.answer(ctx, cb, "", false)
}

// handleRevoke serves /revoke <token> for admins
func (d *Dispatcher) handleRevoke(ctx context.Context, msg *transport.Message, token string) {
	if !d.opts.IsAdmin(msg.From.ID) || token == "" {
		return
	}
	if err := d.deps.Links.Delete(ctx, token); err != nil {
		d.logger.Error("failed to revoke link", "token", token, "error", err)
		d.reply(ctx, msg.Chat.ID, revokeFailedText, nil)
		return
	}
	d.logger.Info("link revoked", "token", token, "admin_id", msg.From.ID)
	d.reply(ctx, msg.Chat.ID, revokedText(token), nil)
}

func (d *Dispatcher) shareLink(token string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", d.opts.BotUsername, token)
}

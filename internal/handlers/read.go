package handlers

import (
	"context"
	"errors"

	"github.com/maneesh/permastore/internal/delivery"
	"github.com/maneesh/permastore/internal/gate"
	"github.com/maneesh/permastore/internal/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// handleRedeem serves /start <token>
func (d *Dispatcher) handleRedeem(ctx context.Context, msg *transport.Message, token string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("token", token))

	if !d.opts.ValidToken(token) {
		d.reply(ctx, msg.Chat.ID, notFoundText, nil)
		return
	}

	_, err := d.deps.Redeemer.Redeem(ctx, identity(*msg.From), token)
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrLinkNotFound):
		d.reply(ctx, msg.Chat.ID, notFoundText, nil)
	case errors.Is(err, gate.ErrNotAMember):
		d.reply(ctx, msg.Chat.ID, joinPromptText(msg.From.DisplayName()), d.joinKeyboard(token))
	case errors.Is(err, delivery.ErrPermissionDenied):
		d.reply(ctx, msg.Chat.ID, verifyFailedText, d.joinKeyboard(token))
	default:
		d.logger.Error("redemption failed", "token", token, "redeemer_id", msg.From.ID, "error", err)
		d.reply(ctx, msg.Chat.ID, redeemFailedText, nil)
	}
}

// handleVerify serves the "I have joined" button of the join prompt. The callback is
// answered as soon as the gate passes so the button stops spinning while items are copied.
func (d *Dispatcher) handleVerify(ctx context.Context, cb *transport.CallbackQuery, token string) {
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("token", token))

	if !d.opts.ValidToken(token) {
		d.edit(ctx, cb, notFoundText, nil)
		d.answer(ctx, cb, "", false)
		return
	}

	answered := false
	if d.deps.Gate != nil {
		if err := d.deps.Gate.Check(ctx, cb.From.ID); err != nil {
			d.answer(ctx, cb, verifyRefusal(err), true)
			return
		}
		d.answer(ctx, cb, verifiedAlert, true)
		answered = true
	}
	reply := func(text string, alert bool) {
		if !answered {
			d.answer(ctx, cb, text, alert)
		}
	}

	_, err := d.deps.Redeemer.Redeem(ctx, identity(cb.From), token)
	switch {
	case err == nil:
		reply(verifiedAlert, true)
		if cb.Message != nil {
			if err := d.deps.Bot.DeleteMessage(ctx, cb.Message.Chat.ID, cb.Message.MessageID); err != nil {
				d.logger.Warn("failed to remove join prompt", "chat_id", cb.Message.Chat.ID, "error", err)
			}
		}
	case errors.Is(err, delivery.ErrLinkNotFound):
		d.edit(ctx, cb, notFoundText, nil)
		reply("", false)
	case errors.Is(err, delivery.ErrPermissionDenied):
		reply(verifyRefusal(err), true)
	default:
		d.logger.Error("redemption failed", "token", token, "redeemer_id", cb.From.ID, "error", err)
		if answered {
			d.reply(ctx, cb.From.ID, redeemFailedText, nil)
			return
		}
		d.answer(ctx, cb, redeemFailedText, true)
	}
}

func verifyRefusal(err error) string {
	if errors.Is(err, gate.ErrNotAMember) {
		return notJoinedAlert
	}
	return verifyFailedText
}

func (d *Dispatcher) joinKeyboard(token string) *transport.InlineKeyboardMarkup {
	var buttons []transport.InlineKeyboardButton
	if url := d.joinURL(); url != "" {
		buttons = append(buttons, transport.InlineKeyboardButton{Text: "🔗 Join Update Channel", URL: url})
	}
	buttons = append(buttons, transport.InlineKeyboardButton{Text: "✅ I Have Joined", CallbackData: verifyPrefix + token})
	return transport.Keyboard(buttons...)
}

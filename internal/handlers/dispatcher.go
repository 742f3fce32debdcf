package handlers

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maneesh/permastore/internal/delivery"
	"github.com/maneesh/permastore/internal/metrics"
	"github.com/maneesh/permastore/internal/models"
	"github.com/maneesh/permastore/internal/storage"
	"github.com/maneesh/permastore/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("permastore-handlers")

// Bot is the slice of the Bot API the dispatcher talks through
type Bot interface {
	SendMessage(ctx context.Context, dest int64, text string, markup *transport.InlineKeyboardMarkup) (*transport.Message, error)
	EditText(ctx context.Context, chatID, messageID int64, text string, markup *transport.InlineKeyboardMarkup) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	Relay(ctx context.Context, relayChat int64, source models.ContentRef) (models.ContentRef, error)
}

// UpdateSource yields updates by long polling
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]transport.Update, error)
}

// Redeemer runs a redemption
type Redeemer interface {
	Redeem(ctx context.Context, redeemer models.Identity, token string) (*delivery.Result, error)
}

// LinkMinter mints the uploader's batch
type LinkMinter interface {
	MintLink(ctx context.Context, uploaderID int64) (*models.LinkRecord, error)
}

// LinkDeleter revokes links
type LinkDeleter interface {
	Delete(ctx context.Context, token string) error
}

// Deps are the collaborators of a Dispatcher
type Deps struct {
	Bot      Bot
	Redeemer Redeemer
	// Gate lets the verify callback be answered before delivery starts. Optional.
	Gate    delivery.Gatekeeper
	Minter  LinkMinter
	Batches storage.BatchStore
	Links   LinkDeleter
}

// Options configures a Dispatcher
type Options struct {
	// BotUsername builds share links (https://t.me/<BotUsername>?start=<token>).
	BotUsername string
	// GatingGroup is the group redeemers must join; "@name" groups get a join button.
	GatingGroup string
	// RelayChat receives every upload.
	RelayChat int64
	// IsAdmin decides who may upload and revoke. Nil allows nobody.
	IsAdmin func(userID int64) bool
	// ValidToken rejects malformed tokens before any lookup. Nil accepts all.
	ValidToken  func(token string) bool
	PollTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Dispatcher routes bot updates to the link lifecycle. Every update runs in its own goroutine.
type Dispatcher struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	inflight sync.WaitGroup
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(deps Deps, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(int64) bool { return false }
	}
	if opts.ValidToken == nil {
		opts.ValidToken = func(string) bool { return true }
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	return &Dispatcher{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Run long-polls source until ctx ends, dispatching each update concurrently.
// It returns after every in-flight update has finished.
func (d *Dispatcher) Run(ctx context.Context, source UpdateSource) error {
	var offset int64
	backoff := time.Second

	defer d.inflight.Wait()
	for {
		updates, err := source.GetUpdates(ctx, offset, d.opts.PollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			d.logger.Warn("polling for updates failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			d.Dispatch(ctx, update)
		}
	}
}

// Dispatch handles update in a new goroutine. The goroutine keeps running if ctx is
// cancelled mid-update so a redemption already underway is completed.
func (d *Dispatcher) Dispatch(ctx context.Context, update transport.Update) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.Handle(context.WithoutCancel(ctx), update)
	}()
}

// Wait blocks until every dispatched update has been handled
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Handle processes one update synchronously
func (d *Dispatcher) Handle(ctx context.Context, update transport.Update) {
	ctx, span := tracer.Start(ctx, "handle_update",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int64("update_id", update.UpdateID)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic while handling update", "update_id", update.UpdateID, "panic", r)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		d.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		d.handleMessage(ctx, update.Message)
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *transport.Message) {
	if msg.From == nil || msg.Chat.Type != "private" {
		return
	}

	if msg.HasMedia() {
		d.handleUpload(ctx, msg)
		return
	}

	name, arg := msg.Command()
	switch name {
	case "start":
		if arg == "" {
			d.reply(ctx, msg.Chat.ID, startText, d.startKeyboard())
			return
		}
		d.handleRedeem(ctx, msg, arg)
	case "help":
		d.reply(ctx, msg.Chat.ID, helpText, nil)
	case "revoke":
		d.handleRevoke(ctx, msg, arg)
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, cb *transport.CallbackQuery) {
	switch {
	case cb.Data == "help":
		d.edit(ctx, cb, helpText, transport.Keyboard(
			transport.InlineKeyboardButton{Text: "⬅ Back", CallbackData: "start_back"},
		))
		d.answer(ctx, cb, "", false)
	case cb.Data == "start_back":
		d.edit(ctx, cb, startText, d.startKeyboard())
		d.answer(ctx, cb, "", false)
	case strings.HasPrefix(cb.Data, verifyPrefix):
		d.handleVerify(ctx, cb, strings.TrimPrefix(cb.Data, verifyPrefix))
	case cb.Data == "get_free_link":
		d.handleGetLink(ctx, cb)
	case cb.Data == "add_more_files":
		d.edit(ctx, cb, addMoreText, nil)
		d.answer(ctx, cb, "", false)
	case cb.Data == "close_batch":
		d.handleClose(ctx, cb)
	default:
		d.answer(ctx, cb, "", false)
	}
}

func (d *Dispatcher) startKeyboard() *transport.InlineKeyboardMarkup {
	buttons := []transport.InlineKeyboardButton{
		{Text: "📖 How to Use / Help", CallbackData: "help"},
	}
	if url := d.joinURL(); url != "" {
		buttons = append(buttons, transport.InlineKeyboardButton{Text: "🔗 Join Update Channel", URL: url})
	}
	return transport.Keyboard(buttons...)
}

// joinURL links public groups; numeric ids have no public URL
func (d *Dispatcher) joinURL() string {
	group := strings.TrimPrefix(strings.TrimSpace(d.opts.GatingGroup), "@")
	if group == "" || strings.HasPrefix(group, "-") || isDigits(group) {
		return ""
	}
	return "https://t.me/" + group
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func (d *Dispatcher) reply(ctx context.Context, chatID int64, text string, markup *transport.InlineKeyboardMarkup) *transport.Message {
	msg, err := d.deps.Bot.SendMessage(ctx, chatID, text, markup)
	if err != nil {
		d.logger.Warn("failed to send reply", "chat_id", chatID, "error", err)
		return nil
	}
	return msg
}

func (d *Dispatcher) edit(ctx context.Context, cb *transport.CallbackQuery, text string, markup *transport.InlineKeyboardMarkup) {
	if cb.Message == nil {
		d.reply(ctx, cb.From.ID, text, markup)
		return
	}
	if err := d.deps.Bot.EditText(ctx, cb.Message.Chat.ID, cb.Message.MessageID, text, markup); err != nil {
		d.logger.Warn("failed to edit message", "chat_id", cb.Message.Chat.ID, "error", err)
	}
}

func (d *Dispatcher) answer(ctx context.Context, cb *transport.CallbackQuery, text string, alert bool) {
	if err := d.deps.Bot.AnswerCallback(ctx, cb.ID, text, alert); err != nil {
		d.logger.Warn("failed to answer callback", "callback_id", cb.ID, "error", err)
	}
}

func identity(u transport.User) models.Identity {
	return models.Identity{ID: u.ID, DisplayName: u.DisplayName()}
}

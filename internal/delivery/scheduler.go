// Package delivery redeems links: it gates the redeemer, copies the stored items to them,
// appends a retention notice and retracts everything once the retention window ends.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/maneesh/permastore/internal/metrics"
	"github.com/maneesh/permastore/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("permastore-delivery")

// DefaultTTL is how long delivered copies stay with the redeemer
const DefaultTTL = 10 * time.Minute

var (
	// ErrLinkNotFound is returned for tokens the store does not know
	ErrLinkNotFound = errors.New("link not found")
	// ErrPermissionDenied wraps the gate's refusal, including failed membership queries
	ErrPermissionDenied = errors.New("permission denied")
)

// LinkReader looks up minted links
type LinkReader interface {
	Get(ctx context.Context, token string) (*models.LinkRecord, error)
}

// Gatekeeper admits or refuses a redeemer
type Gatekeeper interface {
	Check(ctx context.Context, userID int64) error
}

// Sender delivers copies and text to a redeemer
type Sender interface {
	CopyItem(ctx context.Context, dest int64, source models.ContentRef) (int64, error)
	SendText(ctx context.Context, dest int64, text string) (int64, error)
}

// ItemError records one item that could not be copied
type ItemError struct {
	Position int
	Ref      models.ContentRef
	Err      error
}

// Result describes one completed redemption
type Result struct {
	Set       models.DeliverySet
	Delivered int
	Failed    []ItemError
	// NoticeErr is set when the retention notice could not be sent.
	NoticeErr error
}

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	TTL     time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Scheduler runs redemptions and hands their delivery sets to a Registry for expiry
type Scheduler struct {
	links    LinkReader
	gate     Gatekeeper
	sender   Sender
	registry *Registry
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewScheduler creates a Scheduler
func NewScheduler(links LinkReader, gate Gatekeeper, sender Sender, registry *Registry, opts Options) *Scheduler {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		links:    links,
		gate:     gate,
		sender:   sender,
		registry: registry,
		ttl:      ttl,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// TTL returns the retention window
func (s *Scheduler) TTL() time.Duration {
	return s.ttl
}

// Redeem delivers the items of token to redeemer and schedules their retraction.
// Unknown tokens fail with ErrLinkNotFound and refused redeemers with ErrPermissionDenied,
// in both cases before anything is sent. Individual copy failures do not stop the delivery;
// they are reported in the Result.
func (s *Scheduler) Redeem(ctx context.Context, redeemer models.Identity, token string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "delivery.redeem",
		trace.WithAttributes(
			attribute.String("token", token),
			attribute.Int64("redeemer_id", redeemer.ID),
		),
	)
	defer span.End()

	record, err := s.links.Get(ctx, token)
	if err != nil {
		span.RecordError(err)
		s.metrics.Redemption(metrics.OutcomeError)
		return nil, fmt.Errorf("failed to load link: %w", err)
	}
	if record == nil {
		s.metrics.Redemption(metrics.OutcomeNotFound)
		return nil, ErrLinkNotFound
	}

	if err := s.gate.Check(ctx, redeemer.ID); err != nil {
		s.metrics.Redemption(metrics.OutcomeDenied)
		span.SetAttributes(attribute.Bool("denied", true))
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	result := s.deliver(ctx, redeemer, record)
	span.SetAttributes(
		attribute.Int("delivered", result.Delivered),
		attribute.Int("failed", len(result.Failed)),
	)
	s.metrics.Redemption(metrics.OutcomeDelivered)

	if len(result.Set.MessageIDs) > 0 {
		s.registry.Schedule(ctx, result.Set)
	}

	s.logger.Info("link redeemed",
		"token", token,
		"redeemer_id", redeemer.ID,
		"set_id", result.Set.ID,
		"delivered", result.Delivered,
		"failed", len(result.Failed),
		"expires_at", result.Set.ExpiresAt,
	)
	return result, nil
}

func (s *Scheduler) deliver(ctx context.Context, redeemer models.Identity, record *models.LinkRecord) *Result {
	now := s.now()
	result := &Result{
		Set: models.DeliverySet{
			ID:         uuid.NewString(),
			Token:      record.Token,
			ChatID:     redeemer.ID,
			MessageIDs: make([]int64, 0, len(record.Refs)+1),
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.ttl),
		},
	}

	for i, ref := range record.Refs {
		id, err := s.sender.CopyItem(ctx, redeemer.ID, ref)
		if err != nil {
			s.metrics.DeliveryItem(metrics.ResultFailed)
			s.logger.Warn("failed to copy item",
				"token", record.Token,
				"redeemer_id", redeemer.ID,
				"position", i,
				"message_id", ref.MessageID,
				"error", err,
			)
			result.Failed = append(result.Failed, ItemError{Position: i, Ref: ref, Err: err})
			continue
		}
		s.metrics.DeliveryItem(metrics.ResultOK)
		result.Set.MessageIDs = append(result.Set.MessageIDs, id)
		result.Delivered++
	}

	noticeID, err := s.sender.SendText(ctx, redeemer.ID, NoticeText(s.ttl, len(result.Failed), len(record.Refs)))
	if err != nil {
		s.logger.Warn("failed to send retention notice",
			"token", record.Token,
			"redeemer_id", redeemer.ID,
			"error", err,
		)
		result.NoticeErr = err
	} else {
		result.Set.MessageIDs = append(result.Set.MessageIDs, noticeID)
	}
	return result
}

// NoticeText is the message sent after the delivered items
func NoticeText(ttl time.Duration, failed, total int) string {
	var b strings.Builder
	b.WriteString("❗️ IMPORTANT NOTICE ❗️\n\n")
	fmt.Fprintf(&b, "These files will be deleted in %s ⏰ due to copyright policies.\n", FormatTTL(ttl))
	b.WriteString("Please save or forward them to your Saved Messages to avoid losing them.")
	if failed > 0 {
		fmt.Fprintf(&b, "\n\n⚠️ %d of %d file(s) could not be delivered.", failed, total)
	}
	return b.String()
}

// FormatTTL renders a retention window as "10 minutes", "1 hour" and so on
func FormatTTL(ttl time.Duration) string {
	base := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(base, base.Add(ttl), "", ""))
}

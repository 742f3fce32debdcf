// Package minting turns an uploader's pending batch into a stored, shareable link.
package minting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maneesh/permastore/internal/metrics"
	"github.com/maneesh/permastore/internal/models"
	"github.com/maneesh/permastore/internal/storage"
	"github.com/maneesh/permastore/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("permastore-minting")

// DefaultAttempts bounds token generation when the store keeps reporting duplicates
const DefaultAttempts = 5

var (
	// ErrEmptyBatch is returned when the uploader has nothing pending. It is storage.ErrEmptyBatch.
	ErrEmptyBatch = storage.ErrEmptyBatch
	// ErrMintExhausted is returned when every generated token was already taken
	ErrMintExhausted = errors.New("could not find a free token")
)

// Options tunes a Minter. Zero values select defaults.
type Options struct {
	Attempts int
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Minter binds uploader batches to fresh tokens
type Minter struct {
	batches  storage.BatchStore
	links    storage.LinkStore
	tokens   token.Generator
	attempts int
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Minter
func New(batches storage.BatchStore, links storage.LinkStore, tokens token.Generator, opts Options) *Minter {
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Minter{
		batches:  batches,
		links:    links,
		tokens:   tokens,
		attempts: attempts,
		logger:   logger,
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Mint stores the uploader's current batch under a new token and removes it from the batch.
// The link is written before the batch is touched, so a failed mint leaves the batch as it was.
// Items appended while the mint is in flight are not part of the link and stay pending.
func (m *Minter) Mint(ctx context.Context, uploaderID int64) (string, error) {
	link, err := m.MintLink(ctx, uploaderID)
	if err != nil {
		return "", err
	}
	return link.Token, nil
}

// MintLink is Mint returning the whole minted record
func (m *Minter) MintLink(ctx context.Context, uploaderID int64) (*models.LinkRecord, error) {
	ctx, span := tracer.Start(ctx, "minting.mint",
		trace.WithAttributes(attribute.Int64("uploader_id", uploaderID)),
	)
	defer span.End()

	refs, err := m.batches.Snapshot(ctx, uploaderID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	if len(refs) == 0 {
		return nil, ErrEmptyBatch
	}
	span.SetAttributes(attribute.Int("item_count", len(refs)))

	tok, err := m.store(ctx, refs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("token", tok))

	trimmed, err := m.batches.Discard(ctx, uploaderID, refs)
	switch {
	case err != nil:
		// The link stands; leftover items can at worst be minted again.
		m.logger.Error("failed to clear minted batch",
			"uploader_id", uploaderID,
			"token", tok,
			"error", err,
		)
	case !trimmed:
		m.logger.Info("batch changed during mint, left untouched",
			"uploader_id", uploaderID,
			"token", tok,
		)
	}

	m.metrics.LinkMinted()
	m.logger.Info("link minted",
		"uploader_id", uploaderID,
		"token", tok,
		"item_count", len(refs),
	)
	return &models.LinkRecord{Token: tok, Refs: refs, CreatedAt: m.now().UTC()}, nil
}

// store writes refs under the first free token, trying at most m.attempts tokens
func (m *Minter) store(ctx context.Context, refs []models.ContentRef) (string, error) {
	for attempt := 1; attempt <= m.attempts; attempt++ {
		tok, err := m.tokens.Generate()
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}

		err = m.links.Put(ctx, tok, refs)
		if err == nil {
			return tok, nil
		}
		if !errors.Is(err, storage.ErrDuplicateToken) {
			return "", fmt.Errorf("failed to store link: %w", err)
		}

		m.metrics.MintCollision()
		m.logger.Warn("token collision, regenerating", "attempt", attempt)
	}
	return "", fmt.Errorf("%w after %d attempts", ErrMintExhausted, m.attempts)
}

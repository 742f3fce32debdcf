package storage

import (
	"context"
	"errors"

	"github.com/maneesh/permastore/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("permastore-storage")

var (
	// ErrDuplicateToken is returned by LinkStore.Put when the token is already taken
	ErrDuplicateToken = errors.New("duplicate token")
	// ErrEmptyBatch is returned by LinkStore.Put when there is nothing to store
	ErrEmptyBatch = errors.New("empty batch")
)

// LinkStore maps link tokens to the ordered content references captured at mint time.
// Tokens are write-once, so implementations only need per-token atomicity for Put.
type LinkStore interface {
	// Put stores refs under token. It fails with ErrDuplicateToken if token
	// exists and with ErrEmptyBatch if refs is empty.
	Put(ctx context.Context, token string, refs []models.ContentRef) error
	// Get returns the record for token, or nil if it is unknown or deleted.
	Get(ctx context.Context, token string) (*models.LinkRecord, error)
	// Delete removes token. Deleting an unknown token is not an error.
	Delete(ctx context.Context, token string) error
}

// BatchStore keeps the pending batch of each uploader.
// Operations for one uploader are serialized, different uploaders are independent.
type BatchStore interface {
	// Append adds ref to the end of the uploader's batch and returns the batch after the append.
	Append(ctx context.Context, uploaderID int64, ref models.ContentRef) ([]models.ContentRef, error)
	// Snapshot returns the uploader's batch, or an empty slice.
	Snapshot(ctx context.Context, uploaderID int64) ([]models.ContentRef, error)
	// Discard removes prefix from the front of the batch, leaving anything appended
	// after it. It reports false and changes nothing when the batch no longer starts
	// with prefix, e.g. because it was cleared and refilled in between.
	Discard(ctx context.Context, uploaderID int64, prefix []models.ContentRef) (bool, error)
	// Clear drops the whole batch.
	Clear(ctx context.Context, uploaderID int64) error
}

// Pinger is implemented by backends that can report their reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

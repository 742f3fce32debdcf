package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maneesh/permastore/internal/metrics"
	"github.com/maneesh/permastore/internal/models"
)

// DefaultRetractTimeout bounds one retraction attempt
const DefaultRetractTimeout = 30 * time.Second

// journalTimeout bounds removing a retracted set from the journal
const journalTimeout = 5 * time.Second

// Retractor deletes delivered messages
type Retractor interface {
	DeleteMessages(ctx context.Context, dest int64, ids []int64) error
}

// Journal persists pending delivery sets so their retraction survives a restart
type Journal interface {
	Save(ctx context.Context, set models.DeliverySet) error
	Remove(ctx context.Context, id string) error
	Load(ctx context.Context) ([]models.DeliverySet, error)
}

// RegistryOptions configures a Registry. Journal may be nil.
type RegistryOptions struct {
	Journal        Journal
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	RetractTimeout time.Duration
}

type pendingSet struct {
	set   models.DeliverySet
	timer *time.Timer
	// counted is set by Shutdown for timers that had already fired
	counted bool
}

// Registry owns the expiry timer of every pending DeliverySet, keyed by set id.
// Timers are detached from the request that scheduled them.
type Registry struct {
	retractor      Retractor
	journal        Journal
	logger         *slog.Logger
	metrics        *metrics.Metrics
	retractTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingSet
	closed  bool
	firing  sync.WaitGroup
}

// NewRegistry creates a Registry that retracts through retractor
func NewRegistry(retractor Retractor, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.RetractTimeout
	if timeout <= 0 {
		timeout = DefaultRetractTimeout
	}
	return &Registry{
		retractor:      retractor,
		journal:        opts.Journal,
		logger:         logger,
		metrics:        opts.Metrics,
		retractTimeout: timeout,
		now:            time.Now,
		pending:        make(map[string]*pendingSet),
	}
}

// Schedule arms the retraction of set at set.ExpiresAt. The set is journaled first when a
// journal is configured; a journal failure is logged and the timer is armed anyway.
// After Shutdown, sets are journaled for the next start or, without a journal, retracted now.
func (r *Registry) Schedule(ctx context.Context, set models.DeliverySet) {
	if r.journal != nil {
		if err := r.journal.Save(context.WithoutCancel(ctx), set); err != nil {
			r.logger.Error("failed to journal delivery set",
				"set_id", set.ID,
				"token", set.Token,
				"error", err,
			)
		}
	}
	r.arm(set)
}

func (r *Registry) arm(set models.DeliverySet) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if r.journal == nil {
			r.retract(set)
		}
		return
	}
	if _, exists := r.pending[set.ID]; exists {
		r.mu.Unlock()
		return
	}

	delay := set.ExpiresAt.Sub(r.now())
	if delay < 0 {
		delay = 0
	}
	entry := &pendingSet{set: set}
	r.pending[set.ID] = entry
	entry.timer = time.AfterFunc(delay, func() { r.fire(set.ID) })
	r.mu.Unlock()

	r.metrics.ExpirationScheduled()
}

func (r *Registry) fire(id string) {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	if !entry.counted {
		r.firing.Add(1)
	}
	r.mu.Unlock()

	defer r.firing.Done()
	r.metrics.ExpirationDone()
	r.retract(entry.set)
}

// retract deletes every message of set. Failures are logged and counted, never returned.
func (r *Registry) retract(set models.DeliverySet) {
	ctx, cancel := context.WithTimeout(context.Background(), r.retractTimeout)
	defer cancel()

	if len(set.MessageIDs) > 0 {
		if err := r.retractor.DeleteMessages(ctx, set.ChatID, set.MessageIDs); err != nil {
			r.metrics.Retraction(metrics.ResultFailed)
			r.logger.Warn("failed to retract delivered messages",
				"set_id", set.ID,
				"token", set.Token,
				"redeemer_id", set.ChatID,
				"error", err,
			)
		} else {
			r.metrics.Retraction(metrics.ResultOK)
			r.logger.Info("delivered messages retracted",
				"set_id", set.ID,
				"token", set.Token,
				"redeemer_id", set.ChatID,
				"count", len(set.MessageIDs),
			)
		}
	}

	if r.journal != nil {
		// A slow retraction may have used up ctx.
		jctx, jcancel := context.WithTimeout(context.Background(), journalTimeout)
		defer jcancel()
		if err := r.journal.Remove(jctx, set.ID); err != nil {
			r.logger.Warn("failed to remove delivery set from journal", "set_id", set.ID, "error", err)
		}
	}
}

// Pending returns the number of armed timers
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Resume re-arms every journaled set. Overdue sets are retracted right away.
// It returns the number of sets loaded.
func (r *Registry) Resume(ctx context.Context) (int, error) {
	if r.journal == nil {
		return 0, nil
	}
	sets, err := r.journal.Load(ctx)
	if err != nil {
		return 0, err
	}
	for _, set := range sets {
		r.arm(set)
	}
	if len(sets) > 0 {
		r.logger.Info("resumed pending retractions", "count", len(sets))
	}
	return len(sets), nil
}

// Shutdown stops every timer. With a journal the stopped sets stay journaled for Resume;
// without one they are retracted before Shutdown returns. It then waits for retractions
// already in progress, or for ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	var stopped []models.DeliverySet
	for id, entry := range r.pending {
		if entry.counted {
			continue
		}
		if entry.timer.Stop() {
			stopped = append(stopped, entry.set)
			delete(r.pending, id)
			continue
		}
		entry.counted = true
		r.firing.Add(1)
	}
	r.mu.Unlock()

	for _, set := range stopped {
		r.metrics.ExpirationDone()
		if r.journal == nil {
			r.retract(set)
		}
	}
	if len(stopped) > 0 {
		r.logger.Info("expiry registry stopped",
			"stopped", len(stopped),
			"journaled", r.journal != nil,
		)
	}

	done := make(chan struct{})
	go func() {
		r.firing.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("retractions still running"), ctx.Err())
	}
}

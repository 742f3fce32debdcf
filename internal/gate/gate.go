// Package gate decides whether a redeemer may receive a link's content.
// Access requires membership in one gating group, checked live on every redemption.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNotAMember means the membership query answered and the user is not in the group
	ErrNotAMember = errors.New("not a member of the gating group")
	// ErrQueryFailed means membership could not be determined. It never grants access.
	ErrQueryFailed = errors.New("membership query failed")
)

// MembershipQuerier answers whether a user belongs to a group.
// (false, nil) is a definitive no; any error means the answer is unknown.
type MembershipQuerier interface {
	QueryMembership(ctx context.Context, group string, userID int64) (bool, error)
}

// Gate checks redeemers against a single gating group
type Gate struct {
	querier MembershipQuerier
	group   string
	logger  *slog.Logger
}

// New creates a Gate for group
func New(querier MembershipQuerier, group string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		querier: querier,
		group:   group,
		logger:  logger,
	}
}

// Group returns the gating group
func (g *Gate) Group() string {
	return g.group
}

// Check returns nil for members, ErrNotAMember for non-members and
// an error wrapping ErrQueryFailed when the transport could not answer.
func (g *Gate) Check(ctx context.Context, userID int64) error {
	member, err := g.querier.QueryMembership(ctx, g.group, userID)
	if err != nil {
		g.logger.Warn("membership query failed",
			"redeemer_id", userID,
			"group", g.group,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	if !member {
		return ErrNotAMember
	}
	return nil
}

// IsMember reports membership. A failed query yields (false, err) with err wrapping ErrQueryFailed.
func (g *Gate) IsMember(ctx context.Context, userID int64) (bool, error) {
	err := g.Check(ctx, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotAMember):
		return false, nil
	default:
		return false, err
	}
}

package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maneesh/permastore/internal/gate"
	"github.com/maneesh/permastore/internal/metrics"
	"github.com/maneesh/permastore/internal/models"
	"github.com/maneesh/permastore/internal/storage"
	"github.com/maneesh/permastore/internal/transport"
	"github.com/maneesh/permastore/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	relayChat = int64(-1001)
	member    = int64(42)
	outsider  = int64(43)
	testTTL   = 150 * time.Millisecond
)

func ref(id int64) models.ContentRef {
	return models.ContentRef{ChatID: relayChat, MessageID: id}
}

type fixture struct {
	links     *storage.MemoryLinkStore
	fake      *transporttest.Fake
	registry  *Registry
	scheduler *Scheduler
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		links:   storage.NewMemoryLinkStore(),
		fake:    &transporttest.Fake{},
		metrics: metrics.New(),
	}
	f.fake.SetMember(member, true)
	f.registry = NewRegistry(f.fake, RegistryOptions{Metrics: f.metrics})
	f.scheduler = NewScheduler(f.links, gate.New(f.fake, "@updates", nil), f.fake, f.registry, Options{
		TTL:     testTTL,
		Metrics: f.metrics,
	})
	t.Cleanup(func() { _ = f.registry.Shutdown(context.Background()) })
	return f
}

func (f *fixture) put(t *testing.T, token string, refs ...models.ContentRef) {
	t.Helper()
	require.NoError(t, f.links.Put(context.Background(), token, refs))
}

func TestRedeem_DeliversInOrderThenRetracts(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1), ref(2))

	res, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: member, DisplayName: "Ada"}, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.NoError(t, res.NoticeErr)

	calls := f.fake.Calls()
	var sends []transporttest.Call
	for _, c := range calls {
		if c.Op == transporttest.OpCopy || c.Op == transporttest.OpSend {
			sends = append(sends, c)
		}
	}
	require.Len(t, sends, 3)
	assert.Equal(t, transporttest.OpCopy, sends[0].Op)
	assert.Equal(t, ref(1), sends[0].Source)
	assert.Equal(t, ref(2), sends[1].Source)
	assert.Equal(t, transporttest.OpSend, sends[2].Op)
	assert.Equal(t, NoticeText(testTTL, 0, 2), sends[2].Text)
	for _, c := range sends {
		assert.Equal(t, member, c.Dest)
	}

	want := []int64{sends[0].MessageID, sends[1].MessageID, sends[2].MessageID}
	assert.Equal(t, want, res.Set.MessageIDs)
	assert.Equal(t, member, res.Set.ChatID)
	assert.Equal(t, "abc123", res.Set.Token)
	assert.NotEmpty(t, res.Set.ID)
	assert.Equal(t, testTTL, res.Set.ExpiresAt.Sub(res.Set.CreatedAt))

	assert.Empty(t, f.fake.Deleted(member), "nothing is retracted before the TTL")
	require.Eventually(t, func() bool {
		return len(f.fake.Deleted(member)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, want, f.fake.Deleted(member))
	assert.Zero(t, f.registry.Pending())
}

func TestRedeem_UnknownToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: member}, "zzzz99")
	assert.ErrorIs(t, err, ErrLinkNotFound)
	assert.Empty(t, f.fake.CallsOf(transporttest.OpCopy))
	assert.Empty(t, f.fake.CallsOf(transporttest.OpSend))
	assert.Zero(t, f.registry.Pending())
}

func TestRedeem_NonMemberGetsNothing(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1), ref(2))

	_, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: outsider}, "abc123")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, err, gate.ErrNotAMember)
	assert.Empty(t, f.fake.CallsOf(transporttest.OpCopy))
	assert.Empty(t, f.fake.CallsOf(transporttest.OpSend))
}

func TestRedeem_MembershipFailureDenies(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1))
	f.fake.FailMembership(&transport.Error{Method: "getChatMember", Kind: transport.KindUnavailable})

	_, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: member}, "abc123")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.ErrorIs(t, err, gate.ErrQueryFailed)
	assert.Empty(t, f.fake.CallsOf(transporttest.OpCopy))
}

func TestRedeem_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1), ref(2), ref(3))
	f.fake.FailCopy(2, &transport.Error{Method: "copyMessage", Kind: transport.KindNotFound})

	res, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: member}, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Position)
	assert.Equal(t, ref(2), res.Failed[0].Ref)
	assert.ErrorIs(t, res.Failed[0].Err, transport.ErrNotFound)

	copies := f.fake.CallsOf(transporttest.OpCopy)
	require.Len(t, copies, 3)
	assert.Equal(t, ref(3), copies[2].Source)

	sends := f.fake.CallsOf(transporttest.OpSend)
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Text, "1 of 3 file(s) could not be delivered")
	assert.Len(t, res.Set.MessageIDs, 3)
}

func TestRedeem_AllCopiesFailStillNotifiesAndSchedules(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1), ref(2))
	f.fake.FailCopy(1, errors.New("boom"))
	f.fake.FailCopy(2, errors.New("boom"))

	res, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: member}, "abc123")
	require.NoError(t, err)
	assert.Zero(t, res.Delivered)
	require.Len(t, res.Set.MessageIDs, 1)

	require.Eventually(t, func() bool {
		return len(f.fake.Deleted(member)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, res.Set.MessageIDs, f.fake.Deleted(member))
}

func TestRedeem_RetractionFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1))
	f.fake.FailDelete(&transport.Error{Method: "deleteMessages", Kind: transport.KindBadRequest})

	_, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: member}, "abc123")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.fake.CallsOf(transporttest.OpDelete)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.registry.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedeem_LinkDeletedAfterDeliveryKeepsSchedule(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1))

	res, err := f.scheduler.Redeem(context.Background(), models.Identity{ID: member}, "abc123")
	require.NoError(t, err)
	require.NoError(t, f.links.Delete(context.Background(), "abc123"))

	require.Eventually(t, func() bool {
		return len(f.fake.Deleted(member)) == len(res.Set.MessageIDs)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedeem_CancelledRequestDoesNotCancelExpiry(t *testing.T) {
	f := newFixture(t)
	f.put(t, "abc123", ref(1))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := f.scheduler.Redeem(ctx, models.Identity{ID: member}, "abc123")
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		return len(f.fake.Deleted(member)) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNoticeText(t *testing.T) {
	assert.Contains(t, NoticeText(10*time.Minute, 0, 2), "deleted in 10 minutes")
	assert.NotContains(t, NoticeText(10*time.Minute, 0, 2), "could not be delivered")
	assert.Contains(t, NoticeText(time.Hour, 2, 5), "2 of 5 file(s) could not be delivered")
	assert.Equal(t, "1 hour", FormatTTL(time.Hour))
	assert.Equal(t, "30 seconds", FormatTTL(30*time.Second))
}

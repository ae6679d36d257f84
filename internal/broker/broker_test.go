package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

type fakeSender struct {
	mu        sync.Mutex
	msgs      []models.Message
	fail      bool
	block     bool
	closed    bool
	closeCode int
}

func (f *fakeSender) Send(ctx context.Context, msg models.Message) error {
	f.mu.Lock()
	fail, block := f.fail, f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("write failed")
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Close(code int, _ string) error {
	f.mu.Lock()
	f.closed, f.closeCode = true, code
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

var (
	admin  = models.Actor{ID: "root", Role: models.RoleAdmin}
	ownerA = models.Actor{ID: "alice", Role: models.RoleShopOwner, BoundShopID: "A"}
	ownerB = models.Actor{ID: "bob", Role: models.RoleShopOwner, BoundShopID: "B"}
)

func connect(t *testing.T, b *Broker, actor models.Actor, topic models.Topic, filters ScopeFilters) (string, *fakeSender) {
	t.Helper()
	s := &fakeSender{}
	id := b.Register(s)
	require.NoError(t, b.Authenticate(id, actor))
	_, err := b.Subscribe(id, topic, filters)
	require.NoError(t, err)
	return id, s
}

func TestBroadcastRespectsShopScope(t *testing.T) {
	b := New(nil)
	ctx := context.Background()
	_, a := connect(t, b, ownerA, models.TopicAnomalies, ScopeFilters{})
	_, bb := connect(t, b, ownerB, models.TopicAnomalies, ScopeFilters{})
	_, root := connect(t, b, admin, models.TopicAnomalies, ScopeFilters{})

	rep := b.Broadcast(ctx, models.TopicAnomalies, models.NewMessage(models.MsgAnomalyAlert, "", nil), models.Scope{ShopID: "A"})
	assert.Equal(t, 2, rep.Attempted)
	assert.Equal(t, 2, rep.Delivered)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 0, bb.count())
	assert.Equal(t, 1, root.count())

	b.Broadcast(ctx, models.TopicAnomalies, models.NewMessage(models.MsgAnomalyAlert, "", nil), models.Scope{})
	assert.Equal(t, 2, a.count())
	assert.Equal(t, 1, bb.count())
	assert.Equal(t, 2, root.count())
}

func TestAdminFilterNarrowsBroadcasts(t *testing.T) {
	b := New(nil)
	_, root := connect(t, b, admin, models.TopicAnalytics, ScopeFilters{ShopID: "A"})

	b.Broadcast(context.Background(), models.TopicAnalytics, models.NewMessage(models.MsgMetricUpdate, "", nil), models.Scope{ShopID: "B"})
	assert.Equal(t, 0, root.count())
	b.Broadcast(context.Background(), models.TopicAnalytics, models.NewMessage(models.MsgMetricUpdate, "", nil), models.Scope{ShopID: "A"})
	assert.Equal(t, 1, root.count())
}

func TestReceivesMatchesBroadcast(t *testing.T) {
	b := New(nil)
	root, _ := connect(t, b, admin, models.TopicAnomalies, ScopeFilters{ShopID: "A"})
	alice, _ := connect(t, b, ownerA, models.TopicAnomalies, ScopeFilters{})

	assert.True(t, b.Receives(root, models.TopicAnomalies, models.Scope{ShopID: "A"}))
	assert.False(t, b.Receives(root, models.TopicAnomalies, models.Scope{ShopID: "B"}))
	assert.True(t, b.Receives(root, models.TopicAnomalies, models.Scope{}))
	assert.False(t, b.Receives(root, models.TopicForecasts, models.Scope{ShopID: "A"}), "not subscribed")

	assert.True(t, b.Receives(alice, models.TopicAnomalies, models.Scope{ShopID: "A"}))
	assert.False(t, b.Receives(alice, models.TopicAnomalies, models.Scope{ShopID: "B"}))
	assert.False(t, b.Receives("missing", models.TopicAnomalies, models.Scope{}))
}

func TestBroadcastOnlyReachesTopicSubscribers(t *testing.T) {
	b := New(nil)
	_, fc := connect(t, b, admin, models.TopicForecasts, ScopeFilters{})
	rep := b.Broadcast(context.Background(), models.TopicAnomalies, models.NewMessage(models.MsgAnomalyAlert, "", nil), models.Scope{})
	assert.Zero(t, rep.Attempted)
	assert.Zero(t, fc.count())
}

func TestShopOwnerCannotSubscribeToOtherShop(t *testing.T) {
	b := New(nil)
	s := &fakeSender{}
	id := b.Register(s)
	require.NoError(t, b.Authenticate(id, ownerA))

	_, err := b.Subscribe(id, models.TopicShopAnalytics, ScopeFilters{ShopID: "B"})
	assert.True(t, models.IsUnauthorized(err))

	f, err := b.Subscribe(id, models.TopicShopAnalytics, ScopeFilters{})
	require.NoError(t, err)
	assert.Equal(t, "A", f.ShopID)
}

func TestOperationsRequireAuthentication(t *testing.T) {
	b := New(nil)
	id := b.Register(&fakeSender{})
	assert.Equal(t, StateConnecting, b.State(id))

	_, err := b.Subscribe(id, models.TopicAnalytics, ScopeFilters{})
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
	assert.ErrorIs(t, b.Unsubscribe(id, models.TopicAnalytics), models.ErrNotAuthenticated)

	_, err = b.Subscribe(id, "weather", ScopeFilters{})
	assert.True(t, models.IsValidation(err))
}

func TestAuthenticateRejectsUnscopedActors(t *testing.T) {
	b := New(nil)

	s1 := &fakeSender{}
	id1 := b.Register(s1)
	err := b.Authenticate(id1, models.Actor{ID: "c", Role: "customer"})
	assert.True(t, models.IsUnauthorized(err))
	assert.True(t, s1.closed)
	assert.Equal(t, CloseAccessDenied, s1.closeCode)

	s2 := &fakeSender{}
	id2 := b.Register(s2)
	err = b.Authenticate(id2, models.Actor{ID: "o", Role: models.RoleShopOwner})
	assert.True(t, models.IsUnauthorized(err))
	assert.Equal(t, CloseNoShopBound, s2.closeCode)

	assert.Zero(t, b.Stats().TotalConnections)
}

func TestStateTransitions(t *testing.T) {
	b := New(nil)
	id := b.Register(&fakeSender{})
	require.NoError(t, b.Authenticate(id, admin))
	assert.Equal(t, StateAuthenticated, b.State(id))

	_, err := b.Subscribe(id, models.TopicAnalytics, ScopeFilters{})
	require.NoError(t, err)
	assert.Equal(t, StateSubscribed, b.State(id))

	require.NoError(t, b.Unsubscribe(id, models.TopicAnalytics))
	assert.Equal(t, StateAuthenticated, b.State(id))

	b.Disconnect(id, CloseNormal, "bye")
	assert.Equal(t, StateDisconnected, b.State(id))
	assert.Empty(t, b.Subscriptions(id))
}

func TestFailedSendDisconnectsOnlyThatRecipient(t *testing.T) {
	b := New(nil)
	badID, bad := connect(t, b, admin, models.TopicAnalytics, ScopeFilters{})
	_, good := connect(t, b, ownerA, models.TopicAnalytics, ScopeFilters{})
	bad.fail = true

	rep := b.Broadcast(context.Background(), models.TopicAnalytics, models.NewMessage(models.MsgMetricUpdate, "", nil), models.Scope{ShopID: "A"})
	assert.Equal(t, 2, rep.Attempted)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, []string{badID}, rep.Failed)
	assert.Equal(t, 1, good.count())
	assert.True(t, bad.closed)
	assert.Equal(t, StateDisconnected, b.State(badID))
}

func TestSlowRecipientIsBoundedBySendTimeout(t *testing.T) {
	b := New(nil, WithSendTimeout(20*time.Millisecond))
	_, slow := connect(t, b, admin, models.TopicAnalytics, ScopeFilters{})
	_, fast := connect(t, b, admin, models.TopicAnalytics, ScopeFilters{})
	slow.block = true

	start := time.Now()
	rep := b.Broadcast(context.Background(), models.TopicAnalytics, models.NewMessage(models.MsgMetricUpdate, "", nil), models.Scope{})
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, rep.Delivered)
	assert.Equal(t, 1, fast.count())
}

func TestSweepClosesIdleConnections(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := New(nil, WithIdleTimeout(time.Minute), WithClock(func() time.Time { return now }))
	idleID, idle := connect(t, b, ownerA, models.TopicAnalytics, ScopeFilters{})
	_, idle2 := connect(t, b, admin, models.TopicAnomalies, ScopeFilters{})

	later := now.Add(2 * time.Minute)
	rep := b.Sweep(context.Background(), later)
	assert.Len(t, rep.Idle, 2)
	assert.Equal(t, []string{models.MsgConnectionTimeout}, idle.types())
	assert.True(t, idle.closed)
	assert.True(t, idle2.closed)
	assert.Equal(t, StateDisconnected, b.State(idleID))

	st := b.Stats()
	assert.Zero(t, st.TotalConnections)
	assert.Empty(t, st.ByTopic)
}

func TestSweepKeepsActiveConnections(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	b := New(nil, WithIdleTimeout(time.Minute), WithClock(func() time.Time { return clock }))
	id, s := connect(t, b, admin, models.TopicAnalytics, ScopeFilters{})

	clock = now.Add(50 * time.Second)
	b.Touch(id)
	rep := b.Sweep(context.Background(), now.Add(90*time.Second))
	assert.Empty(t, rep.Idle)
	assert.False(t, s.closed)
}

func TestSweepClosesUnauthenticatedAfterGrace(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b := New(nil, WithAuthGrace(10*time.Second), WithClock(func() time.Time { return now }))
	s := &fakeSender{}
	b.Register(s)

	assert.Empty(t, b.Sweep(context.Background(), now.Add(5*time.Second)).Unauthenticated)
	rep := b.Sweep(context.Background(), now.Add(11*time.Second))
	assert.Len(t, rep.Unauthenticated, 1)
	assert.Equal(t, CloseAuthFailed, s.closeCode)
}

func TestStats(t *testing.T) {
	b := New(nil)
	connect(t, b, admin, models.TopicAnalytics, ScopeFilters{})
	connect(t, b, ownerA, models.TopicAnalytics, ScopeFilters{})
	id, _ := connect(t, b, ownerA, models.TopicAnomalies, ScopeFilters{})
	_, err := b.Subscribe(id, models.TopicForecasts, ScopeFilters{})
	require.NoError(t, err)
	b.Register(&fakeSender{})

	st := b.Stats()
	assert.Equal(t, 4, st.TotalConnections)
	assert.Equal(t, 3, st.Authenticated)
	assert.Equal(t, 1, st.ByRole[models.RoleAdmin])
	assert.Equal(t, 2, st.ByRole[models.RoleShopOwner])
	assert.Equal(t, 2, st.ByTopic["analytics"])
	assert.Equal(t, 1, st.ByTopic["forecasts"])
	assert.Equal(t, 2, st.UniqueActors)
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	b := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := &fakeSender{}
			id := b.Register(s)
			_ = b.Authenticate(id, admin)
			_, _ = b.Subscribe(id, models.TopicAnalytics, ScopeFilters{})
			b.Disconnect(id, CloseNormal, "done")
		}()
		go func() {
			defer wg.Done()
			b.Broadcast(context.Background(), models.TopicAnalytics, models.NewMessage(models.MsgMetricUpdate, "", nil), models.Scope{})
		}()
	}
	wg.Wait()
	assert.Zero(t, b.Stats().TotalConnections)
}

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/eventcore/internal/infrastructure/broker"
	"github.com/example/eventcore/internal/infrastructure/broker/memory"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/permission"
	"github.com/example/eventcore/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// switchPublisher fails while down is set, and for the next failNext calls
type switchPublisher struct {
	mu        sync.Mutex
	down      bool
	failNext  int
	published []broker.Message
}

func (p *switchPublisher) Publish(ctx context.Context, msgs ...broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("broker unavailable")
	}
	if p.failNext > 0 {
		p.failNext--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, msgs...)
	return nil
}

func (p *switchPublisher) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *switchPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func enqueue(ob *store.MemoryOutbox, n int) {
	for i := 0; i < n; i++ {
		ob.Enqueue(store.NewOutboxEntry("category", "events.categorycreated", "cat-1", json.RawMessage(`{}`)))
	}
}

func pending(t *testing.T, ob *store.MemoryOutbox) []store.OutboxEntry {
	t.Helper()
	entries, err := ob.FetchPending(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

// ============================================
// Drain Tests
// ============================================

func TestRelay_Drain_MarksSentAfterPublish(t *testing.T) {
	ob := store.NewMemoryOutbox()
	enqueue(ob, 3)
	pub := &switchPublisher{}
	relay := NewRelay(ob, pub, Config{}, logger.Nop())

	sent, failed, err := relay.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, 0, failed)
	assert.Empty(t, pending(t, ob))
	assert.Equal(t, 3, pub.count())
	for _, e := range ob.Entries() {
		assert.True(t, e.Sent)
		assert.NotNil(t, e.SentAt)
	}
}

func TestRelay_Drain_BrokerDownKeepsEntriesPending(t *testing.T) {
	ob := store.NewMemoryOutbox()
	enqueue(ob, 2)
	pub := &switchPublisher{down: true}
	relay := NewRelay(ob, pub, Config{}, logger.Nop())

	for i := 0; i < 3; i++ {
		sent, failed, err := relay.Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, sent)
		assert.Equal(t, 1, failed, "later entries of the same key wait behind the failed one")
	}

	entries := pending(t, ob)
	require.Len(t, entries, 2)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "broker unavailable", entries[0].LastError)
	assert.Equal(t, 0, entries[1].Attempts)

	pub.setDown(false)
	sent, _, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Empty(t, pending(t, ob))
}

func TestRelay_Drain_KeepsOrderWithinKeyAfterFailure(t *testing.T) {
	ob := store.NewMemoryOutbox()
	ob.Enqueue(
		store.NewOutboxEntry("category", "events.categorycreated", "cat-1", json.RawMessage(`{"n":1}`)),
		store.NewOutboxEntry("category", "events.categorycreated", "cat-2", json.RawMessage(`{"n":2}`)),
		store.NewOutboxEntry("category", "events.categoryupdated", "cat-1", json.RawMessage(`{"n":3}`)),
	)
	pub := &switchPublisher{failNext: 1}
	relay := NewRelay(ob, pub, Config{}, logger.Nop())

	sent, failed, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "cat-2", pub.published[0].Key)

	sent, failed, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, failed)
	require.Len(t, pub.published, 3)
	assert.JSONEq(t, `{"n":1}`, string(pub.published[1].Payload))
	assert.JSONEq(t, `{"n":3}`, string(pub.published[2].Payload))
}

func TestRelay_Drain_RevokeIsNotOvertakenByFailedGrant(t *testing.T) {
	ctx := context.Background()
	ob := store.NewMemoryOutbox()
	svc := permission.NewService(permission.NewMemoryStore(ob), logger.Nop())
	p := permission.Permission{
		Holder:   permission.User("bob"),
		Action:   permission.ActionRead,
		Resource: permission.Resource{Type: "category", ID: "cat-1"},
	}
	_, err := svc.AddPermissions(ctx, p)
	require.NoError(t, err)
	_, err = svc.RemovePermissions(ctx, p)
	require.NoError(t, err)

	pub := &switchPublisher{failNext: 1}
	relay := NewRelay(ob, pub, Config{}, logger.Nop())
	for i := 0; i < 2; i++ {
		_, _, err := relay.Drain(ctx)
		require.NoError(t, err)
	}
	require.Empty(t, pending(t, ob))

	require.Len(t, pub.published, 2)
	assert.Equal(t, permission.RoutingKey(permission.Added), pub.published[0].RoutingKey)
	assert.Equal(t, permission.RoutingKey(permission.Removed), pub.published[1].RoutingKey)

	replica := permission.NewReplica(permission.NewMemoryStore(nil), logger.Nop())
	for _, msg := range pub.published {
		require.NoError(t, replica.Handle(ctx, msg))
	}
	source, err := svc.HasPermission(ctx, p)
	require.NoError(t, err)
	mirrored, err := replica.HasPermission(ctx, p)
	require.NoError(t, err)
	assert.False(t, source)
	assert.False(t, mirrored)
}

func TestRelay_Drain_RespectsBatchSize(t *testing.T) {
	ob := store.NewMemoryOutbox()
	enqueue(ob, 5)
	relay := NewRelay(ob, &switchPublisher{}, Config{BatchSize: 2}, logger.Nop())

	sent, _, err := relay.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Len(t, pending(t, ob), 3)
}

func TestRelay_Drain_CarriesEntryFields(t *testing.T) {
	ob := store.NewMemoryOutbox()
	entry := store.NewOutboxEntry("category", "events.categoryupdated", "cat-9", json.RawMessage(`{"a":1}`))
	ob.Enqueue(entry)
	b := memory.New(logger.Nop())
	relay := NewRelay(ob, b, Config{}, logger.Nop())

	_, _, err := relay.Drain(context.Background())

	require.NoError(t, err)
	published := b.Published("category")
	require.Len(t, published, 1)
	assert.Equal(t, "cat-9", published[0].Key)
	assert.Equal(t, "events.categoryupdated", published[0].RoutingKey)
	assert.JSONEq(t, `{"a":1}`, string(published[0].Payload))
	assert.Equal(t, entry.CreatedAt, published[0].Time)
}

// ============================================
// Run Tests
// ============================================

func TestRelay_Run_RecoversWhenBrokerReturns(t *testing.T) {
	ob := store.NewMemoryOutbox()
	pub := &switchPublisher{down: true}
	relay := NewRelay(ob, pub, Config{PollInterval: 5 * time.Millisecond}, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	enqueue(ob, 4)
	require.Eventually(t, func() bool {
		entries := pending(t, ob)
		return len(entries) == 4 && entries[0].Attempts >= 2
	}, time.Second, 5*time.Millisecond)

	pub.setDown(false)
	assert.Eventually(t, func() bool { return len(pending(t, ob)) == 0 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, pub.count(), 4)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

// ============================================
// Purge Tests
// ============================================

func TestRelay_Purge(t *testing.T) {
	ob := store.NewMemoryOutbox()
	enqueue(ob, 3)
	relay := NewRelay(ob, &switchPublisher{}, Config{BatchSize: 2, Retention: time.Hour}, logger.Nop())
	_, _, err := relay.Drain(context.Background())
	require.NoError(t, err)

	n, err := relay.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "entries inside the retention window are kept")

	relay.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = relay.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, ob.Entries(), 1, "pending entries are never purged")
}

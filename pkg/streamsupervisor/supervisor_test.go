package streamsupervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canopymail/core/pkg/accounts"
	"github.com/canopymail/core/pkg/store"
)

type blockingStream struct {
	done chan struct{}
}

func (s *blockingStream) Receive(ctx context.Context) (*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, context.Canceled
	}
}

func (s *blockingStream) Close() error { return nil }

// fakeSubscriber counts opens atomically: listeners call Open from their own
// goroutines, after reconcile has already returned.
type fakeSubscriber struct {
	opens atomic.Int32
}

func (f *fakeSubscriber) Open(ctx context.Context, subscription string, credentials map[string]string) (MessageStream, error) {
	f.opens.Add(1)
	return &blockingStream{done: make(chan struct{})}, nil
}

func setupAccountsStore(t *testing.T) *accounts.Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenAndMigrate(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return accounts.New(db)
}

func TestReconcileSpawnsAndDropsListeners(t *testing.T) {
	as := setupAccountsStore(t)
	q := setupQueue(t)
	sub := &fakeSubscriber{}
	ctx := context.Background()

	withPubsub, err := as.Create(ctx, "a@example.com", "gmail", accounts.Config{
		Pubsub: &accounts.PubsubConfig{Subscription: "sub-a", Credentials: map[string]string{"k": "v"}},
	}, accounts.State{})
	require.NoError(t, err)

	_, err = as.Create(ctx, "b@example.com", "gmail", accounts.Config{}, accounts.State{})
	require.NoError(t, err)

	sup := New(as, q, sub, zap.NewNop(), time.Hour)
	sup.reconcile(ctx)

	require.Len(t, sup.handles, 1)
	require.Eventually(t, func() bool { return sub.opens.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, as.Delete(ctx, withPubsub.ID))
	sup.reconcile(ctx)
	require.Empty(t, sup.handles)
}

func TestReconcileRestartsOnFingerprintChange(t *testing.T) {
	as := setupAccountsStore(t)
	q := setupQueue(t)
	sub := &fakeSubscriber{}
	ctx := context.Background()

	account, err := as.Create(ctx, "a@example.com", "gmail", accounts.Config{
		Pubsub: &accounts.PubsubConfig{Subscription: "sub-a", Credentials: map[string]string{"k": "v1"}},
	}, accounts.State{})
	require.NoError(t, err)

	sup := New(as, q, sub, zap.NewNop(), time.Hour)
	sup.reconcile(ctx)
	require.Eventually(t, func() bool { return sub.opens.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err = as.UpdateConfig(ctx, account.ID, accounts.Config{
		Pubsub: &accounts.PubsubConfig{Subscription: "sub-a", Credentials: map[string]string{"k": "v2"}},
	})
	require.NoError(t, err)

	sup.reconcile(ctx)
	require.Eventually(t, func() bool { return sub.opens.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Len(t, sup.handles, 1)

	sup.cancelAll()
}

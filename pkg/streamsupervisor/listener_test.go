package streamsupervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopymail/core/pkg/queue"
	"github.com/canopymail/core/pkg/store"
	"go.uber.org/zap"
)

func setupQueue(t *testing.T) *queue.Queue {
	t.Helper()
	ctx := context.Background()
	db, err := store.OpenAndMigrate(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db, nil)
}

func encodeEnvelope(t *testing.T, email, historyID string) []byte {
	t.Helper()
	raw, err := json.Marshal(envelope{EmailAddress: email, HistoryID: historyID})
	require.NoError(t, err)
	return []byte(base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw))
}

// Scenario F — duplicate history notifications ack without double-enqueuing.
func TestHandleMessageIdempotentOnDuplicate(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	acked := 0
	nacked := 0
	msg := &Message{
		Data: encodeEnvelope(t, "user@example.com", "1001"),
		Ack:  func() { acked++ },
		Nack: func() { nacked++ },
	}

	handleMessage(ctx, "acct_1", msg, q, zap.NewNop())
	handleMessage(ctx, "acct_1", msg, q, zap.NewNop())

	require.Equal(t, 2, acked)
	require.Equal(t, 0, nacked)

	jobs, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, jobs)

	var payload struct {
		AccountID string `json:"account_id"`
		HistoryID string `json:"history_id"`
	}
	require.NoError(t, json.Unmarshal(jobs.Payload, &payload))
	require.Equal(t, "acct_1", payload.AccountID)
	require.Equal(t, "1001", payload.HistoryID)

	second, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.Nil(t, second)
}

// A different account that happens to receive the same envelope content
// (same historyId) must not be deduped against another account's job: the
// idempotency key is keyed on the durable account, not on wire content.
func TestHandleMessageKeyedByAccountNotEnvelope(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	msgA := &Message{Data: encodeEnvelope(t, "shared@example.com", "2002"), Ack: func() {}}
	msgB := &Message{Data: encodeEnvelope(t, "shared@example.com", "2002"), Ack: func() {}}

	handleMessage(ctx, "acct_a", msgA, q, zap.NewNop())
	handleMessage(ctx, "acct_b", msgB, q, zap.NewNop())

	first, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
}

func TestHandleMessageNacksOnUndecodableEnvelope(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	nacked := 0
	msg := &Message{Data: []byte("not-base64-json!!"), Nack: func() { nacked++ }}
	handleMessage(ctx, "acct_1", msg, q, zap.NewNop())
	require.Equal(t, 1, nacked)
}

package streamsupervisor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/canopymail/core/pkg/queue"
)

// Message is one notification received from a subscription.
type Message struct {
	Data []byte
	Ack  func()
	Nack func()
}

// MessageStream is a long-lived connection to a subscription.
type MessageStream interface {
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Subscriber opens subscriptions. Production code backs this with the
// provider's pubsub client; tests back it with a fake.
type Subscriber interface {
	Open(ctx context.Context, subscription string, credentials map[string]string) (MessageStream, error)
}

type envelope struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

const (
	reconnectBackoffStart = time.Second
	reconnectBackoffCap   = 60 * time.Second
)

// runListener connects to a subscription and processes messages until ctx is
// canceled, reconnecting with exponential backoff when the stream fails to
// open or ends. A successful open resets the backoff to its start value.
// accountID is the durable account the subscription belongs to; it is never
// taken from the decoded notification itself, since that's wire content from
// the push provider, not an identity the worker can trust.
func runListener(ctx context.Context, accountID string, sub Subscriber, subscription string, creds map[string]string, openLimiter *rate.Limiter, q *queue.Queue, log *zap.Logger) {
	backoff := reconnectBackoffStart

	for ctx.Err() == nil {
		if openLimiter != nil {
			if err := openLimiter.Wait(ctx); err != nil {
				return
			}
		}

		stream, err := sub.Open(ctx, subscription, creds)
		if err != nil {
			log.Warn("listener open failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = reconnectBackoffStart
		drainErr := drainStream(ctx, accountID, stream, q, log)
		_ = stream.Close()
		if ctx.Err() != nil {
			return
		}
		if drainErr != nil {
			log.Warn("listener stream ended, reconnecting", zap.Error(drainErr), zap.Duration("backoff", backoff))
		}
		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func drainStream(ctx context.Context, accountID string, stream MessageStream, q *queue.Queue, log *zap.Logger) error {
	for {
		msg, err := stream.Receive(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		handleMessage(ctx, accountID, msg, q, log)
	}
}

func handleMessage(ctx context.Context, accountID string, msg *Message, q *queue.Queue, log *zap.Logger) {
	ev, err := decodeEnvelope(msg.Data)
	if err != nil {
		log.Warn("failed to decode notification envelope", zap.Error(err))
		if msg.Nack != nil {
			msg.Nack()
		}
		return
	}

	idempotencyKey := fmt.Sprintf("history.sync.gmail:%s:%s", accountID, ev.HistoryID)
	payload, err := json.Marshal(map[string]string{
		"account_id": accountID,
		"history_id": ev.HistoryID,
	})
	if err != nil {
		log.Warn("failed to encode job payload", zap.Error(err))
		if msg.Nack != nil {
			msg.Nack()
		}
		return
	}

	_, err = q.Enqueue(ctx, queue.EnqueueParams{
		Type:           "history.sync.gmail",
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	})
	var dup *queue.DuplicateIdempotencyError
	if err != nil && !asDuplicateIdempotency(err, &dup) {
		log.Warn("failed to enqueue sync job", zap.Error(err))
		if msg.Nack != nil {
			msg.Nack()
		}
		return
	}

	if msg.Ack != nil {
		msg.Ack()
	}
}

func asDuplicateIdempotency(err error, target **queue.DuplicateIdempotencyError) bool {
	dup, ok := err.(*queue.DuplicateIdempotencyError)
	if ok {
		*target = dup
	}
	return ok
}

func decodeEnvelope(data []byte) (*envelope, error) {
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(string(data))
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode base64url envelope: %w", err)
		}
	}

	var ev envelope
	if err := json.Unmarshal(decoded, &ev); err != nil {
		return nil, fmt.Errorf("decode envelope json: %w", err)
	}
	return &ev, nil
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectBackoffCap {
		return reconnectBackoffCap
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

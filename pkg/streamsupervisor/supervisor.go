// Package streamsupervisor maintains a dynamic set of long-lived
// subscription listeners, one per account configured for push
// notifications, reconciled periodically against persisted account
// configuration: restart on crash, restart on credential change, clean
// cancellation fan-out on shutdown.
package streamsupervisor

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/canopymail/core/pkg/accounts"
	"github.com/canopymail/core/pkg/queue"
)

// DefaultReconcileInterval is how often the supervisor re-reads account
// configuration and reconciles listeners against it.
const DefaultReconcileInterval = 30 * time.Second

// Stream-open attempts are limited across all listeners combined, so a fleet
// of accounts reconnecting after a shared outage doesn't stampede the
// provider. Per-listener exponential backoff still applies on top.
const (
	openRateLimit = rate.Limit(2)
	openRateBurst = 4
)

type desiredEntry struct {
	subscription string
	fingerprint  string
	credentials  map[string]string
}

type listenerHandle struct {
	subscription string
	fingerprint  string
	cancel       context.CancelFunc
	done         chan struct{}
}

func (h *listenerHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor reconciles the account table against a live set of listener
// goroutines. It is not safe for concurrent use: Run owns the listener map.
type Supervisor struct {
	accounts          *accounts.Store
	queue             *queue.Queue
	subscriber        Subscriber
	log               *zap.Logger
	reconcileInterval time.Duration
	openLimiter       *rate.Limiter

	handles map[string]*listenerHandle
}

// New constructs a Supervisor. reconcileInterval of zero uses
// DefaultReconcileInterval.
func New(store *accounts.Store, q *queue.Queue, subscriber Subscriber, log *zap.Logger, reconcileInterval time.Duration) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if reconcileInterval <= 0 {
		reconcileInterval = DefaultReconcileInterval
	}
	return &Supervisor{
		accounts:          store,
		queue:             q,
		subscriber:        subscriber,
		log:               log,
		reconcileInterval: reconcileInterval,
		openLimiter:       rate.NewLimiter(openRateLimit, openRateBurst),
		handles:           make(map[string]*listenerHandle),
	}
}

// Run reconciles on startup and then on every tick until ctx is canceled,
// then cancels every tracked listener and waits for them to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	s.reconcile(ctx)

	t := time.NewTicker(s.reconcileInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return ctx.Err()
		case <-t.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	desired, err := s.computeDesired(ctx)
	if err != nil {
		s.log.Warn("failed to read accounts for reconciliation", zap.Error(err))
		return
	}

	for accountID, handle := range s.handles {
		entry, stillDesired := desired[accountID]

		if handle.finished() {
			delete(s.handles, accountID)
			continue
		}
		if !stillDesired {
			handle.cancel()
			<-handle.done
			delete(s.handles, accountID)
			continue
		}
		if entry.subscription != handle.subscription || entry.fingerprint != handle.fingerprint {
			handle.cancel()
			<-handle.done
			delete(s.handles, accountID)
		}
	}

	for accountID, entry := range desired {
		if _, tracked := s.handles[accountID]; tracked {
			continue
		}
		s.spawn(ctx, accountID, entry)
	}
}

func (s *Supervisor) computeDesired(ctx context.Context) (map[string]desiredEntry, error) {
	all, err := s.accounts.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	desired := make(map[string]desiredEntry, len(all))
	for _, a := range all {
		if a.Config.Pubsub == nil {
			continue
		}
		if a.Config.Pubsub.Subscription == "" || len(a.Config.Pubsub.Credentials) == 0 {
			continue
		}
		desired[a.ID] = desiredEntry{
			subscription: a.Config.Pubsub.Subscription,
			fingerprint:  fingerprint(a.Config.Pubsub.Credentials),
			credentials:  a.Config.Pubsub.Credentials,
		}
	}
	return desired, nil
}

func (s *Supervisor) spawn(parent context.Context, accountID string, entry desiredEntry) {
	listenerCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	handle := &listenerHandle{subscription: entry.subscription, fingerprint: entry.fingerprint, cancel: cancel, done: done}
	s.handles[accountID] = handle

	log := s.log.With(zap.String("account_id", accountID), zap.String("subscription", entry.subscription))
	go func() {
		defer close(done)
		runListener(listenerCtx, accountID, s.subscriber, entry.subscription, entry.credentials, s.openLimiter, s.queue, log)
	}()
}

func (s *Supervisor) cancelAll() {
	for _, handle := range s.handles {
		handle.cancel()
	}
	for _, handle := range s.handles {
		<-handle.done
	}
	s.handles = make(map[string]*listenerHandle)
}

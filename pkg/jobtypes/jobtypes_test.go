package jobtypes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/canopymail/core/pkg/queue"
	"github.com/canopymail/core/pkg/store"
	"github.com/canopymail/core/pkg/worker"
)

func TestExecuteUnknownTypeIsFatal(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Execute(context.Background(), &queue.Job{Type: "unknown.type"}, nil)
	var fatal worker.Fatal
	require.ErrorAs(t, err, &fatal)
}

func TestStubDispatcherHandlesAllKnownTypes(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenAndMigrate(ctx, store.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer db.Close()

	q := queue.New(db, nil)
	d := NewStubDispatcher()

	for _, jobType := range []string{
		TypeHistorySyncGmail, TypeIngestGmail, TypeClassify, TypeActionGmail,
		TypeApprovalNotify, TypeBackfillGmail, TypeUnsnoozeGmail,
	} {
		id, err := q.Enqueue(ctx, queue.EnqueueParams{Type: jobType})
		require.NoError(t, err)

		job, err := q.ClaimNext(ctx)
		require.NoError(t, err)
		require.Equal(t, id, job.ID)

		jctx := &stepJobContext{q: q, jobID: id}
		_, err = d.Execute(ctx, job, jctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, id, nil))
	}
}

// stepJobContext is a minimal worker.JobContext backed directly by the
// queue, used to exercise dispatcher handlers without the full worker loop.
type stepJobContext struct {
	q     *queue.Queue
	jobID string
}

func (s *stepJobContext) StartStep(ctx context.Context, name string) (string, error) {
	return s.q.StartStep(ctx, s.jobID, name)
}

func (s *stepJobContext) FinishStep(ctx context.Context, stepID string, result []byte) error {
	return s.q.FinishStep(ctx, stepID, result)
}

func (s *stepJobContext) Heartbeat(ctx context.Context) error {
	return s.q.Heartbeat(ctx, s.jobID)
}

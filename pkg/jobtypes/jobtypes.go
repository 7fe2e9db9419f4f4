// Package jobtypes names the job type tags the rest of the pipeline
// dispatches on and provides a JobExecutor that routes each claimed job to
// a registered handler by type. The handler bodies here are stubs: the
// policy engines (classification, action execution) that would fill them in
// are out of scope for this core.
package jobtypes

import (
	"context"
	"fmt"

	"github.com/canopymail/core/pkg/queue"
	"github.com/canopymail/core/pkg/worker"
)

// Job type tags. Opaque to the queue; the contract lives entirely with the
// handler registered under each tag.
const (
	TypeHistorySyncGmail = "history.sync.gmail"
	TypeIngestGmail      = "ingest.gmail"
	TypeClassify         = "classify"
	TypeActionGmail      = "action.gmail"
	TypeApprovalNotify   = "approval.notify"
	TypeBackfillGmail    = "backfill.gmail"
	TypeUnsnoozeGmail    = "unsnooze.gmail"
)

// Handler processes one claimed job of a given type, returning an optional
// result payload to record on success.
type Handler func(ctx context.Context, job *queue.Job, jctx worker.JobContext) ([]byte, error)

// Dispatcher is a JobExecutor that routes by job.Type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher returns an empty dispatcher; register handlers with Register.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type tag, replacing any prior handler.
func (d *Dispatcher) Register(jobType string, h Handler) {
	d.handlers[jobType] = h
}

// Execute implements worker.JobExecutor.
func (d *Dispatcher) Execute(ctx context.Context, job *queue.Job, jctx worker.JobContext) ([]byte, error) {
	h, ok := d.handlers[job.Type]
	if !ok {
		return nil, worker.Fatal{Msg: fmt.Sprintf("no handler registered for job type %q", job.Type)}
	}
	return h(ctx, job, jctx)
}

// NewStubDispatcher registers a no-op handler for every known job type tag.
// Useful for exercising the worker runtime end-to-end in tests and for a
// development server before real handlers land.
func NewStubDispatcher() *Dispatcher {
	d := NewDispatcher()
	for _, t := range []string{
		TypeHistorySyncGmail, TypeIngestGmail, TypeClassify, TypeActionGmail,
		TypeApprovalNotify, TypeBackfillGmail, TypeUnsnoozeGmail,
	} {
		d.Register(t, stubHandler)
	}
	return d
}

func stubHandler(ctx context.Context, job *queue.Job, jctx worker.JobContext) ([]byte, error) {
	stepID, err := jctx.StartStep(ctx, "noop")
	if err != nil {
		return nil, worker.Retryable{Msg: err.Error()}
	}
	return nil, jctx.FinishStep(ctx, stepID, nil)
}

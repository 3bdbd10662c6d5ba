package pipeline

import "context"

// Stage names a background continuation of the pipeline.
type Stage string

const (
	StageRefinement Stage = "refinement"
	StageAnalysis   Stage = "analysis"
	StageExecution  Stage = "execution"
)

// Job is one unit of background pipeline work.
type Job struct {
	ProjectID string
	Stage     Stage
}

// Dispatcher hands a job off for later execution. A nil Dispatcher on the
// Pipeline runs jobs inline, which is what one-shot CLI commands and tests
// want.
type Dispatcher interface {
	Dispatch(job Job)
}

// Queue is the buffered asynchronous Dispatcher the server runs. A single
// worker drains it, so stage runs for one project never overlap.
type Queue struct {
	jobs chan Job
	quit chan struct{}
	run  func(context.Context, Job)
}

func NewQueue(buffer int, run func(context.Context, Job)) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{
		jobs: make(chan Job, buffer),
		quit: make(chan struct{}),
		run:  run,
	}
}

// Dispatch never blocks the caller: the worker itself dispatches follow-up
// stages into the queue it drains, so blocking on a full buffer would
// deadlock it. An overflow send gives up once the worker has exited rather
// than wait on a channel nobody reads.
func (q *Queue) Dispatch(job Job) {
	select {
	case q.jobs <- job:
	default:
		go func() {
			select {
			case q.jobs <- job:
			case <-q.quit:
			}
		}()
	}
}

// Run drains the queue until ctx is cancelled, then releases any overflow
// senders still waiting. Run is called at most once per Queue.
func (q *Queue) Run(ctx context.Context) error {
	defer close(q.quit)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-q.jobs:
			q.run(ctx, job)
		}
	}
}

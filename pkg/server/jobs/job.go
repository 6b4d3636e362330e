// Package jobs runs streaming orchestrations in the background and keeps their
// progress as a replayable, resumable event feed.
package jobs

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/datascout/datascout/internal/concurrency"
	"github.com/datascout/datascout/internal/planner"
	"github.com/datascout/datascout/pkg/server/commands"
)

const (
	DefaultQueueSize = 500
	DefaultKeepalive = 30 * time.Second
)

type EventKind string

const (
	EventPlanned   EventKind = "planned"
	EventResult    EventKind = "result"
	EventDone      EventKind = "done"
	EventKeepalive EventKind = "keepalive"
)

// Event is one entry of a job's feed. Seq starts at 1 and increases by one per
// event of the job. Keepalives are not part of the feed and carry Seq 0.
type Event struct {
	Seq     uint64    `json:"seq"`
	Kind    EventKind `json:"type"`
	Payload any       `json:"payload"`
}

var _ commands.Observer = (*Job)(nil)

// Job is one background streaming run. It is written by exactly one producer, the
// run, and read by any number of subscribers.
type Job struct {
	ID        string
	CreatedAt time.Time

	mu      sync.Mutex
	planned []planner.Candidate
	results []commands.RunResult
	summary *commands.RunSummary
	done    bool
	log     []Event

	// queue only wakes subscribers up; the log is what gets delivered.
	queue    chan Event
	finished chan struct{}
}

func newJob(id string, createdAt time.Time, queueSize int) *Job {
	return &Job{
		ID:        id,
		CreatedAt: createdAt,
		queue:     make(chan Event, queueSize),
		finished:  make(chan struct{}),
	}
}

func (j *Job) OnPlanned(candidates []planner.Candidate) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.planned = candidates
	j.publishLocked(EventPlanned, candidates)
}

func (j *Job) OnResult(result commands.RunResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.results = append(j.results, result)
	j.publishLocked(EventResult, result)
}

func (j *Job) OnDone(summary commands.RunSummary) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finishLocked(summary)
}

// fail makes the job terminal after its run broke down. It is a no-op when the run
// already reported done.
func (j *Job) fail(elapsed time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.finishLocked(commands.FailedRunSummary(len(j.results), elapsed))
}

func (j *Job) finishLocked(summary commands.RunSummary) {
	if j.done {
		return
	}
	j.summary = &summary
	j.done = true
	j.publishLocked(EventDone, summary)
	close(j.finished)
}

func (j *Job) publishLocked(kind EventKind, payload any) {
	ev := Event{
		Seq:     uint64(len(j.log)) + 1,
		Kind:    kind,
		Payload: payload,
	}
	j.log = append(j.log, ev)

	if !concurrency.TrySendNonBlocking(ev, j.queue) {
		droppedEventsCounter.Inc()
	}
}

// Done reports whether the job reached its terminal state.
func (j *Job) Done() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.done
}

// Snapshot is a point-in-time copy of a job's accumulated state.
type Snapshot struct {
	ID        string               `json:"query_id"`
	CreatedAt time.Time            `json:"created_at"`
	Planned   []planner.Candidate  `json:"planned"`
	Results   []commands.RunResult `json:"results"`
	Summary   *commands.RunSummary `json:"summary,omitempty"`
	Done      bool                 `json:"done"`
	LastSeq   uint64               `json:"last_seq"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snapshot := Snapshot{
		ID:        j.ID,
		CreatedAt: j.CreatedAt,
		Planned:   j.planned,
		Results:   slices.Clone(j.results),
		Done:      j.done,
		LastSeq:   uint64(len(j.log)),
	}
	if j.summary != nil {
		summary := *j.summary
		snapshot.Summary = &summary
	}
	return snapshot
}

// eventsAfter returns the logged events past seq and whether the log is complete.
func (j *Job) eventsAfter(seq uint64) ([]Event, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq >= uint64(len(j.log)) {
		return nil, j.done
	}
	return slices.Clone(j.log[seq:]), j.done
}

// Subscribe delivers every event with a sequence number greater than afterSeq to
// send, in order and exactly once: first what the job has already logged, then
// new events as they are published. When nothing happens for keepalive, a
// keepalive event is sent and waiting continues. Subscribe returns nil after the
// done event was sent, the error of send if it fails, or the error of ctx.
//
// A job has a single logical consumer. Concurrent subscribers still receive every
// event, but may see them late.
func (j *Job) Subscribe(ctx context.Context, afterSeq uint64, keepalive time.Duration, send func(Event) error) error {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}

	last := afterSeq
	flush := func() (bool, error) {
		events, complete := j.eventsAfter(last)
		for _, ev := range events {
			if err := send(ev); err != nil {
				return false, err
			}
			last = ev.Seq
		}
		// a resumed subscriber may already be past the done event
		return complete, nil
	}

	if finished, err := flush(); finished || err != nil {
		return err
	}

	timer := time.NewTimer(keepalive)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.queue:
		case <-j.finished:
		case <-timer.C:
			if err := send(j.keepaliveEvent()); err != nil {
				return err
			}
		}

		if finished, err := flush(); finished || err != nil {
			return err
		}
		timer.Reset(keepalive)
	}
}

func (j *Job) keepaliveEvent() Event {
	return Event{
		Kind:    EventKeepalive,
		Payload: map[string]string{"query_id": j.ID},
	}
}

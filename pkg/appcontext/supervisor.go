package appcontext

import "sync"

// enrichmentQueueCapacity bounds the channel between IngestMemory (standing
// in for the absent API layer's create-memory handler) and the enrichment
// worker pool, per spec.md §9's "bounded channel between the API layer and
// worker pool for enrichment" design note.
const enrichmentQueueCapacity = 64

// enrichmentWorkerCount is the fixed size of the pool draining that
// channel; small since each task itself issues parallel LLM requests
// internally (enrichment.Worker.ProcessMemory's own errgroup fan-out).
const enrichmentWorkerCount = 4

// supervisor owns a bounded task queue and the fixed pool of goroutines
// draining it — the "supervisor that owns spawned tasks" spec.md §9 asks
// for, replacing the source's unstructured fire-and-forget background
// tasks. No third-party worker-pool library is grounded anywhere in the
// pack (the one incidental candidate, sourcegraph/conc, is an unused
// transitive dependency in the teacher's own go.mod, not something the
// teacher's code ever imports), so this is a plain channel-and-goroutines
// pool — the idiomatic stdlib shape for exactly this job.
type supervisor struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// newSupervisor starts workers goroutines pulling from a channel that
// buffers up to capacity tasks.
func newSupervisor(workers, capacity int) *supervisor {
	s := &supervisor{tasks: make(chan func(), capacity)}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			for fn := range s.tasks {
				fn()
			}
		}()
	}
	return s
}

// Schedule enqueues fn, returning false without blocking if the queue is
// full. A dropped enrichment task isn't data loss: the memory simply waits
// for the next reembed pass or an explicit retry to pick it up.
func (s *supervisor) Schedule(fn func()) bool {
	select {
	case s.tasks <- fn:
		return true
	default:
		return false
	}
}

// Close stops accepting new tasks and waits for in-flight ones to finish.
func (s *supervisor) Close() {
	close(s.tasks)
	s.wg.Wait()
}

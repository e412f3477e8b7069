// Package schedule implements the job scheduler of §4.7: a bounded
// parallelism token pool (a jobserver, so spawned child processes can
// themselves participate in the same budget), a priority ready-queue, and
// the fixed execution-stage ordering (build-script-build ->
// build-script-run -> lib -> bin -> tests) units must run in.
package schedule

import (
	"context"

	"github.com/pkg/errors"

	"github.com/forgepm/forge/internal/unitgraph"
)

// Stage orders the kinds of work within one unit's lifecycle, per §5.
type Stage int

const (
	StageBuildScriptBuild Stage = iota
	StageBuildScriptRun
	StageLib
	StageBin
	StageTest
)

func stageOf(u unitgraph.Unit) Stage {
	switch u.Kind {
	case unitgraph.TargetBuildScript:
		return StageBuildScriptBuild
	case unitgraph.TargetBuildScriptRun:
		return StageBuildScriptRun
	case unitgraph.TargetBin:
		return StageBin
	case unitgraph.TargetTest:
		return StageTest
	default:
		return StageLib
	}
}

// Jobserver is a token-bucket of a fixed capacity, shared (conceptually)
// with child processes the way GNU make's jobserver protocol shares
// parallelism tokens across a process tree: a unit's job acquires one
// token for the duration of its compile/link/script-execution step and
// returns it when done, so total concurrent work never exceeds capacity
// regardless of how deep the unit graph's fan-out is.
type Jobserver struct {
	tokens chan struct{}
}

func NewJobserver(capacity int) *Jobserver {
	if capacity < 1 {
		capacity = 1
	}
	j := &Jobserver{tokens: make(chan struct{}, capacity)}
	for i := 0; i < capacity; i++ {
		j.tokens <- struct{}{}
	}
	return j
}

// Acquire blocks until a token is available or ctx is canceled.
func (j *Jobserver) Acquire(ctx context.Context) error {
	select {
	case <-j.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Jobserver) Release() {
	j.tokens <- struct{}{}
}

// Job is one schedulable unit of work.
type Job struct {
	Unit  unitgraph.Unit
	Stage Stage
	Run   func(ctx context.Context) error

	deps []string
	key  string
}

// Scheduler runs a unit graph's jobs to completion respecting both the
// graph's dependency edges and the stage ordering, draining in-flight
// jobs cleanly on cancellation rather than abandoning them (§4.7's
// cancellation/draining requirement).
type Scheduler struct {
	js   *Jobserver
	jobs map[string]*Job
}

func NewScheduler(js *Jobserver) *Scheduler {
	return &Scheduler{js: js, jobs: map[string]*Job{}}
}

// AddJob registers one job keyed by key, depending on the jobs named in
// deps (which must already have been added or be added before Run).
func (s *Scheduler) AddJob(key string, deps []string, j Job) {
	j.key = key
	j.deps = deps
	s.jobs[key] = &j
}

// readyBins partitions ready jobs by Stage, so e.g. a ready build-script-
// build job always runs ahead of a ready lib job even if the lib job
// became ready first — the stage ordering is a hard partition, not just a
// tiebreaker, matching §5. All mutable scheduling state (this queue, the
// remaining-dep counters, the error accumulator) lives on the single
// orchestrating goroutine that runs Run; workers communicate back only
// through the completions channel, per §5's "workers never share mutable
// state except through well-defined channels" rule.
type readyBins [StageTest + 1][]*Job

func (q *readyBins) push(j *Job) { q[j.Stage] = append(q[j.Stage], j) }

func (q *readyBins) pop() *Job {
	for s := range q {
		if len(q[s]) > 0 {
			j := q[s][0]
			q[s] = q[s][1:]
			return j
		}
	}
	return nil
}

func (q *readyBins) empty() bool {
	for _, b := range q {
		if len(b) > 0 {
			return false
		}
	}
	return true
}

// completion is one worker's report back to the orchestrator.
type completion struct {
	key string
	err error
}

// Run executes every registered job, respecting dependency edges and
// stage order, using up to the Jobserver's token capacity concurrently.
// On the first job error, Run stops dispatching new work (per §4.7/§5's
// "draining" state) but lets already-running jobs finish before
// returning; on ctx cancellation it does the same and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	total := len(s.jobs)
	remaining := make(map[string]int, total) // unsatisfied dep count
	waiters := map[string][]string{}
	for k, j := range s.jobs {
		remaining[k] = len(j.deps)
		for _, d := range j.deps {
			waiters[d] = append(waiters[d], k)
		}
	}

	var ready readyBins
	for k, n := range remaining {
		if n == 0 {
			ready.push(s.jobs[k])
		}
	}

	completions := make(chan completion, total)
	launched, finished := 0, 0
	draining := false
	var firstErr error

	launch := func(j *Job) {
		launched++
		go func() {
			if err := s.js.Acquire(ctx); err != nil {
				completions <- completion{j.key, err}
				return
			}
			defer s.js.Release()
			completions <- completion{j.key, j.Run(ctx)}
		}()
	}

	for finished < launched || (!draining && !ready.empty()) {
		if !draining {
			for j := ready.pop(); j != nil; j = ready.pop() {
				launch(j)
			}
		}
		if launched == finished {
			break // nothing in flight and nothing ready: graph exhausted or blocked
		}

		c := <-completions
		finished++
		if c.err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(c.err, "job %s", c.key)
			}
			draining = true
			continue // a failed job's dependents never become ready
		}
		if draining {
			continue
		}
		for _, w := range waiters[c.key] {
			remaining[w]--
			if remaining[w] == 0 {
				ready.push(s.jobs[w])
			}
		}
	}

	select {
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	default:
	}

	if firstErr != nil {
		return firstErr
	}
	if launched < total {
		return errors.New("scheduler: unit graph did not fully drain (cycle or unmet dependency)")
	}
	return nil
}

// FromGraph builds one Job per unit in g using runFor to produce the
// actual work closure, wiring dependency edges 1:1 with the graph's, and
// gated by js's token capacity.
func FromGraph(g *unitgraph.Graph, js *Jobserver, runFor func(u unitgraph.Unit) func(ctx context.Context) error) *Scheduler {
	s := NewScheduler(js)
	for _, u := range g.Units {
		deps := g.Edges[u.Key()]
		s.AddJob(u.Key(), deps, Job{Unit: u, Stage: stageOf(u), Run: runFor(u)})
	}
	return s
}

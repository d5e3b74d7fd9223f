// Package scheduler distributes tests across a fixed number of workers, keeping tests that must
// not run concurrently with each other on a single worker.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// Job is anything with a file name that groups can be matched against.
type Job interface {
	FileName() string
}

// Group is a set of file name patterns for tests that are not thread-safe with respect to each
// other. A pattern containing glob metacharacters is matched as a doublestar glob against the
// slash-separated file name; any other pattern matches file names containing it.
type Group []string

// Matches reports whether name matches any of the group's patterns.
func (g Group) Matches(name string) bool {
	name = strings.ReplaceAll(name, "\\", "/")
	for _, pattern := range g {
		if pattern == "" {
			continue
		}
		if strings.ContainsAny(pattern, "*?[{") {
			if ok, err := doublestar.Match(pattern, name); err == nil && ok {
				return true
			}
			continue
		}
		if strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

// DefaultWorkers is the worker count used when none is configured.
func DefaultWorkers() int {
	return runtime.NumCPU()
}

// Handler runs one job on the given worker.
type Handler func(ctx context.Context, worker int, job Job)

// Scheduler runs jobs concurrently.
type Scheduler struct {
	Workers int
	Groups  []Group
	// PanicHandler is called when a handler panics. The worker goes on with its next job.
	PanicHandler func(job Job, recovered interface{}, stack []byte)
}

type batch []Job

// Run runs every job through handler and returns once all of them have finished or ctx is done.
//
// Jobs matching the same group are run one after another, in the order given, on one worker. A job
// belongs to the first group it matches. No other ordering is guaranteed.
func (s Scheduler) Run(ctx context.Context, jobs []Job, handler Handler) error {
	workers := s.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	grouped := make([]batch, len(s.Groups))
	var queue []batch
	for _, job := range jobs {
		if i := s.groupOf(job); i >= 0 {
			grouped[i] = append(grouped[i], job)
			continue
		}
		queue = append(queue, batch{job})
	}
	// Batches are queued ahead of single jobs.
	var ordered []batch
	for _, b := range grouped {
		if len(b) > 0 {
			ordered = append(ordered, b)
		}
	}
	ordered = append(ordered, queue...)

	ch := make(chan batch)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch)
		for _, b := range ordered {
			select {
			case ch <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		worker := w
		g.Go(func() error {
			for b := range ch {
				for _, job := range b {
					if err := ctx.Err(); err != nil {
						return err
					}
					s.runJob(ctx, worker, job, handler)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (s Scheduler) groupOf(job Job) int {
	for i, g := range s.Groups {
		if g.Matches(job.FileName()) {
			return i
		}
	}
	return -1
}

func (s Scheduler) runJob(ctx context.Context, worker int, job Job, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if s.PanicHandler != nil {
				s.PanicHandler(job, r, stack)
				return
			}
			fmt.Printf("unexpected panic running %s: %v\n%s", job.FileName(), r, stack)
		}
	}()
	handler(ctx, worker, job)
}

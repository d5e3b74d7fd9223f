package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fileJob string

func (f fileJob) FileName() string { return string(f) }

func TestGroupMatches(t *testing.T) {
	g := Group{"ext/session/", "**/file_*.phpt"}
	assert.True(t, g.Matches("/tests/ext/session/start.phpt"))
	assert.True(t, g.Matches(`C:\tests\ext\session\start.phpt`))
	assert.True(t, g.Matches("tests/standard/file_get_contents.phpt"))
	assert.False(t, g.Matches("tests/standard/dir_open.phpt"))
	assert.False(t, Group{""}.Matches("anything"))
}

func TestRunRunsEveryJobOnce(t *testing.T) {
	var jobs []Job
	for i := 0; i < 50; i++ {
		jobs = append(jobs, fileJob(fmt.Sprintf("t%02d.phpt", i)))
	}
	var lock sync.Mutex
	seen := make(map[string]int)

	err := Scheduler{Workers: 4}.Run(context.Background(), jobs, func(ctx context.Context, worker int, job Job) {
		assert.True(t, worker >= 0 && worker < 4)
		lock.Lock()
		seen[job.FileName()]++
		lock.Unlock()
	})

	require.NoError(t, err)
	assert.Len(t, seen, 50)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}

func TestGroupedJobsNeverRunConcurrently(t *testing.T) {
	var jobs []Job
	for i := 0; i < 10; i++ {
		jobs = append(jobs, fileJob(fmt.Sprintf("ext/session/s%d.phpt", i)))
		jobs = append(jobs, fileJob(fmt.Sprintf("ext/standard/t%d.phpt", i)))
	}
	var inFlight, maxInFlight, total atomic.Int32
	var lock sync.Mutex
	var order []string

	s := Scheduler{Workers: 8, Groups: []Group{{"ext/session/"}}}
	err := s.Run(context.Background(), jobs, func(ctx context.Context, worker int, job Job) {
		total.Add(1)
		if !(Group{"ext/session/"}).Matches(job.FileName()) {
			return
		}
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		lock.Lock()
		order = append(order, job.FileName())
		lock.Unlock()
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	})

	require.NoError(t, err)
	assert.Equal(t, int32(20), total.Load())
	assert.Equal(t, int32(1), maxInFlight.Load())
	require.Len(t, order, 10)
	for i, name := range order {
		assert.Equal(t, fmt.Sprintf("ext/session/s%d.phpt", i), name)
	}
}

func TestJobBelongsToFirstMatchingGroup(t *testing.T) {
	s := Scheduler{Groups: []Group{{"session/"}, {"ext/"}}}
	assert.Equal(t, 0, s.groupOf(fileJob("ext/session/start.phpt")))
	assert.Equal(t, 1, s.groupOf(fileJob("ext/standard/file.phpt")))
	assert.Equal(t, -1, s.groupOf(fileJob("Zend/tests/c.phpt")))
}

func TestPanickingJobDoesNotStopWorker(t *testing.T) {
	var ran atomic.Int32
	var panics []string
	var lock sync.Mutex
	s := Scheduler{
		Workers: 1,
		PanicHandler: func(job Job, recovered interface{}, stack []byte) {
			lock.Lock()
			panics = append(panics, fmt.Sprintf("%s: %v", job.FileName(), recovered))
			lock.Unlock()
		},
	}

	err := s.Run(context.Background(), []Job{fileJob("a"), fileJob("b"), fileJob("c")}, func(ctx context.Context, worker int, job Job) {
		ran.Add(1)
		if job.FileName() == "b" {
			panic("boom")
		}
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), ran.Load())
	assert.Equal(t, []string{"b: boom"}, panics)
}

func TestRunStopsWhenContextIsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	jobs := []Job{fileJob("a"), fileJob("b"), fileJob("c"), fileJob("d")}

	err := Scheduler{Workers: 1}.Run(ctx, jobs, func(ctx context.Context, worker int, job Job) {
		ran.Add(1)
		cancel()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), ran.Load())
}

func TestDefaultWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}

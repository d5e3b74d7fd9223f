// Package harness connects the pieces of a test run: it schedules test cases, gives each one a
// server instance and a runner, and reports the results through the framework.
package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/cmb69/pftt2/framework"
	"github.com/cmb69/pftt2/runner"
	"github.com/cmb69/pftt2/scheduler"
	"github.com/cmb69/pftt2/servicedef"
	"github.com/cmb69/pftt2/webserver"
)

// Servers hands out server instances. *webserver.Manager implements it.
type Servers interface {
	runner.InstanceProvider
	Acquire(ctx context.Context, params servicedef.ServerParams) *webserver.Instance
}

// Harness runs test cases against managed servers.
type Harness struct {
	Servers   Servers
	Runner    runner.Config
	Scheduler scheduler.Scheduler
	// Server is the configuration every test's server starts from.
	Server  servicedef.ServerParams
	Filter  framework.Filter
	Loggers ldlog.Loggers
	// NewTestLogger creates the logger that writes one test's console report to w. Reports are
	// printed whole, in the order the tests were given.
	NewTestLogger func(w io.Writer) framework.TestLogger
}

type testJob struct {
	test  runner.TestCase
	index int
}

func (j testJob) FileName() string { return j.test.FileName() }

// Run runs tests and writes their reports to out.
func (h *Harness) Run(ctx context.Context, tests []servicedef.TestDef, out io.Writer) framework.Results {
	jobs := make([]scheduler.Job, 0, len(tests))
	index := make(map[string]int, len(tests))
	for i, def := range tests {
		tc := runner.NewTestCase(def, h.Server)
		if _, dup := index[tc.Name]; dup {
			tc.Name = fmt.Sprintf("%s#%d", tc.Name, i+1)
		}
		index[tc.Name] = i + 1
		jobs = append(jobs, testJob{test: tc, index: i + 1})
	}

	queue := NewReportQueue(len(tests))
	logger := &orderedTestLogger{
		newLogger: h.NewTestLogger,
		queue:     queue,
		index:     index,
		reports:   make(map[string]*testReport),
	}
	if logger.newLogger == nil {
		logger.newLogger = func(io.Writer) framework.TestLogger { return nil }
	}
	drained := make(chan struct{})
	go func() {
		for report := range queue.C {
			_, _ = out.Write(report)
		}
		close(drained)
	}()

	cfg := h.Runner
	if cfg.Provider == nil {
		cfg.Provider = h.Servers
	}
	results := framework.Run(h.Filter, logger, func(c *framework.Context) {
		err := h.Scheduler.Run(ctx, jobs, func(ctx context.Context, worker int, job scheduler.Job) {
			tj := job.(testJob)
			c.Run(tj.test.Name, func(c *framework.Context) {
				c.Debug("running on worker %d", worker)
				h.runTest(ctx, c, cfg, tj.test)
			})
		})
		if err != nil {
			h.Loggers.Warnf("Test run stopped early: %s", err)
		}
	})

	queue.Flush()
	queue.Close()
	<-drained
	_, _ = out.Write(logger.root.Bytes())
	return results
}

func (h *Harness) runTest(ctx context.Context, c *framework.Context, cfg runner.Config, test runner.TestCase) {
	var web *webserver.Instance
	if _, skip := runner.WillSkip(test); !skip {
		web = h.Servers.Acquire(ctx, test.Params)
		c.Debug("using server %s", web)
	}
	cfg.Loggers = c.CaptureDebug(cfg.Loggers)
	result, err := runner.New(cfg, test, web, c.DebugLogger()).Run(ctx)
	if err != nil {
		c.SetResult(framework.StatusTestException, err.Error())
		c.Errorf("%s", err)
		return
	}
	c.SetResult(result.Status, result.Output)
}

type testReport struct {
	buf    bytes.Buffer
	logger framework.TestLogger
}

// orderedTestLogger gives every test its own report buffer and hands the finished report to the
// queue under the test's position.
type orderedTestLogger struct {
	newLogger func(io.Writer) framework.TestLogger
	queue     *ReportQueue
	index     map[string]int
	lock      sync.Mutex
	reports   map[string]*testReport
	root      bytes.Buffer
}

func (l *orderedTestLogger) report(id framework.TestID) *testReport {
	key := id.String()
	l.lock.Lock()
	defer l.lock.Unlock()
	r := l.reports[key]
	if r == nil {
		r = &testReport{}
		if _, ok := l.index[key]; ok {
			r.logger = l.newLogger(&r.buf)
		} else {
			r.logger = l.newLogger(&l.root)
		}
		l.reports[key] = r
	}
	return r
}

func (l *orderedTestLogger) release(id framework.TestID) {
	key := id.String()
	l.lock.Lock()
	r := l.reports[key]
	delete(l.reports, key)
	l.lock.Unlock()
	if i, ok := l.index[key]; ok && r != nil {
		l.queue.Accept(i, r.buf.Bytes())
	}
}

func (l *orderedTestLogger) TestStarted(id framework.TestID) {
	if r := l.report(id); r.logger != nil {
		r.logger.TestStarted(id)
	}
}

func (l *orderedTestLogger) TestError(id framework.TestID, err error) {
	r := l.report(id)
	if r.logger == nil {
		return
	}
	if _, ok := l.index[id.String()]; !ok {
		l.lock.Lock()
		defer l.lock.Unlock()
	}
	r.logger.TestError(id, err)
}

func (l *orderedTestLogger) TestFinished(id framework.TestID, result framework.TestResult, debugOutput framework.CapturedOutput) {
	if r := l.report(id); r.logger != nil {
		r.logger.TestFinished(id, result, debugOutput)
	}
	l.release(id)
}

func (l *orderedTestLogger) TestSkipped(id framework.TestID, reason string) {
	if r := l.report(id); r.logger != nil {
		r.logger.TestSkipped(id, reason)
	}
	l.release(id)
}

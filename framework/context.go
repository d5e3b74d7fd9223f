package framework

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

type environment struct {
	results    Results
	testLogger TestLogger
	filter     Filter
	lock       sync.Mutex
}

// Context is the state of one running test, or of the root of a run. Subtests of the same Context
// may be run from different goroutines; a single Context is only used by one.
type Context struct {
	env         *environment
	id          TestID
	debugLogger CapturingLogger
	failed      bool
	skipped     bool
	skipReason  string
	status      Status
	output      string
	errors      []error
}

func Run(
	filter func(TestID) bool,
	testLogger TestLogger,
	action func(*Context),
) Results {
	if testLogger == nil {
		testLogger = nullTestLogger{}
	}
	env := &environment{
		filter:     filter,
		testLogger: testLogger,
	}
	c := &Context{env: env}
	c.run(action)
	return env.results
}

func (c *Context) run(action func(*Context)) {
	defer func() {
		if r := recover(); r != nil && !c.skipped {
			c.failed = true
			var addError error
			if _, ok := r.(*Context); ok {
				if len(c.errors) == 0 {
					addError = errors.New("test failed with no failure message")
				}
			} else {
				c.status = StatusTestException
				addError = fmt.Errorf("unexpected panic in test: %+v\n%s", r, string(debug.Stack()))
			}
			if addError != nil {
				c.errors = append(c.errors, addError)
				c.env.testLogger.TestError(c.id, addError)
			}
		}
		if len(c.id.Path) == 0 {
			return
		}
		result := c.result()
		c.env.lock.Lock()
		c.env.results.Tests = append(c.env.results.Tests, result)
		if result.Status.Failed() {
			c.env.results.Failures = append(c.env.results.Failures, result)
		}
		c.env.lock.Unlock()
	}()

	action(c)
}

func (c *Context) result() TestResult {
	status := c.status
	switch {
	case status != "":
	case c.skipped:
		status = StatusSkip
	case c.failed:
		status = StatusFail
	default:
		status = StatusPass
	}
	return TestResult{TestID: c.id, Status: status, Output: c.output, Errors: c.errors}
}

func (c *Context) ID() TestID {
	return c.id
}

func (c *Context) Run(name string, action func(*Context)) {
	id := TestID{Path: append(append([]string(nil), c.id.Path...), name)}

	c.env.testLogger.TestStarted(id)
	if c.env.filter != nil && !c.env.filter(id) {
		c.env.testLogger.TestSkipped(id, "excluded by filter parameters")
		return
	}
	c1 := &Context{
		id:  id,
		env: c.env,
	}
	c1.run(action)
	if c1.skipped {
		c.env.testLogger.TestSkipped(id, c1.skipReason)
	} else {
		c.env.testLogger.TestFinished(id, c1.result(), c1.debugLogger.Output())
	}
}

func (c *Context) Errorf(format string, args ...interface{}) {
	c.failed = true
	err := fmt.Errorf(format, args...)
	c.errors = append(c.errors, err)
	c.env.testLogger.TestError(c.id, reformatError(err))
}

// SetResult records the outcome of the test as determined by whoever ran it.
func (c *Context) SetResult(status Status, output string) {
	c.status = status
	c.output = output
	if status.Failed() {
		c.failed = true
	}
}

func (c *Context) FailNow() {
	panic(c)
}

func (c *Context) Skip() {
	c.skipped = true
	panic(c)
}

func (c *Context) SkipWithReason(reason string) {
	c.skipReason = reason
	c.Skip()
}

func (c *Context) Debug(message string, args ...interface{}) {
	c.debugLogger.Printf(message, args...)
}

func (c *Context) DebugLogger() Logger {
	return &c.debugLogger
}

// CaptureDebug returns a copy of loggers whose debug messages become part of this test's debug
// output.
func (c *Context) CaptureDebug(loggers ldlog.Loggers) ldlog.Loggers {
	return c.debugLogger.CaptureDebug(loggers)
}

// reformatError drops the leading line breaks of multi-line assertion messages.
func reformatError(err error) error {
	return errors.New(strings.TrimLeft(err.Error(), "\n"))
}

package framework

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

type recordingTestLogger struct {
	lock     sync.Mutex
	started  []string
	finished map[string]TestResult
	skipped  map[string]string
}

func newRecordingTestLogger() *recordingTestLogger {
	return &recordingTestLogger{finished: make(map[string]TestResult), skipped: make(map[string]string)}
}

func (l *recordingTestLogger) TestStarted(id TestID) {
	l.lock.Lock()
	l.started = append(l.started, id.String())
	l.lock.Unlock()
}

func (l *recordingTestLogger) TestError(TestID, error) {}

func (l *recordingTestLogger) TestFinished(id TestID, result TestResult, _ CapturedOutput) {
	l.lock.Lock()
	l.finished[id.String()] = result
	l.lock.Unlock()
}

func (l *recordingTestLogger) TestSkipped(id TestID, reason string) {
	l.lock.Lock()
	l.skipped[id.String()] = reason
	l.lock.Unlock()
}

func TestRunCollectsStatuses(t *testing.T) {
	logger := newRecordingTestLogger()
	results := Run(nil, logger, func(c *Context) {
		c.Run("pass", func(c *Context) {})
		c.Run("fail", func(c *Context) { c.Errorf("bad") })
		c.Run("crash", func(c *Context) { c.SetResult(StatusCrash, "PFTT: crashed") })
		c.Run("xskip", func(c *Context) { c.SetResult(StatusXSkip, "STDIN") })
		c.Run("skip", func(c *Context) { c.SkipWithReason("not today") })
		c.Run("panic", func(c *Context) { panic(errors.New("oops")) })
	})

	statuses := make(map[string]Status)
	for _, r := range results.Tests {
		statuses[r.TestID.String()] = r.Status
	}
	assert.Equal(t, map[string]Status{
		"pass":  StatusPass,
		"fail":  StatusFail,
		"crash": StatusCrash,
		"xskip": StatusXSkip,
		"skip":  StatusSkip,
		"panic": StatusTestException,
	}, statuses)
	assert.Len(t, results.Failures, 3)
	assert.False(t, results.OK())
	assert.Equal(t, "not today", logger.skipped["skip"])
	assert.Equal(t, "PFTT: crashed", logger.finished["crash"].Output)
	assert.Equal(t, 1, results.Count(StatusCrash))
}

func TestRunAppliesFilter(t *testing.T) {
	logger := newRecordingTestLogger()
	var filters RegexFilters
	require.NoError(t, filters.MustNotMatch.Set("^ext/"))
	ran := 0
	results := Run(filters.AsFilter, logger, func(c *Context) {
		c.Run("ext/a.phpt", func(c *Context) { ran++ })
		c.Run("Zend/b.phpt", func(c *Context) { ran++ })
	})
	assert.Equal(t, 1, ran)
	assert.Len(t, results.Tests, 1)
	assert.Equal(t, "excluded by filter parameters", logger.skipped["ext/a.phpt"])
}

func TestSubtestsMayRunConcurrently(t *testing.T) {
	results := Run(nil, nil, func(c *Context) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c.Run(fmt.Sprintf("t%d", i), func(c *Context) {
					c.Debug("running %d", i)
					if i%2 == 0 {
						c.SetResult(StatusFail, "")
					}
				})
			}(i)
		}
		wg.Wait()
	})
	assert.Len(t, results.Tests, 20)
	assert.Len(t, results.Failures, 10)
}

func TestPrintResults(t *testing.T) {
	color.NoColor = true
	results := Run(nil, nil, func(c *Context) {
		c.Run("a", func(c *Context) {})
		c.Run("b", func(c *Context) { c.SetResult(StatusCrash, "") })
	})
	var buf bytes.Buffer
	PrintResults(&buf, results)
	assert.Equal(t, "Ran 2 test(s): 1 PASS 1 CRASH\nFailed tests:\n  CRASH b\n", buf.String())
}

func TestPrintFilterDescription(t *testing.T) {
	var filters RegexFilters
	require.NoError(t, filters.MustMatch.Set("session"))
	var buf bytes.Buffer
	PrintFilterDescription(&buf, filters)
	assert.True(t, strings.Contains(buf.String(), `skip any not matching "session"`))

	buf.Reset()
	PrintFilterDescription(&buf, RegexFilters{})
	assert.Empty(t, buf.String())
}

func TestCapturedOutputDumpIndentsContinuationLines(t *testing.T) {
	var buf bytes.Buffer
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	CapturedOutput{{Time: stamp, Message: "PFTT: server crashed\nline 2\n"}}.Dump(&buf, "  ")

	assert.Equal(t, ""+
		"  [2024-05-01 12:00:00.000] PFTT: server crashed\n"+
		"                            line 2\n",
		buf.String())
}

func TestCaptureDebugRoutesDebugMessages(t *testing.T) {
	var captured CapturingLogger
	loggers := ldlog.NewDisabledLoggers()
	loggers.SetMinLevel(ldlog.Debug)
	loggers = captured.CaptureDebug(loggers)

	loggers.Debugf("using server %s", "127.0.0.1:40000")
	loggers.Debug("done")

	output := captured.Output()
	require.Len(t, output, 2)
	assert.Contains(t, output[0].Message, "using server 127.0.0.1:40000")
	assert.Contains(t, output[1].Message, "done")
}

package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlogtest"

	"github.com/cmb69/pftt2/debugger"
	"github.com/cmb69/pftt2/framework"
	"github.com/cmb69/pftt2/metrics"
	"github.com/cmb69/pftt2/ports"
	"github.com/cmb69/pftt2/runner"
	"github.com/cmb69/pftt2/scheduler"
	"github.com/cmb69/pftt2/servicedef"
	"github.com/cmb69/pftt2/webserver"
	"github.com/cmb69/pftt2/webserver/webservertest"
)

const docRoot = "/srv/tests"

// lineLogger writes one line per finished or skipped test.
type lineLogger struct {
	w io.Writer
}

func (l lineLogger) TestStarted(framework.TestID)      {}
func (l lineLogger) TestError(framework.TestID, error) {}

func (l lineLogger) TestFinished(id framework.TestID, result framework.TestResult, _ framework.CapturedOutput) {
	fmt.Fprintf(l.w, "%s %s\n", result.Status, id)
}

func (l lineLogger) TestSkipped(id framework.TestID, reason string) {
	fmt.Fprintf(l.w, "SKIPPED %s\n", id)
}

func newHarness(t *testing.T, handler http.Handler, workers int, groups ...scheduler.Group) *Harness {
	allocator, err := ports.NewAllocator(47000, 47999)
	require.NoError(t, err)
	mockLog := ldlogtest.NewMockLog()
	m := metrics.New(nil)
	manager, err := webserver.NewManager(webserver.Config{
		Factory:  webservertest.Factory{},
		Launcher: &webservertest.Launcher{Handler: handler},
		Ports:    allocator,
		Gate:     debugger.NewGate(2),
		Loggers:  mockLog.Loggers,
		Metrics:  m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return &Harness{
		Servers:       manager,
		Runner:        runner.Config{Loggers: mockLog.Loggers, Metrics: m},
		Scheduler:     scheduler.Scheduler{Workers: workers, Groups: groups},
		Server:        servicedef.ServerParams{DocRoot: docRoot},
		Loggers:       mockLog.Loggers,
		NewTestLogger: func(w io.Writer) framework.TestLogger { return lineLogger{w} },
	}
}

func TestRunReportsEveryTestInOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/ok.php", httphelpers.HandlerWithResponse(200, nil, []byte("ok")))
	mux.Handle("/wrong.php", httphelpers.HandlerWithResponse(200, nil, []byte("nope")))
	mux.Handle("/skipif.php", httphelpers.HandlerWithResponse(200, nil, []byte("skip not available")))
	h := newHarness(t, mux, 4)

	tests := []servicedef.TestDef{
		{Name: "ok", File: docRoot + "/ok.php", Expect: "ok"},
		{Name: "wrong", File: docRoot + "/wrong.php", Expect: "ok"},
		{Name: "skipped", File: docRoot + "/ok.php", SkipIfFile: docRoot + "/skipif.php"},
		{Name: "stdin", File: docRoot + "/ok.php", NeedsStdin: true},
		{Name: "ini", File: docRoot + "/ok.php", Expect: "ok", INI: map[string]string{"precision": "14"}},
	}
	var out bytes.Buffer
	results := h.Run(context.Background(), tests, &out)

	assert.Equal(t, "PASS ok\nFAIL wrong\nSKIP skipped\nXSKIP stdin\nPASS ini\n", out.String())
	require.Len(t, results.Tests, 5)
	require.Len(t, results.Failures, 1)
	assert.Equal(t, "wrong", results.Failures[0].TestID.String())
	assert.Equal(t, "nope", results.Failures[0].Output)

	// tests with different INI settings get different servers; the XSKIP test gets none
	assert.Len(t, h.Servers.(*webserver.Manager).Instances(), 2)
}

func TestRunAppliesFilter(t *testing.T) {
	h := newHarness(t, httphelpers.HandlerWithResponse(200, nil, []byte("ok")), 2)
	var filters framework.RegexFilters
	require.NoError(t, filters.MustMatch.Set("^a"))
	h.Filter = filters.AsFilter

	var out bytes.Buffer
	results := h.Run(context.Background(), []servicedef.TestDef{
		{Name: "a1", File: "a1.php", Expect: "ok"},
		{Name: "b1", File: "b1.php", Expect: "ok"},
	}, &out)

	assert.Equal(t, "PASS a1\nSKIPPED b1\n", out.String())
	assert.Len(t, results.Tests, 1)
}

func TestRunKeepsNonThreadSafeTestsApart(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/session/") {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}
		_, _ = w.Write([]byte("ok"))
	})
	h := newHarness(t, handler, 8, scheduler.Group{"/session/"})

	var tests []servicedef.TestDef
	for i := 0; i < 6; i++ {
		tests = append(tests,
			servicedef.TestDef{File: fmt.Sprintf("%s/session/s%d.php", docRoot, i), Expect: "ok"},
			servicedef.TestDef{File: fmt.Sprintf("%s/other/o%d.php", docRoot, i), Expect: "ok"})
	}
	results := h.Run(context.Background(), tests, io.Discard)

	assert.True(t, results.OK())
	assert.Len(t, results.Tests, 12)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestRunReportsTestExceptions(t *testing.T) {
	h := newHarness(t, httphelpers.HandlerWithResponse(200, nil, []byte("ok")), 1)

	var out bytes.Buffer
	results := h.Run(context.Background(), []servicedef.TestDef{
		{Name: "bad", File: "bad.php", ExpectRegex: "(unclosed"},
		{Name: "bad", File: "bad2.php", Expect: "ok"},
	}, &out)

	assert.Equal(t, "TEST_EXCEPTION bad\nPASS bad#2\n", out.String())
	require.Len(t, results.Failures, 1)
	assert.Equal(t, framework.StatusTestException, results.Failures[0].Status)
}

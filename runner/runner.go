// Package runner executes test cases against managed server instances over HTTP.
//
// Infrastructure failures never escape a Runner as errors. A request that fails with an I/O
// error is retried once on a server started only for that test; if that fails too, the runner
// answers with diagnostic text starting with "PFTT: " instead of a response body, and that text
// becomes the test's output.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/cmb69/pftt2/framework"
	"github.com/cmb69/pftt2/metrics"
	"github.com/cmb69/pftt2/servicedef"
	"github.com/cmb69/pftt2/webserver"
)

// ErrNoServer is returned when a Runner has no way to obtain a server instance.
var ErrNoServer = errors.New("no server instance provider")

// Phase is the part of a test a request belongs to.
type Phase string

const (
	PhaseSkipIf Phase = "SKIPIF"
	PhaseTest   Phase = "TEST"
	PhaseClean  Phase = "CLEAN"
)

// InstanceProvider supplies server instances to runners. *webserver.Manager implements it.
type InstanceProvider interface {
	CreateInstance(ctx context.Context, params servicedef.ServerParams) *webserver.Instance
	Resolve(ctx context.Context, params servicedef.ServerParams, held *webserver.Instance) *webserver.Instance
}

// TestCase is a test ready to be run over HTTP.
type TestCase struct {
	Name        string
	File        string
	SkipIfFile  string
	CleanFile   string
	Expect      string
	ExpectRegex string
	Post        []byte
	ContentType string
	Params      servicedef.ServerParams
	NeedsStdin  bool
	NeedsArgs   bool
}

// NewTestCase builds a TestCase from its definition, running on a server configured with server
// plus the test's own settings.
func NewTestCase(def servicedef.TestDef, server servicedef.ServerParams) TestCase {
	tc := TestCase{
		Name:        def.Name,
		File:        def.File,
		SkipIfFile:  def.SkipIfFile,
		CleanFile:   def.CleanFile,
		Expect:      def.Expect,
		ExpectRegex: def.ExpectRegex,
		ContentType: def.ContentType,
		Params:      server.ForTest(def),
		NeedsStdin:  def.NeedsStdin,
		NeedsArgs:   def.NeedsArgs,
	}
	if def.Post != "" {
		tc.Post = []byte(def.Post)
	}
	if tc.Name == "" {
		tc.Name = tc.File
	}
	return tc
}

// FileName returns the test's file, which is what non-thread-safe groups are matched against.
func (t TestCase) FileName() string { return t.File }

// Config holds what every Runner of a run shares.
type Config struct {
	Provider InstanceProvider
	// Client overrides the HTTP client. By default each request uses a new connection and times
	// out after RequestTimeout.
	Client  *http.Client
	Loggers ldlog.Loggers
	Metrics *metrics.Registry
	Rules   []ClassificationRule
}

// Runner runs one test case. It is not safe for concurrent use; each test gets its own Runner.
type Runner struct {
	test     TestCase
	provider InstanceProvider
	client   *http.Client
	loggers  ldlog.Loggers
	metrics  *metrics.Registry
	rules    []ClassificationRule
	debug    framework.Logger

	web          *webserver.Instance
	crashed      bool
	testCrashed  bool
	crashOutput  string
	replacements int
}

// New creates a Runner for test, starting out on web. web may be nil, in which case a server is
// started for the test on first use.
func New(cfg Config, test TestCase, web *webserver.Instance, debug framework.Logger) *Runner {
	client := cfg.Client
	if client == nil {
		client = NewClient(RequestTimeout)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	if debug == nil {
		debug = framework.NullLogger()
	}
	return &Runner{
		test:     test,
		provider: cfg.Provider,
		client:   client,
		loggers:  cfg.Loggers,
		metrics:  m,
		rules:    cfg.Rules,
		debug:    debug,
		web:      web,
	}
}

// elapsedSince measures how long a request took, for diagnostics.
var elapsedSince = func(t time.Time) time.Duration {
	return time.Since(t).Round(time.Millisecond)
}

// Instance returns the instance the runner currently holds.
func (r *Runner) Instance() *webserver.Instance { return r.web }

// Crashed reports whether the server crashed while running this test.
func (r *Runner) Crashed() bool { return r.crashed }

// Execute requests path from the server for the given phase and returns the response body, or
// diagnostic text if the server could not be reached even after a restart. Errors that are not
// I/O failures are returned unchanged.
func (r *Runner) Execute(ctx context.Context, phase Phase, path string) (string, error) {
	if r.provider == nil {
		return "", ErrNoServer
	}
	start := time.Now()
	out, err := r.doExecute(ctx, phase, path, false)
	if err == nil || !r.isIOFailure(ctx, err) {
		return out, err
	}
	firstWait := elapsedSince(start)

	// The server did not answer; treat it as crashed and retry on a server of our own.
	if r.web != nil {
		r.web.NotifyCrash(fmt.Sprintf("PFTT: timeout during test(%s SECTION): %s\n%s", phase, r.test.Name, err), 0)
		r.markCrash(phase, r.web)
		_ = r.web.Close()
	}
	r.loggers.Warnf("Restarting server and retrying test %s (%s section)", r.test.Name, phase)
	r.debug.Printf("%s request failed (%s), retrying on a new server", phase, err)
	r.web = nil

	start = time.Now()
	out, err = r.doExecute(ctx, phase, path, true)
	if err == nil || !r.isIOFailure(ctx, err) {
		return out, err
	}
	secondWait := elapsedSince(start)

	if r.web == nil {
		return "PFTT: no web server available!\n", nil
	}
	r.web.NotifyCrash(fmt.Sprintf("PFTT: IOException during test(%s SECTION): %s\n%s", phase, r.test.Name, err), 0)
	r.markCrash(phase, r.web)

	var sb strings.Builder
	fmt.Fprintf(&sb, "PFTT: couldn't connect to server after %s\n", firstWait)
	fmt.Fprintf(&sb, "PFTT: created new server only for running this test which did not respond after another %s\n", secondWait)
	fmt.Fprintf(&sb, "PFTT: was trying to run (%s section of): %s\n", phase, r.test.Name)
	sb.WriteString("PFTT: these two lists refer only to second server (created for specifically for only this test)\n")
	r.web.WriteActiveTestList(&sb)
	r.web.WriteAllTestList(&sb)
	return sb.String(), nil
}

func (r *Runner) doExecute(ctx context.Context, phase Phase, path string, replacement bool) (string, error) {
	path = r.normalizePath(path)

	if r.web == nil {
		r.web = r.provider.CreateInstance(ctx, r.test.Params)
		replacement = true
	} else if web := r.provider.Resolve(ctx, r.test.Params, r.web); web != r.web {
		r.web = web
		replacement = true
	}
	if r.web == nil {
		r.markCrash(phase, nil)
		return "PFTT: no web server available!\n", nil
	}
	web := r.web
	if replacement {
		r.replacements++
		r.metrics.Replacements.WithLabelValues(string(phase)).Inc()
		if web.IsCrashed() {
			r.markCrash(phase, web)
			out := web.Output() + "PFTT: server crashed already (server was created to replace a crashed web server. server was created to run this 1 test and didn't run any other tests before this one), didn't bother trying to execute test: " + r.test.Name
			_ = web.Close()
			return out, nil
		}
	}

	web.EnterTest(r.test.Name)
	defer func() {
		web.LeaveTest(r.test.Name)
		if web.IsCrashed() {
			r.markCrash(phase, web)
		}
		if replacement {
			// nobody else knows about this instance, so it would otherwise run forever
			_ = web.Close()
		}
	}()

	start := time.Now()
	defer func() { r.metrics.RequestDurations.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds()) }()
	r.debug.Printf("%s %s%s", phase, web.BaseURL(), path)
	if phase == PhaseTest && r.test.Post != nil {
		return r.post(ctx, web.BaseURL()+path)
	}
	return r.get(ctx, web.BaseURL()+path)
}

// markCrash records that the server crashed during this test. Only the first crash is reported.
func (r *Runner) markCrash(phase Phase, web *webserver.Instance) {
	if phase == PhaseTest {
		r.testCrashed = true
	}
	if r.crashed {
		return
	}
	r.crashed = true
	if web != nil {
		r.crashOutput = web.Output()
	}
	r.debug.Printf("server crashed during %s section", phase)
}

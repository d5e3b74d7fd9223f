package webserver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/cmb69/pftt2/debugger"
	"github.com/cmb69/pftt2/metrics"
	"github.com/cmb69/pftt2/servicedef"
)

// State is the lifecycle state of an Instance.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateCrashed
	StateDebugging
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	case StateDebugging:
		return "debugging"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Interval of the "has the debugger finished yet" check on a crashed instance.
var debuggerPollInterval = time.Second

// Instance is one server process under test, identified by hostname:port.
//
// Instances are created by a Manager. Any number of runners may hold the same Instance; its
// mutable state is guarded by its own lock, so unrelated instances never contend.
type Instance struct {
	owner    *Manager
	hostname string
	port     int
	command  []string
	dir      string
	params   servicedef.ServerParams
	gate     *debugger.Gate
	loggers  ldlog.Loggers
	metrics  *metrics.Registry

	lock        sync.Mutex
	state       State
	crashed     bool
	process     Process
	debugger    debugger.Debugger
	output      strings.Builder
	exitCode    int
	activeTests map[string]int
	allTests    []string
	stopHealth  chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

func (m *Manager) newInstance(params servicedef.ServerParams, hostname string, port int, cmd ServerCommand) *Instance {
	return &Instance{
		owner:       m,
		hostname:    hostname,
		port:        port,
		command:     cmd.Args,
		dir:         cmd.Dir,
		params:      params,
		gate:        m.gate,
		loggers:     m.loggers,
		metrics:     m.metrics,
		state:       StateStarting,
		activeTests: make(map[string]int),
		stopHealth:  make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// newCrashedInstance returns a placeholder for a server that could not be started. It behaves like
// any other crashed instance so that callers report it the same way.
func (m *Manager) newCrashedInstance(params servicedef.ServerParams, output string) *Instance {
	i := m.newInstance(params, m.listenAddress, 0, ServerCommand{})
	i.state = StateCrashed
	i.crashed = true
	i.output.WriteString(output)
	return i
}

func (i *Instance) Port() int { return i.port }

func (i *Instance) String() string { return i.hostname + ":" + strconv.Itoa(i.port) }

// BaseURL is the URL of the server's document root.
func (i *Instance) BaseURL() string { return "http://" + i.String() }

func (i *Instance) Params() servicedef.ServerParams { return i.params }

// CommandString returns the command line quoted for a shell.
func (i *Instance) CommandString() string {
	quoted := make([]string, 0, len(i.command))
	for _, a := range i.command {
		quoted = append(quoted, shellescape.Quote(a))
	}
	return strings.Join(quoted, " ")
}

func (i *Instance) State() State {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.state
}

// IsRunning reports whether the instance can serve requests.
func (i *Instance) IsRunning() bool {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.state == StateRunning && i.process != nil && i.process.IsRunning()
}

// IsCrashed reports whether the instance ever crashed, including placeholders for servers that
// never started.
func (i *Instance) IsCrashed() bool {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.crashed
}

// IsDebuggerAttached reports whether a debugger is attached and still running.
func (i *Instance) IsDebuggerAttached() bool {
	i.lock.Lock()
	d := i.debugger
	i.lock.Unlock()
	return d != nil && d.IsRunning()
}

// Output returns everything recorded about crashes of this instance.
func (i *Instance) Output() string {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.output.String()
}

func (i *Instance) ExitCode() int {
	i.lock.Lock()
	defer i.lock.Unlock()
	return i.exitCode
}

// Done is closed once the instance reaches StateClosed.
func (i *Instance) Done() <-chan struct{} { return i.done }

// NotifyCrash records that the server crashed, with whatever output and exit code are known.
func (i *Instance) NotifyCrash(output string, exitCode int) {
	i.notifyCrash("runner", output, exitCode)
}

func (i *Instance) notifyCrash(source, output string, exitCode int) {
	header := "PFTT: web server started with: " + i.CommandString()
	if output != "" {
		header += "\n" + output
	}

	i.lock.Lock()
	if i.output.Len() > 0 {
		i.output.WriteString("\n")
	}
	i.output.WriteString(header)
	if exitCode != 0 {
		i.exitCode = exitCode
	}
	first := !i.crashed
	i.crashed = true
	if i.state == StateStarting || i.state == StateRunning {
		i.state = StateCrashed
	}
	i.lock.Unlock()

	if first {
		i.loggers.Warnf("Web server %s crashed (exit code %d)", i, exitCode)
		i.metrics.Crashes.WithLabelValues(source).Inc()
	}
}

// EnterTest records that a test is about to send a request to this instance.
func (i *Instance) EnterTest(name string) {
	i.lock.Lock()
	i.activeTests[name]++
	i.allTests = append(i.allTests, name)
	i.lock.Unlock()
}

// LeaveTest records that a test has received its response.
func (i *Instance) LeaveTest(name string) {
	i.lock.Lock()
	if n := i.activeTests[name]; n <= 1 {
		delete(i.activeTests, name)
	} else {
		i.activeTests[name] = n - 1
	}
	i.lock.Unlock()
}

// ActiveTests returns the tests that currently have a request in flight, sorted by name.
func (i *Instance) ActiveTests() []string {
	i.lock.Lock()
	defer i.lock.Unlock()
	ret := make([]string, 0, len(i.activeTests))
	for name := range i.activeTests {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// AllTests returns every test ever run on this instance, in order.
func (i *Instance) AllTests() []string {
	i.lock.Lock()
	defer i.lock.Unlock()
	return append([]string(nil), i.allTests...)
}

func (i *Instance) WriteActiveTestList(sb *strings.Builder) {
	active := i.ActiveTests()
	fmt.Fprintf(sb, "PFTT: %d test(s) were running on %s:\n", len(active), i)
	for _, name := range active {
		sb.WriteString(name)
		sb.WriteString("\n")
	}
}

func (i *Instance) WriteAllTestList(sb *strings.Builder) {
	all := i.AllTests()
	fmt.Fprintf(sb, "PFTT: %d test(s) were run on %s:\n", len(all), i)
	for _, name := range all {
		sb.WriteString(name)
		sb.WriteString("\n")
	}
}

// Close shuts the instance down.
//
// A crashed process with a running debugger attached is left alone until the debugger finishes,
// and the close completes in the background. This takes a slot in the debugger gate; when the gate
// is full the debugger is detached and the process killed. Closing an instance that is already
// closed, or waiting on its debugger, does nothing.
func (i *Instance) Close() error {
	i.noticeExit()

	i.lock.Lock()
	switch i.state {
	case StateClosed, StateDebugging:
		i.lock.Unlock()
		return nil
	case StateCrashed:
		if i.debugger != nil && i.debugger.IsRunning() {
			if i.gate.TryAcquire() {
				i.state = StateDebugging
				i.lock.Unlock()
				i.stopHealthCheck()
				i.metrics.DebuggersWaiting.Inc()
				i.loggers.Infof("Leaving crashed web server %s running for the attached debugger", i)
				go i.awaitDebugger()
				return nil
			}
			i.loggers.Warnf("%d debugger(s) already active, detaching debugger from crashed web server %s",
				i.gate.Max(), i)
			_ = i.debugger.Close()
		}
	default:
		if i.debugger != nil {
			// the process did not crash, so nobody needs the debugger
			_ = i.debugger.Close()
		}
	}
	i.lock.Unlock()
	i.stopHealthCheck()
	return i.finishClose()
}

// noticeExit records a crash the health check has not polled yet.
func (i *Instance) noticeExit() {
	i.lock.Lock()
	proc := i.process
	unseen := i.state == StateRunning && proc != nil && !proc.IsRunning() && proc.IsCrashed()
	i.lock.Unlock()
	if unseen {
		i.notifyCrash("close", processOutput(proc), proc.ExitCode())
	}
}

func (i *Instance) awaitDebugger() {
	ticker := time.NewTicker(debuggerPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if i.debugger.IsRunning() {
			continue
		}
		i.gate.Release()
		i.metrics.DebuggersWaiting.Dec()
		if err := i.finishClose(); err != nil {
			i.loggers.Warnf("Error killing web server %s after debugging: %s", i, err)
		}
		return
	}
}

func (i *Instance) finishClose() error {
	i.lock.Lock()
	if i.state == StateClosed {
		i.lock.Unlock()
		return nil
	}
	i.state = StateClosed
	proc := i.process
	i.lock.Unlock()

	close(i.done)
	if i.owner != nil {
		i.owner.forget(i)
	}
	if proc == nil {
		return nil
	}
	i.metrics.ActiveInstances.Dec()
	return proc.Kill()
}

func (i *Instance) setRunning(proc Process, dbg debugger.Debugger) {
	i.lock.Lock()
	i.process = proc
	i.debugger = dbg
	i.state = StateRunning
	i.lock.Unlock()
}

// startHealthCheck polls the process every HealthCheckInterval. Once the process has exited it
// reports a crash if the exit was abnormal, then stops polling.
func (i *Instance) startHealthCheck() {
	go func() {
		ticker := time.NewTicker(HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.stopHealth:
				return
			case <-ticker.C:
				i.lock.Lock()
				proc := i.process
				i.lock.Unlock()
				if proc == nil || proc.IsRunning() {
					continue
				}
				if proc.IsCrashed() {
					i.notifyCrash("health_check", processOutput(proc), proc.ExitCode())
				}
				return
			}
		}
	}()
}

func (i *Instance) stopHealthCheck() {
	i.stopOnce.Do(func() { close(i.stopHealth) })
}

// processOutput reads a process's output without letting a failure there mask the crash itself.
func processOutput(p Process) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("PFTT: could not read web server output: %v", r)
		}
	}()
	return p.Output()
}

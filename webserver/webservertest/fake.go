// Package webservertest provides in-process stand-ins for server processes and debuggers, so that
// code driving server instances can be tested without launching real servers.
package webservertest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cmb69/pftt2/debugger"
	"github.com/cmb69/pftt2/servicedef"
	"github.com/cmb69/pftt2/webserver"
)

// Factory produces commands understood by Launcher: the program name followed by host:port.
type Factory struct{}

func (Factory) NewServerCommand(params servicedef.ServerParams, listenAddress string, port int) (webserver.ServerCommand, error) {
	return webserver.ServerCommand{
		Args: []string{"fake-server", net.JoinHostPort(listenAddress, strconv.Itoa(port))},
		Env:  params.Env,
		Dir:  params.DocRoot,
	}, nil
}

// Launcher "starts" a server by serving HTTP in-process on the address from the command.
type Launcher struct {
	// Handler serves every started process unless HandlerFor is set.
	Handler http.Handler
	// HandlerFor returns the handler for the n-th started process, counting from zero.
	HandlerFor func(n int) http.Handler
	// FailStart makes every Start fail.
	FailStart error
	// UnreachableStarts is the number of initial processes that start but never listen.
	UnreachableStarts int

	lock    sync.Mutex
	started []*Process
}

var nextPid atomic.Int32

func init() {
	nextPid.Store(10000)
}

func (l *Launcher) Start(ctx context.Context, cmd webserver.ServerCommand) (webserver.Process, error) {
	if l.FailStart != nil {
		return nil, l.FailStart
	}
	if len(cmd.Args) < 2 {
		return nil, errors.New("fake launcher needs an address argument")
	}

	l.lock.Lock()
	n := len(l.started)
	handler := l.Handler
	if l.HandlerFor != nil {
		handler = l.HandlerFor(n)
	}
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	p := &Process{pid: int(nextPid.Add(1)), Command: cmd, done: make(chan struct{})}
	l.started = append(l.started, p)
	l.lock.Unlock()

	if n < l.UnreachableStarts {
		return p, nil
	}
	ln, err := net.Listen("tcp", cmd.Args[1])
	if err != nil {
		return nil, err
	}
	p.server = &http.Server{
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return context.WithValue(context.Background(), processKey{}, p) },
	}
	go func() { _ = p.server.Serve(ln) }()
	return p, nil
}

// Started returns every process this launcher created, in order.
func (l *Launcher) Started() []*Process {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]*Process(nil), l.started...)
}

type processKey struct{}

// ProcessFrom returns the fake process serving the request that ctx belongs to.
func ProcessFrom(ctx context.Context) *Process {
	p, _ := ctx.Value(processKey{}).(*Process)
	return p
}

// Process is a fake server process.
type Process struct {
	Command webserver.ServerCommand

	pid      int
	server   *http.Server
	lock     sync.Mutex
	done     chan struct{}
	exitCode int
	output   string
	killed   bool
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) IsRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) IsCrashed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return !p.IsRunning() && p.exitCode != 0
}

func (p *Process) ExitCode() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.exitCode
}

func (p *Process) Output() string {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.output
}

// Killed reports whether Kill was called while the process was running.
func (p *Process) Killed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.killed
}

func (p *Process) Kill() error {
	p.lock.Lock()
	if p.IsRunning() {
		p.killed = true
	}
	p.lock.Unlock()
	p.exit(0, "")
	return nil
}

// Crash makes the process exit abnormally with the given code and output.
func (p *Process) Crash(exitCode int, output string) {
	p.exit(exitCode, output)
}

func (p *Process) exit(exitCode int, output string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.IsRunning() {
		return
	}
	p.exitCode = exitCode
	p.output = output
	if p.server != nil {
		_ = p.server.Close()
	}
	close(p.done)
}

// CrashHandler drops the connection and crashes the process serving it, the way a server dying
// mid-request looks to a client.
func CrashHandler(exitCode int, output string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
			}
		}
		if p := ProcessFrom(r.Context()); p != nil {
			p.Crash(exitCode, output)
		}
	})
}

// Debugger is a fake debugger handle that runs until Stop is called.
type Debugger struct {
	stopped atomic.Bool
	closed  atomic.Int32
}

func (d *Debugger) IsRunning() bool { return !d.stopped.Load() }

// Stop makes the debugger exit, as if the user detached.
func (d *Debugger) Stop() { d.stopped.Store(true) }

func (d *Debugger) Close() error {
	d.closed.Add(1)
	d.stopped.Store(true)
	return nil
}

// CloseCount returns how often Close was called.
func (d *Debugger) CloseCount() int { return int(d.closed.Load()) }

// Attacher hands out fake debuggers and records what they were attached to.
type Attacher struct {
	Fail error

	lock      sync.Mutex
	requests  []debugger.AttachRequest
	debuggers []*Debugger
}

func (a *Attacher) Attach(ctx context.Context, req debugger.AttachRequest) (debugger.Debugger, error) {
	if a.Fail != nil {
		return nil, fmt.Errorf("attaching to %d: %w", req.PID, a.Fail)
	}
	d := &Debugger{}
	a.lock.Lock()
	a.requests = append(a.requests, req)
	a.debuggers = append(a.debuggers, d)
	a.lock.Unlock()
	return d, nil
}

func (a *Attacher) Requests() []debugger.AttachRequest {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]debugger.AttachRequest(nil), a.requests...)
}

func (a *Attacher) Debuggers() []*Debugger {
	a.lock.Lock()
	defer a.lock.Unlock()
	return append([]*Debugger(nil), a.debuggers...)
}

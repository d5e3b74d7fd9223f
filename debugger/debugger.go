// Package debugger bounds and manages interactive debuggers attached to server processes.
//
// Attaching and detaching is delegated to an external debugger program; this package only keeps
// a handle that can report whether the debugger is still running and close it.
package debugger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Debugger is a handle to a debugger attached to a server process.
type Debugger interface {
	IsRunning() bool
	Close() error
}

// AttachRequest describes the process a debugger should attach to.
type AttachRequest struct {
	Host       string
	Scenario   string
	ServerName string
	Build      string
	PID        int
}

// Attacher starts a debugger for a process.
type Attacher interface {
	Attach(ctx context.Context, req AttachRequest) (Debugger, error)
}

// CommandAttacher runs an external debugger command. Each argument may contain the placeholders
// {pid}, {build}, {server} and {scenario}; for example: gdb -p {pid}.
type CommandAttacher struct {
	Command []string
	Env     []string
}

// Attach starts the debugger command. The returned handle reports running until the command exits.
func (a CommandAttacher) Attach(ctx context.Context, req AttachRequest) (Debugger, error) {
	if len(a.Command) == 0 {
		return nil, errors.New("no debugger command configured")
	}
	if req.PID <= 0 {
		return nil, fmt.Errorf("cannot attach debugger to %s: no process id", req.ServerName)
	}
	r := strings.NewReplacer(
		"{pid}", strconv.Itoa(req.PID),
		"{build}", req.Build,
		"{server}", req.ServerName,
		"{scenario}", req.Scenario,
	)
	args := make([]string, len(a.Command))
	for i, arg := range a.Command {
		args[i] = r.Replace(arg)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = append(os.Environ(), a.Env...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting debugger %s: %w", args[0], err)
	}

	d := &commandDebugger{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(d.done)
	}()
	return d, nil
}

type commandDebugger struct {
	cmd       *exec.Cmd
	done      chan struct{}
	closeOnce sync.Once
}

func (d *commandDebugger) IsRunning() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *commandDebugger) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.IsRunning() {
			err = d.cmd.Process.Kill()
		}
	})
	return err
}

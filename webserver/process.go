package webserver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

const defaultMaxOutput = 64 * 1024

var killTimeout = 5 * time.Second

// Process is a handle to a running (or exited) server process.
type Process interface {
	Pid() int
	IsRunning() bool
	// IsCrashed reports whether the process exited abnormally.
	IsCrashed() bool
	ExitCode() int
	Output() string
	Kill() error
}

// Launcher starts server processes.
type Launcher interface {
	Start(ctx context.Context, cmd ServerCommand) (Process, error)
}

// ExecLauncher starts servers as local child processes. Each server gets its own process group
// so that killing it also kills any workers it forked.
type ExecLauncher struct {
	// MaxOutput bounds how much combined stdout/stderr is kept per process.
	MaxOutput int
}

func (l ExecLauncher) Start(ctx context.Context, sc ServerCommand) (Process, error) {
	if len(sc.Args) == 0 {
		return nil, fmt.Errorf("empty server command")
	}
	max := l.MaxOutput
	if max <= 0 {
		max = defaultMaxOutput
	}

	// The server must outlive ctx, which only covers startup.
	cmd := exec.Command(sc.Args[0], sc.Args[1:]...)
	cmd.Dir = sc.Dir
	cmd.Env = append(os.Environ(), envList(sc.Env)...)
	out := &tailBuffer{max: max}
	cmd.Stdout = out
	cmd.Stderr = out
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProcess{cmd: cmd, output: out, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, k+"="+env[k])
	}
	return ret
}

type execProcess struct {
	cmd      *exec.Cmd
	output   *tailBuffer
	done     chan struct{}
	exitCode int
	waitErr  error
}

func (p *execProcess) wait() {
	p.waitErr = p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) IsRunning() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) IsCrashed() bool {
	return !p.IsRunning() && p.exitCode != 0
}

func (p *execProcess) ExitCode() int {
	if p.IsRunning() {
		return 0
	}
	return p.exitCode
}

func (p *execProcess) Output() string {
	s := p.output.String()
	if !p.IsRunning() && p.waitErr != nil {
		s += fmt.Sprintf("\n%s", p.waitErr)
	}
	return s
}

func (p *execProcess) Kill() error {
	if !p.IsRunning() {
		return nil
	}
	terminateProcess(p.cmd)
	select {
	case <-p.done:
		return nil
	case <-time.After(killTimeout):
		return fmt.Errorf("process %d did not exit after kill", p.Pid())
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	lock sync.Mutex
	buf  bytes.Buffer
	max  int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.buf.String()
}

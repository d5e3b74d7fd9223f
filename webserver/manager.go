package webserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"

	"github.com/cmb69/pftt2/debugger"
	"github.com/cmb69/pftt2/metrics"
	"github.com/cmb69/pftt2/ports"
	"github.com/cmb69/pftt2/servicedef"
)

// HealthCheckInterval is how often each running instance's process is checked for a crash.
var HealthCheckInterval = time.Second

const (
	// StartAttempts bounds how many times CreateInstance tries to bring up a server.
	StartAttempts = 3

	portTries = 3

	DefaultListenAddress = "127.0.0.1"
)

// Config holds the collaborators of a Manager. Only Factory is required.
type Config struct {
	Factory  ServerFactory
	Launcher Launcher
	Ports    *ports.Allocator
	Gate     *debugger.Gate
	// Attacher is used for instances whose params ask for a debugger. Nil disables debugging.
	Attacher      debugger.Attacher
	Loggers       ldlog.Loggers
	Metrics       *metrics.Registry
	ListenAddress string
	PortInUse     func(port int) bool
	Probe         func(ctx context.Context, address string, port int) ports.ProbeResult
}

// Manager starts, tracks and shuts down server instances.
type Manager struct {
	factory       ServerFactory
	launcher      Launcher
	ports         *ports.Allocator
	gate          *debugger.Gate
	attacher      debugger.Attacher
	loggers       ldlog.Loggers
	metrics       *metrics.Registry
	listenAddress string
	portInUse     func(int) bool
	probe         func(context.Context, string, int) ports.ProbeResult

	lock      sync.Mutex
	instances map[*Instance]struct{}
	shared    map[string]*sharedSlot
}

type sharedSlot struct {
	lock     sync.Mutex
	instance *Instance
}

// NewManager creates a Manager, filling in defaults for anything cfg leaves out.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("a server factory is required")
	}
	m := &Manager{
		factory:       cfg.Factory,
		launcher:      cfg.Launcher,
		ports:         cfg.Ports,
		gate:          cfg.Gate,
		attacher:      cfg.Attacher,
		loggers:       cfg.Loggers,
		metrics:       cfg.Metrics,
		listenAddress: cfg.ListenAddress,
		portInUse:     cfg.PortInUse,
		probe:         cfg.Probe,
		instances:     make(map[*Instance]struct{}),
		shared:        make(map[string]*sharedSlot),
	}
	if m.launcher == nil {
		m.launcher = ExecLauncher{}
	}
	if m.ports == nil {
		a, err := ports.NewAllocator(ports.DefaultRangeStart, ports.DefaultRangeStop)
		if err != nil {
			return nil, err
		}
		m.ports = a
	}
	if m.gate == nil {
		m.gate = debugger.Default
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	if m.listenAddress == "" {
		m.listenAddress = DefaultListenAddress
	}
	if m.portInUse == nil {
		m.portInUse = ports.InUse
	}
	if m.probe == nil {
		m.probe = ports.Probe
	}
	return m, nil
}

// CreateInstance starts a new server for params.
//
// It never fails: if no server could be brought up after StartAttempts tries, the result is a
// permanently crashed instance whose output explains every failed attempt.
func (m *Manager) CreateInstance(ctx context.Context, params servicedef.ServerParams) *Instance {
	var diag strings.Builder
	attempts := 0
	for attempts < StartAttempts {
		attempts++
		port, ok := m.findPort()
		if !ok {
			m.metrics.SpawnFailures.WithLabelValues("port").Inc()
			diag.WriteString("PFTT: Couldn't find unused local port\n")
			continue
		}
		inst, err := m.startInstance(ctx, params, port)
		if err == nil {
			return inst
		}
		m.loggers.Debugf("Attempt %d to start web server on port %d failed: %s", attempts, port, err)
		diag.WriteString(err.Error())
		diag.WriteString("\n")
		if ctx.Err() != nil {
			break
		}
	}
	m.loggers.Errorf("Could not start web server after %d attempts", attempts)
	return m.newCrashedInstance(params,
		fmt.Sprintf("PFTT: could not start web server instance (after %d attempts)... giving up.\n", attempts)+diag.String())
}

// findPort looks for a port nobody is listening on. Every used port counts as a try, including
// the range start handed out after a wrap.
func (m *Manager) findPort() (int, bool) {
	for tries := 0; tries < portTries; tries++ {
		port, wrapped := m.ports.Allocate()
		if wrapped {
			m.loggers.Debugf("Port allocation wrapped around to %d", port)
		}
		if !m.portInUse(port) {
			return port, true
		}
	}
	return 0, false
}

func (m *Manager) startInstance(ctx context.Context, params servicedef.ServerParams, port int) (*Instance, error) {
	cmd, err := m.factory.NewServerCommand(params, m.listenAddress, port)
	if err != nil {
		m.metrics.SpawnFailures.WithLabelValues("command").Inc()
		return nil, fmt.Errorf("PFTT: could not build web server command: %w", err)
	}
	inst := m.newInstance(params, m.listenAddress, port, cmd)

	proc, err := m.launcher.Start(ctx, cmd)
	if err != nil {
		m.metrics.SpawnFailures.WithLabelValues("spawn").Inc()
		return nil, fmt.Errorf("PFTT: could not start web server with: %s\n%w", inst.CommandString(), err)
	}

	could := m.probe(ctx, m.listenAddress, port)
	if !could.Connected {
		m.metrics.SpawnFailures.WithLabelValues("probe").Inc()
		if !proc.IsCrashed() {
			_ = proc.Kill()
		}
		return nil, fmt.Errorf("Could not socket to web server after it was started. Web server did not respond to socket. Tried %d times, waiting %d millis total.",
			could.Attempts, could.Elapsed.Milliseconds())
	}

	var dbg debugger.Debugger
	if params.Debug && m.attacher != nil {
		if err := m.gate.Wait(ctx); err != nil {
			_ = proc.Kill()
			return nil, err
		}
		dbg, err = m.attacher.Attach(ctx, debugger.AttachRequest{
			Host:       m.listenAddress,
			Scenario:   params.Scenario,
			ServerName: inst.String(),
			Build:      params.Build,
			PID:        proc.Pid(),
		})
		if err != nil {
			m.loggers.Warnf("Could not attach debugger to web server %s: %s", inst, err)
			dbg = nil
		}
	}

	inst.setRunning(proc, dbg)
	m.lock.Lock()
	m.instances[inst] = struct{}{}
	m.lock.Unlock()
	m.metrics.InstancesStarted.Inc()
	m.metrics.ActiveInstances.Inc()
	m.loggers.Debugf("Started web server %s: %s", inst, inst.CommandString())

	inst.startHealthCheck()
	return inst, nil
}

// Acquire returns the instance shared by every test with the same server configuration, starting
// one if there is none or the previous one stopped running.
func (m *Manager) Acquire(ctx context.Context, params servicedef.ServerParams) *Instance {
	key := params.Key()
	m.lock.Lock()
	slot := m.shared[key]
	if slot == nil {
		slot = &sharedSlot{}
		m.shared[key] = slot
	}
	m.lock.Unlock()

	slot.lock.Lock()
	defer slot.lock.Unlock()
	if slot.instance != nil && slot.instance.IsRunning() {
		return slot.instance
	}
	if slot.instance != nil {
		_ = slot.instance.Close()
	}
	slot.instance = m.CreateInstance(ctx, params)
	return slot.instance
}

// Resolve returns held if it can still serve requests. Otherwise it starts a dedicated instance for
// the caller alone; that instance is never shared and the caller must close it.
func (m *Manager) Resolve(ctx context.Context, params servicedef.ServerParams, held *Instance) *Instance {
	if held != nil && held.IsRunning() {
		return held
	}
	return m.CreateInstance(ctx, params)
}

// Instances returns the instances that have not been closed yet.
func (m *Manager) Instances() []*Instance {
	m.lock.Lock()
	defer m.lock.Unlock()
	ret := make([]*Instance, 0, len(m.instances))
	for inst := range m.instances {
		ret = append(ret, inst)
	}
	return ret
}

// Close closes every instance this manager started. Crashed instances with a debugger attached
// stay alive until their debugger exits.
func (m *Manager) Close() error {
	var errs []error
	for _, inst := range m.Instances() {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", inst, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) forget(inst *Instance) {
	m.lock.Lock()
	delete(m.instances, inst)
	m.lock.Unlock()
}

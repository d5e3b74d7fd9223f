// Package config loads the harness configuration file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/cmb69/pftt2/debugger"
	"github.com/cmb69/pftt2/ports"
	"github.com/cmb69/pftt2/runner"
	"github.com/cmb69/pftt2/webserver"
)

const (
	ServerTypeBuiltin = "builtin"
	ServerTypeCommand = "command"
)

// Config is the harness configuration. Everything has a usable default.
type Config struct {
	ListenAddress  string                      `koanf:"listen_address"`
	PortRangeStart int                         `koanf:"port_range_start"`
	PortRangeStop  int                         `koanf:"port_range_stop"`
	RequestTimeout time.Duration               `koanf:"request_timeout"`
	Workers        int                         `koanf:"workers"`
	Server         ServerConfig                `koanf:"server"`
	Debugger       DebuggerConfig              `koanf:"debugger"`
	Rules          []runner.ClassificationRule `koanf:"classification_rules"`
	// EnvFile names a dotenv file whose variables are passed to every server. A relative path is
	// resolved against the directory of the config file.
	EnvFile string `koanf:"env_file"`

	// Env holds the variables read from EnvFile.
	Env map[string]string `koanf:"-"`
}

// ServerConfig selects how servers are launched.
type ServerConfig struct {
	// Type is "builtin" for the interpreter's own web server or "command" for Command.
	Type    string            `koanf:"type"`
	Binary  string            `koanf:"binary"`
	Command []string          `koanf:"command"`
	Env     map[string]string `koanf:"env"`
}

// DebuggerConfig configures the debugger attached to servers of debugged tests.
type DebuggerConfig struct {
	Command   []string `koanf:"command"`
	Env       []string `koanf:"env"`
	MaxActive int      `koanf:"max_active"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddress:  webserver.DefaultListenAddress,
		PortRangeStart: ports.DefaultRangeStart,
		PortRangeStop:  ports.DefaultRangeStop,
		RequestTimeout: runner.RequestTimeout,
		Server:         ServerConfig{Type: ServerTypeBuiltin},
	}
}

// Load reads the configuration file at path over the defaults. The format is chosen by the file
// extension: .yaml, .yml, .toml or .json. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	parser := parserForExtension(path)
	if parser == nil {
		return Config{}, fmt.Errorf("unsupported config file format: %s", path)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Config{}, fmt.Errorf("error loading config: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.EnvFile != "" {
		envPath := cfg.EnvFile
		if !filepath.IsAbs(envPath) {
			envPath = filepath.Join(filepath.Dir(path), envPath)
		}
		env, err := godotenv.Read(envPath)
		if err != nil {
			return Config{}, fmt.Errorf("error reading env file: %w", err)
		}
		cfg.Env = env
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parserForExtension(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return yaml.Parser()
	case ".toml":
		return toml.Parser()
	case ".json":
		return json.Parser()
	default:
		return nil
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if _, err := ports.NewAllocator(c.PortRangeStart, c.PortRangeStop); err != nil {
		return err
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.Workers < 0 {
		return errors.New("workers must not be negative")
	}
	switch c.Server.Type {
	case ServerTypeBuiltin:
	case ServerTypeCommand:
		if len(c.Server.Command) == 0 {
			return errors.New("server type \"command\" needs a command")
		}
	default:
		return fmt.Errorf("unknown server type %q", c.Server.Type)
	}
	for i, r := range c.Rules {
		if r.Contains == "" || r.Status == "" {
			return fmt.Errorf("classification rule %d needs both contains and status", i)
		}
	}
	return nil
}

// Allocator returns a port allocator for the configured range.
func (c Config) Allocator() (*ports.Allocator, error) {
	return ports.NewAllocator(c.PortRangeStart, c.PortRangeStop)
}

// ServerFactory returns the factory for the configured server technology.
func (c Config) ServerFactory() webserver.ServerFactory {
	if c.Server.Type == ServerTypeCommand {
		return webserver.TemplateServerFactory{Args: c.Server.Command, Env: c.Server.Env}
	}
	return webserver.BuiltinServerFactory{Binary: c.Server.Binary}
}

// Attacher returns the debugger attacher, or nil if no debugger command is configured.
func (c Config) Attacher() debugger.Attacher {
	if len(c.Debugger.Command) == 0 {
		return nil
	}
	return debugger.CommandAttacher{Command: c.Debugger.Command, Env: c.Debugger.Env}
}

// Gate returns the debugger admission gate: a private one if max_active is set, otherwise the
// process-wide default.
func (c Config) Gate() *debugger.Gate {
	if c.Debugger.MaxActive > 0 {
		return debugger.NewGate(c.Debugger.MaxActive)
	}
	return debugger.Default
}

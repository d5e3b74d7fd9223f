package webserver

import (
	"errors"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cmb69/pftt2/servicedef"
)

// ServerCommand is everything needed to launch one server process.
type ServerCommand struct {
	Args []string
	Env  map[string]string
	Dir  string
}

// ServerFactory knows how a concrete server technology is launched. The Manager only deals with
// ports, processes and health; the factory turns params plus a listen address into a command.
type ServerFactory interface {
	NewServerCommand(params servicedef.ServerParams, listenAddress string, port int) (ServerCommand, error)
}

// BuiltinServerFactory runs the interpreter's own development web server (php -S).
type BuiltinServerFactory struct {
	// Binary overrides the interpreter path. By default it is "php" inside params.Build, or "php"
	// from PATH when no build is given.
	Binary string
}

func (f BuiltinServerFactory) NewServerCommand(params servicedef.ServerParams, listenAddress string, port int) (ServerCommand, error) {
	if params.DocRoot == "" {
		return ServerCommand{}, errors.New("builtin web server needs a document root")
	}
	bin := f.Binary
	if bin == "" {
		bin = "php"
		if params.Build != "" {
			bin = filepath.Join(params.Build, "php")
		}
	}
	args := []string{bin, "-S", net.JoinHostPort(listenAddress, strconv.Itoa(port)), "-t", params.DocRoot}
	for _, k := range sortedKeys(params.INI) {
		args = append(args, "-d", k+"="+params.INI[k])
	}
	return ServerCommand{Args: args, Env: params.Env, Dir: params.DocRoot}, nil
}

// TemplateServerFactory builds the command line from a template, so any server technology can be
// driven from configuration. Arguments may contain {host}, {port}, {docroot}, {build} and
// {scenario}. An argument that is exactly {ini} expands to one key=value argument per INI
// directive.
type TemplateServerFactory struct {
	Args []string
	Env  map[string]string
}

func (f TemplateServerFactory) NewServerCommand(params servicedef.ServerParams, listenAddress string, port int) (ServerCommand, error) {
	if len(f.Args) == 0 {
		return ServerCommand{}, errors.New("server command template is empty")
	}
	r := strings.NewReplacer(
		"{host}", listenAddress,
		"{port}", strconv.Itoa(port),
		"{docroot}", params.DocRoot,
		"{build}", params.Build,
		"{scenario}", params.Scenario,
	)
	var args []string
	for _, a := range f.Args {
		if a == "{ini}" {
			for _, k := range sortedKeys(params.INI) {
				args = append(args, k+"="+params.INI[k])
			}
			continue
		}
		args = append(args, r.Replace(a))
	}
	env := make(map[string]string, len(f.Env)+len(params.Env))
	for k, v := range f.Env {
		env[k] = r.Replace(v)
	}
	for k, v := range params.Env {
		env[k] = v
	}
	return ServerCommand{Args: args, Env: env, Dir: params.DocRoot}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/cmb69/pftt2/framework"
)

type commandParams struct {
	Manifest     string   `arg:"" help:"JSON manifest listing the tests to run."`
	Config       string   `name:"config" short:"c" help:"Harness config file (.yaml, .toml or .json)."`
	Run          []string `name:"run" sep:"none" help:"Regex pattern(s) to select tests to run."`
	Skip         []string `name:"skip" sep:"none" help:"Regex pattern(s) to select tests not to run."`
	Workers      int      `name:"workers" help:"Number of concurrent workers (default: from manifest, config, or number of CPUs)."`
	Debug        bool     `name:"debug" help:"Enable debug output for failed tests."`
	DebugAll     bool     `name:"debug-all" help:"Enable debug output for all tests and the harness itself."`
	DebugServers bool     `name:"debug-servers" help:"Attach the configured debugger to every server."`
	MetricsAddr  string   `name:"metrics-addr" help:"Serve Prometheus metrics on this address while tests run, e.g. :9090."`
	NoColor      bool     `name:"no-color" help:"Disable colored output."`

	filters framework.RegexFilters
}

func (c *commandParams) Read(args []string) bool {
	parser, err := kong.New(c,
		kong.Name("pftt"),
		kong.Description("Runs PHP tests against managed web server processes."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return false
	}
	if _, err := parser.Parse(args[1:]); err != nil {
		parser.Errorf("%s", err)
		return false
	}
	for _, p := range c.Run {
		if err := c.filters.MustMatch.Set(p); err != nil {
			parser.Errorf("--run: %s", err)
			return false
		}
	}
	for _, p := range c.Skip {
		if err := c.filters.MustNotMatch.Set(p); err != nil {
			parser.Errorf("--skip: %s", err)
			return false
		}
	}
	if c.Workers < 0 {
		parser.Errorf("--workers must not be negative")
		return false
	}
	return true
}

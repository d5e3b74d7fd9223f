package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/cmb69/pftt2/framework"
)

// ConsoleTestLogger prints one line per test. Failed tests also get their output, indented.
type ConsoleTestLogger struct {
	Out                  io.Writer
	DebugOutputOnFailure bool
	DebugOutputOnSuccess bool
}

func (c *ConsoleTestLogger) TestStarted(id framework.TestID) {}

func (c *ConsoleTestLogger) TestError(id framework.TestID, err error) {
	for _, line := range strings.Split(err.Error(), "\n") {
		fmt.Fprintf(c.Out, "    %s\n", line)
	}
}

func (c *ConsoleTestLogger) TestFinished(id framework.TestID, result framework.TestResult, debugOutput framework.CapturedOutput) {
	failed := result.Status.Failed()
	fmt.Fprintf(c.Out, "%s %s\n", framework.StatusColor(result.Status).Sprintf("%-14s", result.Status), id)
	if failed && result.Output != "" {
		for _, line := range strings.Split(strings.TrimRight(result.Output, "\n"), "\n") {
			fmt.Fprintf(c.Out, "    | %s\n", line)
		}
	}
	if len(debugOutput) > 0 &&
		((failed && c.DebugOutputOnFailure) || (!failed && c.DebugOutputOnSuccess)) {
		debugOutput.Dump(c.Out, "    DEBUG ")
	}
}

func (c *ConsoleTestLogger) TestSkipped(id framework.TestID, reason string) {
	label := framework.StatusColor(framework.StatusSkip).Sprintf("%-14s", "SKIPPED")
	if reason == "" {
		fmt.Fprintf(c.Out, "%s %s\n", label, id)
	} else {
		fmt.Fprintf(c.Out, "%s %s (%s)\n", label, id, reason)
	}
}

package framework

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var summaryOrder = []Status{StatusPass, StatusFail, StatusCrash, StatusSkip, StatusXSkip, StatusTestException}

// StatusColor returns the color results with the given status are printed in.
func StatusColor(s Status) *color.Color {
	switch s {
	case StatusPass:
		return color.New(color.FgGreen)
	case StatusFail, StatusTestException:
		return color.New(color.FgRed)
	case StatusCrash:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgYellow)
	}
}

// PrintResults writes a summary of the run: the count per status followed by the failed tests.
func PrintResults(w io.Writer, results Results) {
	fmt.Fprintf(w, "Ran %d test(s):", len(results.Tests))
	for _, s := range summaryOrder {
		if n := results.Count(s); n > 0 {
			fmt.Fprintf(w, " %s", StatusColor(s).Sprintf("%d %s", n, s))
		}
	}
	fmt.Fprintln(w)
	if results.OK() {
		return
	}
	fmt.Fprintln(w, "Failed tests:")
	for _, f := range results.Failures {
		fmt.Fprintf(w, "  %s %s\n", StatusColor(f.Status).Sprint(f.Status), f.TestID)
	}
}

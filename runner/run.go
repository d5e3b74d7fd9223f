package runner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cmb69/pftt2/framework"
)

// Result is the outcome of running a test case.
type Result struct {
	Status framework.Status
	Output string
	// Replacements counts the requests that ran on a server other than the shared one.
	Replacements int
}

// ClassificationRule overrides the status of any test whose output contains Contains.
type ClassificationRule struct {
	Contains string           `koanf:"contains" json:"contains"`
	Status   framework.Status `koanf:"status" json:"status"`
}

// WillSkip reports whether a test cannot be run over HTTP at all, and why.
func WillSkip(t TestCase) (reason string, skip bool) {
	switch {
	case t.NeedsStdin:
		return "STDIN section not supported for testing against web servers", true
	case t.NeedsArgs:
		return "ARGS section not supported for testing against web servers", true
	}
	return "", false
}

// Run runs the test's SKIPIF, TEST and CLEAN sections in order and evaluates the result.
//
// A SKIPIF section that could not be executed never skips the test. An error is returned only for
// failures that are not caused by the server, such as an invalid expectation.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	if reason, skip := WillSkip(r.test); skip {
		return r.finish(Result{Status: framework.StatusXSkip, Output: reason}), nil
	}

	if r.test.SkipIfFile != "" {
		out, err := r.Execute(ctx, PhaseSkipIf, r.test.SkipIfFile)
		if err != nil {
			return Result{}, fmt.Errorf("%s section: %w", PhaseSkipIf, err)
		}
		if isSkip(out) {
			return r.finish(Result{Status: framework.StatusSkip, Output: strings.TrimSpace(out)}), nil
		}
	}

	out, err := r.Execute(ctx, PhaseTest, r.test.File)
	if err != nil {
		return Result{}, fmt.Errorf("%s section: %w", PhaseTest, err)
	}
	result := Result{Output: out}
	switch {
	case r.testCrashed:
		result.Status = framework.StatusCrash
		if r.crashOutput != "" {
			result.Output = out + "\n" + r.crashOutput
		}
	default:
		ok, err := r.matches(out)
		if err != nil {
			return Result{}, err
		}
		result.Status = framework.StatusFail
		if ok {
			result.Status = framework.StatusPass
		}
	}
	result.Status = r.classify(result.Status, out)

	if r.test.CleanFile != "" {
		if _, err := r.Execute(ctx, PhaseClean, r.test.CleanFile); err != nil {
			r.loggers.Warnf("CLEAN section of %s failed: %s", r.test.Name, err)
		}
	}
	return r.finish(result), nil
}

func (r *Runner) finish(result Result) Result {
	result.Replacements = r.replacements
	r.metrics.TestResults.WithLabelValues(string(result.Status)).Inc()
	return result
}

func isSkip(out string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "skip")
}

func (r *Runner) matches(out string) (bool, error) {
	actual := normalizeOutput(out)
	if r.test.ExpectRegex != "" {
		rx, err := regexp.Compile(`(?s)^(?:` + normalizeOutput(r.test.ExpectRegex) + `)$`)
		if err != nil {
			return false, fmt.Errorf("invalid expected output pattern for %s: %w", r.test.Name, err)
		}
		return rx.MatchString(actual), nil
	}
	return actual == normalizeOutput(r.test.Expect), nil
}

func (r *Runner) classify(status framework.Status, out string) framework.Status {
	if status == framework.StatusCrash {
		return status
	}
	for _, rule := range r.rules {
		if rule.Contains != "" && strings.Contains(out, rule.Contains) {
			r.debug.Printf("output contains %q, reporting %s instead of %s", rule.Contains, rule.Status, status)
			return rule.Status
		}
	}
	return status
}

func normalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimRight(s, " \t\r\n")
}

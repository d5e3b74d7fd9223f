package framework

import (
	"fmt"
	"strings"
)

// Status is the outcome of one test.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
	// StatusXSkip marks tests that cannot be run in this environment at all.
	StatusXSkip Status = "XSKIP"
	// StatusCrash marks tests during which the server crashed.
	StatusCrash Status = "CRASH"
	// StatusTestException marks tests that could not be evaluated because of an unexpected error.
	StatusTestException Status = "TEST_EXCEPTION"
)

// Failed reports whether the status counts against the run.
func (s Status) Failed() bool {
	return s == StatusFail || s == StatusCrash || s == StatusTestException
}

type Results struct {
	Tests    []TestResult
	Failures []TestResult
}

type TestResult struct {
	TestID TestID
	Status Status
	Output string
	Errors []error
}

func (r Results) OK() bool {
	return len(r.Failures) == 0
}

// Count returns how many tests ended with the given status.
func (r Results) Count(s Status) int {
	n := 0
	for _, t := range r.Tests {
		if t.Status == s {
			n++
		}
	}
	return n
}

type TestID struct {
	Path []string
}

func (t TestID) String() string {
	return strings.Join(t.Path, "/")
}

type TestFailure struct {
	ID  TestID
	Err error
}

func (f TestFailure) Error() string {
	return fmt.Sprintf("[%s]: %s", f.ID, f.Err)
}

// Package framework contains the test-run infrastructure that does not depend on how tests are
// executed.
//
// The general model is:
//
// 1. A run is a tree of test contexts, similar to Go's *testing.T. Each test is identified by a
// TestID and ends with a Status; tests that fail the run are collected in Results.Failures.
//
// 2. Subtests may be run from any number of goroutines. A TestLogger receives start, error and
// finish events for every test as they happen.
//
// 3. Each test has its own debug logger, whose captured output can be printed along with the
// test's result.
package framework

package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/cmb69/pftt2/config"
	"github.com/cmb69/pftt2/framework"
	"github.com/cmb69/pftt2/servicedef"
)

func TestReadParams(t *testing.T) {
	var params commandParams
	require.True(t, params.Read([]string{"pftt", "--run", "^ext/", "--skip", "slow", "--workers", "4", "--debug-servers", "tests.json"}))

	assert.Equal(t, "tests.json", params.Manifest)
	assert.Equal(t, 4, params.Workers)
	assert.True(t, params.DebugServers)
	assert.True(t, params.filters.AsFilter(testID("ext/standard/a.phpt")))
	assert.False(t, params.filters.AsFilter(testID("ext/standard/slow.phpt")))
	assert.False(t, params.filters.AsFilter(testID("Zend/a.phpt")))
}

func TestReadParamsRejectsBadInput(t *testing.T) {
	for name, args := range map[string][]string{
		"missing manifest": {"pftt"},
		"bad regex":        {"pftt", "--run", "(", "tests.json"},
		"negative workers": {"pftt", "--workers=-1", "tests.json"},
	} {
		t.Run(name, func(t *testing.T) {
			var params commandParams
			assert.False(t, params.Read(args))
		})
	}
}

func TestRequestTimeoutIgnoresNonPositiveManifestValues(t *testing.T) {
	cfg := config.Default()
	require.Greater(t, cfg.RequestTimeout, time.Duration(0))

	assert.Equal(t, cfg.RequestTimeout, requestTimeout(cfg, servicedef.RunParams{}))
	assert.Equal(t, cfg.RequestTimeout, requestTimeout(cfg, servicedef.RunParams{RequestTimeoutMS: ldvalue.NewOptionalInt(0)}))
	assert.Equal(t, cfg.RequestTimeout, requestTimeout(cfg, servicedef.RunParams{RequestTimeoutMS: ldvalue.NewOptionalInt(-5)}))
	assert.Equal(t, 2500*time.Millisecond, requestTimeout(cfg, servicedef.RunParams{RequestTimeoutMS: ldvalue.NewOptionalInt(2500)}))
}

func TestWorkerCountPrecedence(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 3
	run := servicedef.RunParams{Workers: ldvalue.NewOptionalInt(5)}

	assert.Equal(t, 7, workerCount(7, cfg, run))
	assert.Equal(t, 5, workerCount(0, cfg, run))
	assert.Equal(t, 3, workerCount(0, cfg, servicedef.RunParams{Workers: ldvalue.NewOptionalInt(0)}))
	assert.Equal(t, 3, workerCount(0, cfg, servicedef.RunParams{}))
}

func TestConsoleTestLogger(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	defer func() { color.NoColor = noColor }()

	var buf bytes.Buffer
	logger := &ConsoleTestLogger{Out: &buf}
	logger.TestStarted(testID("a"))
	logger.TestFinished(testID("a"), framework.TestResult{Status: framework.StatusPass, Output: "ok"}, nil)
	logger.TestError(testID("b"), errors.New("line 1\nline 2"))
	logger.TestFinished(testID("b"), framework.TestResult{Status: framework.StatusCrash, Output: "x\ny\n"}, nil)
	logger.TestSkipped(testID("c"), "excluded by filter parameters")

	assert.Equal(t, ""+
		"PASS           a\n"+
		"    line 1\n"+
		"    line 2\n"+
		"CRASH          b\n"+
		"    | x\n"+
		"    | y\n"+
		"SKIPPED        c (excluded by filter parameters)\n",
		buf.String())
}

func TestConsoleTestLoggerDebugOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := &ConsoleTestLogger{Out: &buf, DebugOutputOnFailure: true}
	debug := framework.CapturedOutput{{Message: "using server 127.0.0.1:40000"}}

	logger.TestFinished(testID("a"), framework.TestResult{Status: framework.StatusPass}, debug)
	assert.NotContains(t, buf.String(), "DEBUG")

	logger.TestFinished(testID("b"), framework.TestResult{Status: framework.StatusFail}, debug)
	assert.Contains(t, buf.String(), "    DEBUG [")
	assert.Contains(t, buf.String(), "using server 127.0.0.1:40000")
}

func testID(name string) framework.TestID {
	return framework.TestID{Path: []string{name}}
}

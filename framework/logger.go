package framework

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldlog"
)

const timestampFormat = "2006-01-02 15:04:05.000"

// Logger receives a test's debug messages.
type Logger interface {
	Printf(message string, args ...interface{})
}

type nullLogger struct{}

func (n nullLogger) Printf(message string, args ...interface{}) {}

func NullLogger() Logger { return nullLogger{} }

type CapturedMessage struct {
	Time    time.Time
	Message string
}

type CapturedOutput []CapturedMessage

// CapturingLogger keeps messages in memory until the test finishes. It is also an ldlog.BaseLogger,
// so component logs can be routed into a test's debug output.
type CapturingLogger struct {
	output []CapturedMessage
	lock   sync.Mutex
}

func (l *CapturingLogger) Printf(message string, args ...interface{}) {
	l.add(fmt.Sprintf(message, args...))
}

func (l *CapturingLogger) Println(values ...interface{}) {
	l.add(strings.TrimSuffix(fmt.Sprintln(values...), "\n"))
}

func (l *CapturingLogger) add(message string) {
	l.lock.Lock()
	l.output = append(l.output, CapturedMessage{Time: time.Now(), Message: message})
	l.lock.Unlock()
}

func (l *CapturingLogger) Output() CapturedOutput {
	l.lock.Lock()
	ret := append([]CapturedMessage(nil), l.output...)
	l.lock.Unlock()
	return ret
}

// CaptureDebug returns a copy of loggers that sends debug-level messages to l. Other levels and
// the level threshold are unchanged.
func (l *CapturingLogger) CaptureDebug(loggers ldlog.Loggers) ldlog.Loggers {
	loggers.SetBaseLoggerForLevel(ldlog.Debug, l)
	return loggers
}

// Dump writes every message with its timestamp. Continuation lines of multi-line messages are
// indented below the first.
func (output CapturedOutput) Dump(dest io.Writer, prefix string) {
	for _, m := range output {
		stamp := fmt.Sprintf("[%s] ", m.Time.Format(timestampFormat))
		lines := strings.Split(strings.TrimRight(m.Message, "\n"), "\n")
		fmt.Fprintf(dest, "%s%s%s\n", prefix, stamp, lines[0])
		for _, line := range lines[1:] {
			fmt.Fprintf(dest, "%s%s%s\n", prefix, strings.Repeat(" ", len(stamp)), line)
		}
	}
}

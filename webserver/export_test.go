package webserver

import "time"

// SetDebuggerPollInterval shortens the debugger watch for tests and returns a func restoring it.
func SetDebuggerPollInterval(d time.Duration) func() {
	old := debuggerPollInterval
	debuggerPollInterval = d
	return func() { debuggerPollInterval = old }
}

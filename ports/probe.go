package ports

import (
	"context"
	"math"
	"net"
	"strconv"
	"time"
)

// ProbeAttempts is the number of connection attempts made by Probe.
const ProbeAttempts = 10

// These are variables so tests can shorten them.
var (
	minProbeTimeout = 200 * time.Millisecond
	maxProbeTimeout = 60 * time.Second
	maxProbeDelay   = 500 * time.Millisecond
	probeAfter      = time.After
)

// ProbeResult describes the outcome of Probe.
type ProbeResult struct {
	Connected bool
	Attempts  int
	Elapsed   time.Duration
}

// ProbeTimeout returns the dial timeout used for the given zero-based attempt. It grows as
// 100ms * (attempt+1)^(attempt+1), clamped to [200ms, 60s]; slow cold starts of some servers
// need the larger values.
func ProbeTimeout(attempt int) time.Duration {
	n := float64(attempt + 1)
	ms := 100 * math.Pow(n, n)
	d := time.Duration(math.Min(ms, float64(maxProbeTimeout/time.Millisecond))) * time.Millisecond
	if d < minProbeTimeout {
		return minProbeTimeout
	}
	if d > maxProbeTimeout {
		return maxProbeTimeout
	}
	return d
}

func probeDelay(attempt int) time.Duration {
	d := ProbeTimeout(attempt) / 4
	if d > maxProbeDelay {
		return maxProbeDelay
	}
	return d
}

// Probe checks that a freshly started server accepts TCP connections at address:port. Refused
// connections are retried up to ProbeAttempts times; they are never reported as errors.
func Probe(ctx context.Context, address string, port int) ProbeResult {
	result := ProbeResult{}
	start := time.Now()
	target := net.JoinHostPort(address, strconv.Itoa(port))
	for result.Attempts = 0; result.Attempts < ProbeAttempts; result.Attempts++ {
		d := net.Dialer{Timeout: ProbeTimeout(result.Attempts)}
		conn, err := d.DialContext(ctx, "tcp", target)
		if err == nil {
			_ = conn.Close()
			result.Attempts++
			result.Connected = true
			result.Elapsed = time.Since(start)
			return result
		}
		if result.Attempts == ProbeAttempts-1 {
			continue
		}
		select {
		case <-ctx.Done():
			result.Attempts++
			result.Elapsed = time.Since(start)
			return result
		case <-probeAfter(probeDelay(result.Attempts)):
		}
	}
	result.Elapsed = time.Since(start)
	return result
}

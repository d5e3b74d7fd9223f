package ports

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Ports above 49151 may be handed out as ephemeral client ports by the OS, and some hosts start
// that dynamic range lower, so the default range stays well below both.
const (
	DefaultRangeStart = 40000
	DefaultRangeStop  = 44000
)

// Allocator hands out candidate ports from [start, stop] using a rotating atomic cursor.
//
// Allocation is deliberately racy: two callers may be handed ports that are already bound by
// something else, and the caller is expected to check InUse (and later probe the server) before
// trusting a port. Serializing allocation across all workers would throttle server startup.
type Allocator struct {
	start, stop int32
	last        atomic.Int32
}

// NewAllocator creates an Allocator for the inclusive range [start, stop].
func NewAllocator(start, stop int) (*Allocator, error) {
	if start <= 0 || stop > 65535 || start > stop {
		return nil, fmt.Errorf("invalid port range %d-%d", start, stop)
	}
	a := &Allocator{start: int32(start), stop: int32(stop)}
	a.last.Store(int32(start) - 1)
	return a, nil
}

// Range returns the configured bounds.
func (a *Allocator) Range() (start, stop int) {
	return int(a.start), int(a.stop)
}

// Allocate returns the next port in the range. When the cursor runs past the end of the range it
// is reset, the first port of the range is returned, and wrapped is true.
func (a *Allocator) Allocate() (port int, wrapped bool) {
	for {
		cur := a.last.Load()
		next := cur + 1
		if next > a.stop {
			if a.last.CompareAndSwap(cur, a.start) {
				return int(a.start), true
			}
			continue
		}
		if a.last.CompareAndSwap(cur, next) {
			return int(next), false
		}
	}
}

// InUse reports whether something is already listening on the loopback interface at port.
func InUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

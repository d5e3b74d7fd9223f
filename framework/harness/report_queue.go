package harness

import (
	"sort"
	"sync"
)

// ReportQueue releases per-test console reports in the order the tests were listed, whatever
// order the workers finish them in. Reports are numbered from 1; a report is held back until all
// lower-numbered ones have been released.
type ReportQueue struct {
	C         chan []byte
	released  int
	pending   []pendingReport
	lock      sync.Mutex
	closeOnce sync.Once
}

type pendingReport struct {
	index  int
	report []byte
}

// NewReportQueue creates a queue whose channel can hold capacity reports. With a capacity of at
// least the number of tests, Accept never blocks.
func NewReportQueue(capacity int) *ReportQueue {
	return &ReportQueue{C: make(chan []byte, capacity)}
}

func (q *ReportQueue) Accept(index int, report []byte) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if index > q.released+1 {
		q.pending = append(q.pending, pendingReport{index: index, report: report})
		sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].index < q.pending[j].index })
		return
	}
	q.released = index
	q.C <- report
	for len(q.pending) > 0 {
		next := q.pending[0]
		if next.index != q.released+1 {
			break
		}
		q.pending = q.pending[1:]
		q.released++
		q.C <- next.report
	}
}

// Pending returns the reports still held back.
func (q *ReportQueue) Pending() [][]byte {
	q.lock.Lock()
	ret := make([][]byte, 0, len(q.pending))
	for _, p := range q.pending {
		ret = append(ret, p.report)
	}
	q.lock.Unlock()
	return ret
}

// Flush releases every held-back report in order, skipping over reports that never arrived.
func (q *ReportQueue) Flush() {
	q.lock.Lock()
	for _, p := range q.pending {
		q.released = p.index
		q.C <- p.report
	}
	q.pending = nil
	q.lock.Unlock()
}

func (q *ReportQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.C)
	})
}

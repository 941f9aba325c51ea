package compliance

import "sync"

// DefaultCapacity is the journal size when no capacity is configured
const DefaultCapacity = 1000

// Journal is the bounded in-memory record store. When it is full the oldest record is evicted.
type Journal struct {
	mx    sync.Mutex
	buf   []Record
	start int
	size  int
}

// NewJournal creates journal with given capacity (DefaultCapacity for capacity <= 0)
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{buf: make([]Record, capacity)}
}

// Append implements Sink
func (j *Journal) Append(r Record) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.size < len(j.buf) {
		j.buf[(j.start+j.size)%len(j.buf)] = r
		j.size++
		return
	}
	j.buf[j.start] = r
	j.start = (j.start + 1) % len(j.buf)
}

// Records returns copy of stored records, oldest first
func (j *Journal) Records() []Record {
	return j.Last(-1)
}

// Last returns up to n newest records, oldest first. Negative n means all records.
func (j *Journal) Last(n int) []Record {
	j.mx.Lock()
	defer j.mx.Unlock()
	if n < 0 || n > j.size {
		n = j.size
	}
	res := make([]Record, n)
	for i := 0; i < n; i++ {
		res[i] = j.buf[(j.start+j.size-n+i)%len(j.buf)]
	}
	return res
}

// Len returns number of stored records
func (j *Journal) Len() int {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.size
}

// Cap returns journal capacity
func (j *Journal) Cap() int {
	return len(j.buf)
}

// Metrics calculates metrics over stored records
func (j *Journal) Metrics() Metrics {
	return Calculate(j.Records())
}

// Report builds the compliance report over stored records
func (j *Journal) Report() Report {
	return BuildReport(j.Records())
}

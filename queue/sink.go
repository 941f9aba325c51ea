package queue

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/slytomcat/devtokenizer/compliance"
)

const defaultBuffer = 256

// Sender sends one record
type Sender interface {
	Send(compliance.Record) error
}

// Sink forwards records to the queue in background. Append never blocks:
// when the buffer is full the record is dropped and counted.
type Sink struct {
	ch      chan compliance.Record
	s       Sender
	dropped int64
	wg      sync.WaitGroup
	mx      sync.RWMutex
	closed  bool
}

// NewSink starts the forwarding goroutine
func NewSink(s Sender, size int) *Sink {
	if size <= 0 {
		size = defaultBuffer
	}
	sink := &Sink{ch: make(chan compliance.Record, size), s: s}
	sink.wg.Add(1)
	go func() {
		defer sink.wg.Done()
		for r := range sink.ch {
			if err := sink.s.Send(r); err != nil {
				log.Printf("ERROR: record %s sending error: %v", r.ID, err)
			}
		}
	}()
	return sink
}

// Append implements compliance.Sink
func (s *Sink) Append(r compliance.Record) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.closed {
		atomic.AddInt64(&s.dropped, 1)
		return
	}
	select {
	case s.ch <- r:
	default:
		atomic.AddInt64(&s.dropped, 1)
	}
}

// Dropped returns the number of dropped records
func (s *Sink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close stops accepting records and waits until the buffered ones are sent
func (s *Sink) Close() {
	s.mx.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mx.Unlock()
	s.wg.Wait()
}

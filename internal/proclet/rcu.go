package proclet

import (
	"sync"
	"sync/atomic"
	"time"
)

// RCU is one proclet's reader/writer quiescence lock (spec.md §5, §4.3
// step 4b): method calls hold the reader side for their duration;
// migration takes the writer side to wait until every reader has left
// before the heap is copied (the "writer sync" of the glossary).
//
// Unlike sync.RWMutex, ReadLock must be safely re-entrant for the
// self-call case (spec.md §4.1 "Tie-breaks": "must not deadlock on the
// RCU reader lock (it nests)"). ReadLock and ReadUnlock return nothing:
// readers is a plain counter, so a nested ReadLock adds one more count
// and its ReadUnlock removes it.
type RCU struct {
	readers   atomic.Int64
	writerBit atomic.Bool // true while a writer is waiting/running; blocks new readers
	mu        sync.Mutex
	cond      *sync.Cond
}

func NewRCU() *RCU {
	r := &RCU{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// ReadLock acquires the reader side, blocking out new readers while a
// writer sync is in progress so a migration cannot be starved forever
// by a steady stream of new calls.
func (r *RCU) ReadLock() {
	for {
		if !r.writerBit.Load() {
			r.readers.Add(1)
			if !r.writerBit.Load() {
				return
			}
			r.readers.Add(-1)
		}
		r.mu.Lock()
		for r.writerBit.Load() {
			r.cond.Wait()
		}
		r.mu.Unlock()
	}
}

// ReadUnlock releases the reader side.
func (r *RCU) ReadUnlock() {
	if r.readers.Add(-1) == 0 {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

// WriterSync blocks until every current reader has released (spec.md
// §4.3 step 4b, §8 "RCU quiescence"). It uses spin-with-backoff as the
// Design Notes permit ("the writer-sync spin-with-backoff suffices").
// Once WriterSync returns, no new ReadLock can succeed until
// EndWriterSync is called, guaranteeing the heap-copy window the
// migrator needs is truly exclusive.
func (r *RCU) WriterSync() {
	r.writerBit.Store(true)
	backoff := time.Microsecond
	for r.readers.Load() > 0 {
		time.Sleep(backoff)
		if backoff < time.Millisecond {
			backoff *= 2
		}
	}
}

// EndWriterSync releases the writer bit, letting parked readers proceed
// again. internal/migrate calls it right after capturing a proclet's
// snapshot.
func (r *RCU) EndWriterSync() {
	r.writerBit.Store(false)
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

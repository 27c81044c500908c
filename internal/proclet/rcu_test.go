package proclet

import (
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestRCU_WriterSyncWaitsForReaders(t *testing.T) {
	r := NewRCU()
	r.ReadLock()

	syncDone := make(chan struct{})
	go func() {
		r.WriterSync()
		close(syncDone)
	}()

	select {
	case <-syncDone:
		t.Fatal("WriterSync returned while a reader still held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	r.ReadUnlock()

	select {
	case <-syncDone:
	case <-time.After(time.Second):
		t.Fatal("WriterSync did not return after reader released")
	}
	r.EndWriterSync()
}

func TestRCU_NewReadersBlockDuringWriterSync(t *testing.T) {
	r := NewRCU()
	r.ReadLock()
	r.ReadUnlock()

	r.WriterSync() // no readers, returns immediately

	acquired := make(chan struct{})
	go func() {
		r.ReadLock()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired lock during writer sync")
	case <-time.After(50 * time.Millisecond):
	}

	r.EndWriterSync()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired after writer sync ended")
	}
}

func TestRCU_ConcurrentReaders(t *testing.T) {
	r := NewRCU()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.ReadLock()
			time.Sleep(time.Millisecond)
			r.ReadUnlock()
		}()
	}
	wg.Wait()
	must.Eq(t, int64(0), r.readers.Load())
}

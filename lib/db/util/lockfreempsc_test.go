package util

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestBasicOperations tests basic push and drain functionality
func TestBasicOperations(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	if q.Len() != 10 {
		t.Errorf("Expected length 10, got %d", q.Len())
	}

	var got []int
	n := q.Drain(func(v int) { got = append(got, v) })
	if n != 10 {
		t.Errorf("Expected to drain 10 items, drained %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Errorf("Expected %d at position %d, got %d", i, i, v)
		}
	}

	if n := q.Drain(func(int) {}); n != 0 {
		t.Errorf("Queue should be empty, but drained %d items", n)
	}
	if q.Len() != 0 {
		t.Errorf("Expected length 0, got %d", q.Len())
	}
}

// TestNotify verifies the consumer is woken up by a push
func TestNotify(t *testing.T) {
	q := NewMPSCQueue[string]()
	defer q.Close()

	select {
	case <-q.Notify():
		t.Fatal("Empty queue should not notify")
	default:
	}

	q.Push("a")
	q.Push("b")

	select {
	case <-q.Notify():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for notification")
	}

	// both pushes are coalesced into one signal
	select {
	case <-q.Notify():
		t.Error("Expected a single coalesced notification")
	default:
	}

	if n := q.Drain(func(string) {}); n != 2 {
		t.Errorf("Expected to drain 2 items, drained %d", n)
	}
}

// TestConcurrentProducers verifies the queue works correctly with multiple producers
func TestConcurrentProducers(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	const numProducers = 10
	const itemsPerProducer = 1000
	totalItems := numProducers * itemsPerProducer

	received := make(map[int]bool, totalItems)
	lastPerProducer := make(map[int]int)
	done := make(chan struct{})

	go func() {
		defer close(done)
		deadline := time.After(5 * time.Second)
		for len(received) < totalItems {
			q.Drain(func(v int) {
				if received[v] {
					t.Errorf("Duplicate item received: %d", v)
				}
				received[v] = true

				// items of one producer keep their order
				producer := v / itemsPerProducer
				if last, ok := lastPerProducer[producer]; ok && v < last {
					t.Errorf("Producer %d out of order: %d after %d", producer, v, last)
				}
				lastPerProducer[producer] = v
			})
			select {
			case <-q.Notify():
			case <-time.After(10 * time.Millisecond):
			case <-deadline:
				t.Errorf("Timeout waiting for items, received %d of %d", len(received), totalItems)
				return
			}
		}
	}()

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			base := producerID * itemsPerProducer
			for i := 0; i < itemsPerProducer; i++ {
				if !q.Push(base + i) {
					t.Errorf("Producer %d failed to push item %d", producerID, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}

	wg.Wait()
	<-done

	if len(received) != totalItems {
		t.Errorf("Expected %d items, got %d", totalItems, len(received))
	}
}

// TestCloseQueue verifies closing behavior
func TestCloseQueue(t *testing.T) {
	q := NewMPSCQueue[int]()

	for i := 0; i < 5; i++ {
		q.Push(i)
	}

	q.Close()

	if q.Push(100) {
		t.Error("Should not be able to push after queue is closed")
	}

	// queued items survive the close
	i := 0
	q.Drain(func(v int) {
		if v != i {
			t.Errorf("Expected %d, got %d", i, v)
		}
		i++
	})
	if i != 5 {
		t.Errorf("Expected 5 items after close, got %d", i)
	}
}

// BenchmarkSingleProducer benchmarks the queue with a single producer
func BenchmarkSingleProducer(b *testing.B) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Push(i)
		if i%1024 == 0 {
			q.Drain(func(int) {})
		}
	}
}

// BenchmarkMultiProducer benchmarks the queue with multiple producers
func BenchmarkMultiProducer(b *testing.B) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	stop := make(chan struct{})
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for {
			select {
			case <-stop:
				q.Drain(func(int) {})
				return
			case <-q.Notify():
				q.Drain(func(int) {})
			}
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(i)
			i++
		}
	})
	b.StopTimer()

	close(stop)
	<-consumed
}

package notify

import (
	"sync"
	"testing"
	"time"
)

func collect(ch <-chan Outcome) []Outcome {
	var got []Outcome
	for o := range ch {
		got = append(got, o)
	}
	return got
}

func TestFeedPublishOrder(t *testing.T) {
	t.Parallel()
	f := NewFeed()
	ch, _ := f.Subscribe(16)

	for i := 0; i < 5; i++ {
		f.Publish(Outcome{Value: i})
	}
	f.Close()

	got := collect(ch)
	if len(got) != 5 {
		t.Fatalf("received %d outcomes, want 5", len(got))
	}
	for i, o := range got {
		if o.Value != i {
			t.Fatalf("outcome[%d] = %v, want %d", i, o.Value, i)
		}
	}
}

func TestFeedSubscribeAfterClose(t *testing.T) {
	t.Parallel()
	f := NewFeed()
	f.Publish(Outcome{Value: "before"})
	f.Close()

	ch, cancel := f.Subscribe(4)
	defer cancel()

	select {
	case o, ok := <-ch:
		if ok {
			t.Fatalf("expected completion only, got value %v", o.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("completion signal not delivered")
	}
	if !f.Closed() {
		t.Fatal("feed should report closed")
	}
}

func TestFeedCloseIdempotent(t *testing.T) {
	t.Parallel()
	f := NewFeed()
	ch, _ := f.Subscribe(1)
	f.Close()
	f.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}

func TestFeedUnsubscribe(t *testing.T) {
	t.Parallel()
	f := NewFeed()
	ch, cancel := f.Subscribe(8)
	keep, _ := f.Subscribe(8)

	f.Publish(Outcome{Value: 1})
	cancel()
	cancel() // idempotent
	f.Publish(Outcome{Value: 2})

	got := collect(ch)
	if len(got) != 1 || got[0].Value != 1 {
		t.Fatalf("canceled subscriber got %v, want exactly [1]", got)
	}
	if n := f.Subscribers(); n != 1 {
		t.Fatalf("Subscribers() = %d, want 1", n)
	}

	f.Close()
	if got := collect(keep); len(got) != 2 {
		t.Fatalf("remaining subscriber got %d outcomes, want 2", len(got))
	}
}

func TestFeedConcurrentSubscribePublish(t *testing.T) {
	t.Parallel()
	f := NewFeed()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	pubDone := make(chan struct{})

	go func() {
		defer close(pubDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				f.Publish(Outcome{Value: i})
			}
		}
	}()

	var cancels []func()
	var mu sync.Mutex
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, cancel := f.Subscribe(4)
				mu.Lock()
				cancels = append(cancels, cancel)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	close(stop)
	<-pubDone
	for _, c := range cancels {
		c()
	}
	if n := f.Subscribers(); n != 0 {
		t.Fatalf("Subscribers() = %d after cancel-all, want 0", n)
	}
	f.Close()
}

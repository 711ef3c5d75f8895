package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/agent-command/chatd/internal/protocol"
)

func frame(i int) *protocol.Frame {
	return &protocol.Frame{Type: "system", Subtype: fmt.Sprintf("f%d", i)}
}

func TestArrivalOrder(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		q.Push(frame(i))
	}
	for i := 0; i < 10; i++ {
		f, err := q.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if want := fmt.Sprintf("f%d", i); f.Subtype != want {
			t.Fatalf("got %s, want %s", f.Subtype, want)
		}
	}
}

func TestInterleavedPushPull(t *testing.T) {
	q := New()
	ctx := context.Background()

	q.Push(frame(0))
	q.Push(frame(1))
	if f, _ := q.Next(ctx); f.Subtype != "f0" {
		t.Fatalf("got %s", f.Subtype)
	}
	q.Push(frame(2))
	for i := 1; i <= 2; i++ {
		f, _ := q.Next(ctx)
		if want := fmt.Sprintf("f%d", i); f.Subtype != want {
			t.Fatalf("got %s, want %s", f.Subtype, want)
		}
	}
}

func TestSuspendedConsumerWoken(t *testing.T) {
	q := New()
	got := make(chan *protocol.Frame, 1)
	go func() {
		f, _ := q.Next(context.Background())
		got <- f
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(frame(7))

	select {
	case f := <-got:
		if f.Subtype != "f7" {
			t.Errorf("got %s", f.Subtype)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer never woke")
	}
}

func TestCloseDrainsThenDone(t *testing.T) {
	q := New()
	q.Push(frame(0))
	q.Close()

	f, err := q.Next(context.Background())
	if err != nil || f.Subtype != "f0" {
		t.Fatalf("buffered frame not drained: %v %v", f, err)
	}
	if _, err := q.Next(context.Background()); !errors.Is(err, ErrDone) {
		t.Fatalf("want ErrDone, got %v", err)
	}
}

func TestCloseWakesWaiter(t *testing.T) {
	q := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDone) {
			t.Errorf("want ErrDone, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestPushAfterCloseDropped(t *testing.T) {
	q := New()
	q.Close()
	q.Push(frame(0))
	if q.Len() != 0 {
		t.Error("push after close buffered a frame")
	}
}

func TestContextCancel(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("want context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next never returned")
	}

	// The queue is still usable afterwards.
	q.Push(frame(1))
	f, err := q.Next(context.Background())
	if err != nil || f.Subtype != "f1" {
		t.Fatalf("queue unusable after cancel: %v %v", f, err)
	}
}

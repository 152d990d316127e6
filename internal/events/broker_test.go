package events

import (
	"fmt"
	"testing"
	"time"
)

func TestSubscribeReceivesPublished(t *testing.T) {
	b := NewBroker(10)
	ch, cancel, snapshot := b.Subscribe()
	defer cancel()
	if len(snapshot) != 0 {
		t.Fatalf("snapshot = %d events, want 0", len(snapshot))
	}

	b.Publish(Event{Type: TypeTaskCompleted, BatchID: "b1"})
	select {
	case ev := <-ch:
		if ev.Type != TypeTaskCompleted || ev.BatchID != "b1" {
			t.Errorf("event = %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSnapshotReplaysBuffer(t *testing.T) {
	b := NewBroker(10)
	b.Publish(Event{Type: TypeLeaderElected})
	b.Publish(Event{Type: TypeBatchDone, BatchID: "b1"})

	_, cancel, snapshot := b.Subscribe()
	defer cancel()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %d events, want 2", len(snapshot))
	}
	if snapshot[1].BatchID != "b1" {
		t.Errorf("snapshot[1] = %+v", snapshot[1])
	}
}

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBroker(3)
	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeTaskCompleted, TaskID: fmt.Sprintf("t%d", i)})
	}
	_, cancel, snapshot := b.Subscribe()
	defer cancel()
	if len(snapshot) != 3 {
		t.Fatalf("snapshot = %d events, want 3", len(snapshot))
	}
	if snapshot[0].TaskID != "t2" || snapshot[2].TaskID != "t4" {
		t.Errorf("snapshot window = [%s..%s], want [t2..t4]", snapshot[0].TaskID, snapshot[2].TaskID)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewBroker(10)
	ch, cancel, _ := b.Subscribe()
	cancel()
	b.Publish(Event{Type: TypeTaskCompleted})
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("event delivered after cancel")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker(10)
	_, cancel, _ := b.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultSubscriberBuffer*2; i++ {
			b.Publish(Event{Type: TypeTaskCompleted})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestNilBrokerIsSafe(t *testing.T) {
	var b *Broker
	b.Publish(Event{Type: TypeTaskCompleted}) // must not panic
	ch, cancel, snapshot := b.Subscribe()
	cancel()
	if ch != nil || snapshot != nil {
		t.Error("nil broker should return empty subscription")
	}
}

package eventbus

import (
	"testing"
	"time"

	"github.com/seanfdz/commandpost/internal/types"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(types.EventTaskUpdated)
	b.Publish(&types.Event{EventID: "e1", EventType: types.EventTaskUpdated})

	select {
	case ev := <-ch:
		if ev.EventID != "e1" {
			t.Errorf("got %s, want e1", ev.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishSkipsNonMatchingType(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe(types.EventTaskUpdated)
	b.Publish(&types.Event{EventID: "e1", EventType: types.EventHandoffFailed})

	select {
	case ev := <-ch:
		t.Fatalf("unexpected delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllTypes(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe()
	b.Publish(&types.Event{EventID: "e1", EventType: types.EventTaskCreated})
	select {
	case ev := <-ch:
		if ev.EventID != "e1" {
			t.Errorf("got %s", ev.EventID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil)
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}

type fakePublisher struct{ calls int }

func (f *fakePublisher) PublishJSON(subject string, v interface{}) error {
	f.calls++
	return nil
}

func TestPublishMirrorsToNATS(t *testing.T) {
	fp := &fakePublisher{}
	b := New(fp)
	b.Publish(&types.Event{EventID: "e1", EventType: types.EventTaskCreated})
	if fp.calls != 1 {
		t.Fatalf("want 1 nats publish call, got %d", fp.calls)
	}
}

package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := b.Subscribe(4)
	defer unsub2()

	b.Publish(Event{Type: TaskStarted, Data: "x"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TaskStarted || e.Data != "x" {
				t.Fatalf("sub %d got %+v", i, e)
			}
			if e.Time.IsZero() {
				t.Fatalf("sub %d: event time not stamped", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d: no event", i)
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFinished})
	if st := b.Stats(); st.Dropped != 1 || st.Published != 2 || st.Subscribers != 1 {
		t.Fatalf("Stats = %+v", st)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TaskFailed})
}

func TestSubscribeFiltersTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TaskFinished, TaskFailed)
	defer unsub()

	for _, typ := range []string{SchedulerStarted, TaskStarted, TaskFinished, TaskStarted, TaskFailed} {
		b.Publish(Event{Type: typ})
	}
	var got []string
	for len(ch) > 0 {
		got = append(got, (<-ch).Type)
	}
	if len(got) != 2 || got[0] != TaskFinished || got[1] != TaskFailed {
		t.Fatalf("got %v", got)
	}
	if st := b.Stats(); st.Dropped != 0 || st.Published != 5 {
		t.Fatalf("Stats = %+v", st)
	}
}

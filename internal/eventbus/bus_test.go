package eventbus

import (
	"errors"
	"testing"
	"time"

	"geopub/internal/model"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(NewEvent(AuthComplete{Session: model.AuthSession{TaskID: "t1", State: model.AuthSuccess}}))

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Kind != KindAuthComplete {
				t.Fatalf("kind=%q", e.Kind)
			}
			ac, ok := e.Payload.(AuthComplete)
			if !ok || ac.Session.TaskID != "t1" {
				t.Fatalf("unexpected payload %#v", e.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishFillsKindAndTime(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Payload: TaskLifecycle{Phase: PhaseStarted}})
	e := <-ch
	if e.Kind != KindTaskLifecycle || e.Time.IsZero() {
		t.Fatalf("kind/time not stamped: %+v", e)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(PublishProgress{RequestID: "r"}))
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffered 1, got %d", len(ch))
	}
	if Dropped(b) != 4 {
		t.Fatalf("dropped=%d", Dropped(b))
	}
}

func TestUnsubscribeClosesAndPublishSurvives(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(NewEvent(AccountCheckComplete{}))
}

func TestKindsCoverEveryVariant(t *testing.T) {
	t.Parallel()

	variants := []Payload{PublishProgress{}, AccountCheckProgress{}, AccountCheckComplete{}, AuthComplete{}, TaskLifecycle{}}
	kinds := Kinds()
	if len(kinds) != len(variants) {
		t.Fatalf("Kinds() has %d entries for %d variants", len(kinds), len(variants))
	}
	seen := map[Kind]bool{}
	for _, k := range kinds {
		seen[k] = true
	}
	for _, v := range variants {
		if !seen[v.Kind()] {
			t.Fatalf("kind %q missing from Kinds()", v.Kind())
		}
	}

	var err error = UnknownPayloadError{Kind: "x"}
	var upe UnknownPayloadError
	if !errors.As(err, &upe) {
		t.Fatalf("errors.As failed")
	}
}

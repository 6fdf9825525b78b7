package eventbus

import "testing"

func TestSubscribeTypesFilters(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	failed, unsubFailed := SubscribeTypes(b, 4, JobFailed)
	defer unsubFailed()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobFailed, Data: "boom"})

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
	if len(failed) != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", len(failed))
	}
	e := <-failed
	if e.Type != JobFailed || e.Data != "boom" || e.Time.IsZero() {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: JobQueued})
	}
	if got := Dropped(b); got != 4 {
		t.Fatalf("dropped = %d, want 4", got)
	}

	unsub()
	unsub()
	b.Publish(Event{Type: JobQueued})
}

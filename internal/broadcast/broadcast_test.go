package broadcast

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return NewHub(filepath.Join(t.TempDir(), "queue_updates.json"))
}

func update(id int64, status string) QueueUpdate {
	return QueueUpdate{
		ID:                 id,
		QueueNumber:        "1401",
		RegistrationNumber: 1401,
		Status:             status,
		Patient:            PatientRef{ID: 7, Name: "Aminah"},
		Doctor:             DoctorRef{ID: 3, Name: "Dr. Tan"},
		QueueDateTime:      time.Now(),
	}
}

func TestPublish_DeliversToEverySubscriber(t *testing.T) {
	h := newTestHub(t)

	ch1, cancel1 := h.Subscribe("conn-1")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("conn-2")
	defer cancel2()

	sent := h.Publish(update(1, "waiting"))

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			if got.ID != sent.ID || got.Data.Status != "waiting" {
				t.Errorf("got event %+v, want %+v", got, sent)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublish_OrderedAndNeverRedelivered(t *testing.T) {
	h := newTestHub(t)
	ch, cancel := h.Subscribe("conn-1")
	defer cancel()

	statuses := []string{"waiting", "in_consultation", "completed"}
	for i, s := range statuses {
		h.Publish(update(int64(i+1), s))
	}

	var lastTS int64
	seen := make(map[string]bool)
	for range statuses {
		got := <-ch
		if got.Timestamp < lastTS {
			t.Errorf("timestamp went backwards: %d after %d", got.Timestamp, lastTS)
		}
		if seen[got.ID] {
			t.Errorf("event %s delivered twice", got.ID)
		}
		seen[got.ID] = true
		lastTS = got.Timestamp
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected extra event %s", ev.ID)
	default:
	}
}

func TestPublish_LaggingSubscriberIsDroppedNotOthers(t *testing.T) {
	h := newTestHub(t)

	// laggard never drains; healthy keeps reading.
	_, cancelLag := h.Subscribe("laggard")
	defer cancelLag()
	healthy, cancelOK := h.Subscribe("healthy")
	defer cancelOK()

	done := make(chan int)
	go func() {
		n := 0
		for range healthy {
			n++
			if n == subscriberBuffer+5 {
				done <- n
				return
			}
		}
		done <- n
	}()

	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(update(int64(i), "waiting"))
	}

	if n := <-done; n != subscriberBuffer+5 {
		t.Errorf("healthy subscriber got %d events, want %d", n, subscriberBuffer+5)
	}
	if h.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount = %d, want 1 (laggard dropped)", h.SubscriberCount())
	}
}

func TestLog_CappedAtTenMostRecent(t *testing.T) {
	h := newTestHub(t)

	for i := 1; i <= 15; i++ {
		h.Publish(update(int64(i), "waiting"))
	}

	events, err := h.Recent()
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != maxLogEvents {
		t.Fatalf("log holds %d events, want %d", len(events), maxLogEvents)
	}
	// Oldest surviving entry is #6; newest is #15.
	if events[0].Data.ID != 6 || events[len(events)-1].Data.ID != 15 {
		t.Errorf("log window [%d..%d], want [6..15]",
			events[0].Data.ID, events[len(events)-1].Data.ID)
	}
}

func TestRecent_MissingFileIsEmptyHistory(t *testing.T) {
	h := newTestHub(t)
	events, err := h.Recent()
	if err != nil {
		t.Fatalf("Recent on missing file: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty history, got %d events", len(events))
	}
}

func TestInspect(t *testing.T) {
	h := newTestHub(t)
	h.Publish(update(1, "waiting"))

	_, cancel := h.Subscribe("conn-1")
	defer cancel()

	info := h.Inspect()
	if !info.Exists || !info.Writable {
		t.Errorf("expected existing writable log, got %+v", info)
	}
	if info.Events != 1 || info.Subscribers != 1 {
		t.Errorf("Events=%d Subscribers=%d, want 1/1", info.Events, info.Subscribers)
	}
	if info.SizeBytes == 0 {
		t.Error("expected non-zero log size")
	}
}

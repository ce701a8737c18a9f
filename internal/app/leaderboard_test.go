package app

import (
	"context"
	"testing"
	"time"
)

func TestHubRanksByScoreThenArrival(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hub := newHubWithClock(func() time.Time { return now })

	hub.Record("quiz-1", "score", "carol", 2)
	now = now.Add(time.Second)
	hub.Record("quiz-1", "score", "alice", 2)
	now = now.Add(time.Second)
	lb := hub.Record("quiz-1", "score", "bob", 5)

	want := []string{"bob", "carol", "alice"}
	for i, id := range want {
		if lb.Entries[i].UserID != id {
			t.Fatalf("position %d: expected %s, got %+v", i, id, lb.Entries)
		}
	}
	if lb.Variable != "score" {
		t.Fatalf("expected variable score, got %q", lb.Variable)
	}
}

func TestHubUnchangedScoreKeepsArrival(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	hub := newHubWithClock(func() time.Time { return now })

	hub.Record("quiz-1", "score", "alice", 1)
	now = now.Add(time.Second)
	hub.Record("quiz-1", "score", "bob", 1)
	now = now.Add(time.Second)
	lb := hub.Record("quiz-1", "score", "alice", 1)

	if lb.Entries[0].UserID != "alice" {
		t.Fatalf("expected alice to keep her place, got %+v", lb.Entries)
	}
}

func TestHubDropsStaleUpdatesForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(context.Background(), "quiz-1")
	defer cancel()

	for i := 0; i < 20; i++ {
		hub.Record("quiz-1", "score", "alice", float64(i))
	}

	var last float64
	for len(ch) > 0 {
		lb := <-ch
		if len(lb.Entries) == 1 {
			last = lb.Entries[0].Score
		}
	}
	if last != 19 {
		t.Fatalf("expected latest score 19 to be delivered, got %v", last)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(context.Background(), "quiz-1")
	<-ch
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}

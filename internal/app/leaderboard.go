package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"quizflow-service/internal/domain"
)

// Hub keeps one live leaderboard per quiz and fans updates out to subscribers.
type Hub struct {
	now    func() time.Time
	mu     sync.Mutex
	boards map[string]*board
}

func NewHub() *Hub {
	return newHubWithClock(time.Now)
}

// newHubWithClock allows deterministic timestamps in tests.
func newHubWithClock(now func() time.Time) *Hub {
	return &Hub{now: now, boards: make(map[string]*board)}
}

func (h *Hub) board(quizID string) *board {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.boards[quizID]
	if !ok {
		b = &board{
			quizID:       quizID,
			now:          h.now,
			participants: make(map[string]*domain.Participant),
			subscribers:  make(map[chan domain.Leaderboard]struct{}),
		}
		h.boards[quizID] = b
	}
	return b
}

// Record sets userID's score on the quiz board and broadcasts the new ranking.
func (h *Hub) Record(quizID, variable, userID string, score float64) domain.Leaderboard {
	return h.board(quizID).record(variable, userID, score)
}

// Snapshot returns the current ranking of a quiz.
func (h *Hub) Snapshot(quizID string) domain.Leaderboard {
	b := h.board(quizID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Subscribe returns a channel that receives leaderboard updates for a quiz,
// starting with the current ranking. The caller must invoke cancel.
func (h *Hub) Subscribe(_ context.Context, quizID string) (<-chan domain.Leaderboard, func()) {
	return h.board(quizID).subscribe()
}

type board struct {
	quizID       string
	variable     string
	now          func() time.Time
	mu           sync.Mutex
	participants map[string]*domain.Participant
	subscribers  map[chan domain.Leaderboard]struct{}
}

func (b *board) record(variable, userID string, score float64) domain.Leaderboard {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.variable = variable
	now := b.now()
	p, ok := b.participants[userID]
	if !ok {
		p = &domain.Participant{UserID: userID, DisplayName: userID}
		b.participants[userID] = p
	}
	if !ok || p.Score != score {
		p.Score = score
		p.LastUpdated = now
	}
	return b.broadcastLocked()
}

func (b *board) subscribe() (<-chan domain.Leaderboard, func()) {
	ch := make(chan domain.Leaderboard, 8)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	initial := b.snapshotLocked()
	b.mu.Unlock()

	ch <- initial

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// broadcastLocked never blocks: a subscriber that fell behind loses its
// oldest pending update.
func (b *board) broadcastLocked() domain.Leaderboard {
	lb := b.snapshotLocked()
	for ch := range b.subscribers {
		select {
		case ch <- lb:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- lb
		}
	}
	return lb
}

// snapshotLocked ranks by score, then by who reached it first, then by name.
func (b *board) snapshotLocked() domain.Leaderboard {
	entries := make([]domain.LeaderboardEntry, 0, len(b.participants))
	for _, p := range b.participants {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Score:       p.Score,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		pi := b.participants[entries[i].UserID]
		pj := b.participants[entries[j].UserID]
		if !pi.LastUpdated.Equal(pj.LastUpdated) {
			return pi.LastUpdated.Before(pj.LastUpdated)
		}
		return entries[i].DisplayName < entries[j].DisplayName
	})

	return domain.Leaderboard{
		QuizID:    b.quizID,
		Variable:  b.variable,
		Entries:   entries,
		UpdatedAt: b.now(),
	}
}

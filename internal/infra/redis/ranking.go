package redis

import (
	"context"

	"quizflow-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Ranking mirrors leaderboard scores into one sorted set per quiz:
// ZADD quiz:{quizID}:leaderboard {score} {userID}
type Ranking struct {
	client *redis.Client
}

func NewRanking(client *redis.Client) *Ranking {
	return &Ranking{client: client}
}

func (r *Ranking) Record(ctx context.Context, quizID, userID string, score float64) error {
	return r.client.ZAdd(ctx, r.key(quizID), redis.Z{Score: score, Member: userID}).Err()
}

// Top returns the n best scores, highest first; ties are ordered by user id descending.
func (r *Ranking) Top(ctx context.Context, quizID string, n int) ([]domain.LeaderboardEntry, error) {
	zs, err := r.client.ZRevRangeWithScores(ctx, r.key(quizID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.LeaderboardEntry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, domain.LeaderboardEntry{UserID: id, DisplayName: id, Score: z.Score})
	}
	return out, nil
}

func (r *Ranking) key(quizID string) string {
	return "quiz:" + quizID + ":leaderboard"
}

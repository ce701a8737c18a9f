package postgres

import (
	"context"
	"errors"
	"fmt"

	"quizflow-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// QuizLoader loads published quiz documents (JSONB) from Postgres.
type QuizLoader struct {
	pool *pgxpool.Pool
}

func NewQuizLoader(pool *pgxpool.Pool) *QuizLoader {
	return &QuizLoader{pool: pool}
}

func (l *QuizLoader) LoadQuiz(ctx context.Context, quizID string) (*domain.QuizDefinition, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT document FROM quizzes WHERE id=$1`, quizID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrQuizNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load quiz: %w", err)
	}
	quiz, err := domain.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("decode quiz %s: %w", quizID, err)
	}
	return quiz, nil
}

// CreatorDirectory reads creator tiers and allowlists from Postgres.
type CreatorDirectory struct {
	pool *pgxpool.Pool
}

func NewCreatorDirectory(pool *pgxpool.Pool) *CreatorDirectory {
	return &CreatorDirectory{pool: pool}
}

func (d *CreatorDirectory) Creator(ctx context.Context, creatorID string) (domain.Creator, error) {
	c := domain.Creator{ID: creatorID}
	err := d.pool.QueryRow(ctx, `SELECT tier, allowlist FROM creators WHERE id=$1`, creatorID).Scan(&c.Tier, &c.Allowlist)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Creator{}, domain.ErrCreatorNotFound
	}
	if err != nil {
		return domain.Creator{}, fmt.Errorf("load creator: %w", err)
	}
	return c, nil
}
